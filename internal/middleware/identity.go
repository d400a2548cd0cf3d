package middleware

// identity.go holds the helpers shared by the auth and rate limit
// middleware for reading who is calling.

import (
    "strings"

    "github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
    CtxSubject = "user_id"
    CtxRole    = "role"
)

// Subject returns the authenticated subject, or "" for anonymous callers.
func Subject(c echo.Context) string {
    if s, ok := c.Get(CtxSubject).(string); ok {
        return s
    }
    return ""
}

// callerKey identifies a caller for rate limiting.  Buyers are anonymous,
// so the email they act for is used when the request carries one in the
// query string; otherwise the subject or "anon".
func callerKey(c echo.Context) string {
    if s := Subject(c); s != "" {
        return s
    }
    if e := strings.ToLower(strings.TrimSpace(c.QueryParam("email"))); e != "" {
        return e
    }
    return "anon"
}
