package middleware

import (
    "net/http"

    "github.com/go-playground/validator/v10"
    "github.com/labstack/echo/v4"
)

// RequestValidator plugs validator/v10 into echo so handlers can call
// c.Validate on bound request bodies.
type RequestValidator struct {
    v *validator.Validate
}

// NewRequestValidator returns a validator honoring `validate` struct tags.
func NewRequestValidator() *RequestValidator {
    return &RequestValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate implements echo.Validator.  Failures become 400 responses
// naming the first offending field.
func (rv *RequestValidator) Validate(i interface{}) error {
    err := rv.v.Struct(i)
    if err == nil {
        return nil
    }
    if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
        fe := verrs[0]
        return echo.NewHTTPError(http.StatusBadRequest, fe.Field()+": failed "+fe.Tag()).SetInternal(err)
    }
    return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
}
