package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/config"
	"github.com/iliyamo/raffle-ticketing/internal/utils"
)

// AuthHandler issues admin access tokens.  There is one configured admin
// account; buyers never authenticate.
type AuthHandler struct {
	Cfg config.Config
}

func NewAuthHandler(cfg config.Config) *AuthHandler {
	return &AuthHandler{Cfg: cfg}
}

type loginReq struct {
	User     string `json:"user" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type loginResp struct {
	User   string    `json:"user"`
	Role   string    `json:"role"`
	Access tokenPart `json:"access"`
}

// Login handles POST /v1/admin/login.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	user := strings.TrimSpace(req.User)
	// both checks always run
	okPass := utils.VerifyPassword(h.Cfg.Admin.PasswordHash, req.Password)
	okUser := subtle.ConstantTimeCompare([]byte(user), []byte(h.Cfg.Admin.User)) == 1
	if !okUser || !okPass {
		logrus.WithField("ip", c.RealIP()).Warn("admin login rejected")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, user, utils.RoleAdmin, h.Cfg.AccessTTLMin)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue access failed"})
	}
	return c.JSON(http.StatusOK, loginResp{
		User:   user,
		Role:   utils.RoleAdmin,
		Access: tokenPart{Token: access.Token, Expires: access.Exp},
	})
}
