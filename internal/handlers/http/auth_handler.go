package http

import (
	"net/http"
	"strings"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/services"
	"tilecast/pkg/errors"
	"tilecast/pkg/utils"
	"tilecast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
		api.POST("/refresh", h.RefreshToken)
	}
}

type TokenRequest struct {
	ClientID string `json:"client_id" binding:"max=100"`
	Name     string `json:"name" binding:"max=256"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

// IssueToken hands a presenter the token it presents on the websocket
// handshake. An empty client_id gets a generated one.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		req.ClientID = utils.GenerateClientID()
	}
	if err := validation.ValidateClientID(req.ClientID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if strings.TrimSpace(req.Name) != "" {
		if err := validation.ValidateDisplayName(req.Name); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	clientID := domain.ClientID(req.ClientID)
	name := utils.DisplayName(req.Name, req.ClientID)

	accessToken, err := h.authService.GenerateToken(clientID, name)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	refreshToken, err := h.authService.GenerateRefreshToken(clientID)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate refresh token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"client_id":     clientID,
		"name":          name,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(h.authService.AccessTokenTTL().Seconds()),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		_ = c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.ClientID, utils.DisplayName(claims.Name, string(claims.ClientID)))
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": accessToken,
		"expires_in":   int(h.authService.AccessTokenTTL().Seconds()),
	})
}
