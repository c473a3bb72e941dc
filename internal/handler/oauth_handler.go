package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailschedule/internal/model"
)

type OAuthGrant interface {
	AuthURL(userID int64) (string, error)
	Exchange(ctx context.Context, code, state string) (*model.TokenRecord, error)
}

type OAuthHandler struct {
	grant  OAuthGrant
	logger *zap.Logger
}

func NewOAuthHandler(grant OAuthGrant, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{grant: grant, logger: logger}
}

// AuthURL handles GET /oauth/google/url
func (h *OAuthHandler) AuthURL(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	url, err := h.grant.AuthURL(userID)
	if err != nil {
		respondError(c, h.logger, "failed to build auth url", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": url})
}

// Callback handles GET /oauth/google/callback?code=&state=
func (h *OAuthHandler) Callback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization denied", "details": e})
		return
	}

	rec, err := h.grant.Exchange(c.Request.Context(), c.Query("code"), c.Query("state"))
	if err != nil {
		respondError(c, h.logger, "failed to link google account", err)
		return
	}

	h.logger.Info("Google account linked", zap.Int64("user_id", rec.UserID), zap.Int64("token_id", rec.ID))
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           "Google account linked",
		"has_refresh_token": rec.RefreshToken != "",
	})
}
