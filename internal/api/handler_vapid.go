package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetVAPIDPublicKey returns the key browsers need to subscribe to batch
// notifications. Without keys push is disabled and the endpoint reports 503.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		h.log.Warn("vapid public key requested but push is not configured", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"publicKey": h.webpush.VAPIDPublicKey})
}
