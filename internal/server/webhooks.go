package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleEsimWebhook acknowledges provisioning-provider deliveries.
// Duplicates and handler failures both get success: once the event is
// durably logged there is nothing a provider retry could add.
func (s *Server) HandleEsimWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if _, err := s.esimSvc.Ingest(c.Request.Context(), body, c.ClientIP()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) HandleAppStoreWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.appStoreSvc.Ingest(c.Request.Context(), body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Duplicate {
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received":         true,
		"notificationUUID": result.NotificationUUID,
		"type":             result.NotificationType,
	})
}
