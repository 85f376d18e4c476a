package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type receiptValidationRequest struct {
	ReceiptData string `json:"receiptData"`
}

// HandleReceiptValidation verifies a purchase receipt on behalf of the
// mobile client. Rejections are a 200 with valid=false; only a missing
// receipt is a client error.
func (s *Server) HandleReceiptValidation(c *gin.Context) {
	var req receiptValidationRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ReceiptData) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if s.receiptSvc == nil {
		AbortWithError(c, ErrInternal)
		return
	}

	result := s.receiptSvc.Validate(c.Request.Context(), req.ReceiptData)
	c.JSON(http.StatusOK, gin.H{
		"valid":         result.Valid,
		"transactionId": result.TransactionID,
		"productId":     result.ProductID,
		"environment":   result.Environment,
		"error":         result.Error,
	})
}
