package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/vault"
)

// writeError maps domain errors onto HTTP responses.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ledger.ErrAlreadySealed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": "already_sealed"})
	case evidence.IsStateError(err):
		c.JSON(http.StatusConflict, gin.H{"error": "action not valid in current state", "detail": err.Error()})
	case errors.Is(err, evidence.ErrNotFound), errors.Is(err, vault.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ledger.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		logger.Warn("ledger unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable, retry later"})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
