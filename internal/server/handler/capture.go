package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/capture"
	"github.com/jmerrifield20/trustedcapture/internal/identity"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
)

// CaptureHandler accepts uploads and drives them through the capture pipeline.
type CaptureHandler struct {
	pipeline  *capture.Pipeline
	tokens    *identity.TokenIssuer
	maxUpload int64
	logger    *zap.Logger
}

// NewCaptureHandler creates a new CaptureHandler. maxUpload caps request
// bodies in bytes; zero means 512 MiB.
func NewCaptureHandler(p *capture.Pipeline, tokens *identity.TokenIssuer, maxUpload int64, logger *zap.Logger) *CaptureHandler {
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	return &CaptureHandler{pipeline: p, tokens: tokens, maxUpload: maxUpload, logger: logger}
}

// Register mounts the capture routes on the given router group.
func (h *CaptureHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/captures")
	g.Use(identity.RequireToken(h.tokens))
	{
		g.POST("", h.Create)
		g.GET("/:id", h.Get)
		g.DELETE("/:id", h.Abandon)
	}
}

// Create handles POST /captures: multipart "file", optional "metadata"
// JSON and "attempt_id". It returns once the seal has committed; analysis
// continues in the background.
//
// The returned item_id names the item the session will create when analysis
// polling ends, so it is not yet readable under /evidence while item_ready
// is false. Poll GET /captures/:id until phase is "sealed". A replayed
// attempt reports the item already recorded for the fingerprint.
func (h *CaptureHandler) Create(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}

	var meta *sealing.CaptureMetadata
	if raw := c.PostForm("metadata"); raw != "" {
		meta = &sealing.CaptureMetadata{}
		if err := json.Unmarshal([]byte(raw), meta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be JSON: " + err.Error()})
			return
		}
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	snap, err := h.pipeline.Submit(c.Request.Context(), identity.PrincipalFromCtx(c), capture.Input{
		Source:      f,
		FileName:    fh.Filename,
		ContentType: contentType,
		Metadata:    meta,
		AttemptID:   c.PostForm("attempt_id"),
	})
	if err != nil {
		h.writeFailure(c, snap, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":  snap.ID,
		"item_id":     snap.ItemID,
		"item_ready":  snap.ItemReady,
		"fingerprint": snap.Key,
		"sealed_at":   snap.SealedAt,
		"phase":       snap.Phase,
		"replayed":    snap.Replayed,
	})
}

func (h *CaptureHandler) writeFailure(c *gin.Context, snap capture.Snapshot, err error) {
	switch snap.Failure {
	case capture.DuplicateCapture:
		c.JSON(http.StatusConflict, gin.H{
			"error":       "content already sealed",
			"status":      "already_sealed",
			"fingerprint": snap.Key,
			"session":     snap,
		})
	case capture.LedgerUnavailable:
		h.logger.Warn("capture failed: ledger unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ledger unavailable, start a new capture",
			"session": snap,
		})
	case capture.InvalidRequest, capture.CaptureError, capture.Abandoned:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "session": snap})
	default:
		writeError(c, h.logger, err)
	}
}

// Get handles GET /captures/:id: returns the session snapshot.
func (h *CaptureHandler) Get(c *gin.Context) {
	snap, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Abandon handles DELETE /captures/:id: stops waiting on analysis. A
// sealed record is never rolled back.
func (h *CaptureHandler) Abandon(c *gin.Context) {
	snap, ok := h.lookup(c)
	if !ok {
		return
	}
	h.pipeline.Abandon(snap.ID)
	snap, _ = h.pipeline.Lookup(snap.ID)
	c.JSON(http.StatusAccepted, snap)
}

func (h *CaptureHandler) lookup(c *gin.Context) (capture.Snapshot, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return capture.Snapshot{}, false
	}
	snap, ok := h.pipeline.Lookup(id)
	if !ok || snap.Creator != identity.PrincipalFromCtx(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "capture session not found"})
		return capture.Snapshot{}, false
	}
	return snap, true
}
