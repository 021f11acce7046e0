package handler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/identity"
)

// EvidenceHandler exposes an account's evidence history and recycle bin.
type EvidenceHandler struct {
	manager *evidence.Manager
	tokens  *identity.TokenIssuer
	logger  *zap.Logger
}

// NewEvidenceHandler creates a new EvidenceHandler.
func NewEvidenceHandler(m *evidence.Manager, tokens *identity.TokenIssuer, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{manager: m, tokens: tokens, logger: logger}
}

// Register mounts the evidence routes on the given router group.
func (h *EvidenceHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/evidence")
	g.Use(identity.RequireToken(h.tokens))
	{
		g.GET("", h.List)
		g.GET("/:id", h.Get)
		g.GET("/:id/payload", h.Payload)
		g.DELETE("/:id", h.SoftDelete)
		g.POST("/:id/restore", h.Restore)
		g.DELETE("/:id/permanent", h.Destroy)
		g.GET("/:id/report", h.Report)
	}
	rg.POST("/reports/export", identity.RequireToken(h.tokens), h.Export)
}

// List handles GET /evidence?state=active|binned|destroyed.
func (h *EvidenceHandler) List(c *gin.Context) {
	var vis evidence.Visibility
	if s := c.Query("state"); s != "" {
		v, ok := evidence.ParseVisibility(s)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state must be active, binned or destroyed"})
			return
		}
		vis = v
	}
	items, err := h.manager.List(c.Request.Context(), identity.PrincipalFromCtx(c), vis)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if items == nil {
		items = []*evidence.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// Get handles GET /evidence/:id.
func (h *EvidenceHandler) Get(c *gin.Context) {
	id, ok := parseItemID(c)
	if !ok {
		return
	}
	it, err := h.manager.Get(c.Request.Context(), identity.PrincipalFromCtx(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

// Payload handles GET /evidence/:id/payload: streams the stored bytes.
func (h *EvidenceHandler) Payload(c *gin.Context) {
	id, ok := parseItemID(c)
	if !ok {
		return
	}
	rc, it, err := h.manager.OpenPayload(c.Request.Context(), identity.PrincipalFromCtx(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer rc.Close()

	ct := it.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Header("Content-Type", ct)
	c.Header("Content-Length", strconv.FormatInt(it.Size, 10))
	c.Header("X-TCAP-Fingerprint", it.Key.String())
	if it.FileName != "" {
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": it.FileName}))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.logger.Warn("stream payload", zap.String("item_id", id.String()), zap.Error(err))
	}
}

// SoftDelete handles DELETE /evidence/:id: moves the item to the recycle bin.
func (h *EvidenceHandler) SoftDelete(c *gin.Context) {
	h.transition(c, h.manager.SoftDelete)
}

// Restore handles POST /evidence/:id/restore.
func (h *EvidenceHandler) Restore(c *gin.Context) {
	h.transition(c, h.manager.Restore)
}

// Destroy handles DELETE /evidence/:id/permanent. Only binned items can be
// destroyed; the ledger record survives.
func (h *EvidenceHandler) Destroy(c *gin.Context) {
	h.transition(c, h.manager.Destroy)
}

func (h *EvidenceHandler) transition(c *gin.Context, fn func(context.Context, string, uuid.UUID) (*evidence.Item, error)) {
	id, ok := parseItemID(c)
	if !ok {
		return
	}
	it, err := fn(c.Request.Context(), identity.PrincipalFromCtx(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordEvidenceTransition(string(it.Visibility))
	c.JSON(http.StatusOK, it)
}

// Report handles GET /evidence/:id/report.
func (h *EvidenceHandler) Report(c *gin.Context) {
	id, ok := parseItemID(c)
	if !ok {
		return
	}
	r, err := h.manager.Report(c.Request.Context(), identity.PrincipalFromCtx(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// maxExportItems bounds one export request.
const maxExportItems = 100

// Export handles POST /reports/export with {"ids": [...]}: a zip of the
// reports and stored payloads of the caller's items.
func (h *EvidenceHandler) Export(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"ids\": [...]} with at least one id"})
		return
	}
	if len(req.IDs) > maxExportItems {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d ids per export", maxExportItems)})
		return
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evidence id " + strconv.Quote(raw)})
			return
		}
		ids = append(ids, id)
	}

	name := "tcap-export-" + time.Now().UTC().Format("20060102-150405") + ".zip"
	w := &attachmentWriter{c: c, contentType: "application/zip", fileName: name}
	n, err := h.manager.Export(c.Request.Context(), identity.PrincipalFromCtx(c), ids, w)
	if err != nil {
		if w.started {
			h.logger.Error("export interrupted", zap.Error(err))
			c.Abort()
			return
		}
		writeError(c, h.logger, err)
		return
	}
	h.logger.Info("evidence exported",
		zap.String("owner", identity.PrincipalFromCtx(c)),
		zap.Int("reports", n),
	)
}

// attachmentWriter sends download headers on the first write, so an error
// before any output can still be answered with JSON.
type attachmentWriter struct {
	c           *gin.Context
	contentType string
	fileName    string
	started     bool
}

func (w *attachmentWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		w.c.Header("Content-Type", w.contentType)
		w.c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": w.fileName}))
		w.c.Status(http.StatusOK)
	}
	return w.c.Writer.Write(p)
}

func parseItemID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evidence id"})
		return uuid.Nil, false
	}
	return id, true
}
