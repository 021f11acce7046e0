package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/verify"
)

// VerifyHandler exposes the public verification and ledger read endpoints.
// None of them require authentication.
type VerifyHandler struct {
	verifier  *verify.Verifier
	records   ledger.Reader
	maxUpload int64
	logger    *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(records ledger.Reader, maxUpload int64, logger *zap.Logger) *VerifyHandler {
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	return &VerifyHandler{
		verifier:  verify.New(records),
		records:   records,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify", h.Verify)
	rg.GET("/records/:key", h.GetRecord)
	rg.GET("/records/:key/sealed-before", h.SealedBefore)
	rg.GET("/creators/:creator/records", h.RecordsFor)
}

// Verify handles POST /verify: multipart "file" and claimed "key". Every
// outcome is a 200; the outcome field distinguishes them.
func (h *VerifyHandler) Verify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	claimed, err := fingerprint.Parse(c.PostForm("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "form field 'key' must be a hex fingerprint"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
		return
	}
	defer f.Close()

	res, err := h.verifier.Verify(c.Request.Context(), f, claimed)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordVerification(res.Outcome)

	c.JSON(http.StatusOK, gin.H{
		"outcome":     res.Outcome,
		"remediation": res.Outcome.Remediation(),
		"claimed_key": res.ClaimedKey,
		"actual_key":  res.ActualKey,
		"size":        res.Size,
		"record":      res.Record,
	})
}

// GetRecord handles GET /records/:key: returns the sealed record.
func (h *VerifyHandler) GetRecord(c *gin.Context) {
	key, ok := parseKeyParam(c)
	if !ok {
		return
	}
	rec, err := h.records.Lookup(c.Request.Context(), key)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "fingerprint was never sealed", "status": "not_found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// SealedBefore handles GET /records/:key/sealed-before?cutoff=RFC3339.
func (h *VerifyHandler) SealedBefore(c *gin.Context) {
	key, ok := parseKeyParam(c)
	if !ok {
		return
	}
	cutoff, err := time.Parse(time.RFC3339Nano, c.Query("cutoff"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cutoff must be an RFC 3339 timestamp"})
		return
	}
	before, err := ledger.SealedBefore(c.Request.Context(), h.records, key, cutoff)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fingerprint":   key,
		"cutoff":        cutoff,
		"sealed_before": before,
	})
}

// RecordsFor handles GET /creators/:creator/records: keys in commit order.
func (h *VerifyHandler) RecordsFor(c *gin.Context) {
	creator := c.Param("creator")
	keys, err := h.records.RecordsFor(c.Request.Context(), creator)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if keys == nil {
		keys = []fingerprint.Key{}
	}
	c.JSON(http.StatusOK, gin.H{
		"creator": creator,
		"keys":    keys,
		"count":   len(keys),
	})
}

func parseKeyParam(c *gin.Context) (fingerprint.Key, bool) {
	key, err := fingerprint.Parse(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fingerprint"})
		return fingerprint.Key{}, false
	}
	return key, true
}
