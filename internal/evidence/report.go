package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
)

// Verdict summarises an item's analysis for a report.
type Verdict string

const (
	// VerdictManipulated is a completed analysis scoring above 70.
	VerdictManipulated Verdict = "manipulation_detected"
	// VerdictSuspicious is a completed analysis scoring above 40.
	VerdictSuspicious Verdict = "suspicious"
	VerdictAuthentic  Verdict = "likely_authentic"
	VerdictPending    Verdict = "pending"
	// VerdictInconclusive means analysis failed.
	VerdictInconclusive Verdict = "inconclusive"
)

// VerdictFor maps a stored analysis to a Verdict.
func VerdictFor(a Analysis) Verdict {
	switch {
	case a.State == analysis.StateFailed:
		return VerdictInconclusive
	case a.State != analysis.StateCompleted || a.Score == nil:
		return VerdictPending
	case *a.Score > 70:
		return VerdictManipulated
	case *a.Score > 40:
		return VerdictSuspicious
	default:
		return VerdictAuthentic
	}
}

// Report is the shareable account of one item: what was sealed, when, and
// what analysis said about it.
type Report struct {
	ReportID    string             `json:"report_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Item        *Item              `json:"item"`
	Record      *ledger.Record     `json:"record"`
	Verdict     Verdict            `json:"verdict"`
	Findings    []analysis.Finding `json:"findings,omitempty"`
	Artifacts   map[string]string  `json:"artifacts,omitempty"`
}

// ReportID derives the stable report id of an item.
func ReportID(id uuid.UUID) string {
	return "RPT-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// Report builds the report for owner's item. Destroyed items still report:
// their ledger record outlives the payload. Findings are included when the
// analysis service still holds the job.
func (m *Manager) Report(ctx context.Context, owner string, id uuid.UUID) (*Report, error) {
	it, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	rec, err := m.records.Lookup(ctx, it.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup ledger record: %w", err)
	}
	if rec == nil {
		return nil, ErrNotSealed
	}

	r := &Report{
		ReportID:    ReportID(it.ID),
		GeneratedAt: m.stamp(),
		Item:        it,
		Record:      rec,
		Verdict:     VerdictFor(it.Analysis),
	}
	if m.analysis != nil && it.Analysis.JobID != "" && it.Analysis.State == analysis.StateCompleted {
		st, err := m.analysis.Status(ctx, it.Analysis.JobID)
		switch {
		case err == nil:
			r.Findings = st.Findings
			r.Artifacts = st.Artifacts
		case !errors.Is(err, analysis.ErrUnknownJob):
			m.logger.Debug("report findings unavailable",
				zap.String("item_id", it.ID.String()),
				zap.Error(err),
			)
		}
	}
	return r, nil
}

// Export writes a zip archive of reports for owner's items to w: one JSON
// report per item under reports/ and, for items whose payload is still
// stored, the payload under media/. Ids that are unknown or belong to
// another account are skipped. Nothing is written and ErrNotFound is
// returned when none of the ids resolve. It returns the number of reports
// written.
func (m *Manager) Export(ctx context.Context, owner string, ids []uuid.UUID, w io.Writer) (int, error) {
	var reports []*Report
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, err := m.Report(ctx, owner, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return 0, ErrNotFound
	}

	zw := zip.NewWriter(w)
	for _, r := range reports {
		if err := m.writeReportEntry(zw, r); err != nil {
			return 0, err
		}
		if r.Item.Visibility == Destroyed || r.Item.PayloadPurged {
			continue
		}
		if err := m.writeMediaEntry(ctx, zw, r); err != nil {
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish export: %w", err)
	}
	return len(reports), nil
}

func (m *Manager) writeReportEntry(zw *zip.Writer, r *Report) error {
	f, err := zw.CreateHeader(&zip.FileHeader{
		Name:     "reports/" + r.ReportID + ".json",
		Method:   zip.Deflate,
		Modified: r.GeneratedAt,
	})
	if err != nil {
		return fmt.Errorf("add report %s: %w", r.ReportID, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report %s: %w", r.ReportID, err)
	}
	return nil
}

// writeMediaEntry adds the payload. A payload that cannot be opened is
// logged and left out; the report already names its fingerprint.
func (m *Manager) writeMediaEntry(ctx context.Context, zw *zip.Writer, r *Report) error {
	rc, err := m.payloads.Open(ctx, r.Item.Key)
	if err != nil {
		m.logger.Warn("export payload unavailable",
			zap.String("item_id", r.Item.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	defer rc.Close()

	f, err := zw.CreateHeader(&zip.FileHeader{
		Name:     "media/" + r.Item.ID.String() + "/" + mediaName(r.Item),
		Method:   zip.Store,
		Modified: r.Item.SealedAt,
	})
	if err != nil {
		return fmt.Errorf("add media %s: %w", r.Item.ID, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("copy media %s: %w", r.Item.ID, err)
	}
	return nil
}

// mediaName is the archive file name of an item's payload.
func mediaName(it *Item) string {
	name := path.Base(strings.ReplaceAll(it.FileName, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return it.Key.String()
	}
	return name
}
