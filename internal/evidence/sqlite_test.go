package evidence_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/analysis"
	"github.com/jmerrifield20/trustedcapture/internal/evidence"
	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
	"github.com/jmerrifield20/trustedcapture/internal/vault"
)

func newSQLiteManager(t *testing.T) (*evidence.Manager, *ledger.SQLiteLedger, *vault.MemoryVault) {
	t.Helper()
	l, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "tcap.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	v := vault.NewMemoryVault()
	return evidence.NewManager(evidence.NewSQLiteRepository(l.DB()), l, v, zap.NewNop()), l, v
}

func TestSQLiteRepository_lifecycleSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tcap.db")

	l, err := ledger.OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	m := evidence.NewManager(evidence.NewSQLiteRepository(l.DB()), l, vault.NewMemoryVault(), zap.NewNop())

	key := fingerprint.Sum([]byte("durable"))
	_, err = l.Seal(ctx, ledger.SealRequest{Key: key, Creator: "u1"})
	require.NoError(t, err)
	it, err := m.Create(ctx, evidence.NewItem{Owner: "u1", Key: key, FileName: "a.jpg", ContentType: "image/jpeg", Size: 7})
	require.NoError(t, err)
	_, err = m.SoftDelete(ctx, "u1", it.ID)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = ledger.OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	m = evidence.NewManager(evidence.NewSQLiteRepository(l.DB()), l, vault.NewMemoryVault(), zap.NewNop())

	got, err := m.Get(ctx, "u1", it.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.Binned, got.Visibility)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, "a.jpg", got.FileName)
	require.NotNil(t, got.BinnedAt)
	assert.True(t, got.SealedAt.Equal(it.SealedAt))
}

func TestSQLiteRepository_transitionsAndKeys(t *testing.T) {
	m, l, v := newSQLiteManager(t)

	key := fingerprint.Sum([]byte("sqlite item"))
	_, err := l.Seal(ctx, ledger.SealRequest{Key: key, Creator: "u1"})
	require.NoError(t, err)
	require.NoError(t, v.Put(ctx, key, bytes.NewReader([]byte("sqlite item"))))

	it, err := m.Create(ctx, evidence.NewItem{Owner: "u1", Key: key})
	require.NoError(t, err)

	again, err := m.Create(ctx, evidence.NewItem{ID: uuid.New(), Owner: "u1", Key: key})
	require.NoError(t, err)
	assert.Equal(t, it.ID, again.ID)
	_, err = m.Create(ctx, evidence.NewItem{Owner: "u2", Key: key})
	assert.ErrorIs(t, err, evidence.ErrKeyClaimed)

	_, err = m.Destroy(ctx, "u1", it.ID)
	assert.ErrorIs(t, err, evidence.ErrNotBinned)
	_, err = m.SoftDelete(ctx, "u2", it.ID)
	assert.ErrorIs(t, err, evidence.ErrNotFound)

	_, err = m.SoftDelete(ctx, "u1", it.ID)
	require.NoError(t, err)
	destroyed, err := m.Destroy(ctx, "u1", it.ID)
	require.NoError(t, err)
	assert.True(t, destroyed.PayloadPurged)

	got, err := m.Get(ctx, "u1", it.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.Destroyed, got.Visibility)
	assert.True(t, got.PayloadPurged)
	require.NotNil(t, got.DestroyedAt)

	exists, err := v.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteRepository_analysis(t *testing.T) {
	m, l, _ := newSQLiteManager(t)

	key := fingerprint.Sum([]byte("scored"))
	_, err := l.Seal(ctx, ledger.SealRequest{Key: key, Creator: "u1"})
	require.NoError(t, err)
	it, err := m.Create(ctx, evidence.NewItem{
		Owner:    "u1",
		Key:      key,
		Analysis: evidence.Analysis{State: analysis.StatePending, JobID: "job-1"},
	})
	require.NoError(t, err)

	repo := evidence.NewSQLiteRepository(l.DB())
	pending, err := repo.ListPendingAnalysis(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, it.ID, pending[0].ID)

	score := 20
	require.NoError(t, m.RecordAnalysis(ctx, it.ID, evidence.Analysis{
		State: analysis.StateCompleted, Score: &score, Risk: "low", JobID: "job-1",
	}))
	got, err := m.Get(ctx, "u1", it.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Analysis.Score)
	assert.Equal(t, 20, *got.Analysis.Score)

	pending, err = repo.ListPendingAnalysis(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = m.RecordAnalysis(ctx, uuid.New(), evidence.Analysis{State: analysis.StateFailed})
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}
