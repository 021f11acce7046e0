package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustedcapture/internal/fingerprint"
	"github.com/jmerrifield20/trustedcapture/internal/ledger"
)

var ctx = context.Background()

type factory func(t *testing.T, opts ...ledger.Option) ledger.Ledger

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, opts ...ledger.Option) ledger.Ledger {
			return ledger.New(opts...)
		},
		"sqlite": func(t *testing.T, opts ...ledger.Option) ledger.Ledger {
			t.Helper()
			l, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop(), opts...)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { l.Close() })
			return l
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, newLedger factory)) {
	for name, f := range backends() {
		t.Run(name, func(t *testing.T) { fn(t, f) })
	}
}

// steppingClock returns a fixed sequence of instants, then repeats the last.
type steppingClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func key(s string) fingerprint.Key { return fingerprint.Sum([]byte(s)) }

func TestSeal_assignsTimestampAndStoresRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		l := newLedger(t, ledger.WithClock(ledger.ClockFunc(func() time.Time { return t0 })))

		r, err := l.Seal(ctx, ledger.SealRequest{Key: key("b1"), Creator: "U1", Metadata: []byte{0x01, 0x02}})
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if r.Replayed {
			t.Error("first seal must not be a replay")
		}
		if !r.Record.SealedAt.Equal(t0) {
			t.Errorf("SealedAt = %v, want %v", r.Record.SealedAt, t0)
		}

		got, err := l.Lookup(ctx, key("b1"))
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("Lookup() returned nil for sealed key")
		}
		if got.Creator != "U1" || !bytes.Equal(got.Metadata, []byte{0x01, 0x02}) || !got.SealedAt.Equal(t0) {
			t.Errorf("unexpected record %+v", got)
		}
	})
}

func TestSeal_writeOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)

		first, err := l.Seal(ctx, ledger.SealRequest{Key: key("b1"), Creator: "U1", Metadata: []byte("orig")})
		if err != nil {
			t.Fatal(err)
		}

		for _, req := range []ledger.SealRequest{
			{Key: key("b1"), Creator: "U2", Metadata: []byte("other")},
			{Key: key("b1"), Creator: "U1", Metadata: []byte("orig")},
			{Key: key("b1"), Creator: "U1", AttemptID: "new-attempt"},
		} {
			if _, err := l.Seal(ctx, req); !errors.Is(err, ledger.ErrAlreadySealed) {
				t.Errorf("Seal(%s, %s): expected ErrAlreadySealed, got %v", req.Creator, req.AttemptID, err)
			}
		}

		got, _ := l.Lookup(ctx, key("b1"))
		if got.Creator != "U1" || string(got.Metadata) != "orig" || !got.SealedAt.Equal(first.Record.SealedAt) {
			t.Errorf("original record changed: %+v", got)
		}
	})
}

func TestSeal_replaySameAttempt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)

		var notified int
		l.Subscribe(func(context.Context, ledger.Record) { notified++ })

		first, err := l.Seal(ctx, ledger.SealRequest{Key: key("clip"), Creator: "U1", AttemptID: "a-1"})
		if err != nil {
			t.Fatal(err)
		}

		again, err := l.Seal(ctx, ledger.SealRequest{Key: key("clip"), Creator: "U1", AttemptID: "a-1"})
		if err != nil {
			t.Fatalf("replay: expected success, got %v", err)
		}
		if !again.Replayed {
			t.Error("expected Replayed=true")
		}
		if !again.Record.SealedAt.Equal(first.Record.SealedAt) {
			t.Errorf("replay returned a different timestamp")
		}

		// Same attempt id from a different creator is not a replay.
		if _, err := l.Seal(ctx, ledger.SealRequest{Key: key("clip"), Creator: "U2", AttemptID: "a-1"}); !errors.Is(err, ledger.ErrAlreadySealed) {
			t.Errorf("expected ErrAlreadySealed for foreign creator, got %v", err)
		}

		if notified != 1 {
			t.Errorf("expected 1 notification, got %d", notified)
		}
		keys, _ := l.RecordsFor(ctx, "U1")
		if len(keys) != 1 {
			t.Errorf("replay must not grow the creator index, got %d keys", len(keys))
		}
	})
}

func TestSeal_invalidRequest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)
		if _, err := l.Seal(ctx, ledger.SealRequest{Key: key("x")}); !errors.Is(err, ledger.ErrInvalidRequest) {
			t.Errorf("missing creator: expected ErrInvalidRequest, got %v", err)
		}
		if _, err := l.Seal(ctx, ledger.SealRequest{Creator: "U1"}); !errors.Is(err, ledger.ErrInvalidRequest) {
			t.Errorf("missing key: expected ErrInvalidRequest, got %v", err)
		}
	})
}

func TestSeal_concurrentSameKeyExactlyOneWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)

		const callers = 24
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			rejected int
			winner   string
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				creator := fmt.Sprintf("user-%d", i)
				_, err := l.Seal(ctx, ledger.SealRequest{Key: key("same bytes"), Creator: creator})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
					winner = creator
				case errors.Is(err, ledger.ErrAlreadySealed):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 || rejected != callers-1 {
			t.Fatalf("expected 1 winner and %d rejections, got %d and %d", callers-1, wins, rejected)
		}
		rec, _ := l.Lookup(ctx, key("same bytes"))
		if rec.Creator != winner {
			t.Errorf("record creator %q, winner %q", rec.Creator, winner)
		}
	})
}

func TestSeal_timestampsNeverGoBackwards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		clock := &steppingClock{times: []time.Time{
			base,
			base.Add(-time.Hour), // clock stepped back
			base.Add(time.Second),
		}}
		l := newLedger(t, ledger.WithClock(clock))

		var stamps []time.Time
		for _, s := range []string{"a", "b", "c"} {
			r, err := l.Seal(ctx, ledger.SealRequest{Key: key(s), Creator: "U1"})
			if err != nil {
				t.Fatal(err)
			}
			stamps = append(stamps, r.Record.SealedAt)
		}

		if !stamps[1].Equal(stamps[0]) {
			t.Errorf("backwards clock: got %v, want clamp to %v", stamps[1], stamps[0])
		}
		if !stamps[2].Equal(base.Add(time.Second)) {
			t.Errorf("third stamp = %v", stamps[2])
		}
	})
}

func TestRecordsFor_commitOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)

		keys, err := l.RecordsFor(ctx, "nobody")
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("expected empty index, got %d", len(keys))
		}

		var want []fingerprint.Key
		for i := 0; i < 10; i++ {
			k := key(fmt.Sprintf("file-%d", i))
			if _, err := l.Seal(ctx, ledger.SealRequest{Key: k, Creator: "U1"}); err != nil {
				t.Fatal(err)
			}
			// Interleave another creator to check isolation.
			if _, err := l.Seal(ctx, ledger.SealRequest{Key: key(fmt.Sprintf("other-%d", i)), Creator: "U2"}); err != nil {
				t.Fatal(err)
			}
			want = append(want, k)
		}

		got, err := l.RecordsFor(ctx, "U1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("RecordsFor length = %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("index %d: got %s, want %s", i, got[i], want[i])
			}
		}
	})
}

func TestLookup_unsealed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)
		rec, err := l.Lookup(ctx, key("never"))
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil {
			t.Errorf("expected nil record, got %+v", rec)
		}
	})
}

func TestSealedBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		l := newLedger(t, ledger.WithClock(ledger.ClockFunc(func() time.Time { return t0 })))
		if _, err := l.Seal(ctx, ledger.SealRequest{Key: key("doc"), Creator: "U1"}); err != nil {
			t.Fatal(err)
		}

		tests := []struct {
			name   string
			key    fingerprint.Key
			cutoff time.Time
			want   bool
		}{
			{"before cutoff", key("doc"), t0.Add(time.Second), true},
			{"equal to cutoff", key("doc"), t0, false},
			{"after cutoff", key("doc"), t0.Add(-time.Second), false},
			{"unsealed", key("missing"), t0.Add(time.Hour), false},
		}
		for _, tt := range tests {
			got, err := ledger.SealedBefore(ctx, l, tt.key, tt.cutoff)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("%s: SealedBefore = %v, want %v", tt.name, got, tt.want)
			}
		}
	})
}

func TestSubscribe_notifiedOnCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newLedger factory) {
		l := newLedger(t)

		var seen []ledger.Record
		l.Subscribe(func(_ context.Context, rec ledger.Record) { seen = append(seen, rec) })

		l.Seal(ctx, ledger.SealRequest{Key: key("one"), Creator: "U1"}) //nolint:errcheck
		l.Seal(ctx, ledger.SealRequest{Key: key("one"), Creator: "U2"}) //nolint:errcheck
		l.Seal(ctx, ledger.SealRequest{Key: key("two"), Creator: "U2"}) //nolint:errcheck

		if len(seen) != 2 {
			t.Fatalf("expected 2 notifications, got %d", len(seen))
		}
		if seen[0].Key != key("one") || seen[1].Key != key("two") {
			t.Errorf("notifications out of order: %v", seen)
		}
	})
}

func TestMemoryLedger_recordsAreCopies(t *testing.T) {
	l := ledger.New()
	meta := []byte("secret")
	l.Seal(ctx, ledger.SealRequest{Key: key("m"), Creator: "U1", Metadata: meta}) //nolint:errcheck
	meta[0] = 'X'

	rec, _ := l.Lookup(ctx, key("m"))
	rec.Metadata[1] = 'Y'

	again, _ := l.Lookup(ctx, key("m"))
	if string(again.Metadata) != "secret" {
		t.Errorf("stored metadata was mutated: %q", again.Metadata)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d", l.Len())
	}
}
