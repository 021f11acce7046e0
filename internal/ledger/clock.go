package ledger

import (
	"time"

	"go.uber.org/zap"
)

// Clock supplies wall-clock time to a ledger.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the default Clock.
var SystemClock Clock = ClockFunc(time.Now)

// nextStamp returns the timestamp for a new commit: now at microsecond
// precision, but never earlier than the last committed stamp.
func nextStamp(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if now.Before(last) {
		return last.UTC()
	}
	return now
}

type options struct {
	clock  Clock
	logger *zap.Logger
}

// Option configures a ledger backend.
type Option func(*options)

// WithClock overrides the clock used for SealedAt.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used by a backend.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: SystemClock, logger: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
