package ledger

import (
	"context"
	"sync"
)

// Observer is notified of each newly committed record. It runs on the
// sealing goroutine, so it should return quickly.
type Observer func(ctx context.Context, rec Record)

type observers struct {
	mu  sync.RWMutex
	fns []Observer
}

// Subscribe implements Ledger.
func (o *observers) Subscribe(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fns = append(o.fns, fn)
}

func (o *observers) notify(ctx context.Context, rec *Record) {
	o.mu.RLock()
	fns := o.fns
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, *rec.clone())
	}
}
