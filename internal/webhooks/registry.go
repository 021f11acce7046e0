package webhooks

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrInvalidSubscription is returned for a subscription without a usable URL
// or secret.
var ErrInvalidSubscription = errors.New("invalid webhook subscription")

// Registry holds subscriptions and a bounded log of recent deliveries.
type Registry struct {
	mu         sync.RWMutex
	subs       []Subscription
	deliveries []Delivery
	keep       int
}

// NewRegistry validates subs and returns a Registry. Secrets are required so
// every delivery is signed.
func NewRegistry(subs []Subscription) (*Registry, error) {
	for i, s := range subs {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: subscription %d has bad url %q", ErrInvalidSubscription, i, s.URL)
		}
		if s.Secret == "" {
			return nil, fmt.Errorf("%w: subscription %d has no secret", ErrInvalidSubscription, i)
		}
	}
	return &Registry{subs: append([]Subscription(nil), subs...), keep: 256}, nil
}

// ListByEvent returns subscriptions that want eventType.
func (r *Registry) ListByEvent(eventType string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.Wants(eventType) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// RecordDelivery appends d to the delivery log, dropping the oldest entry
// when full.
func (r *Registry) RecordDelivery(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	if len(r.deliveries) > r.keep {
		r.deliveries = r.deliveries[len(r.deliveries)-r.keep:]
	}
}

// Deliveries returns the recent delivery log, oldest first.
func (r *Registry) Deliveries() []Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Delivery(nil), r.deliveries...)
}
