package beacon

import (
	"context"
	"sync"

	"github.com/ryandielhenn/replscale/internal/telemetry"
)

type pending struct {
	ch    chan struct{}
	fired bool
}

// Tracker correlates beacon arrivals with nodes the orchestrator is waiting
// on, keyed by private IP. A nil *Tracker expects nothing: every method is
// safe to call and Wait blocks until ctx is done.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*pending)}
}

// Expect registers ip as awaited. Registering twice is a no-op.
func (t *Tracker) Expect(ip string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[ip]; !ok {
		t.pending[ip] = &pending{ch: make(chan struct{})}
	}
}

// Observe fires the signal for a.From if it is expected. Unknown arrivals
// are counted and dropped.
func (t *Tracker) Observe(a Arrival) {
	t.observe(a.From)
}

func (t *Tracker) observe(ip string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[ip]
	if !ok {
		telemetry.BeaconArrivals.WithLabelValues("false").Inc()
		return false
	}
	telemetry.BeaconArrivals.WithLabelValues("true").Inc()
	if !p.fired {
		p.fired = true
		close(p.ch)
	}
	return true
}

// Signal returns a channel closed once ip has announced itself, or nil when
// ip is not expected. Receiving from nil blocks forever, which suits select.
func (t *Tracker) Signal(ip string) <-chan struct{} {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[ip]; ok {
		return p.ch
	}
	return nil
}

// Wait blocks until ip announces or ctx is done.
func (t *Tracker) Wait(ctx context.Context, ip string) error {
	t.Expect(ip)
	select {
	case <-t.Signal(ip):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) Forget(ip string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, ip)
}

// Pending returns the expected IPs that have not announced yet.
func (t *Tracker) Pending() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for ip, p := range t.pending {
		if !p.fired {
			out = append(out, ip)
		}
	}
	return out
}
