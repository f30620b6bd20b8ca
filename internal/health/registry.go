// Package health tracks the liveness of every peer service on the bus and
// exposes HTTP liveness/readiness probes for the router itself.
//
// Peer state comes from the retained system/health/<service> topics: the
// broker replays the last value at subscribe time, so the [Registry] is
// seeded with the cluster's current state on startup and after reconnects.
// The registry deliberately bypasses the dispatcher's dedup cache — retained
// re-deliveries reuse envelope ids, and the registry must be allowed to
// re-consume them.
package health

import (
	"sync"
	"time"
)

// Record is the rolling health view of one peer service. Records are created
// on first observation and never removed; a service that stops reporting is
// marked stale instead.
type Record struct {
	// OK reports whether the service considers itself healthy.
	OK bool

	// Event is the service's last lifecycle event ("starting", "ready", ...).
	Event string

	// Err carries the service's last error description, if any.
	Err string

	// TS is when the last report arrived (or when staleness was detected).
	TS time.Time

	// Stale is set when the record aged past the grace period without a new
	// report. A stale record always has OK=false.
	Stale bool
}

// Change pairs a service name with its new record, as delivered on the
// change stream.
type Change struct {
	Service string
	Record  Record
}

// Registry holds the latest health record per service. It is written by the
// single health subscriber and read by many; reads get copies.
type Registry struct {
	staleAfter time.Duration

	mu      sync.RWMutex
	records map[string]Record
	subs    []chan Change

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry creates a [Registry] that marks records stale after the given
// grace period. Non-positive values default to 30s.
func NewRegistry(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Registry{
		staleAfter: staleAfter,
		records:    make(map[string]Record),
		now:        time.Now,
	}
}

// Update records a health report for service and notifies subscribers.
func (r *Registry) Update(service string, ok bool, event, errStr string) {
	r.mu.Lock()
	rec := Record{OK: ok, Event: event, Err: errStr, TS: r.now()}
	r.records[service] = rec
	r.notifyLocked(service, rec)
	r.mu.Unlock()
}

// MarkGone handles a retained-nil delivery (the broker operator cleared the
// topic, or the service published an empty tombstone on exit).
func (r *Registry) MarkGone(service string) {
	r.mu.Lock()
	rec := Record{OK: false, Event: "gone", TS: r.now()}
	r.records[service] = rec
	r.notifyLocked(service, rec)
	r.mu.Unlock()
}

// Snapshot returns a copy of the record for service. known is false when the
// service has never been observed; callers treat unknown as unhealthy once
// the system has been up past the grace period.
func (r *Registry) Snapshot(service string) (rec Record, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, known = r.records[service]
	return rec, known
}

// Healthy reports whether service is currently known and healthy.
func (r *Registry) Healthy(service string) bool {
	rec, known := r.Snapshot(service)
	return known && rec.OK && !rec.Stale
}

// All returns a copy of every record keyed by service name.
func (r *Registry) All() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}

// SubscribeChanges returns a conflated change stream: each subscriber holds
// at most one pending change, and a slow consumer observes only the latest
// mutation. Sends never block the registry's writer.
func (r *Registry) SubscribeChanges() <-chan Change {
	ch := make(chan Change, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// notifyLocked pushes a change to every subscriber, conflating for slow
// consumers. Must be called with r.mu held.
func (r *Registry) notifyLocked(service string, rec Record) {
	c := Change{Service: service, Record: rec}
	for _, ch := range r.subs {
		select {
		case ch <- c:
		default:
			// Drop the stale pending change, then offer the new one. A
			// concurrent reader may win either select; both outcomes leave
			// the subscriber with at most the latest change.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// Sweep marks records that aged past the grace period as stale and notifies
// subscribers. The supervisor calls it from a ticker loop.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.staleAfter)
	for service, rec := range r.records {
		if rec.Stale || !rec.TS.Before(cutoff) {
			continue
		}
		rec.OK = false
		rec.Stale = true
		rec.Event = "stale"
		rec.TS = r.now()
		r.records[service] = rec
		r.notifyLocked(service, rec)
	}
}

// StaleAfter returns the configured grace period.
func (r *Registry) StaleAfter() time.Duration {
	return r.staleAfter
}
