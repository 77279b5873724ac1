package feed

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"threadline/pkg/events"
	"threadline/pkg/state/logger"
)

// Declaration maps a topic kind to the resource ids a view is interested in.
type Declaration map[Kind][]string

// Topics returns the distinct topics implied by d in a stable order.
func (d Declaration) Topics() []Topic {
	seen := make(map[Topic]struct{})
	var out []Topic
	for k, ids := range d {
		for _, id := range ids {
			if id == "" {
				continue
			}
			t := Topic{Kind: k, ID: id}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Signature identifies the topic set of d; equal sets hash equally
// regardless of declaration order or duplicates.
func (d Declaration) Signature() uint64 {
	ts := d.Topics()
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return xxhash.Sum64String(strings.Join(parts, "\n"))
}

// Opener establishes one topic subscription.
type Opener func(ctx context.Context, t Topic) (*Subscription, error)

// HubOpener opens subscriptions directly on h without access checks.
func HubOpener(h *Hub) Opener {
	return func(_ context.Context, t Topic) (*Subscription, error) { return h.Subscribe(t) }
}

// Registry keeps exactly the subscriptions implied by the latest declaration
// and merges their deliveries into one stream.
type Registry struct {
	open Opener
	out  chan Delivery

	mu       sync.Mutex
	active   map[Topic]*entry
	pending  map[Topic]struct{}
	sig      uint64
	declared bool
	closed   bool
	wg       sync.WaitGroup
}

type entry struct {
	sub  *Subscription
	stop chan struct{}
}

// NewRegistry returns an empty registry; buffer sizes the merged stream.
func NewRegistry(open Opener, buffer int) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	return &Registry{
		open:    open,
		out:     make(chan Delivery, buffer),
		active:  make(map[Topic]*entry),
		pending: make(map[Topic]struct{}),
	}
}

// Deliveries is the merged stream of every active subscription. It closes
// after Close.
func (r *Registry) Deliveries() <-chan Delivery { return r.out }

// Reconcile converges the open subscriptions on d. It is a no-op when d has
// the same signature as the previous declaration and nothing is pending.
// Topics that fail to open stay pending for the next Reconcile or Retry; the
// returned error reports them but the registry stays usable.
func (r *Registry) Reconcile(ctx context.Context, d Declaration) (bool, error) {
	sig := d.Signature()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrHubClosed
	}
	if r.declared && sig == r.sig && len(r.pending) == 0 {
		return false, nil
	}

	want := make(map[Topic]struct{})
	for _, t := range d.Topics() {
		want[t] = struct{}{}
	}
	for t, e := range r.active {
		if _, ok := want[t]; !ok {
			r.stopLocked(t, e)
		}
	}
	for t := range r.pending {
		if _, ok := want[t]; !ok {
			delete(r.pending, t)
		}
	}
	r.sig, r.declared = sig, true

	var errs []error
	for t := range want {
		if _, ok := r.active[t]; ok {
			continue
		}
		if err := r.openLocked(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// Retry re-attempts topics whose subscribe failed earlier.
func (r *Registry) Retry(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var errs []error
	for t := range r.pending {
		if err := r.openLocked(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Topics returns the currently open topics.
func (r *Registry) Topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.active))
	for t := range r.active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Pending returns topics declared but not yet open.
func (r *Registry) Pending() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.pending))
	for t := range r.pending {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Close tears every subscription down and closes Deliveries. Closing twice
// is a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for t, e := range r.active {
		r.stopLocked(t, e)
	}
	r.pending = map[Topic]struct{}{}
	r.mu.Unlock()

	r.wg.Wait()
	close(r.out)
}

func (r *Registry) openLocked(ctx context.Context, t Topic) error {
	sub, err := r.open(ctx, t)
	if err != nil {
		r.pending[t] = struct{}{}
		logger.Warn("feed_subscribe_failed", "topic", t.String(), "error", err)
		return err
	}
	delete(r.pending, t)
	e := &entry{sub: sub, stop: make(chan struct{})}
	r.active[t] = e
	r.wg.Add(1)
	go r.forward(e)
	return nil
}

func (r *Registry) stopLocked(t Topic, e *entry) {
	delete(r.active, t)
	close(e.stop)
	e.sub.Close()
}

func (r *Registry) forward(e *entry) {
	defer r.wg.Done()
	for d := range e.sub.C() {
		if !r.send(e, d) {
			return
		}
		if e.sub.TakeLagged() {
			rs := events.Resync{Topic: d.Topic.String()}
			payload, _ := events.Encode(rs)
			if !r.send(e, Delivery{Topic: d.Topic, Event: rs, Payload: payload}) {
				return
			}
		}
	}
}

func (r *Registry) send(e *entry, d Delivery) bool {
	select {
	case r.out <- d:
		return true
	case <-e.stop:
		return false
	}
}
