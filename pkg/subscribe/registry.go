// Package subscribe fans hub change events out to UI subscribers. Every
// subscriber has a bounded mailbox drained by its own goroutine, so a slow
// consumer can only ever hurt itself: when its mailbox overflows the backlog
// is discarded and replaced by a fresh snapshot.
package subscribe

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eucalyptus-twig/twig/pkg/state"
)

// DefaultMailboxSize is used when no WithMailboxSize option is given.
const DefaultMailboxSize = 256

var (
	// ErrDuplicateSubscriber is returned when the id is already subscribed.
	ErrDuplicateSubscriber = errors.New("subscriber already registered")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("subscription registry closed")
)

// Source provides snapshots consistent with the publish order. View calls fn
// with the matching entries and the sequence number of the last published
// event while no further event can be published.
type Source interface {
	View(filters []string, fn func(entries []state.Entry, seq uint64))
}

// Observer receives registry notifications. It is used for metrics.
type Observer interface {
	MailboxOverflow(subscriber string)
	Subscribers(n int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithMailboxSize bounds every subscriber's pending-event queue.
func WithMailboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry tracks subscriptions. It is safe for concurrent use.
type Registry struct {
	src         Source
	mailboxSize int
	logger      *slog.Logger
	observer    Observer

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewRegistry returns a registry reading snapshots from src.
func NewRegistry(src Source, opts ...Option) *Registry {
	r := &Registry{
		src:         src,
		mailboxSize: DefaultMailboxSize,
		logger:      slog.Default(),
		subs:        make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers id for keys matching any of filters (all keys when
// none are given) and returns the subscription together with its initial
// snapshot. Events published after the snapshot are delivered on C().
func (r *Registry) Subscribe(id string, filters ...string) (*Subscription, []state.Entry, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("subscribe: empty subscriber id")
	}
	sub := newSubscription(id, filters, r.mailboxSize, r)

	var (
		initial []state.Entry
		err     error
	)
	r.src.View(sub.filters, func(entries []state.Entry, seq uint64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			err = ErrClosed
			return
		}
		if _, exists := r.subs[id]; exists {
			err = fmt.Errorf("%w: %q", ErrDuplicateSubscriber, id)
			return
		}
		r.subs[id] = sub
		sub.seq = seq
		initial = entries
	})
	if err != nil {
		return nil, nil, err
	}

	go sub.deliver()
	r.logger.Debug("subscriber added", "id", id, "filters", sub.filters, "entries", len(initial))
	r.notifyCount()
	return sub, initial, nil
}

// Unsubscribe removes id and stops its delivery goroutine. It is a no-op if
// id is unknown.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		sub.stop()
		r.logger.Debug("subscriber removed", "id", id)
		r.notifyCount()
	}
}

// Publish enqueues ev for every matching subscriber. It never blocks on a
// subscriber; callers must serialize Publish with Source.View.
func (r *Registry) Publish(ev state.ChangeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		if !state.MatchAny(sub.filters, ev.Key) {
			continue
		}
		r.enqueueLocked(sub, Delivery{Event: ev, Seq: ev.Seq})
	}
}

// PublishStale enqueues n for every subscriber whose filters reach one of
// the notice's namespaces. The same ordering rules as Publish apply.
func (r *Registry) PublishStale(n state.StaleNotice) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		if !overlapsNotice(sub.filters, n) {
			continue
		}
		notice := n
		r.enqueueLocked(sub, Delivery{Notice: &notice, Seq: n.Seq})
	}
}

func overlapsNotice(filters []string, n state.StaleNotice) bool {
	for _, ns := range n.Namespaces {
		if state.OverlapsAny(filters, ns) {
			return true
		}
	}
	return false
}

func (r *Registry) enqueueLocked(sub *Subscription, d Delivery) {
	if sub.enqueue(d) {
		r.logger.Warn("subscriber mailbox overflow, forcing resnapshot", "id", sub.id)
		if r.observer != nil {
			r.observer.MailboxOverflow(sub.id)
		}
	}
}

// List returns the sorted subscriber ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close removes all subscribers and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	r.notifyCount()
}

func (r *Registry) notifyCount() {
	if r.observer != nil {
		r.observer.Subscribers(r.Len())
	}
}
