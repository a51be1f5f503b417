// Package hub holds the single status tree. Adapters write into it through
// Apply; every real transition becomes a ChangeEvent that is published to the
// subscription registry while the writer lock is held, so subscribers observe
// changes in exactly the order they were applied.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eucalyptus-twig/twig/pkg/adapters"
	"github.com/eucalyptus-twig/twig/pkg/state"
	"github.com/eucalyptus-twig/twig/pkg/subscribe"
)

// ReservedNamespace holds the hub's own keys (adapter.<name> lifecycle
// states). No adapter can claim it.
const ReservedNamespace = "adapter"

// owner recorded for reserved keys.
const hubOwner = "hub"

var (
	// ErrKeyNamespaceViolation is returned when an adapter writes a key
	// outside its claimed namespaces. It ends the adapter's session.
	ErrKeyNamespaceViolation = errors.New("key namespace violation")

	// ErrNamespaceClaimed is returned by Claim on overlapping claims.
	ErrNamespaceClaimed = errors.New("namespace already claimed")
)

// Observer receives per-message accounting. It is used for metrics.
type Observer interface {
	Applied(adapter string)
	Suppressed(adapter string)
	Superseded(adapter string)
}

// record is one slot of the tree. A deleted record is a tombstone kept so
// that an out-of-order write older than the deletion is discarded.
type record struct {
	value   state.Value
	deleted bool
	ts      time.Time
	applied time.Time
	seen    time.Time
	owner   string
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(h *Hub) { h.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithSubscribeOptions passes options to the subscription registry.
func WithSubscribeOptions(opts ...subscribe.Option) Option {
	return func(h *Hub) { h.subOpts = append(h.subOpts, opts...) }
}

// Hub owns the status tree. It is safe for concurrent use.
type Hub struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	subOpts  []subscribe.Option
	subs     *subscribe.Registry

	mu      sync.RWMutex
	records map[string]*record
	claims  map[string]string // namespace -> adapter
	states  map[string]adapters.State
	seq     uint64
}

// New returns an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		now:     time.Now,
		records: make(map[string]*record),
		claims:  make(map[string]string),
		states:  make(map[string]adapters.State),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	h.subs = subscribe.NewRegistry(h, append([]subscribe.Option{subscribe.WithLogger(h.logger)}, h.subOpts...)...)
	return h
}

// Claim records that adapter owns the given namespaces.
func (h *Hub) Claim(adapter string, namespaces ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ns := range namespaces {
		if ns == ReservedNamespace {
			return fmt.Errorf("%w: %q is reserved", ErrNamespaceClaimed, ns)
		}
		if err := state.ValidateKey(ns); err != nil {
			return fmt.Errorf("claim %q: %w", ns, err)
		}
		if other, ok := h.claims[ns]; ok && other != adapter {
			return fmt.Errorf("%w: %q by %s", ErrNamespaceClaimed, ns, other)
		}
	}
	for _, ns := range namespaces {
		h.claims[ns] = adapter
	}
	if _, ok := h.states[adapter]; !ok {
		h.states[adapter] = adapters.Connecting
	}
	return nil
}

// Owner returns the adapter owning key.
func (h *Hub) Owner(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.claims[state.Namespace(key)]
	return a, ok
}

// Apply merges msg from adapter into the tree. It returns the resulting
// event, or nil when the message changed nothing or was superseded by a
// newer write. Malformed messages fail with adapters.ErrProtocolViolation
// and foreign keys with ErrKeyNamespaceViolation.
func (h *Hub) Apply(adapter string, msg state.Message) (*state.ChangeEvent, error) {
	if err := state.ValidateKey(msg.Key); err != nil {
		return nil, fmt.Errorf("%w: %v", adapters.ErrProtocolViolation, err)
	}
	if !msg.Delete && msg.Value == nil {
		return nil, adapters.Violation("nil value for %q", msg.Key)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if owner := h.claims[state.Namespace(msg.Key)]; owner != adapter {
		return nil, fmt.Errorf("%w: %s wrote %q", ErrKeyNamespaceViolation, adapter, msg.Key)
	}

	now := h.now()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}

	rec, exists := h.records[msg.Key]
	if exists && ts.Before(rec.ts) {
		// Still reported by the backend, so Sweep must keep it.
		rec.seen = now
		h.observe(adapter, Observer.Superseded)
		return nil, nil
	}

	var old state.Value
	if exists && !rec.deleted {
		old = rec.value
	}
	var next state.Value
	if !msg.Delete {
		next = msg.Value
	}

	if !exists {
		rec = &record{owner: adapter, deleted: true}
		h.records[msg.Key] = rec
	}
	rec.ts = ts
	rec.seen = now
	if state.Equal(old, next) {
		h.observe(adapter, Observer.Suppressed)
		return nil, nil
	}
	rec.value = next
	rec.deleted = msg.Delete
	rec.applied = now

	ev := h.publishLocked(msg.Key, old, next, adapter, now)
	h.observe(adapter, Observer.Applied)
	return &ev, nil
}

// Sweep removes every live key of adapter that was not written since the
// given time. The supervisor calls it when a new session finishes its
// initial dump, dropping keys the backend no longer reports.
func (h *Hub) Sweep(adapter string, since time.Time) []state.ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var keys []string
	for k, rec := range h.records {
		if rec.owner == adapter && !rec.deleted && rec.seen.Before(since) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return state.CompareKeys(keys[i], keys[j]) < 0 })

	now := h.now()
	events := make([]state.ChangeEvent, 0, len(keys))
	for _, k := range keys {
		rec := h.records[k]
		old := rec.value
		rec.value = nil
		rec.deleted = true
		rec.applied = now
		rec.seen = now
		events = append(events, h.publishLocked(k, old, nil, adapter, now))
	}
	if len(events) > 0 {
		h.logger.Debug("swept keys", "adapter", adapter, "count", len(events))
	}
	return events
}

// SetAdapterState records the lifecycle state of adapter. Its keys are
// flagged stale while the state is Degraded or Failed; the values are kept.
// The state itself is published as adapter.<name>, and a change of the stale
// flag is announced to the subscribers of the adapter's namespaces.
func (h *Hub) SetAdapterState(adapter string, st adapters.State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	wasStale := h.staleLocked(adapter)
	h.states[adapter] = st

	key := state.Join(ReservedNamespace, state.Sanitize(adapter))
	next := state.Enum(st.String())
	rec, exists := h.records[key]
	var old state.Value
	if exists && !rec.deleted {
		old = rec.value
	}
	if state.Equal(old, next) {
		return
	}
	now := h.now()
	if !exists {
		rec = &record{owner: hubOwner}
		h.records[key] = rec
	}
	rec.value = next
	rec.deleted = false
	rec.ts = now
	rec.applied = now
	rec.seen = now
	h.publishLocked(key, old, next, hubOwner, now)

	if stale := st.Stale(); stale != wasStale {
		if ns := h.namespacesLocked(adapter); len(ns) > 0 {
			h.subs.PublishStale(state.StaleNotice{
				Seq:        h.seq,
				Owner:      adapter,
				Namespaces: ns,
				Stale:      stale,
				Timestamp:  now,
			})
		}
	}
}

// AdapterState returns the last state recorded for adapter.
func (h *Hub) AdapterState(adapter string) (adapters.State, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.states[adapter]
	return st, ok
}

// Get returns the current entry for key.
func (h *Hub) Get(key string) (state.Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[key]
	if !ok || rec.deleted {
		return state.Entry{}, false
	}
	return h.entryLocked(key, rec), true
}

// Snapshot returns the entries under prefix in key order.
func (h *Hub) Snapshot(prefix string) []state.Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked([]string{prefix})
}

// Seq returns the sequence number of the last published event.
func (h *Hub) Seq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// View implements subscribe.Source.
func (h *Hub) View(filters []string, fn func([]state.Entry, uint64)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.snapshotLocked(filters), h.seq)
}

// Subscribe registers a subscriber and returns its initial snapshot.
func (h *Hub) Subscribe(id string, filters ...string) (*subscribe.Subscription, []state.Entry, error) {
	return h.subs.Subscribe(id, filters...)
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) { h.subs.Unsubscribe(id) }

// Subscribers returns the registry.
func (h *Hub) Subscribers() *subscribe.Registry { return h.subs }

// Close ends all subscriptions.
func (h *Hub) Close() { h.subs.Close() }

func (h *Hub) publishLocked(key string, old, next state.Value, owner string, now time.Time) state.ChangeEvent {
	h.seq++
	ev := state.ChangeEvent{
		Seq:       h.seq,
		Key:       key,
		Old:       old,
		New:       next,
		Stale:     h.staleLocked(owner),
		Owner:     owner,
		Timestamp: now,
	}
	h.subs.Publish(ev)
	return ev
}

func (h *Hub) snapshotLocked(filters []string) []state.Entry {
	var out []state.Entry
	for k, rec := range h.records {
		if rec.deleted || !state.MatchAny(filters, k) {
			continue
		}
		out = append(out, h.entryLocked(k, rec))
	}
	sort.Slice(out, func(i, j int) bool { return state.CompareKeys(out[i].Key, out[j].Key) < 0 })
	return out
}

func (h *Hub) entryLocked(key string, rec *record) state.Entry {
	return state.Entry{
		Key:       key,
		Value:     rec.value,
		Stale:     h.staleLocked(rec.owner),
		Owner:     rec.owner,
		UpdatedAt: rec.applied,
	}
}

// namespacesLocked returns the sorted namespaces claimed by adapter.
func (h *Hub) namespacesLocked(adapter string) []string {
	var out []string
	for ns, a := range h.claims {
		if a == adapter {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) staleLocked(owner string) bool {
	st, ok := h.states[owner]
	return ok && st.Stale()
}

func (h *Hub) observe(adapter string, fn func(Observer, string)) {
	if h.observer != nil {
		fn(h.observer, adapter)
	}
}
