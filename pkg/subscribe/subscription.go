package subscribe

import (
	"sync"

	"github.com/eucalyptus-twig/twig/pkg/state"
)

// Delivery is one item received by a subscriber. When Resync is true the
// subscriber must replace its view with Snapshot, which reflects every event
// up to Seq. When Notice is set the stale flag of the keys it covers
// changed. Otherwise Event holds the next change.
type Delivery struct {
	Event    state.ChangeEvent
	Notice   *state.StaleNotice
	Resync   bool
	Snapshot []state.Entry
	Seq      uint64
}

// Subscription is a live registration. Its channel is closed when the
// subscription ends.
type Subscription struct {
	id      string
	filters []string
	reg     *Registry

	// seq is the sequence the initial snapshot reflects.
	seq uint64

	mu       sync.Mutex
	queue    []Delivery
	capacity int
	overflow bool
	dropped  int64

	wake chan struct{}
	out  chan Delivery
	done chan struct{}
	once sync.Once
}

func newSubscription(id string, filters []string, capacity int, reg *Registry) *Subscription {
	var fs []string
	for _, f := range filters {
		if f == "" {
			fs = nil
			break
		}
		fs = append(fs, f)
	}
	return &Subscription{
		id:       id,
		filters:  fs,
		reg:      reg,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		out:      make(chan Delivery),
		done:     make(chan struct{}),
	}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Filters returns the key filters; nil means every key.
func (s *Subscription) Filters() []string { return s.filters }

// Seq returns the sequence number reflected by the initial snapshot.
func (s *Subscription) Seq() uint64 { return s.seq }

// C returns the delivery channel.
func (s *Subscription) C() <-chan Delivery { return s.out }

// Dropped returns how many events were discarded by mailbox overflows.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes.
func (s *Subscription) Close() { s.reg.Unsubscribe(s.id) }

// enqueue adds d to the mailbox and reports whether this call caused an
// overflow.
func (s *Subscription) enqueue(d Delivery) bool {
	s.mu.Lock()
	overflowed := false
	switch {
	case s.overflow:
		s.dropped++
	case len(s.queue) >= s.capacity:
		s.dropped += int64(len(s.queue)) + 1
		s.queue = nil
		s.overflow = true
		overflowed = true
	default:
		s.queue = append(s.queue, d)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return overflowed
}

// next pops the next delivery. ok is false when the mailbox is empty.
func (s *Subscription) next() (d Delivery, ok bool) {
	s.mu.Lock()
	if s.overflow {
		s.mu.Unlock()
		return s.resnapshot(), true
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return Delivery{}, false
	}
	d = s.queue[0]
	s.queue[0] = Delivery{}
	s.queue = s.queue[1:]
	s.mu.Unlock()
	return d, true
}

// resnapshot reads the current view and clears the mailbox atomically with
// respect to Publish, so no event is both in the snapshot and queued.
func (s *Subscription) resnapshot() Delivery {
	d := Delivery{Resync: true}
	s.reg.src.View(s.filters, func(entries []state.Entry, seq uint64) {
		s.mu.Lock()
		s.queue = nil
		s.overflow = false
		s.mu.Unlock()
		d.Snapshot = entries
		d.Seq = seq
	})
	return d
}

func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			d, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- d:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}
