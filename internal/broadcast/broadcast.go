package broadcast

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when publishing to or subscribing on a closed broadcaster.
var ErrClosed = errors.New("broadcast: closed")

// TagValue is one tag state carried by an Update. Value holds the
// freshest successful reading; Error is set when the tag's most recent
// read failed. A tag that failed before ever reading successfully has
// an Error and a nil Value.
type TagValue struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Update is one completed read cycle for a device, real or virtual.
// Values appear in the device's configured tag order, one entry per
// configured tag.
type Update struct {
	DeviceID    string     `json:"device_id"`
	HardwareID  string     `json:"hardware_id"`
	TopicPrefix string     `json:"topic_prefix"`
	Format      string     `json:"format"`
	Virtual     bool       `json:"virtual"`
	Timestamp   time.Time  `json:"timestamp"`
	Values      []TagValue `json:"values"`
}

// Policy controls what happens when a subscriber's buffer is full.
type Policy int

const (
	// Block makes Publish wait until the subscriber drains. Used by
	// consumers that must see every update, such as the publisher.
	Block Policy = iota

	// Drop discards the update for that subscriber and counts it.
	// Used by best-effort consumers such as the UI hub, which must
	// never stall a poll worker.
	Drop
)

// Subscription is one consumer's view of the update stream.
// Updates arrive on C in publish order per device. After Cancel
// returns, C is closed and no further updates arrive.
type Subscription struct {
	name   string
	ch     chan Update
	policy Policy
	keep   func(Update) bool

	mu      sync.Mutex
	closed  bool
	dropped uint64

	cancel func()
}

// C returns the channel updates are delivered on.
func (s *Subscription) C() <-chan Update {
	return s.ch
}

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many updates were discarded under the Drop policy.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel removes the subscription and closes its channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// deliver hands an update to the subscription according to its policy.
// Updates rejected by the keep filter never enter the buffer, so a
// Block subscriber cannot be stalled by traffic it would ignore.
func (s *Subscription) deliver(u Update) {
	if s.keep != nil && !s.keep(u) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	switch s.policy {
	case Drop:
		select {
		case s.ch <- u:
		default:
			// Subscriber buffer full, skip
			s.dropped++
		}
	default: // Block
		s.ch <- u
	}
}

// close marks the subscription closed and closes the channel.
// Held under s.mu so a concurrent deliver cannot send on a closed channel.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans out device updates to registered subscribers.
//
// Each poll worker calls Publish from its own goroutine, so updates for
// one device always arrive at every subscriber in cycle order. Updates
// are not replayed: a new subscriber sees only cycles completed after
// it subscribed.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer. The name appears in diagnostics only.
// The buffer bounds how far the consumer may lag before the policy applies.
func (b *Broadcaster) Subscribe(name string, policy Policy, buffer int) (*Subscription, error) {
	return b.SubscribeFiltered(name, policy, buffer, nil)
}

// SubscribeFiltered registers a consumer that receives only updates
// matching keep. A nil keep accepts everything. Filtering happens at
// delivery time, before the buffer, which matters for consumers that
// publish back into the same broadcaster: a Block subscriber that
// filtered its own output on the receive side could fill its buffer
// with pending input and then deadlock publishing to itself.
func (b *Broadcaster) SubscribeFiltered(name string, policy Policy, buffer int, keep func(Update) bool) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		name:   name,
		ch:     make(chan Update, buffer),
		policy: policy,
		keep:   keep,
	}
	sub.cancel = func() { b.unsubscribe(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers an update to every current subscriber.
// It returns only after each subscriber has either accepted the update
// or dropped it under its policy.
func (b *Broadcaster) Publish(u Update) error {
	// Snapshot subscribers under the lock, then deliver without it so a
	// Cancel during delivery cannot deadlock against the map mutation.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(u)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels all subscriptions and rejects further publishes.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes the subscription and closes its channel.
// Only the call that removes it from the map closes the channel,
// preventing double-close panics during shutdown.
func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, existed := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if existed {
		sub.close()
	}
}
