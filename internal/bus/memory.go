package bus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Bus. It is used for single-unit standalone runs
// and as the broker in tests.
//
// Connectivity can be dropped and restored with Drop and Restore to
// exercise reconnect behaviour. While dropped, QoS 0 publications fail and
// QoS 1/2 publications are queued; on Restore every subscription first
// receives the retained values matching its pattern, then queued
// publications are delivered.
type Memory struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	creds     *Credentials
	retained  *Register
	subs      map[uint64]*memorySub
	nextID    uint64
	outbox    []pendingPublish
	logger    Logger
	listeners statusListeners
	now       func() time.Time
}

type memorySub struct {
	id      uint64
	pattern string
	box     *mailbox
	bus     *Memory
}

type pendingPublish struct {
	topic   string
	payload []byte
	opts    PublishOptions
}

// MemoryOption configures a Memory bus.
type MemoryOption func(*Memory)

// WithCredentials sets the credentials the in-memory connection was
// established with. Subscriptions carrying different credentials fail with
// ErrUnauthorized.
func WithCredentials(c Credentials) MemoryOption {
	return func(m *Memory) {
		m.creds = &c
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(l Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// NewMemory creates a connected in-memory bus.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		connected: true,
		retained:  NewRegister(),
		subs:      make(map[uint64]*memorySub),
		logger:    noopLogger{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		if opts.QoS == 0 {
			return ErrNotConnected
		}
		m.outbox = append(m.outbox, pendingPublish{topic: topic, payload: slices.Clone(payload), opts: opts})
		return nil
	}

	m.publishLocked(topic, payload, opts)
	return nil
}

func (m *Memory) publishLocked(topic string, payload []byte, opts PublishOptions) {
	if opts.Retained {
		m.retained.Set(topic, payload, m.now())
	}

	for _, sub := range m.orderedSubsLocked() {
		if Match(sub.pattern, topic) {
			sub.box.push(Message{Topic: topic, Payload: slices.Clone(payload)})
		}
	}
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if opts.Credentials != nil && (m.creds == nil || *opts.Credentials != *m.creds) {
		return nil, fmt.Errorf("%w: credentials do not match connection for %q", ErrUnauthorized, pattern)
	}
	if !m.connected {
		return nil, ErrNotConnected
	}

	m.nextID++
	sub := &memorySub{
		id:      m.nextID,
		pattern: pattern,
		bus:     m,
		box: newMailbox(handler, func(topic string, r any) {
			m.logger.Error("bus handler panic recovered", "topic", topic, "panic", r)
		}),
	}
	m.subs[sub.id] = sub

	for _, e := range m.retained.Match(pattern) {
		sub.box.push(Message{Topic: e.Topic, Payload: slices.Clone(e.Payload)})
	}

	return sub, nil
}

// OnStatus implements Bus.
func (m *Memory) OnStatus(fn func(StatusEvent)) func() {
	return m.listeners.add(fn)
}

// IsConnected implements Bus.
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// Drop simulates loss of connectivity.
func (m *Memory) Drop(cause error) {
	m.mu.Lock()
	if !m.connected || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	m.listeners.emit(StatusEvent{Status: StatusDisconnected, Err: cause, At: m.now()})
}

// Restore re-establishes connectivity: retained values are replayed to
// every subscription, queued publications are flushed, then status
// listeners are notified.
func (m *Memory) Restore() {
	m.mu.Lock()
	if m.connected || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true

	for _, sub := range m.orderedSubsLocked() {
		for _, e := range m.retained.Match(sub.pattern) {
			sub.box.push(Message{Topic: e.Topic, Payload: slices.Clone(e.Payload)})
		}
	}

	pending := m.outbox
	m.outbox = nil
	for _, p := range pending {
		m.publishLocked(p.topic, p.payload, p.opts)
	}
	m.mu.Unlock()

	m.listeners.emit(StatusEvent{Status: StatusConnected, At: m.now()})
}

// Retained returns the retained value of topic.
func (m *Memory) Retained(topic string) ([]byte, bool) {
	e, ok := m.retained.Get(topic)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// SubscriptionCount returns the number of live subscriptions.
func (m *Memory) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close stops all deliveries. Further operations fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.orderedSubsLocked()
	m.subs = make(map[uint64]*memorySub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.box.close()
	}
	return nil
}

func (m *Memory) orderedSubsLocked() []*memorySub {
	subs := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	slices.SortFunc(subs, func(a, b *memorySub) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return subs
}

func (s *memorySub) Pattern() string { return s.pattern }

// Unsubscribe removes the subscription. Messages already queued for it are
// discarded. It succeeds while disconnected.
func (s *memorySub) Unsubscribe(_ context.Context) error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.box.close()
	return nil
}
