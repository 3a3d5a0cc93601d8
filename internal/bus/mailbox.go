package bus

import (
	"sync"
)

// mailbox serialises delivery to one handler. Messages are queued without
// bound so publishers never block on a slow subscriber, and a single
// goroutine invokes the handler in arrival order.
type mailbox struct {
	handler Handler
	onPanic func(topic string, recovered any)

	mu     sync.Mutex
	queue  []Message
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func newMailbox(handler Handler, onPanic func(string, any)) *mailbox {
	m := &mailbox{
		handler: handler,
		onPanic: onPanic,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// push queues msg for delivery. It never blocks.
func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// close stops delivery. Queued messages are discarded; a handler already
// running completes.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) loop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if m.closed || len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			msg := m.queue[0]
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.deliver(msg)
		}
	}
}

func (m *mailbox) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil && m.onPanic != nil {
			m.onPanic(msg.Topic, r)
		}
	}()
	m.handler(msg)
}
