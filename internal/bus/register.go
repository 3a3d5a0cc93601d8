package bus

import (
	"slices"
	"sync"
	"time"
)

// Register is a last-write-wins register keyed by topic. It is the single
// model of "retained" values: each topic holds at most one current value,
// every write is a total overwrite and an empty payload clears the topic.
//
// The memory bus keeps its retained values here, and jobs use a Register to
// hold the latest value seen on each subscribed topic.
type Register struct {
	mu     sync.RWMutex
	values map[string]Entry
	seq    uint64
}

// Entry is the current value of one topic.
type Entry struct {
	Topic     string
	Payload   []byte
	Seq       uint64
	UpdatedAt time.Time
}

// NewRegister creates an empty register.
func NewRegister() *Register {
	return &Register{values: make(map[string]Entry)}
}

// Set overwrites the value of topic. An empty payload deletes it.
// It returns the stored entry and whether a value is now present.
func (r *Register) Set(topic string, payload []byte, at time.Time) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(payload) == 0 {
		delete(r.values, topic)
		return Entry{}, false
	}

	r.seq++
	e := Entry{
		Topic:     topic,
		Payload:   slices.Clone(payload),
		Seq:       r.seq,
		UpdatedAt: at,
	}
	r.values[topic] = e
	return e, true
}

// Get returns the current value of topic.
func (r *Register) Get(topic string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.values[topic]
	return e, ok
}

// Match returns the values whose topics match pattern, in write order.
func (r *Register) Match(pattern string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for topic, e := range r.values {
		if Match(pattern, topic) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Len returns the number of topics holding a value.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}
