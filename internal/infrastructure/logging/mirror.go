package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// mirrorQueueSize bounds the number of entries waiting to be published.
const mirrorQueueSize = 256

// PublishFunc delivers one encoded log entry to the message bus.
type PublishFunc func(ctx context.Context, topic string, payload []byte) error

// BusMirror forwards log records at or above a minimum level onto a bus
// topic so that remote monitors can follow a unit's logs.
//
// Records are queued and published from Run; when the queue is full the
// record is dropped and counted. Publishing never blocks the caller.
type BusMirror struct {
	topic   string
	level   slog.Level
	publish PublishFunc
	entries chan []byte
	dropped atomic.Uint64
}

// Entry is the JSON payload published for each mirrored record.
type Entry struct {
	Level     string    `json:"level"`
	Task      string    `json:"task"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBusMirror creates a mirror publishing records at level or above to topic.
func NewBusMirror(topic, level string, publish PublishFunc) *BusMirror {
	return &BusMirror{
		topic:   topic,
		level:   parseLevel(level),
		publish: publish,
		entries: make(chan []byte, mirrorQueueSize),
	}
}

// Run publishes queued entries until ctx is cancelled.
// Publish errors are ignored: the bus being down is an expected condition
// and logging it would feed back into the mirror.
func (m *BusMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-m.entries:
			_ = m.publish(ctx, m.topic, payload) //nolint:errcheck // see above
		}
	}
}

// Dropped returns the number of records discarded because the queue was full.
func (m *BusMirror) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *BusMirror) enqueue(r slog.Record, task string) {
	payload, err := json.Marshal(Entry{
		Level:     strings.ToUpper(r.Level.String()),
		Task:      task,
		Message:   r.Message,
		Timestamp: r.Time.UTC(),
	})
	if err != nil {
		return
	}

	select {
	case m.entries <- payload:
	default:
		m.dropped.Add(1)
	}
}

// mirrorHandler tees records to the wrapped handler and the bus mirror.
type mirrorHandler struct {
	next   slog.Handler
	mirror *BusMirror
	task   string
}

func (h *mirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.mirror.level
}

func (h *mirrorHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}

	if r.Level >= h.mirror.level {
		task := h.task
		r.Attrs(func(a slog.Attr) bool {
			if isTaskKey(a.Key) {
				task = a.Value.String()
			}
			return true
		})
		h.mirror.enqueue(r, task)
	}

	return err
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	task := h.task
	for _, a := range attrs {
		if isTaskKey(a.Key) {
			task = a.Value.String()
		}
	}
	return &mirrorHandler{next: h.next.WithAttrs(attrs), mirror: h.mirror, task: task}
}

func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	return &mirrorHandler{next: h.next.WithGroup(name), mirror: h.mirror, task: h.task}
}

// isTaskKey reports whether an attribute names the emitting task.
func isTaskKey(key string) bool {
	return key == "job" || key == "component"
}
