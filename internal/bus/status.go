package bus

import (
	"slices"
	"sync"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// statusListeners is the set of OnStatus callbacks of one bus.
type statusListeners struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(StatusEvent)
}

func (l *statusListeners) add(fn func(StatusEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(StatusEvent))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// emit calls every listener in registration order. It must not be called
// while holding a bus lock.
func (l *statusListeners) emit(ev StatusEvent) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(StatusEvent), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
