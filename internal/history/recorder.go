package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/automation"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
	drainTimeout        = 10 * time.Second
	dropLogEvery        = 100
)

// Store persists history rows. Repository implements it.
type Store interface {
	InsertTransition(ctx context.Context, t automation.Transition) error
	InsertOutput(ctx context.Context, o automation.ControlOutput) error
	InsertFilteredState(ctx context.Context, s automation.FilteredState) error
	InsertEvent(ctx context.Context, e automation.JobEvent) error
}

// PointWriter queues a time-series point without blocking.
// influxdb.Client implements it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Logger defines the logging interface used by the recorder.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Recorder.
type Options struct {
	// QueueSize bounds the number of records waiting to be written.
	QueueSize int
	// WriteTimeout bounds each SQLite insert.
	WriteTimeout time.Duration
	// Points receives time-series points. Nil disables them.
	Points PointWriter
	Logger Logger
}

type recordKind int

const (
	kindTransition recordKind = iota
	kindOutput
	kindFilteredState
	kindEvent
)

type record struct {
	kind       recordKind
	transition automation.Transition
	output     automation.ControlOutput
	state      automation.FilteredState
	event      automation.JobEvent
}

// Recorder is a non-blocking automation.EventSink.
type Recorder struct {
	store        Store
	points       PointWriter
	logger       Logger
	writeTimeout time.Duration

	queue   chan record
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64

	runOnce sync.Once
	done    chan struct{}
}

var _ automation.EventSink = (*Recorder)(nil)

// NewRecorder returns a recorder writing to store. Call Run to start
// writing.
func NewRecorder(store Store, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Recorder{
		store:        store,
		points:       opts.Points,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		queue:        make(chan record, opts.QueueSize),
		done:         make(chan struct{}),
	}
}

// RecordTransition queues a lifecycle transition.
func (r *Recorder) RecordTransition(t automation.Transition) {
	r.enqueue(record{kind: kindTransition, transition: t})
}

// RecordOutput queues a control output.
func (r *Recorder) RecordOutput(o automation.ControlOutput) {
	r.enqueue(record{kind: kindOutput, output: o})
}

// RecordFilteredState queues an estimator output.
func (r *Recorder) RecordFilteredState(s automation.FilteredState) {
	r.enqueue(record{kind: kindFilteredState, state: s})
}

// RecordEvent queues a job event.
func (r *Recorder) RecordEvent(e automation.JobEvent) {
	r.enqueue(record{kind: kindEvent, event: e})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%dropLogEvery == 0 {
			r.logger.Warn("history queue full, dropping records", "dropped", n)
		}
	}
}

// Dropped returns how many records were discarded because the queue was
// full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many records reached the store.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed returns how many store writes returned an error.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Run writes queued records until ctx is cancelled, then drains what is
// already queued and returns. Only the first call runs.
func (r *Recorder) Run(ctx context.Context) {
	r.runOnce.Do(func() {
		defer close(r.done)
		for {
			select {
			case rec := <-r.queue:
				r.write(ctx, rec)
			case <-ctx.Done():
				r.drain()
				return
			}
		}
	})
}

// Done is closed when Run has returned.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	var err error
	switch rec.kind {
	case kindTransition:
		err = r.store.InsertTransition(ctx, rec.transition)
	case kindOutput:
		err = r.store.InsertOutput(ctx, rec.output)
	case kindFilteredState:
		err = r.store.InsertFilteredState(ctx, rec.state)
	case kindEvent:
		err = r.store.InsertEvent(ctx, rec.event)
	}
	if r.points != nil {
		r.writePoint(rec)
	}

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("history write failed", "error", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) writePoint(rec record) {
	switch rec.kind {
	case kindTransition:
		t := rec.transition
		r.points.WritePoint("job_transition",
			map[string]string{"experiment": t.Experiment, "unit": t.Unit, "job": t.Job},
			map[string]any{"from": string(t.From), "to": string(t.To), "reason": t.Reason},
			t.Timestamp)
	case kindOutput:
		o := rec.output
		r.points.WritePoint("control_output",
			map[string]string{"experiment": o.Experiment, "unit": o.Unit, "job": o.Job},
			map[string]any{"value": o.Value, "safe": o.Safe},
			o.Timestamp)
	case kindFilteredState:
		s := rec.state
		r.points.WritePoint("filtered_state",
			map[string]string{"experiment": s.Experiment, "unit": s.Unit},
			map[string]any{
				"od":          s.OD,
				"growth_rate": s.GrowthRate,
				"od_var":      s.Covariance[0][0],
				"rate_var":    s.Covariance[1][1],
				"od_rate_cov": s.Covariance[0][1],
			},
			s.Timestamp)
	case kindEvent:
		e := rec.event
		r.points.WritePoint("job_event",
			map[string]string{"experiment": e.Experiment, "unit": e.Unit, "job": e.Job, "kind": string(e.Kind)},
			map[string]any{"detail": e.Detail},
			e.Timestamp)
	}
}
