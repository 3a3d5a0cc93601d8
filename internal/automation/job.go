package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// ErrNoMeasurement is returned by Tick when the job has nothing to act on
// yet. The tick is skipped without counting as missed.
var ErrNoMeasurement = errors.New("automation: no measurement available")

// Job is one control loop variant. The runner owns the lifecycle and calls
// these methods from a single goroutine; bus handlers a job registers
// through Env run on their own goroutines.
type Job interface {
	Name() string
	Kind() string

	// SettingSpecs declares the settings the job accepts.
	SettingSpecs() []SettingSpec

	// Init subscribes to inputs and seeds internal state. Settings are
	// already resolved and readable through env.Settings.
	Init(ctx context.Context, env *Env) error

	// Tick runs one control step. A job with an actuator returns the
	// command in TickResult; the runner publishes it.
	Tick(ctx context.Context, env *Env, dt time.Duration) (TickResult, error)

	// OnSetting applies a validated setting change. Returning an error
	// rejects the change.
	OnSetting(name string, value float64) error

	// Stop releases job resources. Subscriptions made through env are
	// removed by the runner.
	Stop(ctx context.Context, env *Env) error
}

// TickResult carries the output of one tick.
type TickResult struct {
	Output float64
	// Publish is false when the tick produced no actuator command.
	Publish bool
	// Sleep asks the runner to move the job to Sleeping after this tick.
	Sleep       bool
	SleepReason string
}

// Actuating is implemented by jobs that drive an actuator.
type Actuating interface {
	// SafeOutput is the command that leaves the actuator in a safe state.
	SafeOutput() float64
}

// Sleeper is implemented by jobs that react to pause and resume.
type Sleeper interface {
	OnSleep(ctx context.Context, env *Env) error
	OnResume(ctx context.Context, env *Env) error
}

// OutputCommitter is implemented by jobs that account for outputs once
// they have been published.
type OutputCommitter interface {
	OutputCommitted(ctx context.Context, env *Env, value float64, dt time.Duration)
}

// SettingNormalizer is implemented by jobs that coerce setting values, for
// example clamping, instead of rejecting them.
type SettingNormalizer interface {
	NormalizeSetting(name string, value float64) float64
}

// Actuator is an optional in-process driver commanded directly by the
// runner in addition to the bus output.
type Actuator interface {
	Apply(ctx context.Context, job string, value float64) error
}

// EventSink receives every published filtered state, control output,
// transition and job event for durable storage. Implementations must not
// block.
type EventSink interface {
	RecordTransition(Transition)
	RecordOutput(ControlOutput)
	RecordFilteredState(FilteredState)
	RecordEvent(JobEvent)
}

// Observer receives instrumentation callbacks.
type Observer interface {
	StateChanged(job string, from, to State)
	TickCompleted(job string, d time.Duration)
	TickMissed(job string)
	OutputPublished(job string, value float64)
	SampleRejected(job string)
}

// Logger defines the logging interface used by the package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopSink struct{}

func (noopSink) RecordTransition(Transition)       {}
func (noopSink) RecordOutput(ControlOutput)        {}
func (noopSink) RecordFilteredState(FilteredState) {}
func (noopSink) RecordEvent(JobEvent)              {}

type noopObserver struct{}

func (noopObserver) StateChanged(string, State, State)   {}
func (noopObserver) TickCompleted(string, time.Duration) {}
func (noopObserver) TickMissed(string)                   {}
func (noopObserver) OutputPublished(string, float64)     {}
func (noopObserver) SampleRejected(string)               {}

// Env is the bus handle and context a job works with. Subscriptions made
// through Env are tracked and re-established after reconnect.
type Env struct {
	Topics   bus.Topics
	Job      string
	Settings *Settings
	Logger   Logger

	bus      bus.Bus
	sink     EventSink
	observer Observer
	now      func() time.Time

	mu   sync.Mutex
	subs []*trackedSub
}

type trackedSub struct {
	pattern string
	qos     byte
	handler bus.Handler
	sub     bus.Subscription
}

// Now returns the runner clock.
func (e *Env) Now() time.Time { return e.now() }

// Subscribe registers handler for pattern.
func (e *Env) Subscribe(ctx context.Context, pattern string, qos byte, handler bus.Handler) error {
	sub, err := e.bus.Subscribe(ctx, pattern, handler, bus.SubscribeOptions{QoS: qos})
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", pattern, err)
	}
	e.mu.Lock()
	e.subs = append(e.subs, &trackedSub{pattern: pattern, qos: qos, handler: handler, sub: sub})
	e.mu.Unlock()
	return nil
}

// Publish sends payload on topic.
func (e *Env) Publish(ctx context.Context, topic string, payload []byte, opts bus.PublishOptions) error {
	return e.bus.Publish(ctx, topic, payload, opts)
}

// PublishJSON marshals v and publishes it on topic.
func (e *Env) PublishJSON(ctx context.Context, topic string, v any, opts bus.PublishOptions) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	return e.bus.Publish(ctx, topic, payload, opts)
}

// RecordFilteredState forwards an estimator output to the event sink.
func (e *Env) RecordFilteredState(fs FilteredState) {
	e.sink.RecordFilteredState(fs)
}

// Reject publishes a rejected-sample event for the job.
func (e *Env) Reject(ctx context.Context, detail string) {
	e.observer.SampleRejected(e.Job)
	e.event(ctx, EventSampleRejected, detail, true)
}

// event records a JobEvent and, when publish is set, sends it on the job's
// events topic.
func (e *Env) event(ctx context.Context, kind EventKind, detail string, publish bool) {
	ev := JobEvent{
		ID:         uuid.NewString(),
		Experiment: e.Topics.Experiment,
		Unit:       e.Topics.Unit,
		Job:        e.Job,
		Kind:       kind,
		Detail:     detail,
		Timestamp:  e.now().UTC(),
	}
	e.sink.RecordEvent(ev)
	if !publish {
		return
	}
	if err := e.PublishJSON(ctx, e.Topics.JobEvents(e.Job), ev, bus.PublishOptions{}); err != nil {
		e.Logger.Debug("event not published", "kind", kind, "error", err)
	}
}

// resubscribe re-establishes every tracked subscription so retained values
// are replayed.
func (e *Env) resubscribe(ctx context.Context) error {
	e.mu.Lock()
	subs := make([]*trackedSub, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, ts := range subs {
		if ts.sub != nil {
			_ = ts.sub.Unsubscribe(ctx)
		}
		sub, err := e.bus.Subscribe(ctx, ts.pattern, ts.handler, bus.SubscribeOptions{QoS: ts.qos})
		e.mu.Lock()
		ts.sub = sub
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("resubscribing %s: %w", ts.pattern, err)
		}
	}
	return nil
}

func (e *Env) unsubscribeAll(ctx context.Context) {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, ts := range subs {
		if ts.sub == nil {
			continue
		}
		if err := ts.sub.Unsubscribe(ctx); err != nil {
			e.Logger.Debug("unsubscribe failed", "pattern", ts.pattern, "error", err)
		}
	}
}
