package automation

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// ─── Recording bus ──────────────────────────────────────────────────────────

type published struct {
	Topic   string
	Payload []byte
	Opts    bus.PublishOptions
}

// recordingBus logs every publish attempt, in call order, before handing it
// to the in-memory broker.
type recordingBus struct {
	*bus.Memory
	mu  sync.Mutex
	log []published
}

func newRecordingBus() *recordingBus {
	return &recordingBus{Memory: bus.NewMemory()}
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte, opts bus.PublishOptions) error {
	b.mu.Lock()
	b.log = append(b.log, published{Topic: topic, Payload: slices.Clone(payload), Opts: opts})
	b.mu.Unlock()
	return b.Memory.Publish(ctx, topic, payload, opts)
}

func (b *recordingBus) history() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log)
}

func (b *recordingBus) outputs(topic string) []ControlOutput {
	var out []ControlOutput
	for _, p := range b.history() {
		if p.Topic != topic || len(p.Payload) == 0 {
			continue
		}
		var co ControlOutput
		if err := json.Unmarshal(p.Payload, &co); err == nil {
			out = append(out, co)
		}
	}
	return out
}

// collector records delivered payloads.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(m bus.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(m.Payload))
	c.mu.Unlock()
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	var got []string
	eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		got = slices.Clone(c.msgs)
		return len(got) >= n
	}, "bus messages")
	return got
}

// ─── Recording sink ─────────────────────────────────────────────────────────

type recordingSink struct {
	mu          sync.Mutex
	transitions []Transition
	outputs     []ControlOutput
	filtered    []FilteredState
	events      []JobEvent
}

func (s *recordingSink) RecordTransition(t Transition) {
	s.mu.Lock()
	s.transitions = append(s.transitions, t)
	s.mu.Unlock()
}

func (s *recordingSink) RecordOutput(o ControlOutput) {
	s.mu.Lock()
	s.outputs = append(s.outputs, o)
	s.mu.Unlock()
}

func (s *recordingSink) RecordFilteredState(f FilteredState) {
	s.mu.Lock()
	s.filtered = append(s.filtered, f)
	s.mu.Unlock()
}

func (s *recordingSink) RecordEvent(e JobEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) eventsOf(kind EventKind) []JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobEvent
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) hasTransition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// ─── Fake job ───────────────────────────────────────────────────────────────

// fakeJob publishes a fixed output every tick.
type fakeJob struct {
	name    string
	specs   []SettingSpec
	initErr error

	mu       sync.Mutex
	output   float64
	tickErr  error
	ticks    int
	applied  map[string]float64
	slept    int
	resumed  int
	stopped  int
	readings []float64
}

func newFakeJob(name string) *fakeJob {
	return &fakeJob{
		name:    name,
		output:  42,
		applied: make(map[string]float64),
		specs: []SettingSpec{
			{Name: "gain", Default: 1, Min: 0, Max: 10},
			{Name: "target", Unit: "AU", Default: 5, Min: 0, Max: 100, Persist: true},
		},
	}
}

func (f *fakeJob) Name() string                { return f.name }
func (f *fakeJob) Kind() string                { return "fake" }
func (f *fakeJob) SettingSpecs() []SettingSpec { return f.specs }
func (f *fakeJob) SafeOutput() float64         { return 0 }

func (f *fakeJob) Init(ctx context.Context, env *Env) error {
	if f.initErr != nil {
		return f.initErr
	}
	return env.Subscribe(ctx, env.Topics.SensorReading("probe"), 0, func(m bus.Message) {
		s, err := ParseSensorSample(m.Payload, env.Now())
		if err != nil {
			return
		}
		f.mu.Lock()
		f.readings = append(f.readings, s.Value)
		f.mu.Unlock()
	})
}

func (f *fakeJob) Tick(context.Context, *Env, time.Duration) (TickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	if f.tickErr != nil {
		return TickResult{}, f.tickErr
	}
	return TickResult{Output: f.output, Publish: true}, nil
}

func (f *fakeJob) OnSetting(name string, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "gain" && v == 7 {
		return errors.New("seven is unlucky")
	}
	f.applied[name] = v
	return nil
}

func (f *fakeJob) OnSleep(context.Context, *Env) error {
	f.mu.Lock()
	f.slept++
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) OnResume(context.Context, *Env) error {
	f.mu.Lock()
	f.resumed++
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) Stop(context.Context, *Env) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeJob) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

func (f *fakeJob) setTickErr(err error) {
	f.mu.Lock()
	f.tickErr = err
	f.mu.Unlock()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

var testTopics = bus.Topics{Experiment: "exp1", Unit: "unit1"}

func fastTiming() Timing {
	return Timing{
		Interval:          10 * time.Millisecond,
		TickTimeout:       200 * time.Millisecond,
		InitTimeout:       time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		GracePeriod:       10 * time.Second,
		MaxMissedTicks:    3,
	}
}

func newTestRunner(t *testing.T, b bus.Bus, job Job, sink EventSink, timing Timing) *Runner {
	t.Helper()
	r, err := NewRunner(job, RunnerOptions{
		Bus:    b,
		Topics: testTopics,
		Timing: timing,
		Sink:   sink,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func startRunner(t *testing.T, r *Runner) {
	t.Helper()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, r *Runner, want State) {
	t.Helper()
	eventually(t, func() bool { return r.State() == want }, "state "+string(want))
}

// newTestEnv builds an Env for driving a job without a runner.
func newTestEnv(t *testing.T, b bus.Bus, job Job, values map[string]float64, now func() time.Time) *Env {
	t.Helper()
	resolved, err := ResolveSettings(job.SettingSpecs(), values)
	if err != nil {
		t.Fatalf("ResolveSettings() error = %v", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Env{
		Topics:   testTopics,
		Job:      job.Name(),
		Settings: newSettings(job.SettingSpecs(), resolved),
		Logger:   noopLogger{},
		bus:      b,
		sink:     noopSink{},
		observer: noopObserver{},
		now:      now,
	}
}

func sample(t *testing.T, v float64, at time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(SensorSample{Value: v, Timestamp: at})
	if err != nil {
		t.Fatal(err)
	}
	return b
}
