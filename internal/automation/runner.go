package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
)

// Timing holds the scheduling and liveness parameters of a runner.
type Timing struct {
	Interval          time.Duration
	TickTimeout       time.Duration
	InitTimeout       time.Duration
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration
	MaxMissedTicks    int
}

// DefaultTiming is applied to zero fields of a runner's Timing.
var DefaultTiming = Timing{
	Interval:          5 * time.Second,
	TickTimeout:       2 * time.Second,
	InitTimeout:       10 * time.Second,
	HeartbeatInterval: 10 * time.Second,
	GracePeriod:       60 * time.Second,
	MaxMissedTicks:    5,
}

func (t Timing) withDefaults() Timing {
	if t.Interval <= 0 {
		t.Interval = DefaultTiming.Interval
	}
	if t.TickTimeout <= 0 {
		t.TickTimeout = DefaultTiming.TickTimeout
	}
	if t.InitTimeout <= 0 {
		t.InitTimeout = DefaultTiming.InitTimeout
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = DefaultTiming.HeartbeatInterval
	}
	if t.GracePeriod <= 0 {
		t.GracePeriod = DefaultTiming.GracePeriod
	}
	if t.MaxMissedTicks <= 0 {
		t.MaxMissedTicks = DefaultTiming.MaxMissedTicks
	}
	return t
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Bus    bus.Bus
	Topics bus.Topics
	Timing Timing
	// Settings are the configured values; defaults fill the rest.
	Settings map[string]float64

	Logger   Logger
	Sink     EventSink
	Observer Observer
	Actuator Actuator
	Clock    func() time.Time
}

// Runner drives one job through its lifecycle:
//
//	Initializing → Ready ⇄ Sleeping
//	Ready|Sleeping → Disconnected   bus loss or too many missed ticks
//	Ready|Sleeping|Disconnected → Lost   no heartbeat within the grace period
//	Disconnected|Lost → Ready|Sleeping   reconnect; the state held before
//	                                     the outage is restored
//	any → Terminated                stop
//
// Before entering Sleeping, Disconnected, Lost or Terminated an actuating
// job's safe output is commanded. No other output is published outside
// Ready. Leaving Ready for an outage runs the job's sleep hook and coming
// back to Ready runs its resume hook, as for an explicit pause.
//
// All state changes happen on the runner goroutine; bus handlers and API
// calls reach it through a command queue.
type Runner struct {
	job      Job
	bus      bus.Bus
	topics   bus.Topics
	timing   Timing
	logger   Logger
	sink     EventSink
	observer Observer
	actuator Actuator
	now      func() time.Time

	settings *Settings
	env      *Env

	mu            sync.RWMutex
	state         State
	lastHeartbeat time.Time
	missed        int
	ticks         uint64
	lastTick      time.Time
	// resumeTo is the active state to restore after an outage.
	resumeTo State

	cmds         chan command
	status       chan bus.StatusEvent
	done         chan struct{}
	started      bool
	cancelStatus func()
}

type commandKind int

const (
	cmdSetting commandKind = iota
	cmdState
	cmdStop
)

type command struct {
	kind    commandKind
	setting string
	raw     []byte
	state   State
	reason  string
	reply   chan error
}

// NewRunner validates the job's name and settings. It returns
// ErrInvalidJobName or ErrConfiguration; no bus traffic happens yet.
func NewRunner(job Job, opts RunnerOptions) (*Runner, error) {
	if err := ValidateJobName(job.Name()); err != nil {
		return nil, err
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: no bus", ErrConfiguration)
	}
	values, err := ResolveSettings(job.SettingSpecs(), opts.Settings)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name(), err)
	}

	r := &Runner{
		job:      job,
		bus:      opts.Bus,
		topics:   opts.Topics,
		timing:   opts.Timing.withDefaults(),
		logger:   opts.Logger,
		sink:     opts.Sink,
		observer: opts.Observer,
		actuator: opts.Actuator,
		now:      opts.Clock,
		state:    StateInitializing,
		cmds:     make(chan command, 32),
		status:   make(chan bus.StatusEvent, 16),
		done:     make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if r.sink == nil {
		r.sink = noopSink{}
	}
	if r.observer == nil {
		r.observer = noopObserver{}
	}
	if r.now == nil {
		r.now = time.Now
	}

	if n, ok := job.(SettingNormalizer); ok {
		for name, v := range values {
			values[name] = n.NormalizeSetting(name, v)
		}
	}
	r.settings = newSettings(job.SettingSpecs(), values)
	r.env = &Env{
		Topics:   r.topics,
		Job:      job.Name(),
		Settings: r.settings,
		Logger:   r.logger,
		bus:      r.bus,
		sink:     r.sink,
		observer: r.observer,
		now:      r.now,
	}
	return r, nil
}

// Name returns the job name.
func (r *Runner) Name() string { return r.job.Name() }

// Kind returns the job kind.
func (r *Runner) Kind() string { return r.job.Kind() }

// Settings returns the job's current settings.
func (r *Runner) Settings() *Settings { return r.settings }

// Done is closed once the runner has terminated.
func (r *Runner) Done() <-chan struct{} { return r.done }

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Record returns the job's current JobRecord.
func (r *Runner) Record() JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return JobRecord{
		Experiment:    r.topics.Experiment,
		Unit:          r.topics.Unit,
		Job:           r.job.Name(),
		Kind:          r.job.Kind(),
		State:         r.state,
		LastHeartbeat: r.lastHeartbeat,
		MissedTicks:   r.missed,
		Ticks:         r.ticks,
	}
}

// Start initializes the job and launches its control loop. It returns
// ErrInitializationFailed, wrapping the cause, if the job cannot subscribe
// or seed itself within the init timeout; the job is then Terminated.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, r.job.Name())
	}
	r.started = true
	r.mu.Unlock()

	r.cancelStatus = r.bus.OnStatus(func(ev bus.StatusEvent) {
		select {
		case r.status <- ev:
		default:
			r.logger.Warn("status event dropped", "status", ev.Status)
		}
	})

	r.publishState(ctx, StateInitializing)

	ictx, cancel := context.WithTimeout(ctx, r.timing.InitTimeout)
	err := r.initialize(ictx)
	if err == nil && ictx.Err() != nil {
		err = ictx.Err()
	}
	cancel()

	if err != nil {
		r.logger.Error("job initialization failed", "error", err)
		r.terminate(context.WithoutCancel(ctx), "initialization failed")
		return fmt.Errorf("%w: %s: %w", ErrInitializationFailed, r.job.Name(), err)
	}

	r.setState(ctx, StateReady, "initialized")
	r.mu.Lock()
	r.lastTick = r.now()
	r.mu.Unlock()
	r.heartbeat(ctx)

	go r.loop(ctx)
	return nil
}

func (r *Runner) initialize(ctx context.Context) error {
	if err := r.publishSettings(ctx); err != nil {
		return err
	}

	name := r.job.Name()
	forward := func(m bus.Message) { r.onSettingMessage(m) }
	if err := r.env.Subscribe(ctx, r.topics.AllSettingSets(name), 1, forward); err != nil {
		return err
	}
	if err := r.env.Subscribe(ctx, r.topics.AllBroadcastSettingSets(name), 1, forward); err != nil {
		return err
	}

	return r.job.Init(ctx, r.env)
}

// publishSettings publishes every setting's value and metadata retained.
func (r *Runner) publishSettings(ctx context.Context) error {
	name := r.job.Name()
	opts := bus.PublishOptions{QoS: 1, Retained: true}
	values := r.settings.Snapshot()

	for _, s := range r.job.SettingSpecs() {
		if err := r.bus.Publish(ctx, r.topics.Setting(name, s.Name), formatValue(values[s.Name]), opts); err != nil {
			return fmt.Errorf("publishing setting %s: %w", s.Name, err)
		}
		settable := "true"
		if s.ReadOnly {
			settable = "false"
		}
		if err := r.bus.Publish(ctx, r.topics.SettingMeta(name, s.Name, "settable"), []byte(settable), opts); err != nil {
			return fmt.Errorf("publishing setting %s metadata: %w", s.Name, err)
		}
		if s.Unit != "" {
			if err := r.bus.Publish(ctx, r.topics.SettingMeta(name, s.Name, "unit"), []byte(s.Unit), opts); err != nil {
				return fmt.Errorf("publishing setting %s metadata: %w", s.Name, err)
			}
		}
	}

	props := strings.Join(r.settings.Names(), ",")
	if err := r.bus.Publish(ctx, r.topics.JobProperties(name), []byte(props), opts); err != nil {
		return fmt.Errorf("publishing properties: %w", err)
	}
	return nil
}

// clearSettings removes retained metadata and non-persistent values.
func (r *Runner) clearSettings(ctx context.Context) {
	name := r.job.Name()
	opts := bus.PublishOptions{QoS: 1, Retained: true}
	for _, s := range r.job.SettingSpecs() {
		if !s.Persist {
			_ = r.bus.Publish(ctx, r.topics.Setting(name, s.Name), nil, opts)
		}
		_ = r.bus.Publish(ctx, r.topics.SettingMeta(name, s.Name, "settable"), nil, opts)
		if s.Unit != "" {
			_ = r.bus.Publish(ctx, r.topics.SettingMeta(name, s.Name, "unit"), nil, opts)
		}
	}
	_ = r.bus.Publish(ctx, r.topics.JobProperties(name), nil, opts)
}

// =============================================================================
// Commands
// =============================================================================

// Sleep pauses ticking. The actuator is set to its safe output.
func (r *Runner) Sleep(ctx context.Context) error {
	return r.request(ctx, command{kind: cmdState, state: StateSleeping, reason: "requested"})
}

// Resume returns a sleeping job to Ready.
func (r *Runner) Resume(ctx context.Context) error {
	return r.request(ctx, command{kind: cmdState, state: StateReady, reason: "requested"})
}

// SetSetting changes a setting. The new value takes effect on the next tick.
func (r *Runner) SetSetting(ctx context.Context, name string, value float64) error {
	return r.request(ctx, command{kind: cmdSetting, setting: name, raw: formatValue(value)})
}

// Stop terminates the job and waits for the loop to exit. It is safe to
// call more than once.
func (r *Runner) Stop(ctx context.Context) error {
	err := r.request(ctx, command{kind: cmdStop, reason: "stopped"})
	if errors.Is(err, ErrTerminated) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) request(ctx context.Context, c command) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return fmt.Errorf("%w: %s not started", ErrInvalidTransition, r.job.Name())
	}

	c.reply = make(chan error, 1)
	select {
	case r.cmds <- c:
	case <-r.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-r.done:
		// Stop replies before closing done; anything else raced shutdown.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrTerminated
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues a command from a bus handler.
func (r *Runner) submit(c command) {
	select {
	case r.cmds <- c:
	case <-r.done:
	}
}

func (r *Runner) onSettingMessage(m bus.Message) {
	_, job, setting, ok := r.topics.ParseSettingSet(m.Topic)
	if !ok || job != r.job.Name() {
		return
	}

	if setting == "$state" {
		st, err := ParseState(string(m.Payload))
		if err != nil {
			r.env.event(context.Background(), EventCommandRejected, err.Error(), true)
			return
		}
		switch st {
		case StateDisconnected, StateTerminated:
			r.submit(command{kind: cmdStop, reason: "stop requested over bus"})
		default:
			r.submit(command{kind: cmdState, state: st, reason: "requested over bus"})
		}
		return
	}

	raw := make([]byte, len(m.Payload))
	copy(raw, m.Payload)
	r.submit(command{kind: cmdSetting, setting: setting, raw: raw})
}

// =============================================================================
// Loop
// =============================================================================

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.timing.Interval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(r.timing.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.terminate(context.WithoutCancel(ctx), "context cancelled")
			return

		case c := <-r.cmds:
			if c.kind == cmdStop {
				r.reply(c, nil)
				r.terminate(context.WithoutCancel(ctx), c.reason)
				return
			}
			r.reply(c, r.handle(ctx, c))

		case ev := <-r.status:
			r.onStatus(ctx, ev)

		case <-ticker.C:
			switch r.State() {
			case StateReady:
				r.tick(ctx)
			case StateDisconnected, StateLost:
				r.recover(ctx)
			}

		case <-heartbeat.C:
			r.heartbeat(ctx)
			r.checkGrace(ctx)
		}
	}
}

func (r *Runner) reply(c command, err error) {
	if c.reply != nil {
		c.reply <- err
	}
}

func (r *Runner) handle(ctx context.Context, c command) error {
	switch c.kind {
	case cmdSetting:
		return r.applySetting(ctx, c.setting, c.raw)
	case cmdState:
		return r.changeState(ctx, c.state, c.reason)
	default:
		return fmt.Errorf("unknown command %d", c.kind)
	}
}

func (r *Runner) applySetting(ctx context.Context, name string, raw []byte) error {
	v, err := r.settings.validate(name, raw)
	if err == nil {
		if n, ok := r.job.(SettingNormalizer); ok {
			v = n.NormalizeSetting(name, v)
		}
		err = r.job.OnSetting(name, v)
	}
	if err != nil {
		r.logger.Warn("setting rejected", "setting", name, "value", string(raw), "error", err)
		r.env.event(ctx, EventSettingRejected, fmt.Sprintf("%s: %v", name, err), true)
		return err
	}

	r.settings.set(name, v)
	pctx, cancel := context.WithTimeout(ctx, r.timing.TickTimeout)
	defer cancel()
	if err := r.bus.Publish(pctx, r.topics.Setting(r.job.Name(), name), formatValue(v), bus.PublishOptions{QoS: 1, Retained: true}); err != nil {
		r.logger.Warn("setting value not published", "setting", name, "error", err)
	}
	r.env.event(ctx, EventSettingApplied, fmt.Sprintf("%s=%s", name, formatValue(v)), false)
	r.logger.Info("setting applied", "setting", name, "value", v)
	return nil
}

func (r *Runner) changeState(ctx context.Context, to State, reason string) error {
	from := r.State()
	switch {
	case from == StateReady && to == StateSleeping:
		r.pauseJob(ctx)
		r.safeStop(ctx, reason)
		r.setState(ctx, StateSleeping, reason)
		return nil

	case from == StateSleeping && to == StateReady:
		r.resumeJob(ctx)
		r.setState(ctx, StateReady, reason)
		return nil

	case from == to:
		return nil

	default:
		err := fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
		r.env.event(ctx, EventCommandRejected, err.Error(), true)
		return err
	}
}

func (r *Runner) pauseJob(ctx context.Context) {
	if s, ok := r.job.(Sleeper); ok {
		if err := s.OnSleep(ctx, r.env); err != nil {
			r.logger.Warn("sleep hook failed", "error", err)
		}
	}
}

func (r *Runner) resumeJob(ctx context.Context) {
	if s, ok := r.job.(Sleeper); ok {
		if err := s.OnResume(ctx, r.env); err != nil {
			r.logger.Warn("resume hook failed", "error", err)
		}
	}
	r.mu.Lock()
	r.lastTick = r.now()
	r.mu.Unlock()
}

// suspend moves the job to Disconnected or Lost. Leaving an active state
// records it for recover, pauses a Ready job and commands the safe output.
func (r *Runner) suspend(ctx context.Context, to State, reason string) {
	if from := r.State(); from.Active() {
		r.mu.Lock()
		r.resumeTo = from
		r.mu.Unlock()
		if from == StateReady {
			r.pauseJob(ctx)
		}
		r.safeStop(ctx, reason)
	}
	r.setState(ctx, to, reason)
}

func (r *Runner) onStatus(ctx context.Context, ev bus.StatusEvent) {
	switch ev.Status {
	case bus.StatusDisconnected:
		if r.State().Active() {
			r.logger.Warn("bus disconnected", "error", ev.Err)
			r.suspend(ctx, StateDisconnected, "bus disconnected")
		}
	case bus.StatusConnected:
		switch r.State() {
		case StateDisconnected, StateLost:
			r.recover(ctx)
		}
	}
}

// recover resubscribes once the bus is back and restores the state held
// before the outage. A job that was sleeping stays asleep.
func (r *Runner) recover(ctx context.Context) {
	if !r.bus.IsConnected() {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, r.timing.InitTimeout)
	defer cancel()

	if err := r.env.resubscribe(rctx); err != nil {
		r.logger.Warn("resubscription failed", "error", err)
		return
	}

	r.mu.Lock()
	r.missed = 0
	to := r.resumeTo
	r.mu.Unlock()

	if to != StateSleeping {
		to = StateReady
		r.resumeJob(ctx)
	}
	r.setState(ctx, to, "reconnected")
	r.heartbeat(ctx)
}

// tick runs one control step bounded by the tick timeout.
func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	now := r.now()
	dt := now.Sub(r.lastTick)
	r.lastTick = now
	r.mu.Unlock()

	started := time.Now()
	tctx, cancel := context.WithTimeout(ctx, r.timing.TickTimeout)
	res, err := r.job.Tick(tctx, r.env, dt)
	if err == nil && tctx.Err() != nil {
		err = tctx.Err()
	}
	if err == nil && res.Publish {
		err = r.publishOutput(tctx, res.Output, false)
		if c, ok := r.job.(OutputCommitter); ok && err == nil {
			c.OutputCommitted(tctx, r.env, res.Output, dt)
		}
	}
	cancel()

	switch {
	case err == nil:
		r.mu.Lock()
		r.missed = 0
		r.ticks++
		r.mu.Unlock()
		r.observer.TickCompleted(r.job.Name(), time.Since(started))
		if res.Sleep {
			_ = r.changeState(ctx, StateSleeping, res.SleepReason)
		}

	case errors.Is(err, ErrNoMeasurement):
		r.logger.Debug("tick skipped", "reason", err)

	default:
		r.mu.Lock()
		r.missed++
		missed := r.missed
		r.mu.Unlock()

		r.observer.TickMissed(r.job.Name())
		r.logger.Warn("missed tick", "consecutive", missed, "error", err)
		r.env.event(ctx, EventMissedTick, fmt.Sprintf("%d consecutive: %v", missed, err), true)

		if missed >= r.timing.MaxMissedTicks {
			r.suspend(ctx, StateDisconnected, fmt.Sprintf("%d consecutive missed ticks", missed))
		}
	}
}

// heartbeat publishes the JobRecord. Only a successful publish refreshes
// the liveness timestamp.
func (r *Runner) heartbeat(ctx context.Context) {
	st := r.State()
	if st == StateInitializing || st == StateTerminated {
		return
	}

	now := r.now()
	rec := r.Record()
	rec.LastHeartbeat = now.UTC()

	hctx, cancel := context.WithTimeout(ctx, r.timing.TickTimeout)
	defer cancel()
	if err := r.env.PublishJSON(hctx, r.topics.Heartbeat(r.job.Name()), rec, bus.PublishOptions{Retained: true}); err != nil {
		r.logger.Debug("heartbeat not published", "error", err)
		return
	}

	r.mu.Lock()
	r.lastHeartbeat = now
	r.mu.Unlock()
}

// checkGrace moves the job to Lost when no heartbeat got through for
// longer than the grace period.
func (r *Runner) checkGrace(ctx context.Context) {
	st := r.State()
	if !st.Active() && st != StateDisconnected {
		return
	}
	r.mu.RLock()
	since := r.now().Sub(r.lastHeartbeat)
	r.mu.RUnlock()
	if since <= r.timing.GracePeriod {
		return
	}

	r.suspend(ctx, StateLost, fmt.Sprintf("no heartbeat for %s", since.Round(time.Millisecond)))
}

// =============================================================================
// Outputs and transitions
// =============================================================================

// safeStop commands the safe output of an actuating job: first to the local
// actuator, then on the bus with QoS 1 so it is queued while offline.
func (r *Runner) safeStop(ctx context.Context, reason string) {
	a, ok := r.job.(Actuating)
	if !ok {
		return
	}
	v := a.SafeOutput()

	sctx, cancel := context.WithTimeout(ctx, r.timing.TickTimeout)
	defer cancel()

	if r.actuator != nil {
		if err := r.actuator.Apply(sctx, r.job.Name(), v); err != nil {
			r.logger.Error("local safe stop failed", "error", err)
		}
	}
	if err := r.publishOutput(sctx, v, true); err != nil {
		r.logger.Error("safe stop not published", "reason", reason, "error", err)
		return
	}
	r.logger.Info("safe stop commanded", "reason", reason, "value", v)
}

func (r *Runner) publishOutput(ctx context.Context, v float64, safe bool) error {
	out := ControlOutput{
		Experiment: r.topics.Experiment,
		Unit:       r.topics.Unit,
		Job:        r.job.Name(),
		Value:      v,
		Timestamp:  r.now().UTC(),
		Safe:       safe,
	}
	opts := bus.PublishOptions{Retained: true}
	if safe {
		opts.QoS = 1
	}
	if err := r.env.PublishJSON(ctx, r.topics.JobOutput(r.job.Name()), out, opts); err != nil {
		return err
	}
	if !safe && r.actuator != nil {
		if err := r.actuator.Apply(ctx, r.job.Name(), v); err != nil {
			r.logger.Warn("local actuator failed", "error", err)
		}
	}
	r.sink.RecordOutput(out)
	r.observer.OutputPublished(r.job.Name(), v)
	return nil
}

func (r *Runner) setState(ctx context.Context, to State, reason string) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.mu.Unlock()

	r.publishState(ctx, to)
	r.sink.RecordTransition(Transition{
		Experiment: r.topics.Experiment,
		Unit:       r.topics.Unit,
		Job:        r.job.Name(),
		From:       from,
		To:         to,
		Reason:     reason,
		Timestamp:  r.now().UTC(),
	})
	r.observer.StateChanged(r.job.Name(), from, to)
	r.logger.Info("job state changed", "from", from, "to", to, "reason", reason)
}

func (r *Runner) publishState(ctx context.Context, s State) {
	pctx, cancel := context.WithTimeout(ctx, r.timing.TickTimeout)
	defer cancel()
	err := r.bus.Publish(pctx, r.topics.JobState(r.job.Name()), []byte(s), bus.PublishOptions{QoS: 1, Retained: true})
	if err != nil {
		r.logger.Debug("state not published", "state", s, "error", err)
	}
}

// terminate stops the job from any state. The current tick has already
// completed since terminate runs on the loop goroutine.
func (r *Runner) terminate(ctx context.Context, reason string) {
	if r.State() == StateTerminated {
		return
	}
	if st := r.State(); st.Active() || st == StateInitializing {
		r.safeStop(ctx, reason)
	}

	sctx, cancel := context.WithTimeout(ctx, r.timing.InitTimeout)
	defer cancel()

	if err := r.job.Stop(sctx, r.env); err != nil {
		r.logger.Warn("job stop failed", "error", err)
	}
	r.env.unsubscribeAll(sctx)
	r.clearSettings(sctx)
	r.setState(sctx, StateTerminated, reason)

	rec := r.Record()
	rec.LastHeartbeat = r.now().UTC()
	_ = r.env.PublishJSON(sctx, r.topics.Heartbeat(r.job.Name()), rec, bus.PublishOptions{QoS: 1, Retained: true})

	if r.cancelStatus != nil {
		r.cancelStatus()
	}
	close(r.done)
}
