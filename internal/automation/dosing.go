package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/control"
)

// Dosing is a turbidostat-style loop: a reverse-acting PID on the filtered
// optical density drives the dilution pump rate (mL/min). Each non-zero
// output is announced as a DosingEvent. Once max_volume is reached the job
// puts itself to sleep.
type Dosing struct {
	name       string
	source     string
	staleAfter time.Duration

	mu      sync.Mutex
	pid     *control.PID
	state   FilteredState
	has     bool
	dosedML float64
}

// NewDosing creates a dosing job fed by the filtered state of the source
// estimator job.
func NewDosing(name, source string, staleAfter time.Duration) *Dosing {
	if name == "" {
		name = DefaultJobName(KindDosing)
	}
	if source == "" {
		source = DefaultJobName(KindGrowthRate)
	}
	return &Dosing{name: name, source: source, staleAfter: staleAfter}
}

// Name returns the job name.
func (d *Dosing) Name() string { return d.name }

// Kind returns KindDosing.
func (d *Dosing) Kind() string { return KindDosing }

// SettingSpecs declares the OD target, pump limits and PID gains.
func (d *Dosing) SettingSpecs() []SettingSpec {
	return []SettingSpec{
		{Name: "target_od", Unit: "OD", Min: 0, Max: 10, Required: true},
		{Name: "max_rate", Unit: "mL/min", Default: 1, Min: 0.001, Max: 100},
		// Zero disables the volume limit.
		{Name: "max_volume", Unit: "mL", Default: 0, Min: 0, Max: 100000, Persist: true},
		{Name: "kp", Default: 2, Min: -1000, Max: 1000},
		{Name: "ki", Default: 0.1, Min: -1000, Max: 1000},
		{Name: "kd", Default: 0, Min: -1000, Max: 1000},
	}
}

// Init builds the reverse-acting controller and subscribes to the source
// job's filtered state.
func (d *Dosing) Init(ctx context.Context, env *Env) error {
	pid, err := control.New(control.Config{
		Gains: control.Gains{
			Kp: env.Settings.Get("kp"),
			Ki: env.Settings.Get("ki"),
			Kd: env.Settings.Get("kd"),
		},
		Min:       0,
		Max:       env.Settings.Get("max_rate"),
		Direction: control.Reverse,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	d.mu.Lock()
	d.pid = pid
	d.mu.Unlock()

	topic := env.Topics.Setting(d.source, FilteredSetting)
	return env.Subscribe(ctx, topic, 1, func(m bus.Message) {
		var fs FilteredState
		if err := json.Unmarshal(m.Payload, &fs); err != nil {
			env.Logger.Debug("ignoring filtered state", "error", err)
			return
		}
		d.mu.Lock()
		if !d.has || !fs.Timestamp.Before(d.state.Timestamp) {
			d.state = fs
			d.has = true
		}
		d.mu.Unlock()
	})
}

// Tick computes the pump rate. A stale filtered state stops the pump.
func (d *Dosing) Tick(_ context.Context, env *Env, dt time.Duration) (TickResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit := env.Settings.Get("max_volume"); limit > 0 && d.dosedML >= limit {
		return TickResult{
			Sleep:       true,
			SleepReason: fmt.Sprintf("max_volume %.3g mL reached", limit),
		}, nil
	}
	if !d.has {
		return TickResult{}, ErrNoMeasurement
	}
	if d.staleAfter > 0 && env.Now().Sub(d.state.Timestamp) > d.staleAfter {
		d.pid.Reset()
		return TickResult{Output: 0, Publish: true}, nil
	}

	out := d.pid.Compute(env.Settings.Get("target_od"), d.state.OD, dt.Seconds())
	return TickResult{Output: roundDuty(out), Publish: true}, nil
}

// OutputCommitted accounts for the dosed volume and announces it.
func (d *Dosing) OutputCommitted(ctx context.Context, env *Env, rate float64, dt time.Duration) {
	if rate <= 0 || dt <= 0 {
		return
	}
	volume := rate * dt.Minutes()

	d.mu.Lock()
	d.dosedML += volume
	d.mu.Unlock()

	ev := DosingEvent{
		Unit:      env.Topics.Unit,
		Job:       d.name,
		VolumeML:  volume,
		Timestamp: env.Now().UTC(),
	}
	if err := env.PublishJSON(ctx, env.Topics.DosingEvents(), ev, bus.PublishOptions{QoS: 1}); err != nil {
		env.Logger.Warn("dosing event not published", "error", err)
	}
}

// DosedVolume returns the cumulative dosed volume in mL.
func (d *Dosing) DosedVolume() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dosedML
}

// OnSetting applies new gains or a new rate limit. A new target clears
// the controller memory.
func (d *Dosing) OnSetting(name string, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pid == nil {
		return nil
	}
	switch name {
	case "target_od":
		d.pid.Reset()
	case "kp":
		d.pid.SetKp(v)
	case "ki":
		d.pid.SetKi(v)
	case "kd":
		d.pid.SetKd(v)
	case "max_rate":
		// Output bounds are fixed at construction.
		pid, err := control.New(control.Config{Gains: d.pid.Gains(), Min: 0, Max: v, Direction: control.Reverse})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSetting, err)
		}
		d.pid = pid
	}
	return nil
}

// OnSleep does nothing; the runner stops the pump.
func (d *Dosing) OnSleep(context.Context, *Env) error { return nil }

// OnResume resets the controller.
func (d *Dosing) OnResume(context.Context, *Env) error {
	d.mu.Lock()
	d.pid.Reset()
	d.mu.Unlock()
	return nil
}

// SafeOutput stops the pump.
func (d *Dosing) SafeOutput() float64 { return 0 }

// Stop has nothing to release.
func (d *Dosing) Stop(context.Context, *Env) error { return nil }
