package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/control"
)

// Heater safety limits in °C.
const (
	minTargetTemperature = 0.0
	maxTargetTemperature = 50.0
)

// Temperature drives the heater duty cycle towards target_temperature.
// Readings older than staleAfter switch the heater off.
type Temperature struct {
	name       string
	sensor     string
	staleAfter time.Duration
	logger     Logger

	mu      sync.Mutex
	pid     *control.PID
	reading SensorSample
	has     bool
}

// NewTemperature creates a temperature job. staleAfter is usually three
// control intervals. logger receives clamping warnings; nil discards them.
func NewTemperature(name, sensor string, staleAfter time.Duration, logger Logger) *Temperature {
	if name == "" {
		name = DefaultJobName(KindTemperature)
	}
	if sensor == "" {
		sensor = "temperature"
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Temperature{name: name, sensor: sensor, staleAfter: staleAfter, logger: logger}
}

// Name returns the job name.
func (t *Temperature) Name() string { return t.name }

// Kind returns KindTemperature.
func (t *Temperature) Kind() string { return KindTemperature }

// SettingSpecs declares the target temperature and the PID gains.
func (t *Temperature) SettingSpecs() []SettingSpec {
	return []SettingSpec{
		// Out of range targets are clamped by NormalizeSetting.
		{Name: "target_temperature", Unit: "°C", Required: true},
		{Name: "kp", Default: 3, Min: -1000, Max: 1000},
		{Name: "ki", Default: 0.05, Min: -1000, Max: 1000},
		{Name: "kd", Default: 0, Min: -1000, Max: 1000},
	}
}

// NormalizeSetting clamps target_temperature to the heater's safe range.
func (t *Temperature) NormalizeSetting(name string, v float64) float64 {
	if name != "target_temperature" {
		return v
	}
	if v > maxTargetTemperature {
		t.logger.Warn("target temperature above limit, clamping", "requested", v, "limit", maxTargetTemperature)
	}
	return clampFloat(v, minTargetTemperature, maxTargetTemperature)
}

// Init builds the controller and subscribes to temperature readings.
func (t *Temperature) Init(ctx context.Context, env *Env) error {
	pid, err := control.New(control.Config{
		Gains: control.Gains{
			Kp: env.Settings.Get("kp"),
			Ki: env.Settings.Get("ki"),
			Kd: env.Settings.Get("kd"),
		},
		Min: 0,
		Max: 100,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	t.mu.Lock()
	t.pid = pid
	t.mu.Unlock()

	return env.Subscribe(ctx, env.Topics.SensorReading(t.sensor), 0, func(m bus.Message) {
		sample, err := ParseSensorSample(m.Payload, env.Now())
		if err != nil {
			env.Logger.Debug("ignoring temperature reading", "error", err)
			return
		}
		t.mu.Lock()
		if !t.has || !sample.Timestamp.Before(t.reading.Timestamp) {
			t.reading = sample
			t.has = true
		}
		t.mu.Unlock()
	})
}

// Tick computes the heater duty cycle, or 0 without a fresh reading.
func (t *Temperature) Tick(_ context.Context, env *Env, dt time.Duration) (TickResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.has || (t.staleAfter > 0 && env.Now().Sub(t.reading.Timestamp) > t.staleAfter) {
		t.pid.Reset()
		return TickResult{Output: 0, Publish: true}, nil
	}

	target := env.Settings.Get("target_temperature")
	out := t.pid.Compute(target, t.reading.Value, dt.Seconds())
	return TickResult{Output: roundDuty(out), Publish: true}, nil
}

// OnSetting applies new gains; a new target clears the controller memory.
func (t *Temperature) OnSetting(name string, v float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pid == nil {
		return nil
	}
	switch name {
	case "target_temperature":
		t.pid.Reset()
	case "kp":
		t.pid.SetKp(v)
	case "ki":
		t.pid.SetKi(v)
	case "kd":
		t.pid.SetKd(v)
	}
	return nil
}

// OnSleep does nothing; the runner switches the heater off.
func (t *Temperature) OnSleep(context.Context, *Env) error { return nil }

// OnResume resets the controller.
func (t *Temperature) OnResume(context.Context, *Env) error {
	t.mu.Lock()
	t.pid.Reset()
	t.mu.Unlock()
	return nil
}

// SafeOutput switches the heater off.
func (t *Temperature) SafeOutput() float64 { return 0 }

// Stop has nothing to release.
func (t *Temperature) Stop(context.Context, *Env) error { return nil }
