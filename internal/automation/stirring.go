package automation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/control"
)

// Stirring holds the stirrer at target_rpm by adjusting the motor duty
// cycle from the measured RPM.
type Stirring struct {
	name   string
	sensor string

	mu        sync.Mutex
	pid       *control.PID
	rpm       float64
	hasRPM    bool
	duty      float64
	savedDuty float64
}

// EMA weights applied to measured RPM.
const (
	rpmSmoothingOld = 0.025
	rpmSmoothingNew = 0.975
)

// NewStirring creates a stirring job reading RPM from sensor.
func NewStirring(name, sensor string) *Stirring {
	if name == "" {
		name = DefaultJobName(KindStirring)
	}
	if sensor == "" {
		sensor = "rpm"
	}
	return &Stirring{name: name, sensor: sensor}
}

// Name returns the job name.
func (s *Stirring) Name() string { return s.name }

// Kind returns KindStirring.
func (s *Stirring) Kind() string { return KindStirring }

// SettingSpecs declares the RPM target, the open-loop duty cycle and the
// PID gains.
func (s *Stirring) SettingSpecs() []SettingSpec {
	return []SettingSpec{
		{Name: "target_rpm", Unit: "RPM", Min: 0, Max: 3000, Required: true},
		{Name: "initial_duty_cycle", Unit: "%", Default: 30, Min: 0, Max: 100},
		{Name: "kp", Default: 0.005, Min: -100, Max: 100},
		{Name: "ki", Default: 0.002, Min: -100, Max: 100},
		{Name: "kd", Default: 0, Min: -100, Max: 100},
	}
}

// Init builds the controller and subscribes to RPM readings.
func (s *Stirring) Init(ctx context.Context, env *Env) error {
	pid, err := control.New(control.Config{
		Gains: control.Gains{
			Kp: env.Settings.Get("kp"),
			Ki: env.Settings.Get("ki"),
			Kd: env.Settings.Get("kd"),
		},
		// The controller output is a per-tick duty cycle adjustment.
		Min: -10,
		Max: 10,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	s.mu.Lock()
	s.pid = pid
	s.duty = env.Settings.Get("initial_duty_cycle")
	s.mu.Unlock()

	return env.Subscribe(ctx, env.Topics.SensorReading(s.sensor), 0, func(m bus.Message) {
		sample, err := ParseSensorSample(m.Payload, env.Now())
		if err != nil {
			env.Logger.Debug("ignoring rpm reading", "error", err)
			return
		}
		s.observe(sample.Value)
	})
}

func (s *Stirring) observe(rpm float64) {
	if math.IsNaN(rpm) || math.IsInf(rpm, 0) || rpm < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRPM {
		s.rpm = rpm
		s.hasRPM = true
		return
	}
	s.rpm = rpmSmoothingOld*s.rpm + rpmSmoothingNew*rpm
}

// Tick adjusts the duty cycle by the PID correction for the smoothed RPM.
func (s *Stirring) Tick(_ context.Context, env *Env, dt time.Duration) (TickResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Open loop until the first RPM measurement.
	if s.hasRPM {
		target := env.Settings.Get("target_rpm")
		s.duty = roundDuty(clampFloat(s.duty+s.pid.Compute(target, s.rpm, dt.Seconds()), 0, 100))
	}
	return TickResult{Output: s.duty, Publish: true}, nil
}

// OnSetting applies new gains; a new target clears the controller memory.
func (s *Stirring) OnSetting(name string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid == nil {
		return nil
	}
	switch name {
	case "target_rpm":
		s.pid.Reset()
	case "kp":
		s.pid.SetKp(v)
	case "ki":
		s.pid.SetKi(v)
	case "kd":
		s.pid.SetKd(v)
	}
	return nil
}

// OnSleep remembers the duty cycle so resuming does not restart from zero.
func (s *Stirring) OnSleep(context.Context, *Env) error {
	s.mu.Lock()
	s.savedDuty = s.duty
	s.duty = 0
	s.mu.Unlock()
	return nil
}

// OnResume restores the saved duty cycle and resets the controller.
func (s *Stirring) OnResume(context.Context, *Env) error {
	s.mu.Lock()
	s.duty = s.savedDuty
	s.pid.Reset()
	s.mu.Unlock()
	return nil
}

// SafeOutput stops the motor.
func (s *Stirring) SafeOutput() float64 { return 0 }

// Stop zeroes the duty cycle.
func (s *Stirring) Stop(context.Context, *Env) error {
	s.mu.Lock()
	s.duty = 0
	s.mu.Unlock()
	return nil
}

// DutyCycle returns the last commanded duty cycle.
func (s *Stirring) DutyCycle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duty
}

func roundDuty(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
