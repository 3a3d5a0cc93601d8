package control

import (
	"fmt"
	"math"
	"sync"
)

// Direction selects how the controller reacts to a positive error.
type Direction int

const (
	// Direct raises the output while the measurement is below the setpoint
	// (heaters, stirrers).
	Direct Direction = iota

	// Reverse raises the output while the measurement is above the setpoint
	// (dilution pumps in a turbidostat).
	Reverse
)

// Gains holds the PID tuning constants.
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// Config configures a PID controller.
type Config struct {
	Gains
	Min       float64
	Max       float64
	Direction Direction
}

// Validate checks the output bounds and gains.
func (c Config) Validate() error {
	if !(c.Min < c.Max) {
		return fmt.Errorf("%w: min %g must be below max %g", ErrInvalidConfig, c.Min, c.Max)
	}
	for name, v := range map[string]float64{"kp": c.Kp, "ki": c.Ki, "kd": c.Kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidConfig, name)
		}
	}
	return nil
}

// PID is a proportional-integral-derivative controller with output
// clamping, integral anti-windup and derivative on measurement.
//
// Compute is expected to be driven by a single control loop; the mutex only
// guards against gain changes arriving from setting handlers.
type PID struct {
	mu sync.Mutex

	gains     Gains
	min, max  float64
	direction Direction

	integral        float64
	lastMeasurement float64
	hasLast         bool
	lastOutput      float64
}

// New creates a controller. It returns ErrInvalidConfig for bad bounds.
func New(cfg Config) (*PID, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PID{
		gains:     cfg.Gains,
		min:       cfg.Min,
		max:       cfg.Max,
		direction: cfg.Direction,
	}, nil
}

// Compute returns the clamped output for one control step.
//
// error = setpoint - measurement (negated for Reverse). The integral only
// accumulates while the unclamped output stays inside the bounds, or when the
// error would drive it back inside. The derivative term uses the change in
// measurement so setpoint steps do not produce output spikes. A non-positive
// dt skips the integral and derivative terms.
func (p *PID) Compute(setpoint, measurement, dt float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	sign := 1.0
	if p.direction == Reverse {
		sign = -1.0
	}
	e := sign * (setpoint - measurement)

	var dInput float64
	if p.hasLast && dt > 0 {
		dInput = sign * (measurement - p.lastMeasurement) / dt
	}

	proportional := p.gains.Kp * e
	derivative := -p.gains.Kd * dInput

	integral := p.integral
	if dt > 0 {
		integral += e * dt
	}

	raw := proportional + p.gains.Ki*integral + derivative
	out := clamp(raw, p.min, p.max)

	// Anti-windup: keep the new integral only if it does not push further
	// into saturation.
	saturatedHigh := raw > p.max && e > 0
	saturatedLow := raw < p.min && e < 0
	if !saturatedHigh && !saturatedLow {
		p.integral = integral
	}

	p.lastMeasurement = measurement
	p.hasLast = true
	p.lastOutput = out
	return out
}

// Reset clears integral and derivative memory.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral = 0
	p.lastMeasurement = 0
	p.hasLast = false
	p.lastOutput = 0
}

// SetGains replaces all gains. Integral history is kept.
func (p *PID) SetGains(g Gains) {
	p.mu.Lock()
	p.gains = g
	p.mu.Unlock()
}

// SetKp sets the proportional gain.
func (p *PID) SetKp(v float64) {
	p.mu.Lock()
	p.gains.Kp = v
	p.mu.Unlock()
}

// SetKi sets the integral gain.
func (p *PID) SetKi(v float64) {
	p.mu.Lock()
	p.gains.Ki = v
	p.mu.Unlock()
}

// SetKd sets the derivative gain.
func (p *PID) SetKd(v float64) {
	p.mu.Lock()
	p.gains.Kd = v
	p.mu.Unlock()
}

// Gains returns the current gains.
func (p *PID) Gains() Gains {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gains
}

// Integral returns the accumulated integral term.
func (p *PID) Integral() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integral
}

// LastOutput returns the most recent Compute result.
func (p *PID) LastOutput() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOutput
}

// Bounds returns the output clamp.
func (p *PID) Bounds() (minOut, maxOut float64) {
	return p.min, p.max
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
