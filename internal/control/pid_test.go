package control

import (
	"errors"
	"math"
	"testing"
)

func mustPID(t *testing.T, cfg Config) *PID {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestPID_ProportionalOnly(t *testing.T) {
	tests := []struct {
		name string
		max  float64
		want float64
	}{
		{name: "unclamped", max: 1000, want: 50},
		{name: "clamped", max: 20, want: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPID(t, Config{Gains: Gains{Kp: 5}, Min: -1000, Max: tt.max})
			if got := p.Compute(100, 90, 1); got != tt.want {
				t.Errorf("Compute() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPID_ReverseActing(t *testing.T) {
	p := mustPID(t, Config{Gains: Gains{Kp: 2}, Min: 0, Max: 100, Direction: Reverse})

	if got := p.Compute(1.0, 1.5, 1); got != 1.0 {
		t.Errorf("Compute(above target) = %v, want 1", got)
	}
	if got := p.Compute(1.0, 0.5, 1); got != 0 {
		t.Errorf("Compute(below target) = %v, want 0", got)
	}
}

func TestPID_ResetMatchesFreshController(t *testing.T) {
	cfg := Config{Gains: Gains{Kp: 1.2, Ki: 0.4, Kd: 0.3}, Min: 0, Max: 100}
	used := mustPID(t, cfg)
	for i := range 25 {
		used.Compute(40, float64(i), 0.5)
	}
	used.Reset()

	fresh := mustPID(t, cfg)
	for i := range 5 {
		m := 30 + float64(i)
		if a, b := used.Compute(40, m, 1), fresh.Compute(40, m, 1); a != b {
			t.Fatalf("step %d: reset controller = %v, fresh = %v", i, a, b)
		}
	}
}

func TestPID_AntiWindupBoundsOutput(t *testing.T) {
	p := mustPID(t, Config{Gains: Gains{Kp: 1, Ki: 0.5}, Min: 0, Max: 10})

	var prevIntegral float64
	for i := range 500 {
		out := p.Compute(100, 0, 1)
		if out < 0 || out > 10 {
			t.Fatalf("step %d: output %v outside [0,10]", i, out)
		}
		if i > 0 && p.Integral() != prevIntegral {
			t.Fatalf("step %d: integral grew while saturated: %v -> %v", i, prevIntegral, p.Integral())
		}
		prevIntegral = p.Integral()
	}

	// Once the measurement overshoots, the output leaves saturation promptly.
	if out := p.Compute(100, 120, 1); out != 0 {
		t.Errorf("Compute(overshoot) = %v, want 0", out)
	}
}

func TestPID_IntegralConvergesAtSteadyState(t *testing.T) {
	p := mustPID(t, Config{Gains: Gains{Kp: 0.5, Ki: 0.1}, Min: -5, Max: 5})

	var last float64
	for range 1000 {
		last = p.Compute(10, 10, 1)
	}
	if last != 0 || p.Integral() != 0 {
		t.Errorf("zero error: output %v integral %v, want 0 0", last, p.Integral())
	}

	for range 1000 {
		last = p.Compute(10, 9, 1)
	}
	if last != 5 {
		t.Errorf("persistent error output = %v, want clamp 5", last)
	}
	if math.IsInf(p.Integral(), 0) || p.Integral() > 100 {
		t.Errorf("integral wound up to %v", p.Integral())
	}
}

func TestPID_DerivativeOnMeasurement(t *testing.T) {
	p := mustPID(t, Config{Gains: Gains{Kd: 1}, Min: -100, Max: 100})

	p.Compute(10, 5, 1)
	// A setpoint step with unchanged measurement adds no derivative kick.
	if got := p.Compute(50, 5, 1); got != 0 {
		t.Errorf("setpoint step output = %v, want 0", got)
	}
	// Rising measurement opposes the output.
	if got := p.Compute(50, 7, 1); got != -2 {
		t.Errorf("rising measurement output = %v, want -2", got)
	}
}

func TestPID_GainChangeKeepsIntegral(t *testing.T) {
	p := mustPID(t, Config{Gains: Gains{Ki: 1}, Min: -100, Max: 100})
	p.Compute(5, 4, 1)
	p.Compute(5, 4, 1)

	p.SetKp(2)
	if p.Integral() != 2 {
		t.Fatalf("Integral() = %v after gain change, want 2", p.Integral())
	}
	// 2*1 + 1*3
	if got := p.Compute(5, 4, 1); got != 5 {
		t.Errorf("Compute() = %v, want 5", got)
	}
	if g := p.Gains(); g.Kp != 2 || g.Ki != 1 {
		t.Errorf("Gains() = %+v", g)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []Config{
		{Min: 10, Max: 10},
		{Min: 10, Max: 0},
		{Gains: Gains{Kp: math.NaN()}, Min: 0, Max: 1},
		{Gains: Gains{Kd: math.Inf(1)}, Min: 0, Max: 1},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("New(%+v) error = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}
