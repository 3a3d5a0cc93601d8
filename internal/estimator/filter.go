package estimator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultOutlierThreshold is the normalized innovation above which a
	// sample is rejected.
	DefaultOutlierThreshold = 6.0

	// DefaultInitialRateStd is the prior uncertainty of the rate at seeding.
	DefaultInitialRateStd = 0.05

	// psdTolerance absorbs rounding in the eigenvalue check.
	psdTolerance = 1e-12
)

// Config configures a Filter.
type Config struct {
	// ProcessNoiseLevel and ProcessNoiseRate are standard deviations per
	// unit time of the level and rate random walks.
	ProcessNoiseLevel float64
	ProcessNoiseRate  float64

	// Channels maps observation channel names to their noise standard
	// deviation.
	Channels map[string]float64

	// OutlierThreshold defaults to DefaultOutlierThreshold.
	OutlierThreshold float64

	// InitialRateStd defaults to DefaultInitialRateStd.
	InitialRateStd float64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ProcessNoiseLevel < 0 || c.ProcessNoiseRate < 0 ||
		!finite(c.ProcessNoiseLevel) || !finite(c.ProcessNoiseRate) {
		return fmt.Errorf("%w: process noise must be finite and non-negative", ErrInvalidConfig)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidConfig)
	}
	for name, std := range c.Channels {
		if !(std > 0) || !finite(std) {
			return fmt.Errorf("%w: channel %q noise must be positive", ErrInvalidConfig, name)
		}
	}
	if c.OutlierThreshold < 0 || c.InitialRateStd < 0 {
		return fmt.Errorf("%w: negative threshold or initial rate std", ErrInvalidConfig)
	}
	return nil
}

// Observation is one sample of one channel.
type Observation struct {
	Channel string
	Value   float64
}

// State is a snapshot of the estimate.
type State struct {
	Level float64
	Rate  float64
	// Covariance is row-major [[var(level), cov], [cov, var(rate)]].
	Covariance [2][2]float64
}

// Filter is a linear Kalman filter over [level, rate] with a constant-rate
// transition model and sequential scalar updates, one per observation.
//
// The transition over dt is F = [[1, dt], [0, 1]] and process noise grows
// the covariance by diag(qLevel², qRate²)·dt. Updates use the Joseph form
// so the covariance stays symmetric positive semi-definite; any update that
// would break that is rejected.
type Filter struct {
	mu sync.Mutex

	qLevel, qRate float64
	noise         map[string]float64 // variance per channel
	threshold     float64
	initRateVar   float64

	x     *mat.VecDense
	p     *mat.SymDense
	ready bool

	inflateFactor    float64
	inflateRemaining int

	accepted, rejected uint64
}

// New creates an unseeded filter.
func New(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Filter{
		qLevel:    cfg.ProcessNoiseLevel,
		qRate:     cfg.ProcessNoiseRate,
		noise:     make(map[string]float64, len(cfg.Channels)),
		threshold: cfg.OutlierThreshold,
		x:         mat.NewVecDense(2, nil),
		p:         mat.NewSymDense(2, nil),
	}
	for name, std := range cfg.Channels {
		f.noise[name] = std * std
	}
	if f.threshold == 0 {
		f.threshold = DefaultOutlierThreshold
	}
	rateStd := cfg.InitialRateStd
	if rateStd == 0 {
		rateStd = DefaultInitialRateStd
	}
	f.initRateVar = rateStd * rateStd

	return f, nil
}

// Seed initializes the state from a first observation: level = value,
// rate = 0, with the channel's noise as level variance.
func (f *Filter) Seed(channel string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.noise[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if !finite(value) {
		f.rejected++
		return fmt.Errorf("%w: seed value %v is not finite", ErrOutlierRejected, value)
	}

	f.x.SetVec(0, value)
	f.x.SetVec(1, 0)
	f.p = mat.NewSymDense(2, []float64{r, 0, 0, f.initRateVar})
	f.ready = true
	return nil
}

// Ready reports whether the filter has been seeded.
func (f *Filter) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Predict advances the estimate by dt. A non-positive dt is a no-op.
func (f *Filter) Predict(dt float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.ready {
		return ErrNotReady
	}
	if !(dt > 0) || !finite(dt) {
		return nil
	}

	tr := mat.NewDense(2, 2, []float64{1, dt, 0, 1})

	var x mat.VecDense
	x.MulVec(tr, f.x)
	f.x = &x

	var fp, fpf mat.Dense
	fp.Mul(tr, f.p)
	fpf.Mul(&fp, tr.T())
	fpf.Set(0, 0, fpf.At(0, 0)+f.qLevel*f.qLevel*dt)
	fpf.Set(1, 1, fpf.At(1, 1)+f.qRate*f.qRate*dt)
	f.p = symmetrize(&fpf)

	return nil
}

// Update incorporates one observation. Rejected samples return
// ErrOutlierRejected and leave the estimate unchanged.
func (f *Filter) Update(channel string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateLocked(channel, value)
}

// UpdateBatch applies observations sequentially after a single Predict(dt).
// Rejected observations are skipped; their errors are joined in the result.
// It returns the number of observations applied.
func (f *Filter) UpdateBatch(dt float64, obs []Observation) (int, error) {
	if err := f.Predict(dt); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		applied int
		errs    []error
	)
	for _, o := range obs {
		if err := f.updateLocked(o.Channel, o.Value); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

func (f *Filter) updateLocked(channel string, value float64) error {
	if !f.ready {
		return ErrNotReady
	}
	r, ok := f.noise[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if f.inflateRemaining > 0 {
		r *= f.inflateFactor
	}
	if !finite(value) {
		f.rejected++
		return fmt.Errorf("%w: %s value %v is not finite", ErrOutlierRejected, channel, value)
	}

	// H = [1, 0]
	innovation := value - f.x.AtVec(0)
	s := f.p.At(0, 0) + r
	if !(s > 0) || !finite(s) {
		f.rejected++
		return fmt.Errorf("%w: %s innovation variance %v", ErrOutlierRejected, channel, s)
	}
	if nis := math.Abs(innovation) / math.Sqrt(s); nis > f.threshold {
		f.rejected++
		return fmt.Errorf("%w: %s normalized innovation %.2f exceeds %.2f", ErrOutlierRejected, channel, nis, f.threshold)
	}

	k := mat.NewVecDense(2, []float64{f.p.At(0, 0) / s, f.p.At(1, 0) / s})

	var x mat.VecDense
	x.AddScaledVec(f.x, innovation, k)

	// Joseph form: (I-KH) P (I-KH)^T + K R K^T
	ikh := mat.NewDense(2, 2, []float64{1 - k.AtVec(0), 0, -k.AtVec(1), 1})
	var a, post, krk mat.Dense
	a.Mul(ikh, f.p)
	post.Mul(&a, ikh.T())
	krk.Outer(r, k, k)
	post.Add(&post, &krk)
	p := symmetrize(&post)

	if !finite(x.AtVec(0)) || !finite(x.AtVec(1)) || !positiveSemiDefinite(p) {
		f.rejected++
		return fmt.Errorf("%w: %s update would leave covariance invalid", ErrOutlierRejected, channel)
	}

	f.x = &x
	f.p = p
	f.accepted++
	if f.inflateRemaining > 0 {
		f.inflateRemaining--
	}
	return nil
}

// InflateObservationNoise multiplies every channel's observation variance by
// factor for the next n accepted samples. Used after a perturbation such as
// a dose, when readings are expected to jump.
func (f *Filter) InflateObservationNoise(factor float64, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !(factor > 0) || n <= 0 {
		f.inflateRemaining = 0
		return
	}
	f.inflateFactor = factor
	f.inflateRemaining = n
}

// SetProcessNoise replaces the process noise standard deviations. It takes
// effect on the next Predict.
func (f *Filter) SetProcessNoise(level, rate float64) error {
	if level < 0 || rate < 0 || !finite(level) || !finite(rate) {
		return fmt.Errorf("%w: process noise must be finite and non-negative", ErrInvalidConfig)
	}
	f.mu.Lock()
	f.qLevel, f.qRate = level, rate
	f.mu.Unlock()
	return nil
}

// SetOutlierThreshold replaces the normalized innovation gate.
func (f *Filter) SetOutlierThreshold(v float64) error {
	if !(v > 0) || !finite(v) {
		return fmt.Errorf("%w: outlier threshold must be positive", ErrInvalidConfig)
	}
	f.mu.Lock()
	f.threshold = v
	f.mu.Unlock()
	return nil
}

// Snapshot returns the current estimate.
func (f *Filter) Snapshot() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.ready {
		return State{}, ErrNotReady
	}
	return State{
		Level: f.x.AtVec(0),
		Rate:  f.x.AtVec(1),
		Covariance: [2][2]float64{
			{f.p.At(0, 0), f.p.At(0, 1)},
			{f.p.At(1, 0), f.p.At(1, 1)},
		},
	}, nil
}

// Stats returns the accepted and rejected sample counts.
func (f *Filter) Stats() (accepted, rejected uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted, f.rejected
}

func symmetrize(m mat.Matrix) *mat.SymDense {
	off := (m.At(0, 1) + m.At(1, 0)) / 2
	return mat.NewSymDense(2, []float64{m.At(0, 0), off, off, m.At(1, 1)})
}

func positiveSemiDefinite(p *mat.SymDense) bool {
	for i := range 2 {
		for j := range 2 {
			if !finite(p.At(i, j)) {
				return false
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(p, false) {
		return false
	}
	for _, v := range eig.Values(nil) {
		if v < -psdTolerance {
			return false
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
