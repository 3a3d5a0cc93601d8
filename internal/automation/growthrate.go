package automation

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/estimator"
)

// FilteredSetting is the retained topic level the growth-rate job
// publishes FilteredState on.
const FilteredSetting = "filtered"

// Channel is an observation channel of the growth-rate job.
type Channel struct {
	Name string
	// Noise is the observation noise standard deviation.
	Noise float64
}

// GrowthRate fuses optical density readings from one or more channels into
// a FilteredState. Samples are queued by bus handlers in arrival order and
// applied on the job's own tick, so the filter is only touched from one
// goroutine. Rates are per hour.
type GrowthRate struct {
	name     string
	channels []Channel

	filter        *estimator.Filter
	qLevel, qRate float64

	mu          sync.Mutex
	queue       []queuedSample
	doses       int
	lastByChan  map[string]time.Time
	filterTime  time.Time
	lastPublish FilteredState
}

type queuedSample struct {
	channel string
	SensorSample
}

// NewGrowthRate creates an estimator job over channels.
func NewGrowthRate(name string, channels []Channel) *GrowthRate {
	if name == "" {
		name = DefaultJobName(KindGrowthRate)
	}
	return &GrowthRate{
		name:       name,
		channels:   channels,
		lastByChan: make(map[string]time.Time),
	}
}

// Name returns the job name.
func (g *GrowthRate) Name() string { return g.name }

// Kind returns KindGrowthRate.
func (g *GrowthRate) Kind() string { return KindGrowthRate }

// SettingSpecs declares the filter noise, outlier and dosing settings.
func (g *GrowthRate) SettingSpecs() []SettingSpec {
	return []SettingSpec{
		{Name: "process_noise_level", Default: 0.025, Min: 0, Max: 10},
		{Name: "process_noise_rate", Default: 0.0025, Min: 0, Max: 10},
		{Name: "outlier_threshold", Default: estimator.DefaultOutlierThreshold, Min: 0.5, Max: 100},
		// Observation noise is inflated by 1+dose_noise_factor·N for the N
		// samples following a dosing event.
		{Name: "dose_noise_samples", Default: 15, Min: 0, Max: 1000},
		{Name: "dose_noise_factor", Default: 0.3, Min: 0, Max: 100},
	}
}

// Init builds the filter and subscribes to every channel and to dosing
// events.
func (g *GrowthRate) Init(ctx context.Context, env *Env) error {
	if len(g.channels) == 0 {
		return fmt.Errorf("%w: no observation channels", ErrConfiguration)
	}
	noise := make(map[string]float64, len(g.channels))
	for _, ch := range g.channels {
		noise[ch.Name] = ch.Noise
	}
	f, err := estimator.New(estimator.Config{
		ProcessNoiseLevel: env.Settings.Get("process_noise_level"),
		ProcessNoiseRate:  env.Settings.Get("process_noise_rate"),
		Channels:          noise,
		OutlierThreshold:  env.Settings.Get("outlier_threshold"),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	g.filter = f
	g.qLevel = env.Settings.Get("process_noise_level")
	g.qRate = env.Settings.Get("process_noise_rate")

	for _, ch := range g.channels {
		channel := ch.Name
		err := env.Subscribe(ctx, env.Topics.SensorReading(channel), 0, func(m bus.Message) {
			sample, err := ParseSensorSample(m.Payload, env.Now())
			if err != nil {
				env.Logger.Debug("ignoring od reading", "channel", channel, "error", err)
				return
			}
			g.enqueue(channel, sample)
		})
		if err != nil {
			return err
		}
	}

	return env.Subscribe(ctx, env.Topics.DosingEvents(), 1, func(bus.Message) {
		g.mu.Lock()
		g.doses++
		g.mu.Unlock()
	})
}

func (g *GrowthRate) enqueue(channel string, s SensorSample) {
	g.mu.Lock()
	g.queue = append(g.queue, queuedSample{channel: channel, SensorSample: s})
	g.mu.Unlock()
}

// drain takes the queued samples and pending dose count.
func (g *GrowthRate) drain() ([]queuedSample, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, doses := g.queue, g.doses
	g.queue, g.doses = nil, 0
	return q, doses
}

// Tick applies the queued samples and publishes the new FilteredState.
func (g *GrowthRate) Tick(ctx context.Context, env *Env, _ time.Duration) (TickResult, error) {
	samples, doses := g.drain()

	if doses > 0 {
		n := int(env.Settings.Get("dose_noise_samples"))
		factor := 1 + env.Settings.Get("dose_noise_factor")*float64(n)
		g.filter.InflateObservationNoise(factor, n)
		env.Logger.Debug("observation noise inflated after dosing", "factor", factor, "samples", n)
	}

	applied := 0
	for _, batch := range g.batches(env, samples) {
		applied += g.apply(ctx, env, batch)
	}

	if !g.filter.Ready() {
		return TickResult{}, ErrNoMeasurement
	}
	if applied == 0 {
		return TickResult{}, nil
	}

	st, err := g.filter.Snapshot()
	if err != nil {
		return TickResult{}, err
	}
	fs := FilteredState{
		Experiment: env.Topics.Experiment,
		Unit:       env.Topics.Unit,
		OD:         st.Level,
		GrowthRate: st.Rate,
		Covariance: st.Covariance,
		Timestamp:  g.filterTime.UTC(),
	}
	if err := env.PublishJSON(ctx, env.Topics.Setting(g.name, FilteredSetting), fs, bus.PublishOptions{Retained: true}); err != nil {
		return TickResult{}, fmt.Errorf("%w: publishing filtered state: %w", ErrMissedTick, err)
	}
	env.RecordFilteredState(fs)

	g.mu.Lock()
	g.lastPublish = fs
	g.mu.Unlock()
	return TickResult{}, nil
}

// batches drops samples not newer than the last processed sample of their
// channel, or than an earlier sample of the same drain, and groups
// consecutive samples sharing a timestamp. The watermarks themselves only
// move in apply.
func (g *GrowthRate) batches(env *Env, samples []queuedSample) [][]queuedSample {
	var (
		out [][]queuedSample
		cur []queuedSample
	)
	seen := make(map[string]time.Time, len(g.lastByChan))
	maps.Copy(seen, g.lastByChan)
	for _, s := range samples {
		if last, ok := seen[s.channel]; ok && !s.Timestamp.After(last) {
			env.Logger.Debug("dropping stale sample", "channel", s.channel, "timestamp", s.Timestamp)
			continue
		}
		seen[s.channel] = s.Timestamp

		if len(cur) > 0 && !cur[0].Timestamp.Equal(s.Timestamp) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// apply runs one predict for the batch timestamp followed by sequential
// channel updates. It returns the number of samples applied. A channel's
// watermark advances once the filter has taken its sample; a failed seed
// leaves it in place.
func (g *GrowthRate) apply(ctx context.Context, env *Env, batch []queuedSample) int {
	at := batch[0].Timestamp
	obs := make([]estimator.Observation, 0, len(batch))
	for _, s := range batch {
		obs = append(obs, estimator.Observation{Channel: s.channel, Value: s.Value})
	}

	if !g.filter.Ready() {
		if err := g.filter.Seed(obs[0].Channel, obs[0].Value); err != nil {
			env.Reject(ctx, err.Error())
			return 0
		}
		g.filterTime = at
		g.lastByChan[batch[0].channel] = at
		batch, obs = batch[1:], obs[1:]
		if len(obs) == 0 {
			return 1
		}
	}

	var dt float64
	if at.After(g.filterTime) {
		dt = at.Sub(g.filterTime).Hours()
		g.filterTime = at
	}

	n, err := g.filter.UpdateBatch(dt, obs)
	for _, s := range batch {
		g.lastByChan[s.channel] = at
	}
	if err != nil {
		for _, e := range unwrapJoined(err) {
			env.Logger.Info("sample rejected", "error", e)
			env.Reject(ctx, e.Error())
		}
	}
	return n
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// OnSetting retunes the filter.
func (g *GrowthRate) OnSetting(name string, v float64) error {
	if g.filter == nil {
		return nil
	}
	switch name {
	case "outlier_threshold":
		return g.filter.SetOutlierThreshold(v)
	case "process_noise_level":
		if err := g.filter.SetProcessNoise(v, g.qRate); err != nil {
			return err
		}
		g.qLevel = v
	case "process_noise_rate":
		if err := g.filter.SetProcessNoise(g.qLevel, v); err != nil {
			return err
		}
		g.qRate = v
	}
	return nil
}

// Latest returns the last published FilteredState.
func (g *GrowthRate) Latest() (FilteredState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPublish, !g.lastPublish.Timestamp.IsZero()
}

// Stop discards queued samples.
func (g *GrowthRate) Stop(context.Context, *Env) error {
	g.drain()
	return nil
}
