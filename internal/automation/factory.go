package automation

import (
	"fmt"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
)

// Job kinds. The set is closed: NewJob is the only way to build a job from
// configuration.
const (
	KindStirring    = config.JobKindStirring
	KindTemperature = config.JobKindTemperature
	KindDosing      = config.JobKindDosing
	KindGrowthRate  = config.JobKindGrowthRate
)

// staleIntervals is the number of control intervals after which a reading
// is considered stale.
const staleIntervals = 3

// DefaultJobName returns the conventional job name of a kind.
func DefaultJobName(kind string) string {
	switch kind {
	case KindStirring:
		return "stirring"
	case KindTemperature:
		return "temperature_automation"
	case KindDosing:
		return "dosing_automation"
	case KindGrowthRate:
		return "growth_rate_calculating"
	default:
		return kind
	}
}

// Dependencies are the collaborators shared by every runner of a unit.
type Dependencies struct {
	Bus    bus.Bus
	Topics bus.Topics
	// JobLogger returns the logger of one job, usually with the job name
	// bound. Nil uses a no-op logger.
	JobLogger func(job string) Logger
	Sink      EventSink
	Observer  Observer
	Actuator  Actuator
	Clock     func() time.Time
}

// NewJob builds the job variant selected by cfg.Kind. Jobs that log
// outside their Env, before Init, use logger.
func NewJob(cfg config.JobConfig, interval time.Duration, logger Logger) (Job, error) {
	stale := staleIntervals * interval

	switch cfg.Kind {
	case KindStirring:
		return NewStirring(cfg.Name, cfg.Sensor), nil
	case KindTemperature:
		return NewTemperature(cfg.Name, cfg.Sensor, stale, logger), nil
	case KindDosing:
		return NewDosing(cfg.Name, cfg.Sensor, stale), nil
	case KindGrowthRate:
		channels := make([]Channel, 0, len(cfg.Channels))
		for _, ch := range cfg.Channels {
			channels = append(channels, Channel{Name: ch.Name, Noise: ch.Noise})
		}
		return NewGrowthRate(cfg.Name, channels), nil
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrConfiguration, cfg.Kind)
	}
}

// NewRunnerFromConfig builds a job and its runner from one jobs entry.
// cfg is expected to have job defaults applied (config.EnabledJobs).
func NewRunnerFromConfig(cfg config.JobConfig, deps Dependencies) (*Runner, error) {
	timing := Timing{
		Interval:          cfg.Interval,
		TickTimeout:       cfg.TickTimeout,
		InitTimeout:       cfg.InitTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		GracePeriod:       cfg.GracePeriod,
		MaxMissedTicks:    cfg.MaxMissedTicks,
	}.withDefaults()

	name := cfg.Name
	if name == "" {
		name = DefaultJobName(cfg.Kind)
	}
	var logger Logger = noopLogger{}
	if deps.JobLogger != nil {
		logger = deps.JobLogger(name)
	}

	job, err := NewJob(cfg, timing.Interval, logger)
	if err != nil {
		return nil, err
	}

	return NewRunner(job, RunnerOptions{
		Bus:      deps.Bus,
		Topics:   deps.Topics,
		Timing:   timing,
		Settings: cfg.Settings,
		Logger:   logger,
		Sink:     deps.Sink,
		Observer: deps.Observer,
		Actuator: deps.Actuator,
		Clock:    deps.Clock,
	})
}
