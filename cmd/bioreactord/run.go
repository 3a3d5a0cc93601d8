package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/api"
	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/bus"
	"github.com/nerrad567/bioreactor-core/internal/cluster"
	"github.com/nerrad567/bioreactor-core/internal/history"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/database"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/logging"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/bioreactor-core/internal/metrics"
	"github.com/nerrad567/bioreactor-core/migrations"
)

// shutdownTimeout bounds stopping jobs and coordination on exit.
const shutdownTimeout = 15 * time.Second

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting bioreactor core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version).With(
		"experiment", cfg.Unit.Experiment,
		"unit", cfg.Unit.ID,
	)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	topics := bus.Topics{Experiment: cfg.Unit.Experiment, Unit: cfg.Unit.ID}

	// History database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Message bus
	msgBus, closeBus, err := connectBus(cfg, topics, log)
	if err != nil {
		return err
	}
	defer closeBus()

	// Mirror warnings and errors onto the unit's log topic.
	if cfg.Logging.PublishLevel != "" {
		mirror := logging.NewBusMirror(topics.Logs(), cfg.Logging.PublishLevel,
			func(ctx context.Context, topic string, payload []byte) error {
				return msgBus.Publish(ctx, topic, payload, bus.PublishOptions{QoS: 0})
			})
		mirrorCtx, stopMirror := context.WithCancel(context.WithoutCancel(ctx))
		defer stopMirror()
		go mirror.Run(mirrorCtx)
		log = log.WithMirror(mirror)
	}

	// Time-series points (optional)
	var points history.PointWriter
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		points = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// History recorder
	repo := history.NewRepository(db.DB)
	recorder := history.NewRecorder(repo, history.Options{
		Points: points,
		Logger: log.With("component", "history"),
	})
	recorderCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	go recorder.Run(recorderCtx)
	defer func() {
		stopRecorder()
		<-recorder.Done()
		log.Info("history recorder stopped",
			"written", recorder.Written(),
			"dropped", recorder.Dropped(),
			"failed", recorder.Failed(),
		)
	}()

	// Metrics
	m := metrics.New(cfg.Unit.Experiment, cfg.Unit.ID)
	m.RegisterHistory(recorder)

	if err := healthCheck(ctx, db, msgBus, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Jobs
	registry := automation.NewRegistry()
	registry.SetLogger(log)
	deps := automation.Dependencies{
		Bus:    msgBus,
		Topics: topics,
		JobLogger: func(job string) automation.Logger {
			return log.With("task", job)
		},
		Sink:     recorder,
		Observer: m,
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("stopping jobs")
		if stopErr := registry.StopAll(stopCtx); stopErr != nil {
			log.Error("error stopping jobs", "error", stopErr)
		}
	}()
	if err := startJobs(ctx, cfg, registry, deps); err != nil {
		return err
	}

	// Cluster coordination
	coordinator := cluster.NewCoordinator(cluster.Options{
		Bus:               msgBus,
		Topics:            topics,
		Members:           cfg.Cluster.Members,
		Leader:            cfg.Cluster.Leader,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		LivenessWindow:    cfg.Cluster.LivenessWindow,
		AggregateInterval: cfg.Cluster.AggregateInterval,
		EstimatorJob:      estimatorJob(cfg),
		Logger:            log.With("component", "cluster"),
	})
	coordinator.AddObserver(m)

	// Operator API
	var srv *api.Server
	if cfg.API.Enabled {
		srv, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Topics:   topics,
			Jobs:     registry,
			Cluster:  coordinator,
			History:  repo,
			Bus:      msgBus,
			Metrics:  m.Handler(),
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		coordinator.AddObserver(srv)
	}

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster coordination: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("stopping cluster coordination")
		if stopErr := coordinator.Stop(stopCtx); stopErr != nil {
			log.Error("error stopping cluster coordination", "error", stopErr)
		}
	}()
	log.Info("cluster coordination started",
		"leader", cfg.Cluster.Leader,
		"members", len(cfg.Cluster.Members),
	)

	if srv != nil {
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal", "jobs", len(registry.List()))

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, coordination, jobs,
	// recorder, InfluxDB, bus, database.
	return nil
}

// connectBus opens the configured transport and returns it with its
// close function.
func connectBus(cfg *config.Config, topics bus.Topics, log *logging.Logger) (bus.Bus, func(), error) {
	if cfg.Bus.Transport == config.TransportMemory {
		mem := bus.NewMemory(bus.WithLogger(log))
		log.Info("using in-memory bus")
		return mem, func() {
			if err := mem.Close(); err != nil {
				log.Error("error closing bus", "error", err)
			}
		}, nil
	}

	client, err := mqtt.Connect(cfg.MQTT, mqtt.Presence{
		Topic:   topics.UnitHeartbeat(),
		Lost:    []byte(cluster.PresenceLost),
		Offline: []byte(cluster.PresenceOffline),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	opts := bus.MQTTOptions{Logger: log}
	if cfg.MQTT.Auth.Username != "" {
		opts.Credentials = &bus.Credentials{
			Username: cfg.MQTT.Auth.Username,
			Password: cfg.MQTT.Auth.Password,
		}
	}
	b := bus.NewMQTT(client, opts)
	b.OnStatus(func(ev bus.StatusEvent) {
		if ev.Status == bus.StatusConnected {
			log.Info("MQTT reconnected")
			return
		}
		log.Warn("MQTT disconnected", "error", ev.Err)
	})

	return b, func() {
		log.Info("disconnecting from MQTT")
		if err := client.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
		}
	}, nil
}

// startJobs builds and starts every enabled job. The first failure stops
// startup; jobs already started are stopped by the caller.
func startJobs(ctx context.Context, cfg *config.Config, registry *automation.Registry, deps automation.Dependencies) error {
	for _, jobCfg := range cfg.EnabledJobs() {
		runner, err := automation.NewRunnerFromConfig(jobCfg, deps)
		if err != nil {
			return fmt.Errorf("configuring job %q: %w", jobCfg.Name, err)
		}
		if err := registry.Start(ctx, runner); err != nil {
			return fmt.Errorf("starting job %q: %w", runner.Name(), err)
		}
	}
	return nil
}

// estimatorJob returns the name of the enabled growth-rate job, whose
// filtered state the cluster aggregates.
func estimatorJob(cfg *config.Config) string {
	for _, job := range cfg.EnabledJobs() {
		if job.Kind != config.JobKindGrowthRate {
			continue
		}
		if job.Name != "" {
			return job.Name
		}
		return automation.DefaultJobName(job.Kind)
	}
	return ""
}

// healthChecker is implemented by infrastructure that can verify its
// connection.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies the database, the bus connection and, when
// enabled, InfluxDB.
func healthCheck(ctx context.Context, db healthChecker, b bus.Bus, influx *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if !b.IsConnected() {
		return fmt.Errorf("bus: %w", bus.ErrNotConnected)
	}
	if influx != nil {
		if err := influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
