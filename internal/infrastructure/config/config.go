package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Job kinds recognised by the automation framework.
const (
	JobKindStirring    = "stirring"
	JobKindTemperature = "temperature"
	JobKindDosing      = "dosing"
	JobKindGrowthRate  = "growth_rate"
)

// Bus transports.
const (
	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

// Config is the root configuration structure for a bioreactor unit.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Unit        UnitConfig      `yaml:"unit"`
	Cluster     ClusterConfig   `yaml:"cluster"`
	Bus         BusConfig       `yaml:"bus"`
	Database    DatabaseConfig  `yaml:"database"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	API         APIConfig       `yaml:"api"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	InfluxDB    InfluxDBConfig  `yaml:"influxdb"`
	Logging     LoggingConfig   `yaml:"logging"`
	Security    SecurityConfig  `yaml:"security"`
	JobDefaults JobTiming       `yaml:"job_defaults"`
	Jobs        []JobConfig     `yaml:"jobs"`
}

// UnitConfig identifies this physical unit and the experiment it runs.
type UnitConfig struct {
	ID         string `yaml:"id"`
	Experiment string `yaml:"experiment"`
}

// ClusterConfig contains cluster membership and liveness settings.
type ClusterConfig struct {
	// Leader is the unit designated as leader at startup. It can be
	// changed at runtime through membership commands.
	Leader string `yaml:"leader"`
	// Members seeds the roster with enabled units. This unit is always
	// a member.
	Members           []string      `yaml:"members"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessWindow    time.Duration `yaml:"liveness_window"`
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
}

// BusConfig selects the message bus transport.
type BusConfig struct {
	Transport string `yaml:"transport"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	// PublishLevel is the minimum level mirrored onto the bus log topic.
	// Empty disables bus publishing.
	PublishLevel string `yaml:"publish_level"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT settings for the operator API.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// JobTiming holds the scheduling and liveness parameters of a job.
// Zero values in a job's own timing are filled from job_defaults.
type JobTiming struct {
	Interval          time.Duration `yaml:"interval"`
	TickTimeout       time.Duration `yaml:"tick_timeout"`
	InitTimeout       time.Duration `yaml:"init_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	MaxMissedTicks    int           `yaml:"max_missed_ticks"`
}

// JobConfig configures one automation job on this unit.
type JobConfig struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Enabled   bool   `yaml:"enabled"`
	JobTiming `yaml:",inline"`
	Sensor    string             `yaml:"sensor"`
	Channels  []ChannelConfig    `yaml:"channels"`
	Settings  map[string]float64 `yaml:"settings"`
}

// ChannelConfig is one observation channel of the growth-rate estimator.
type ChannelConfig struct {
	Name string `yaml:"name"`
	// Noise is the observation-noise standard deviation of the channel.
	Noise float64 `yaml:"noise"`
}

// Load reads path over the defaults, applies BIOREACTOR_* overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Unit: UnitConfig{
			ID:         "unit-01",
			Experiment: "default",
		},
		Cluster: ClusterConfig{
			HeartbeatInterval: 10 * time.Second,
			LivenessWindow:    35 * time.Second,
			AggregateInterval: 30 * time.Second,
		},
		Bus: BusConfig{
			Transport: TransportMQTT,
		},
		Database: DatabaseConfig{
			Path:        "./data/bioreactor.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "bioreactor-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			Output:       "stdout",
			PublishLevel: "warn",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "bioreactor-core",
			},
		},
		JobDefaults: JobTiming{
			Interval:          5 * time.Second,
			TickTimeout:       2 * time.Second,
			InitTimeout:       10 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			GracePeriod:       60 * time.Second,
			MaxMissedTicks:    5,
		},
	}
}

// envOverrides maps BIOREACTOR_* variables onto config fields.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"BIOREACTOR_UNIT_ID", func(c *Config, v string) { c.Unit.ID = v }},
	{"BIOREACTOR_EXPERIMENT", func(c *Config, v string) { c.Unit.Experiment = v }},
	{"BIOREACTOR_CLUSTER_LEADER", func(c *Config, v string) { c.Cluster.Leader = v }},
	{"BIOREACTOR_CLUSTER_MEMBERS", func(c *Config, v string) { c.Cluster.Members = strings.Split(v, ",") }},
	{"BIOREACTOR_BUS_TRANSPORT", func(c *Config, v string) { c.Bus.Transport = v }},
	{"BIOREACTOR_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"BIOREACTOR_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"BIOREACTOR_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"BIOREACTOR_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"BIOREACTOR_API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"BIOREACTOR_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"BIOREACTOR_JWT_SECRET", func(c *Config, v string) { c.Security.JWT.Secret = v }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

// Validate checks the configuration for structural errors.
//
// Job settings are validated by the automation package against each job
// kind's declared settings, not here.
func (c *Config) Validate() error {
	var errs []string

	if c.Unit.ID == "" {
		errs = append(errs, "unit.id is required")
	} else if !validLevel(c.Unit.ID) {
		errs = append(errs, "unit.id must be a single topic level")
	}
	if c.Unit.Experiment == "" {
		errs = append(errs, "unit.experiment is required")
	} else if !validLevel(c.Unit.Experiment) {
		errs = append(errs, "unit.experiment must be a single topic level")
	}

	if c.Cluster.HeartbeatInterval <= 0 {
		errs = append(errs, "cluster.heartbeat_interval must be positive")
	}
	if c.Cluster.LivenessWindow <= c.Cluster.HeartbeatInterval {
		errs = append(errs, "cluster.liveness_window must exceed cluster.heartbeat_interval")
	}
	if c.Cluster.Leader != "" && !validLevel(c.Cluster.Leader) {
		errs = append(errs, "cluster.leader must be a single topic level")
	}
	for i, m := range c.Cluster.Members {
		if m == "" || !validLevel(m) {
			errs = append(errs, fmt.Sprintf("cluster.members[%d] must be a single topic level", i))
		}
	}
	if c.Cluster.AggregateInterval <= 0 {
		errs = append(errs, "cluster.aggregate_interval must be positive")
	}

	switch c.Bus.Transport {
	case TransportMQTT, TransportMemory:
	default:
		errs = append(errs, fmt.Sprintf("bus.transport %q must be %q or %q", c.Bus.Transport, TransportMQTT, TransportMemory))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// Mutating endpoints drive actuators, so a weak secret is not accepted.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set BIOREACTOR_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		prefix := fmt.Sprintf("jobs[%d]", i)
		switch {
		case job.Name == "":
			errs = append(errs, prefix+".name is required")
		case seen[job.Name]:
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, job.Name))
		default:
			seen[job.Name] = true
		}

		switch job.Kind {
		case JobKindStirring, JobKindTemperature, JobKindDosing, JobKindGrowthRate:
		default:
			errs = append(errs, fmt.Sprintf("%s.kind %q is not a known job kind", prefix, job.Kind))
		}

		if job.Interval < 0 || job.TickTimeout < 0 || job.InitTimeout < 0 ||
			job.HeartbeatInterval < 0 || job.GracePeriod < 0 || job.MaxMissedTicks < 0 {
			errs = append(errs, prefix+" timing values must not be negative")
		}

		if job.Kind == JobKindGrowthRate {
			if len(job.Channels) == 0 {
				errs = append(errs, prefix+".channels is required for growth_rate jobs")
			}
			for j, ch := range job.Channels {
				if ch.Name == "" || ch.Noise <= 0 {
					errs = append(errs, fmt.Sprintf("%s.channels[%d] needs a name and a positive noise", prefix, j))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// EnabledJobs returns the enabled jobs with zero timing values filled
// from job_defaults.
func (c *Config) EnabledJobs() []JobConfig {
	jobs := make([]JobConfig, 0, len(c.Jobs))
	for _, job := range c.Jobs {
		if !job.Enabled {
			continue
		}
		job.JobTiming = job.JobTiming.withDefaults(c.JobDefaults)
		jobs = append(jobs, job)
	}
	return jobs
}

func (t JobTiming) withDefaults(d JobTiming) JobTiming {
	if t.Interval == 0 {
		t.Interval = d.Interval
	}
	if t.TickTimeout == 0 {
		t.TickTimeout = d.TickTimeout
	}
	if t.InitTimeout == 0 {
		t.InitTimeout = d.InitTimeout
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.GracePeriod == 0 {
		t.GracePeriod = d.GracePeriod
	}
	if t.MaxMissedTicks == 0 {
		t.MaxMissedTicks = d.MaxMissedTicks
	}
	return t
}

// validLevel reports whether s can be used as one topic level.
func validLevel(s string) bool {
	return !strings.ContainsAny(s, "/+#\x00")
}

// Durations converts the second-based timeouts.
func (t APITimeoutConfig) Durations() (read, write, idle time.Duration) {
	return time.Duration(t.Read) * time.Second,
		time.Duration(t.Write) * time.Second,
		time.Duration(t.Idle) * time.Second
}
