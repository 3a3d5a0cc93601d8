package mqtt

import (
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "bioreactor-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// ─── Options ──────────────────────────────────────────────────────────

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.MQTTConfig)
		wantScheme string
		wantUser   string
	}{
		{
			name:       "plain tcp",
			mutate:     func(*config.MQTTConfig) {},
			wantScheme: "tcp",
		},
		{
			name:       "tls",
			mutate:     func(c *config.MQTTConfig) { c.Broker.TLS = true },
			wantScheme: "ssl",
		},
		{
			name: "credentials",
			mutate: func(c *config.MQTTConfig) {
				c.Auth.Username = "unit01"
				c.Auth.Password = "secret"
			},
			wantScheme: "tcp",
			wantUser:   "unit01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			opts := buildClientOptions(cfg)

			if len(opts.Servers) != 1 {
				t.Fatalf("Servers = %v, want one broker", opts.Servers)
			}
			if opts.Servers[0].Scheme != tt.wantScheme {
				t.Errorf("scheme = %q, want %q", opts.Servers[0].Scheme, tt.wantScheme)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", opts.Username, tt.wantUser)
			}
			if !opts.AutoReconnect {
				t.Error("AutoReconnect = false, want true")
			}
			if !opts.Order {
				t.Error("Order = false, want ordered delivery")
			}
			if tt.wantScheme == "ssl" && opts.TLSConfig == nil {
				t.Error("TLSConfig = nil for TLS broker")
			}
		})
	}
}

func TestBuildClientOptions_GeneratedClientID(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = ""

	a := buildClientOptions(cfg)
	b := buildClientOptions(cfg)

	if !strings.HasPrefix(a.ClientID, "bioreactor-") {
		t.Errorf("ClientID = %q, want bioreactor- prefix", a.ClientID)
	}
	if a.ClientID == b.ClientID {
		t.Errorf("generated client IDs collide: %q", a.ClientID)
	}
}

func TestConfigureLWT(t *testing.T) {
	cfg := testConfig()

	opts := buildClientOptions(cfg)
	configureLWT(opts, Presence{Topic: "exp1/cluster/heartbeat/unit1", Lost: []byte("lost")})

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "exp1/cluster/heartbeat/unit1" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if string(opts.WillPayload) != "lost" {
		t.Errorf("WillPayload = %q, want lost", opts.WillPayload)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}

	none := buildClientOptions(cfg)
	configureLWT(none, Presence{})
	if none.WillEnabled {
		t.Error("WillEnabled = true for empty presence")
	}
}

// ─── Validation (no broker) ───────────────────────────────────────────

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{name: "empty topic", topic: "", payload: []byte("x"), qos: 1, want: ErrInvalidTopic},
		{name: "invalid qos", topic: "a/b", payload: []byte("x"), qos: 3, want: ErrInvalidQoS},
		{name: "oversized payload", topic: "a/b", payload: make([]byte, maxPayloadSize+1), qos: 1, want: ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{routes: make(map[string]route)}
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("a/b", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("a/b", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil) error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
}
