package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // ms
	defaultKeepAlive         = 60 * time.Second

	maxQoS        = 2
	subackFailure = 0x80
)

// buildClientOptions maps the broker section of the config onto paho
// options. Without a configured client ID each process gets a random one.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = "bioreactor-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		// A single router goroutine keeps per-topic order.
		SetOrderMatters(true)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// configureLWT registers presence.Lost as a retained QoS 1 will.
func configureLWT(opts *pahomqtt.ClientOptions, presence Presence) {
	if presence.Topic == "" || len(presence.Lost) == 0 {
		return
	}
	opts.SetBinaryWill(presence.Topic, presence.Lost, 1, true)
}
