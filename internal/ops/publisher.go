// Package ops publishes operational status over MQTT: an availability
// topic with a last-will message and a periodic retained snapshot of
// session states. Useful for watching a fleet of bot hosts from one
// dashboard.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/tunzyshop/tunzymd/internal/buildinfo"
	"github.com/tunzyshop/tunzymd/internal/config"
	"github.com/tunzyshop/tunzymd/internal/session"
)

const defaultPublishInterval = 60 * time.Second

// StatusSource reports the state of every known session.
type StatusSource interface {
	Snapshot() map[string]session.Status
}

// Publisher maintains the MQTT connection and the periodic status loop.
type Publisher struct {
	cfg    config.MQTTConfig
	status StatusSource
	logger *slog.Logger

	availabilityTopic string
	statusTopic       string
}

// NewPublisher builds a status publisher from the MQTT config section.
func NewPublisher(cfg config.MQTTConfig, status StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	base := "tunzymd/" + cfg.DeviceName
	return &Publisher{
		cfg:               cfg,
		status:            status,
		logger:            logger,
		availabilityTopic: base + "/availability",
		statusTopic:       base + "/status",
	}
}

// Run connects to the broker and publishes until the context ends.
// Reconnection is handled by autopaho; Run only returns on context
// cancellation or a configuration-level failure.
func (p *Publisher) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               p.cfg.Username,
		ConnectPassword:               []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connect failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tunzymd-" + p.cfg.DeviceName,
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	cliCfg.OnConnectionUp = func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
		p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.availabilityTopic,
			Payload: []byte("online"),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt availability publish failed", "error", err)
		}
	}

	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("mqtt connection: %w", err)
	}

	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPublishInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: say goodbye before the will fires.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = cm.Publish(shutdownCtx, &paho.Publish{
				Topic:   p.availabilityTopic,
				Payload: []byte("offline"),
				QoS:     1,
				Retain:  true,
			})
			_ = cm.Disconnect(shutdownCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			payload, err := statusPayload(p.status.Snapshot())
			if err != nil {
				p.logger.Error("marshal status payload", "error", err)
				continue
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   p.statusTopic,
				Payload: payload,
				QoS:     1,
				Retain:  true,
			}); err != nil {
				p.logger.Warn("mqtt status publish failed", "error", err)
			}
		}
	}
}

// statusPayload renders the retained status document.
func statusPayload(sessions map[string]session.Status) ([]byte, error) {
	if sessions == nil {
		sessions = map[string]session.Status{}
	}
	running := 0
	for _, st := range sessions {
		if st == session.StatusRunning {
			running++
		}
	}
	return json.Marshal(map[string]any{
		"version":  buildinfo.Version,
		"uptime_s": int(buildinfo.Uptime().Seconds()),
		"running":  running,
		"sessions": sessions,
	})
}
