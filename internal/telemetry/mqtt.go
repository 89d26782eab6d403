// Package telemetry publishes transport events and performance reports
// to an MQTT broker, so fleet dashboards can watch printers without
// talking BLE themselves.
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/agions/bleprint/internal/printer"
	"github.com/agions/bleprint/internal/yamlutil"
)

// Config configures the MQTT publisher.
type Config struct {
	Broker         string            `yaml:"Broker"`
	Username       string            `yaml:"Username"`
	Password       string            `yaml:"Password"`
	ClientID       string            `yaml:"ClientID"`
	TopicPrefix    string            `yaml:"TopicPrefix"`
	QoS            byte              `yaml:"QoS"`
	ConnectTimeout yamlutil.Duration `yaml:"ConnectTimeout"`
	ReportInterval yamlutil.Duration `yaml:"ReportInterval"`
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "bleprint-" + randomSuffix(),
		TopicPrefix:    "bleprint",
		QoS:            1,
		ConnectTimeout: yamlutil.Duration(10 * time.Second),
		ReportInterval: yamlutil.Duration(30 * time.Second),
	}
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Publisher relays manager events to <prefix>/events and periodic
// performance reports to <prefix>/report.
type Publisher struct {
	cfg     Config
	client  mqtt.Client
	manager *printer.Manager
	logger  *zap.Logger

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewPublisher connects to the broker and returns a ready publisher.
func NewPublisher(cfg Config, m *printer.Manager, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "bleprint"
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = yamlutil.Duration(30 * time.Second)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetConnectTimeout(cfg.ConnectTimeout.Std()).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout.Std()) || token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect %s: %w", cfg.Broker, token.Error())
	}

	return &Publisher{
		cfg:         cfg,
		client:      client,
		manager:     m,
		logger:      logger,
		closeSignal: make(chan struct{}),
	}, nil
}

// Start begins relaying until Stop.
func (p *Publisher) Start() {
	events, cancel := p.manager.Subscribe(64)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		ticker := time.NewTicker(p.cfg.ReportInterval.Std())
		defer ticker.Stop()

		for {
			select {
			case <-p.closeSignal:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.publishEvent(ev)
			case <-ticker.C:
				p.publishJSON(p.cfg.TopicPrefix+"/report", p.manager.GetPerformanceReport())
			}
		}
	}()
}

// Stop flushes and disconnects.
func (p *Publisher) Stop() {
	p.closeOnce.Do(func() { close(p.closeSignal) })
	p.wg.Wait()
	p.client.Disconnect(250)
}

func (p *Publisher) publishEvent(ev printer.Event) {
	msg := map[string]interface{}{
		"type":     string(ev.Type),
		"deviceId": ev.DeviceID,
		"detail":   ev.Detail,
		"time":     ev.Time,
	}
	if ev.Err != nil {
		msg["error"] = ev.Err.Error()
	}
	p.publishJSON(p.cfg.TopicPrefix+"/events", msg)
}

func (p *Publisher) publishJSON(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("telemetry encode failed", zap.Error(err))
		return
	}
	token := p.client.Publish(topic, p.cfg.QoS, false, data)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.logger.Warn("telemetry publish failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}()
}
