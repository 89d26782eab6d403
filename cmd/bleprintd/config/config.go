// Package config defines the bleprintd daemon configuration.
package config

import (
	"time"

	"github.com/agions/bleprint/internal/telemetry"
	"github.com/agions/bleprint/internal/yamlutil"
)

// Config is the top-level daemon configuration.
type Config struct {
	Printer   PrinterConfig   `yaml:"Printer"`
	History   HistoryConfig   `yaml:"History"`
	Monitor   MonitorConfig   `yaml:"Monitor"`
	Telemetry TelemetryConfig `yaml:"Telemetry"`
	Log       LogConfig       `yaml:"Log"`
}

// PrinterConfig configures the transport manager.
type PrinterConfig struct {
	ServiceUUID    string `yaml:"ServiceUUID"`
	WriteCharUUID  string `yaml:"WriteCharUUID"`
	NotifyCharUUID string `yaml:"NotifyCharUUID"`

	QueueBound           int               `yaml:"QueueBound"`
	MaxReconnectAttempts int               `yaml:"MaxReconnectAttempts"`
	ConnectTimeout       yamlutil.Duration `yaml:"ConnectTimeout"`
	InactivityTimeout    yamlutil.Duration `yaml:"InactivityTimeout"`
}

// HistoryConfig selects the connection-history backend.
type HistoryConfig struct {
	Type string `yaml:"Type"` // memory, file
	Path string `yaml:"Path"`
}

// MonitorConfig configures the observability HTTP server (/metrics,
// /ws, /report).
type MonitorConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
}

// TelemetryConfig configures the optional MQTT publisher.
type TelemetryConfig struct {
	Enable bool             `yaml:"Enable"`
	MQTT   telemetry.Config `yaml:"MQTT"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		Printer: PrinterConfig{
			QueueBound:           100,
			MaxReconnectAttempts: 5,
			ConnectTimeout:       yamlutil.Duration(10 * time.Second),
			InactivityTimeout:    yamlutil.Duration(5 * time.Minute),
		},
		History: HistoryConfig{
			Type: "file",
			Path: "data/history.json",
		},
		Monitor: MonitorConfig{
			Enable: true,
			Host:   "0.0.0.0",
			Port:   9090,
		},
		Telemetry: TelemetryConfig{
			Enable: false,
			MQTT:   telemetry.DefaultConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
