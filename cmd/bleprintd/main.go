package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/agions/bleprint/cmd/bleprintd/config"
	"github.com/agions/bleprint/internal/ble"
	"github.com/agions/bleprint/internal/history"
	"github.com/agions/bleprint/internal/metrics"
	"github.com/agions/bleprint/internal/monitor"
	"github.com/agions/bleprint/internal/printer"
	"github.com/agions/bleprint/internal/telemetry"
)

var (
	configFile = flag.String("f", "configs/bleprintd.yaml", "config file path")
	deviceID   = flag.String("device", "", "printer device id to connect at startup")
	version    = "0.1.0"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting bleprintd",
		zap.String("version", version),
		zap.String("build_time", buildTime))

	store, err := buildHistory(cfg.History)
	if err != nil {
		logger.Fatal("failed to open history store", zap.Error(err))
	}

	collector := metrics.NewCollector("bleprint")
	adapter := ble.NewTinyGoAdapter(logger)

	mgr := printer.New(adapter, printer.Config{
		ServiceUUID:          cfg.Printer.ServiceUUID,
		WriteCharUUID:        cfg.Printer.WriteCharUUID,
		NotifyCharUUID:       cfg.Printer.NotifyCharUUID,
		QueueBound:           cfg.Printer.QueueBound,
		MaxReconnectAttempts: cfg.Printer.MaxReconnectAttempts,
		ConnectTimeout:       cfg.Printer.ConnectTimeout.Std(),
		InactivityTimeout:    cfg.Printer.InactivityTimeout.Std(),
	},
		printer.WithLogger(logger),
		printer.WithHistory(store),
		printer.WithMetrics(collector),
	)
	defer mgr.Close()

	ctx := context.Background()
	if err := mgr.Init(ctx); err != nil {
		logger.Fatal("adapter init failed", zap.Error(err))
	}

	if *deviceID != "" {
		if err := mgr.Connect(ctx, *deviceID, printer.ConnectOptions{}); err != nil {
			logger.Warn("initial connect failed, will keep running",
				zap.String("device_id", *deviceID),
				zap.Error(err))
		}
	}

	var hub *monitor.Hub
	if cfg.Monitor.Enable {
		hub = monitor.NewHub(mgr, logger)
		hub.Start()
		go serveMonitor(cfg.Monitor, hub, mgr, logger)
	}

	var pub *telemetry.Publisher
	if cfg.Telemetry.Enable {
		pub, err = telemetry.NewPublisher(cfg.Telemetry.MQTT, mgr, logger)
		if err != nil {
			logger.Warn("telemetry disabled", zap.Error(err))
		} else {
			pub.Start()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal", zap.String("signal", sig.String()))

	if pub != nil {
		pub.Stop()
	}
	if hub != nil {
		hub.Stop()
	}
	logger.Info("bleprintd shutdown complete")
}

func loadConfig(filename string) (*config.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("config file not found, using defaults")
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	cfg := config.DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return cfg, nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func buildHistory(cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "file":
		return history.NewFileStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown history store type %q", cfg.Type)
	}
}

func serveMonitor(cfg config.MonitorConfig, hub *monitor.Hub, mgr *printer.Manager, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(mgr.GetPerformanceReport()); err != nil {
			logger.Warn("report encoding failed", zap.Error(err))
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logger.Info("monitor server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("monitor server stopped", zap.Error(err))
	}
}
