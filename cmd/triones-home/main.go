package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"triones-go-home/internal/coordinator"
	"triones-go-home/internal/driver"
	"triones-go-home/internal/store"
	"triones-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Driver struct {
		Type           string        `yaml:"type"` // "serial" or "sim"
		Port           string        `yaml:"port"`
		Baud           int           `yaml:"baud"`
		Timeout        time.Duration `yaml:"timeout"`
		SimUnreachable []string      `yaml:"sim_unreachable"`
	} `yaml:"driver"`
	Store struct {
		Backend string `yaml:"backend"` // "file" or "bolt"
		Path    string `yaml:"path"`
	} `yaml:"store"`
	Coordinator struct {
		ReconnectPolicy string `yaml:"reconnect_policy"`
		Parallelism     int    `yaml:"parallelism"`
	} `yaml:"coordinator"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	AuditSize  int    `yaml:"audit_size"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Driver.Type {
	case "serial":
		if c.Driver.Port == "" {
			return fmt.Errorf("driver.port is required for the serial driver")
		}
	case "sim":
	default:
		return fmt.Errorf("unknown driver.type %q (supported: serial, sim)", c.Driver.Type)
	}
	if c.Store.Backend != "file" && c.Store.Backend != "bolt" {
		return fmt.Errorf("unknown store.backend %q (supported: file, bolt)", c.Store.Backend)
	}
	switch coordinator.ReconnectPolicy(c.Coordinator.ReconnectPolicy) {
	case coordinator.PolicySkipConnected, coordinator.PolicyReconnectAll:
	default:
		return fmt.Errorf("coordinator.reconnect_policy must be skip_connected or reconnect_all, got %q", c.Coordinator.ReconnectPolicy)
	}
	if c.Coordinator.Parallelism < 0 {
		return fmt.Errorf("coordinator.parallelism must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("triones-go-home starting", "version", version)

	db, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	drv, err := createDriver(cfg, logger)
	if err != nil {
		logger.Error("create driver", "err", err)
		os.Exit(1)
	}
	defer drv.Close()

	events := coordinator.NewEventBus(logger)
	audit := coordinator.NewAuditLog(events, cfg.AuditSize)
	defer audit.Close()

	registry := coordinator.NewRegistry(db, events, logger)
	registry.Load()

	coord := coordinator.New(drv, registry, events, coordinator.Config{
		ReconnectPolicy: coordinator.ReconnectPolicy(cfg.Coordinator.ReconnectPolicy),
		Parallelism:     cfg.Coordinator.Parallelism,
	}, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithAuditLog(audit),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	// WriteTimeout leaves room for a bulk connect across many lights.
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	if r := coord.Shutdown(shutdownCtx); r.Failed() > 0 {
		logger.Warn("some lights did not disconnect cleanly", "err", r.Err())
	}

	logger.Info("goodbye")
}

func createDriver(cfg *Config, logger *slog.Logger) (driver.Driver, error) {
	switch cfg.Driver.Type {
	case "serial":
		logger.Info("using BLE bridge adapter", "port", cfg.Driver.Port, "baud", cfg.Driver.Baud)
		return driver.NewSerialDriver(driver.SerialConfig{
			Port:    cfg.Driver.Port,
			Baud:    cfg.Driver.Baud,
			Timeout: cfg.Driver.Timeout,
		}, logger)
	case "sim":
		logger.Warn("using simulated lights, no hardware will be driven")
		return driver.NewSimDriver(cfg.Driver.SimUnreachable, logger), nil
	default:
		return nil, fmt.Errorf("unknown driver type: %q (supported: serial, sim)", cfg.Driver.Type)
	}
}

func openStore(cfg *Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "bolt":
		return store.NewBoltStore(cfg.Store.Path)
	default:
		return store.NewFileStore(cfg.Store.Path), nil
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Driver.Type == "" {
		cfg.Driver.Type = "serial"
	}
	if cfg.Driver.Baud == 0 {
		cfg.Driver.Baud = 115200
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Backend == "bolt" {
			cfg.Store.Path = "triones-home.db"
		} else {
			cfg.Store.Path = "devices.json"
		}
	}
	if cfg.Coordinator.ReconnectPolicy == "" {
		cfg.Coordinator.ReconnectPolicy = string(coordinator.PolicySkipConnected)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "triones"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}
}

// newLogger builds the process logger. With log.file set, output also goes
// to a size-rotated file.
func newLogger(cfg *Config) (*slog.Logger, func()) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { lj.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn
}
