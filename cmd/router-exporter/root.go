package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cirocosta/router-exporter/pkg/collector"
	"github.com/cirocosta/router-exporter/pkg/config"
	"github.com/cirocosta/router-exporter/pkg/exporter"
	"github.com/cirocosta/router-exporter/pkg/router"
)

type command struct {
	configPath    string
	telemetryPath string
	bindAddr      string
	routerURL     string
	routerUser    string
	logLevel      string
	debug         bool
}

func (c *command) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "router-exporter",
		Short:        "Prometheus exporter for the devices connected to a router",
		SilenceUsage: true,
		RunE:         c.RunE,
	}

	cmd.Flags().StringVar(&c.configPath, "config",
		"", "filepath of a yaml configuration file")
	_ = cmd.MarkFlagFilename("config", "yaml", "yml")

	cmd.Flags().StringVar(&c.bindAddr, "bind-addr",
		":3000", "address to bind the prometheus server to")

	cmd.Flags().StringVar(&c.telemetryPath, "telemetry-path",
		"/metrics", "endpoint at which prometheus metrics are served")

	cmd.Flags().StringVar(&c.routerURL, "router-url",
		"", "url of the router's device list (defaults to "+
			config.EnvRouterURL+")")

	cmd.Flags().StringVar(&c.routerUser, "router-user",
		"", "username to authenticate against the router with "+
			"(defaults to "+config.EnvRouterUser+")")

	cmd.Flags().StringVar(&c.logLevel, "log-level",
		"info", "minimum level of the logs emitted")

	cmd.Flags().BoolVar(&c.debug, "debug",
		false, "human friendly, debug level logs")

	return cmd
}

// config loads the configuration (file, then environment) and applies the
// flags explicitly set on top of it.
//
func (c *command) config(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	flags := cmd.Flags()

	if flags.Changed("bind-addr") {
		cfg.Exporter.BindAddr = c.bindAddr
	}

	if flags.Changed("telemetry-path") {
		cfg.Exporter.TelemetryPath = c.telemetryPath
	}

	if flags.Changed("router-url") {
		cfg.Router.URL = c.routerURL
	}

	if flags.Changed("router-user") {
		cfg.Router.Username = c.routerUser
	}

	if flags.Changed("log-level") {
		cfg.Logging.Level = c.logLevel
	}

	if c.debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse level '%s': %w", cfg.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	zapConfig.Level = level

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("zap build: %w", err)
	}

	return logger, nil
}

func (c *command) RunE(cmd *cobra.Command, _ []string) error {
	cfg, err := c.config(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("new logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := zapr.NewLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	retryPolicy := router.RetryAlways
	if cfg.Router.RetryTransientOnly {
		retryPolicy = router.RetryTransient
	}

	routerClient, err := router.NewClient(
		cfg.Router.URL, cfg.Router.Username, cfg.Router.Password,
		router.WithHTTPClient(&http.Client{
			Timeout: cfg.Router.Timeout.Duration,
		}),
		router.WithMaxAttempts(cfg.Router.MaxAttempts),
		router.WithRetryStep(cfg.Router.RetryStep.Duration),
		router.WithRetryPolicy(retryPolicy),
		router.WithLogger(log.WithName("router")),
	)
	if err != nil {
		return fmt.Errorf("new router client '%s': %w", cfg.Router.URL, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	_, err = collector.Register(registry, routerClient,
		collector.WithTimeout(cfg.Exporter.CollectTimeout.Duration),
		collector.WithLogger(log.WithName("collector")),
	)
	if err != nil {
		return fmt.Errorf("collector register: %w", err)
	}

	prometheusExporter, err := exporter.New(
		exporter.WithBindAddress(cfg.Exporter.BindAddr),
		exporter.WithTelemetryPath(cfg.Exporter.TelemetryPath),
		exporter.WithGatherer(registry),
		exporter.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("new exporter: %w", err)
	}
	defer prometheusExporter.Close()

	log.Info("starting",
		"version", version,
		"router", cfg.Router.URL,
		"max-attempts", cfg.Router.MaxAttempts,
	)

	err = prometheusExporter.Run(ctx)
	if err != nil {
		return fmt.Errorf("prometheus exporter run: %w", err)
	}

	return nil
}
