// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command cellmeterd watches a subscriber-facing interface, attributes
// bytes to subscribers, debits prepaid balances, and enforces
// kernel-level traffic policy accordingly.
package main

import (
	"context"
	"flag"
	"log"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/cellmeter/internal/accountant"
	"grimm.is/cellmeter/internal/aggregator"
	"grimm.is/cellmeter/internal/config"
	"grimm.is/cellmeter/internal/enforcer"
	"grimm.is/cellmeter/internal/flow"
	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/migrate"
	"grimm.is/cellmeter/internal/obs"
	"grimm.is/cellmeter/internal/pipeline"
	"grimm.is/cellmeter/internal/reporter"
	"grimm.is/cellmeter/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dbUpgrade := flag.Bool("db-upgrade", false, "Apply pending database migrations and exit")
	dbMigrationDir := flag.String("db-migration-directory", "migrations", "Directory containing migration files")
	verbose := flag.Bool("v", false, "Enable verbose (debug) logging")
	flag.BoolVar(verbose, "verbose", false, "Enable verbose (debug) logging")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = "debug"
	}
	logger := logging.New(logCfg)

	if *configPath == "" {
		log.Fatal("cellmeterd: --config is required")
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logLevel := cfg.Logging.Level
	if *verbose {
		logLevel = "debug"
	}
	logger = logging.New(logging.Config{
		Level:      logLevel,
		JSON:       cfg.Logging.JSON,
		ReportTime: cfg.Logging.ReportTime,
		Syslog: logging.SyslogConfig{
			Enabled:  cfg.Logging.Syslog.Enabled,
			Host:     cfg.Logging.Syslog.Host,
			Port:     cfg.Logging.Syslog.Port,
			Protocol: cfg.Logging.Syslog.Protocol,
			Tag:      cfg.Logging.Syslog.Tag,
			Facility: syslog.Priority(cfg.Logging.Syslog.Facility),
		},
	})

	if *dbUpgrade {
		if err := migrate.Run(cfg.Database.DSN(), *dbMigrationDir, logger); err != nil {
			logger.Error("migration failed", "err", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("cellmeterd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9091", mux); err != nil {
			logger.Warn("metrics server exited", "err", err)
		}
	}()

	normalizer, err := flow.New(cfg.UserSubnet, cfg.IgnoredUserAddresses)
	if err != nil {
		return err
	}

	rep := reporter.New(st)
	agg := aggregator.New(rep, cfg.UserLogInterval, logger)
	go agg.Run(ctx)

	enf := enforcer.New(st, cfg.Interface, cfg.BackhaulInterface, cfg.Custom.ReenablePollInterval, metrics, logger)
	if err := enf.StartupReconcile(ctx, 1000); err != nil {
		return err
	}
	go enf.Run(ctx)

	acct := accountant.New(st, enf, cfg.FlowLogInterval, metrics, logger)
	go acct.Run(ctx)

	shell, err := pipeline.Bind(cfg.Interface, normalizer, agg, acct, metrics, logger)
	if err != nil {
		return err
	}
	defer shell.Close()

	logger.Info("cellmeterd started", "interface", cfg.Interface)
	return shell.Run(ctx)
}
