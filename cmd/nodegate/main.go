package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"nodegate/internal/audit"
	"nodegate/internal/config"
	"nodegate/internal/dispatch"
	"nodegate/internal/logging"
	"nodegate/internal/metrics"
	"nodegate/internal/node"
	"nodegate/internal/redact"
	"nodegate/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("nodegate failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	rt, err := config.LoadRuntime()
	if err != nil {
		return err
	}
	flag.StringVar(&rt.Listen, "listen", rt.Listen, "HTTP listen address")
	flag.StringVar(&rt.ConfigPath, "config", rt.ConfigPath, "Path to the node config YAML")
	flag.StringVar(&rt.LogFormat, "log-format", rt.LogFormat, "Log format: text or json")
	flag.StringVar(&rt.LogLevel, "log-level", rt.LogLevel, "Log level: debug, info, warn, error")
	flag.StringVar(&rt.AuditDB, "audit-db", rt.AuditDB, "SQLite file for the audit trail (disabled when empty)")
	flag.BoolVar(&rt.Watch, "watch", rt.Watch, "Reload the node config when it changes")
	check := flag.Bool("check", false, "Validate the node config and its catalogs, then exit")
	flag.Parse()

	// The registry fills the redactor with node credentials; every log line
	// passes through it.
	redactor := redact.NewRedactor()
	logger := logging.Setup(rt.LogFormat, rt.LogLevel, redactor)

	file, err := config.Load(rt.ConfigPath)
	if err != nil {
		return err
	}
	if *check {
		return checkConfig(file, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// A second signal terminates immediately.
		stop()
	}()

	var (
		hub      = audit.NewHub()
		auditLog *audit.Logger
		recorder dispatch.Recorder
	)
	if rt.AuditDB != "" {
		if auditLog, err = audit.NewLogger(rt.AuditDB, hub); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		recorder = auditLog
		logger.Info("audit trail enabled", "path", rt.AuditDB)
	}

	registry := node.NewRegistry(node.Options{
		Logger:   logger,
		Redactor: redactor,
		Metrics:  metrics.NewCollector(),
		Audit:    recorder,
	})
	if err := registry.Apply(ctx, file); err != nil {
		_ = registry.Close()
		return fmt.Errorf("load nodes: %w", err)
	}
	logger.Info("nodes loaded", "count", len(registry.Names()), "config", rt.ConfigPath)

	srv := server.New(server.Options{
		Registry:  registry,
		Logger:    logger,
		Audit:     auditLog,
		Hub:       hub,
		AuthToken: rt.AuthToken,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, rt.Listen, rt.ShutdownTimeout)
	})
	if rt.Watch {
		g.Go(func() error {
			return config.Watch(gctx, rt.ConfigPath, logger, func(f *config.File) {
				if err := registry.Apply(gctx, f); err != nil {
					logger.Error("config reload incomplete", "component", "config", "error", err)
				}
			})
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	if cerr := registry.Close(); cerr != nil {
		logger.Error("closing nodes", "error", cerr)
	}
	if auditLog != nil {
		if cerr := auditLog.Close(); cerr != nil {
			logger.Error("closing audit trail", "error", cerr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// checkConfig builds every node without serving, so catalogs, response
// paths and credentials config are all checked.
func checkConfig(file *config.File, logger *slog.Logger) error {
	var errs []error
	for _, cfg := range file.Nodes {
		n, err := node.Build(context.Background(), cfg, node.Options{Logger: logger})
		if err != nil {
			errs = append(errs, err)
			fmt.Printf("FAIL %s: %v\n", cfg.Name, err)
			continue
		}
		fmt.Printf("ok   %s (%s, %d operations)\n", cfg.Name, n.Config().Kind, len(n.Catalog().Operations))
		_ = n.Close()
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d nodes invalid: %w", len(errs), len(file.Nodes), errors.Join(errs...))
	}
	return nil
}
