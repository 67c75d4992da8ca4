package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/approval"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/notify"
	"github.com/gantryhq/gantry/internal/paths"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/rollback"
	"github.com/gantryhq/gantry/internal/scheduler"
	"github.com/gantryhq/gantry/internal/server"
	"github.com/gantryhq/gantry/internal/store"
	"github.com/gantryhq/gantry/internal/telemetry"
	"github.com/gantryhq/gantry/internal/tool"
	"github.com/gantryhq/gantry/internal/version"

	_ "modernc.org/sqlite"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	// .env is optional, process environment wins
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("GANTRY_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}
	res := config.Load(root)
	if res.ParseError != nil {
		return fmt.Errorf("config %s: %w", res.Path, res.ParseError)
	}
	cfg := res.Config
	if res.Found {
		log.WithField("path", res.Path).Info("loaded config")
	}

	if err := os.MkdirAll(paths.DataDir(root), 0o755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", paths.DBPath(root))
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Init(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if ep := os.Getenv("GANTRY_OTLP_ENDPOINT"); ep != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "gantryd",
			ServiceVersion: version.Version,
			OTLPEndpoint:   ep,
			Insecure:       os.Getenv("GANTRY_OTLP_INSECURE") == "1",
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	workspaceRoot := cfg.Engine.WorkspaceRoot
	if workspaceRoot == "" || workspaceRoot == "." {
		workspaceRoot = root
	}

	registry := tool.NewRegistry()
	if err := tool.RegisterBuiltins(registry, workspaceRoot, &tool.RealExecRunner{}); err != nil {
		return err
	}

	audit, err := approval.NewAuditLog(paths.AuditLogPath(root))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	sink := &notify.LogSink{Log: log}
	ttl := func(class string) time.Duration {
		return time.Duration(cfg.ApprovalTTLSec(class)) * time.Second
	}
	gate := approval.NewGate(st, sink, audit, ttl, log)

	snap := &checkpoint.FileSnapshotter{Root: workspaceRoot}
	cps := checkpoint.NewManager(st, snap, time.Duration(cfg.Checkpoint.RetentionSec)*time.Second, log)

	eng := engine.New(st, registry, gate, cps, sink, log, engine.Config{
		InFlightLimit: cfg.Engine.InFlightLimit,
		ToolRetries:   cfg.Engine.ToolRetries,
		RetryBackoff:  time.Duration(cfg.Engine.RetryBackoffMS) * time.Millisecond,
		ToolTimeout:   time.Duration(cfg.Engine.ToolTimeoutSec) * time.Second,
	})

	rb := rollback.New(st, snap, log)

	planner, err := plan.LoadPlaybooks(paths.PlaybooksDir(root))
	if err != nil {
		return fmt.Errorf("load playbooks: %w", err)
	}

	sched := scheduler.New(st, planner, eng, sink, log, scheduler.Config{
		MaxAdmitted:   cfg.Scheduler.MaxAdmitted,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
	})
	if err := sched.Reconcile(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	stopSched := sched.Start(ctx, time.Duration(cfg.Scheduler.PollIntervalMS)*time.Millisecond)
	defer stopSched()
	stopEngine := eng.Start(ctx, time.Duration(cfg.Engine.PollIntervalMS)*time.Millisecond)
	defer stopEngine()
	stopGate := gate.StartSweeper(ctx, time.Duration(cfg.Approval.SweepIntervalMS)*time.Millisecond)
	defer stopGate()
	stopSweep := cps.StartSweeper(ctx, time.Duration(cfg.Checkpoint.SweepIntervalMS)*time.Millisecond)
	defer stopSweep()

	srv := server.NewServer(st, sched, eng, gate, rb)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    addr,
			"version": version.Version,
			"commit":  version.Commit,
		}).Info("gantryd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(sctx)
}
