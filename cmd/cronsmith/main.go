package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"cronsmith/internal/config"
	"cronsmith/internal/crontab"
	"cronsmith/internal/paths"
	"cronsmith/internal/registry"
	"cronsmith/internal/server"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

const version = "0.1.0"

func main() {
	var cfgPath string
	var showVersion bool
	flag.StringVar(&cfgPath, "config", "", "path to config file (default <data-dir>/config.yaml)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("cronsmith", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	if cfgPath == "" {
		p, err := paths.ConfigPath()
		if err != nil {
			return err
		}
		cfgPath = p
	}

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.Log)
	defer logSvc.Close()
	mgr.SetLogger(log)

	dbPath, err := paths.DBPath()
	if err != nil {
		return err
	}
	lockPath, err := paths.LockPath()
	if err != nil {
		return err
	}
	logDir, err := paths.LogDir()
	if err != nil {
		return err
	}

	st, err := store.Open(dbPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	runnerBin, err := resolveRunnerBin(cfg.RunnerBin)
	if err != nil {
		return err
	}

	sync := crontab.NewSynchronizer(crontab.SystemTable{}, st, lockPath, runnerBin, logDir, log)
	reg := registry.New(st, sync, cfg.Invoke.Model, cfg.Invoke.MaxTokens, log)

	// Repair any drift accumulated while the server was down.
	if res, err := reg.Reconcile(ctx); err != nil {
		log.Warn("startup reconcile failed", logx.Err(err))
	} else if !res.Empty() {
		log.Info("startup reconcile",
			logx.Int("added", res.Added),
			logx.Int("updated", res.Updated),
			logx.Int("removed", res.Removed),
			logx.Int("drifted", res.Drifted),
		)
	}

	// Live-reload log settings on config file changes.
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	go func() {
		for c := range sub {
			logSvc.Apply(c.Log)
		}
	}()
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, m := server.New(reg, server.Options{
		RunnerBin:     runnerBin,
		RunNowTimeout: cfg.RunNow.Timeout.Std(),
		Version:       version,
		Log:           log,
	})

	log.Info("serving MCP on stdio",
		logx.String("version", version),
		logx.String("db", dbPath),
		logx.String("runner", runnerBin),
	)

	done := make(chan error, 1)
	go func() { done <- server.ServeStdio(m) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

// resolveRunnerBin locates the cronsmith-run binary cron entries will call:
// config override first, then the server's own directory, then PATH.
func resolveRunnerBin(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if exe, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), "cronsmith-run")
		if _, err := os.Stat(cand); err == nil {
			return cand, nil
		}
	}
	if p, err := exec.LookPath("cronsmith-run"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("cronsmith-run binary not found; set runner_bin in config")
}
