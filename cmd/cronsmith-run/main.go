// cronsmith-run executes one fire of one task. It is the command installed
// in every managed crontab entry and the subprocess behind run-now.
//
// Exit status contract: 0 whenever a terminal run record was written, even
// for a failed invocation; non-zero only when no run could be opened or
// finalized (unknown task, unreachable store).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cronsmith/internal/config"
	"cronsmith/internal/deliver"
	"cronsmith/internal/invoke"
	"cronsmith/internal/notifier"
	"cronsmith/internal/paths"
	"cronsmith/internal/runner"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

func main() {
	var taskID, cfgPath string
	var dryRun bool
	flag.StringVar(&taskID, "task-id", "", "id of the task to execute")
	flag.StringVar(&cfgPath, "config", "", "path to config file (default <data-dir>/config.yaml)")
	flag.BoolVar(&dryRun, "dry-run", false, "resolve the task and print it without executing")
	flag.Parse()

	if taskID == "" {
		fmt.Fprintln(os.Stderr, "fatal: --task-id is required")
		os.Exit(2)
	}
	if err := run(context.Background(), taskID, cfgPath, dryRun); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, taskID, cfgPath string, dryRun bool) error {
	if cfgPath == "" {
		p, err := paths.ConfigPath()
		if err != nil {
			return err
		}
		cfgPath = p
	}
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(cfg.Log)
	defer logSvc.Close()
	log = log.With(logx.String("task", taskID))

	dbPath, err := paths.DBPath()
	if err != nil {
		return err
	}
	st, err := store.Open(dbPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if dryRun {
		task, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Printf("would run %q (%s): model=%s delivery=%s enabled=%t\n",
			task.Name, task.ID, task.Model, task.Delivery.Type, task.Enabled)
		return nil
	}

	outDir, err := paths.OutputDir()
	if err != nil {
		return err
	}

	var inv invoke.Invoker
	client, err := invoke.NewClient(cfg.Invoke.BaseURL, cfg.Invoke.APIKeyEnv, log)
	if err != nil {
		// Still open and finalize a run so the missing key shows up in
		// history instead of only in cron's mail.
		inv = errInvoker{err}
	} else {
		inv = client
	}

	notify, err := notifier.New(cfg.Notify.Telegram, log)
	if err != nil {
		log.Warn("notifier disabled", logx.Err(err))
	}

	d := &runner.Dispatcher{
		Store:     st,
		Invoker:   inv,
		Deliverer: &deliver.Deliverer{DefaultDir: outDir, Stdout: os.Stdout},
		Notify:    notify,
		Timeout:   cfg.Invoke.Timeout.Std(),
		Log:       log,
	}
	return d.Dispatch(ctx, taskID)
}

type errInvoker struct{ err error }

func (e errInvoker) Invoke(context.Context, invoke.Request) (invoke.Result, error) {
	return invoke.Result{}, e.err
}
