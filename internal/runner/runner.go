// Package runner is the execution dispatcher cron triggers for each task.
//
// One process instance handles one fire. Coordination with other instances
// happens entirely through the durable stores; nothing here assumes mutual
// exclusion across tasks.
//
// Error discipline follows the audit-trail rule: every invocation attempt
// yields exactly one terminal run record. Dispatch returns a non-nil error
// only when no run could be opened or finalized at all — that is the one
// case the process exits non-zero for.
package runner

import (
	"context"
	"fmt"
	"time"

	"cronsmith/internal/deliver"
	"cronsmith/internal/invoke"
	"cronsmith/internal/notifier"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

type Dispatcher struct {
	Store     *store.Store
	Invoker   invoke.Invoker
	Deliverer *deliver.Deliverer
	Notify    *notifier.Notifier
	// Timeout bounds the model invocation; a timeout is a failure run, not
	// a hung process.
	Timeout time.Duration
	Log     logx.Logger
}

// Dispatch executes one fire of the given task.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) error {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("task", taskID))

	task, err := d.Store.GetTask(ctx, taskID)
	if err != nil {
		// Unknown task: the stale crontab entry will be corrected by the
		// next reconcile; nothing to retry here.
		return fmt.Errorf("resolve task: %w", err)
	}
	if !task.Enabled {
		// A disabled task must never execute, even if a stale entry fired.
		log.Info("task disabled, skipping")
		return nil
	}

	run, err := d.Store.StartRun(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("open run: %w", err)
	}
	log = log.With(logx.Int64("run", run.ID))
	log.Info("run started", logx.String("name", task.Name))

	ictx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	res, ierr := d.Invoker.Invoke(ictx, invoke.Request{
		Prompt:    task.Prompt,
		Model:     task.Model,
		MaxTokens: task.MaxTokens,
	})
	if ierr != nil {
		out := store.RunOutcome{Status: store.RunFailure, Error: ierr.Error()}
		if err := d.Store.FinishRun(ctx, run.ID, out); err != nil {
			return fmt.Errorf("finalize failed run: %w", err)
		}
		log.Error("run failed", logx.Err(ierr))
		run.Status = store.RunFailure
		run.Error = ierr.Error()
		d.Notify.RunFinished(task, run)
		return nil
	}

	out := store.RunOutcome{
		Status:       store.RunSuccess,
		Output:       res.Text,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}
	if err := d.Store.FinishRun(ctx, run.ID, out); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	run.Status = store.RunSuccess
	run.Output = res.Text

	// Delivery happens after finalization: execution success and delivery
	// success are orthogonal outcomes.
	loc, derr := d.Deliverer.Deliver(task.Delivery, deliver.Payload{
		TaskID:     task.ID,
		TaskName:   task.Name,
		RunID:      run.ID,
		Model:      res.Model,
		FinishedAt: time.Now(),
		Text:       res.Text,
	})
	if derr != nil {
		log.Error("delivery failed", logx.Err(derr))
		if err := d.Store.SetRunDeliveryError(ctx, run.ID, derr.Error()); err != nil {
			log.Warn("could not record delivery error", logx.Err(err))
		}
		run.DeliveryError = derr.Error()
		d.Notify.RunFinished(task, run)
		return nil
	}

	log.Info("run succeeded",
		logx.String("delivered", loc),
		logx.Int("input_tokens", res.InputTokens),
		logx.Int("output_tokens", res.OutputTokens),
	)
	d.Notify.RunFinished(task, run)
	return nil
}
