// Package registry implements the task operations behind the MCP surface.
//
// Every mutating operation follows the same shape: validate, write the
// registry, reconcile the crontab, and roll the write back if the reconcile
// fails. From the caller's point of view the registry and the crontab never
// diverge — an operation either lands in both or in neither.
package registry

import (
	"context"
	"fmt"
	"time"

	"cronsmith/internal/crontab"
	"cronsmith/internal/deliver"
	"cronsmith/internal/schedule"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

type Service struct {
	store *store.Store
	sync  *crontab.Synchronizer
	log   logx.Logger

	defaultModel     string
	defaultMaxTokens int
}

func New(st *store.Store, sync *crontab.Synchronizer, defaultModel string, defaultMaxTokens int, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:            st,
		sync:             sync,
		log:              log,
		defaultModel:     defaultModel,
		defaultMaxTokens: defaultMaxTokens,
	}
}

// TaskView is a task enriched with its computed next fire time.
type TaskView struct {
	store.Task
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Service) view(t store.Task) TaskView {
	v := TaskView{Task: t}
	if t.Enabled {
		if next, err := schedule.Next(t.Schedule, time.Now()); err == nil {
			v.NextRun = &next
		}
	}
	return v
}

// CreateParams carries a new task definition.
type CreateParams struct {
	Name      string
	Prompt    string
	Schedule  string
	Delivery  deliver.Spec
	Model     string
	MaxTokens int
}

// Create validates, stores and schedules a new task.
func (s *Service) Create(ctx context.Context, p CreateParams) (TaskView, crontab.SyncResult, error) {
	norm, err := schedule.Validate(p.Schedule)
	if err != nil {
		return TaskView{}, crontab.SyncResult{}, err
	}
	if p.Delivery.Type == "" {
		p.Delivery.Type = deliver.TypeFile
	}
	if err := p.Delivery.Validate(); err != nil {
		return TaskView{}, crontab.SyncResult{}, err
	}
	if p.Model == "" {
		p.Model = s.defaultModel
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = s.defaultMaxTokens
	}

	task, err := s.store.CreateTask(ctx, store.Task{
		Name:      p.Name,
		Prompt:    p.Prompt,
		Schedule:  norm,
		Delivery:  p.Delivery,
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
		Enabled:   true,
	})
	if err != nil {
		return TaskView{}, crontab.SyncResult{}, err
	}

	res, err := s.sync.Reconcile(ctx)
	if err != nil {
		// Roll the row back so registry and crontab stay aligned.
		if derr := s.store.DeleteTask(ctx, task.ID); derr != nil {
			s.log.Error("rollback of created task failed", logx.String("task", task.ID), logx.Err(derr))
		}
		return TaskView{}, crontab.SyncResult{}, fmt.Errorf("schedule sync: %w", err)
	}
	return s.view(task), res, nil
}

// Get returns a single task with next-run info.
func (s *Service) Get(ctx context.Context, id string) (TaskView, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return s.view(t), nil
}

// List returns all tasks, optionally only enabled ones.
func (s *Service) List(ctx context.Context, enabledOnly bool) ([]TaskView, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		if enabledOnly && !t.Enabled {
			continue
		}
		out = append(out, s.view(t))
	}
	return out, nil
}

// UpdateParams carries a partial update; nil fields are left unchanged.
type UpdateParams struct {
	Name      *string
	Prompt    *string
	Schedule  *string
	Delivery  *deliver.Spec
	Model     *string
	MaxTokens *int
}

func (p UpdateParams) empty() bool {
	return p.Name == nil && p.Prompt == nil && p.Schedule == nil &&
		p.Delivery == nil && p.Model == nil && p.MaxTokens == nil
}

// Update merges the supplied fields into the task. Racing updates are
// last-write-wins; the reconcile always projects the row as finally written.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (TaskView, error) {
	prev, err := s.store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	if p.empty() {
		return s.view(prev), nil
	}

	next := prev
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Prompt != nil {
		next.Prompt = *p.Prompt
	}
	if p.Schedule != nil {
		norm, err := schedule.Validate(*p.Schedule)
		if err != nil {
			return TaskView{}, err
		}
		next.Schedule = norm
	}
	if p.Delivery != nil {
		d := *p.Delivery
		if err := d.Validate(); err != nil {
			return TaskView{}, err
		}
		next.Delivery = d
	}
	if p.Model != nil {
		next.Model = *p.Model
	}
	if p.MaxTokens != nil {
		next.MaxTokens = *p.MaxTokens
	}

	updated, err := s.store.UpdateTask(ctx, next)
	if err != nil {
		return TaskView{}, err
	}
	if err := s.reconcileOrRestore(ctx, prev); err != nil {
		return TaskView{}, err
	}
	return s.view(updated), nil
}

// SetEnabled flips the task's lifecycle state. Disabling keeps the crontab
// line, commented out; the schedule text is never lost.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (TaskView, error) {
	prev, err := s.store.GetTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	next := prev
	next.Enabled = enabled
	updated, err := s.store.UpdateTask(ctx, next)
	if err != nil {
		return TaskView{}, err
	}
	if err := s.reconcileOrRestore(ctx, prev); err != nil {
		return TaskView{}, err
	}
	return s.view(updated), nil
}

// Remove deletes the task, its run history (cascade) and its crontab entry.
func (s *Service) Remove(ctx context.Context, id string) (store.Task, error) {
	prev, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return store.Task{}, err
	}
	if _, err := s.sync.Reconcile(ctx); err != nil {
		if rerr := s.store.RestoreTask(ctx, prev); rerr != nil {
			s.log.Error("rollback of removed task failed", logx.String("task", id), logx.Err(rerr))
		}
		return store.Task{}, fmt.Errorf("schedule sync: %w", err)
	}
	return prev, nil
}

func (s *Service) reconcileOrRestore(ctx context.Context, prev store.Task) error {
	if _, err := s.sync.Reconcile(ctx); err != nil {
		if rerr := s.store.RestoreTask(ctx, prev); rerr != nil {
			s.log.Error("rollback of updated task failed", logx.String("task", prev.ID), logx.Err(rerr))
		}
		return fmt.Errorf("schedule sync: %w", err)
	}
	return nil
}

// Reconcile runs a standalone drift-repair pass (used at server startup).
func (s *Service) Reconcile(ctx context.Context) (crontab.SyncResult, error) {
	return s.sync.Reconcile(ctx)
}

// CronEntries lists the tagged crontab lines as currently installed.
func (s *Service) CronEntries(ctx context.Context) ([]crontab.Entry, error) {
	return s.sync.Entries(ctx)
}

// History returns the run ledger for a task, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) (store.Task, []store.Run, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, nil, err
	}
	runs, err := s.store.History(ctx, id, limit)
	if err != nil {
		return store.Task{}, nil, err
	}
	return t, runs, nil
}
