// Package server exposes the scheduler over MCP stdio.
//
// Tool results are JSON documents so MCP clients can feed them back into a
// model without scraping prose. Errors come back as tool errors, not
// protocol errors: a bad schedule is something the caller can fix and retry.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"cronsmith/internal/crontab"
	"cronsmith/internal/deliver"
	"cronsmith/internal/registry"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

const serverName = "cronsmith"

// Options carries everything the tool handlers need beyond the registry.
type Options struct {
	// RunnerBin is the resolved path of the cronsmith-run binary, used by
	// scheduler_run_now.
	RunnerBin string
	// RunNowTimeout bounds a scheduler_run_now subprocess.
	RunNowTimeout time.Duration

	Version string
	Log     logx.Logger
}

type Server struct {
	reg  *registry.Service
	opts Options
	log  logx.Logger
}

// New builds the MCP server with all scheduler tools registered.
func New(reg *registry.Service, opts Options) (*Server, *server.MCPServer) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{reg: reg, opts: opts, log: log}

	m := server.NewMCPServer(serverName, opts.Version, server.WithToolCapabilities(false))
	s.register(m)
	return s, m
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(m *server.MCPServer) error {
	return server.ServeStdio(m)
}

func (s *Server) register(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("scheduler_add_task",
		mcp.WithDescription("Register a recurring prompt task and install its crontab entry."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable task name.")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt sent to the model on every run.")),
		mcp.WithString("schedule", mcp.Required(), mcp.Description("Five-field cron expression, e.g. \"0 8 * * *\".")),
		mcp.WithString("model", mcp.Description("Model override; defaults from config.")),
		mcp.WithNumber("max_tokens", mcp.Description("Completion token cap; defaults from config.")),
		mcp.WithString("delivery_type", mcp.Description("file, append or stdout (default file).")),
		mcp.WithString("delivery_format", mcp.Description("file only: md, txt or json (default md).")),
		mcp.WithString("delivery_directory", mcp.Description("file only: output directory override.")),
		mcp.WithString("delivery_filepath", mcp.Description("append only: target file (required for append).")),
		mcp.WithString("delivery_separator", mcp.Description("append only: separator override.")),
	), s.handleAddTask)

	m.AddTool(mcp.NewTool("scheduler_list_tasks",
		mcp.WithDescription("List registered tasks with their next fire times."),
		mcp.WithBoolean("enabled_only", mcp.Description("Only return enabled tasks.")),
	), s.handleListTasks)

	m.AddTool(mcp.NewTool("scheduler_get_task",
		mcp.WithDescription("Fetch one task by id."),
		mcp.WithString("task_id", mcp.Required()),
	), s.handleGetTask)

	m.AddTool(mcp.NewTool("scheduler_update_task",
		mcp.WithDescription("Update task fields; omitted fields are left unchanged."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithString("name"),
		mcp.WithString("prompt"),
		mcp.WithString("schedule"),
		mcp.WithString("model"),
		mcp.WithNumber("max_tokens"),
		mcp.WithString("delivery_type"),
		mcp.WithString("delivery_format"),
		mcp.WithString("delivery_directory"),
		mcp.WithString("delivery_filepath"),
		mcp.WithString("delivery_separator"),
	), s.handleUpdateTask)

	m.AddTool(mcp.NewTool("scheduler_remove_task",
		mcp.WithDescription("Delete a task, its run history and its crontab entry."),
		mcp.WithString("task_id", mcp.Required()),
	), s.handleRemoveTask)

	m.AddTool(mcp.NewTool("scheduler_enable_task",
		mcp.WithDescription("Enable a task, restoring its active crontab line."),
		mcp.WithString("task_id", mcp.Required()),
	), s.handleEnableTask)

	m.AddTool(mcp.NewTool("scheduler_disable_task",
		mcp.WithDescription("Disable a task; the crontab line is commented out, not removed."),
		mcp.WithString("task_id", mcp.Required()),
	), s.handleDisableTask)

	m.AddTool(mcp.NewTool("scheduler_run_now",
		mcp.WithDescription("Execute a task immediately, outside its schedule."),
		mcp.WithString("task_id", mcp.Required()),
	), s.handleRunNow)

	m.AddTool(mcp.NewTool("scheduler_list_cron",
		mcp.WithDescription("List the scheduler-managed crontab entries as installed."),
	), s.handleListCron)

	m.AddTool(mcp.NewTool("scheduler_task_history",
		mcp.WithDescription("Return recent runs for a task, newest first."),
		mcp.WithString("task_id", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Max runs to return (default 20).")),
	), s.handleTaskHistory)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func deliverySpec(req mcp.CallToolRequest) deliver.Spec {
	return deliver.Spec{
		Type:      req.GetString("delivery_type", ""),
		Format:    req.GetString("delivery_format", ""),
		Directory: req.GetString("delivery_directory", ""),
		Filepath:  req.GetString("delivery_filepath", ""),
		Separator: req.GetString("delivery_separator", ""),
	}
}

func (s *Server) handleAddTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return toolError(err)
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return toolError(err)
	}
	sched, err := req.RequireString("schedule")
	if err != nil {
		return toolError(err)
	}

	view, res, err := s.reg.Create(ctx, registry.CreateParams{
		Name:      name,
		Prompt:    prompt,
		Schedule:  sched,
		Delivery:  deliverySpec(req),
		Model:     req.GetString("model", ""),
		MaxTokens: req.GetInt("max_tokens", 0),
	})
	if err != nil {
		return toolError(err)
	}
	s.log.Info("task added", logx.String("task", view.ID), logx.String("name", view.Name))
	return jsonResult(struct {
		Task registry.TaskView  `json:"task"`
		Sync crontab.SyncResult `json:"sync"`
	}{view, res})
}

func (s *Server) handleListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.reg.List(ctx, req.GetBool("enabled_only", false))
	if err != nil {
		return toolError(err)
	}
	return jsonResult(struct {
		Tasks []registry.TaskView `json:"tasks"`
		Count int                 `json:"count"`
	}{tasks, len(tasks)})
}

func (s *Server) handleGetTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return toolError(err)
	}
	view, err := s.reg.Get(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(view)
}

func (s *Server) handleUpdateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return toolError(err)
	}

	args := req.GetArguments()
	var p registry.UpdateParams
	if v, ok := args["name"].(string); ok {
		p.Name = &v
	}
	if v, ok := args["prompt"].(string); ok {
		p.Prompt = &v
	}
	if v, ok := args["schedule"].(string); ok {
		p.Schedule = &v
	}
	if v, ok := args["model"].(string); ok {
		p.Model = &v
	}
	if v, ok := args["max_tokens"].(float64); ok {
		n := int(v)
		p.MaxTokens = &n
	}
	if hasDeliveryArg(args) {
		// Delivery is replaced as a unit; partial delivery edits would mix
		// fields from two variants.
		d := deliverySpec(req)
		p.Delivery = &d
	}

	view, err := s.reg.Update(ctx, id, p)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(view)
}

func hasDeliveryArg(args map[string]any) bool {
	for _, k := range []string{"delivery_type", "delivery_format", "delivery_directory", "delivery_filepath", "delivery_separator"} {
		if _, ok := args[k]; ok {
			return true
		}
	}
	return false
}

func (s *Server) handleRemoveTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return toolError(err)
	}
	removed, err := s.reg.Remove(ctx, id)
	if err != nil {
		return toolError(err)
	}
	s.log.Info("task removed", logx.String("task", id))
	return jsonResult(struct {
		Removed store.Task `json:"removed"`
	}{removed})
}

func (s *Server) handleEnableTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.setEnabled(ctx, req, true)
}

func (s *Server) handleDisableTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.setEnabled(ctx, req, false)
}

func (s *Server) setEnabled(ctx context.Context, req mcp.CallToolRequest, enabled bool) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return toolError(err)
	}
	view, err := s.reg.SetEnabled(ctx, id, enabled)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(view)
}

func (s *Server) handleRunNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return toolError(err)
	}
	res, err := s.reg.RunNow(ctx, id, s.opts.RunnerBin, s.opts.RunNowTimeout)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(res)
}

func (s *Server) handleListCron(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.reg.CronEntries(ctx)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(struct {
		Entries []crontab.Entry `json:"entries"`
		Count   int             `json:"count"`
	}{entries, len(entries)})
}

func (s *Server) handleTaskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return toolError(err)
	}
	task, runs, err := s.reg.History(ctx, id, req.GetInt("limit", 0))
	if err != nil {
		return toolError(err)
	}
	return jsonResult(struct {
		Task store.Task  `json:"task"`
		Runs []store.Run `json:"runs"`
	}{task, runs})
}
