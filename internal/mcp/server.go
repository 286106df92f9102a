package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// Server exposes schedule, failure and run operations as MCP tools.
type Server struct {
	control *core.Control
	store   *store.Store
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// NewServer creates the MCP server and registers its tools.
func NewServer(control *core.Control, store *store.Store, logger *slog.Logger) *Server {
	s := &Server{
		control: control,
		store:   store,
		logger:  logger,
		mcp: server.NewMCPServer(
			"taskpilot",
			Version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// Handler returns the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("schedule_list",
		mcp.WithDescription("List the schedule entries with their index and next fire time"),
	), s.handleScheduleList)

	s.mcp.AddTool(mcp.NewTool("schedule_add",
		mcp.WithDescription("Add a schedule entry. Give either a 5-field cron expression (minute hour day month weekday) or an ISO-8601 execute_at time, not both"),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task name, e.g. 'ping'"),
		),
		mcp.WithString("cron",
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithString("execute_at",
			mcp.Description("One-shot time, e.g. '2025-01-01T09:00:00Z'"),
		),
	), s.handleScheduleAdd)

	s.mcp.AddTool(mcp.NewTool("schedule_remove",
		mcp.WithDescription("Remove the schedule entry at index (see schedule_list)"),
		mcp.WithNumber("index",
			mcp.Required(),
			mcp.Description("Zero-based entry index"),
			mcp.Min(0),
		),
	), s.handleScheduleRemove)

	s.mcp.AddTool(mcp.NewTool("next_task",
		mcp.WithDescription("Show which scheduled task fires next and when"),
	), s.handleNextTask)

	s.mcp.AddTool(mcp.NewTool("scheduler_status",
		mcp.WithDescription("Show armed cron entries, pending one-shots and sleep prevention"),
	), s.handleSchedulerStatus)

	s.mcp.AddTool(mcp.NewTool("failures_list",
		mcp.WithDescription("List recorded task failures"),
		mcp.WithBoolean("all",
			mcp.Description("Include dismissed failures"),
		),
	), s.handleFailuresList)

	s.mcp.AddTool(mcp.NewTool("failure_dismiss",
		mcp.WithDescription("Dismiss a failure record"),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Failure ID"),
		),
	), s.handleFailureDismiss)

	s.mcp.AddTool(mcp.NewTool("failures_clear",
		mcp.WithDescription("Delete every failure record"),
	), s.handleFailuresClear)

	s.mcp.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Run a task now"),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task name"),
		),
	), s.handleTaskRun)

	s.mcp.AddTool(mcp.NewTool("runs_list",
		mcp.WithDescription("Show run history, newest first"),
		mcp.WithString("task",
			mcp.Description("Only runs of this task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs, default 20"),
			mcp.Min(1),
		),
	), s.handleRunsList)

	s.mcp.AddTool(mcp.NewTool("run_log",
		mcp.WithDescription("Read the combined output of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Only the last N lines"),
			mcp.Min(0),
		),
	), s.handleRunLog)

	s.mcp.AddTool(mcp.NewTool("task_data",
		mcp.WithDescription("Show data payloads reported by tasks"),
		mcp.WithString("task",
			mcp.Description("Only payloads of this task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of payloads, default 10"),
			mcp.Min(1),
		),
	), s.handleTaskData)

	s.mcp.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Validate a cron expression and show its next fire times"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
		),
	), s.handleCronPreview)
}

func (s *Server) handleScheduleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.control.Schedule(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read schedule: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("The schedule is empty"), nil
	}

	loc := s.control.Location()
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%d schedule entries:\n\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&b, "[%d] %s  %s\n", i, e.Task, describeTrigger(e))
		if next, ok := core.ProjectNext([]core.ScheduleEntry{e}, now, loc); ok {
			fmt.Fprintf(&b, "    next: %s\n", formatTime(next.At.In(loc)))
		} else if err := core.ValidateEntry(e, loc); err != nil {
			fmt.Fprintf(&b, "    invalid: %v\n", err)
		} else {
			b.WriteString("    next: -\n")
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleScheduleAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entry := core.ScheduleEntry{
		Task:      strings.TrimSpace(mcp.ParseString(request, "task", "")),
		Cron:      strings.TrimSpace(mcp.ParseString(request, "cron", "")),
		ExecuteAt: strings.TrimSpace(mcp.ParseString(request, "execute_at", "")),
	}
	entries, err := s.control.AddEntry(ctx, entry)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add entry: %v", err)), nil
	}
	s.logger.Info("schedule entry added", "task", entry.Task, "cron", entry.Cron, "execute_at", entry.ExecuteAt)
	return mcp.NewToolResultText(fmt.Sprintf("Added [%d] %s  %s", len(entries)-1, entry.Task, describeTrigger(entry))), nil
}

func (s *Server) handleScheduleRemove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	index := int(mcp.ParseFloat64(request, "index", -1))
	removed, err := s.control.RemoveEntry(ctx, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove entry: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed %s  %s", removed.Task, describeTrigger(removed))), nil
}

func (s *Server) handleNextTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	next, ok, err := s.control.NextTask(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read schedule: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultText("Nothing is scheduled"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s at %s (in %s)",
		next.Entry.Task,
		formatTime(next.At.In(s.control.Location())),
		next.In.Round(time.Second),
	)), nil
}

func (s *Server) handleSchedulerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.control.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scheduler status: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "running: %t\ncron entries: %d\none-shots: %d\nin flight: %d\nkeeping awake: %t\n",
		st.Running, st.CronEntries, st.OneShots, st.InFlight, st.KeepingAwake)
	if st.Next != nil {
		fmt.Fprintf(&b, "next: %s at %s\n", st.Next.Entry.Task, formatTime(st.Next.At.In(s.control.Location())))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleFailuresList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.control.Failures(ctx, mcp.ParseBoolean(request, "all", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read failures: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No failures recorded"), nil
	}

	loc := s.control.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "%d failures:\n\n", len(records))
	for _, r := range records {
		mark := "!"
		if r.Dismissed {
			mark = "-"
		}
		fmt.Fprintf(&b, "[%s] %s\n", mark, r.ID)
		fmt.Fprintf(&b, "    task: %s  type: %s  count: %d\n", r.TaskName, r.ErrorType, r.Count)
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, "    message: %s\n", truncateString(r.ErrorMessage, 200))
		}
		fmt.Fprintf(&b, "    first: %s  last: %s\n", formatTime(r.Timestamp.In(loc)), formatTime(r.LastSeen.In(loc)))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleFailureDismiss(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	ok, err := s.control.DismissFailure(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dismiss failure: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("failure %s not found", id)), nil
	}
	return mcp.NewToolResultText("Dismissed " + id), nil
}

func (s *Server) handleFailuresClear(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.control.ClearFailures(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear failures: %v", err)), nil
	}
	return mcp.NewToolResultText("All failures cleared"), nil
}

func (s *Server) handleTaskRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := mcp.ParseString(request, "task", "")
	if err := s.control.RunTask(ctx, task); err != nil {
		if errors.Is(err, core.ErrTaskNotResolved) {
			return mcp.NewToolResultError(fmt.Sprintf("no task named %q", task)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("run task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s started; see runs_list for its result", task)), nil
}

func (s *Server) handleRunsList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := mcp.ParseString(request, "task", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, task, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded"), nil
	}

	loc := s.control.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "%d runs:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] %s  %s (%s)\n", statusToIcon(r.Status), r.ID, r.TaskName, r.Trigger)
		fmt.Fprintf(&b, "    started: %s\n", formatTime(r.StartedAt.In(loc)))
		if r.EndedAt != nil {
			fmt.Fprintf(&b, "    ended: %s\n", formatTime(r.EndedAt.In(loc)))
		}
		if r.ExitCode != nil {
			fmt.Fprintf(&b, "    exit code: %d\n", *r.ExitCode)
		}
		if r.ErrorType != nil {
			fmt.Fprintf(&b, "    error type: %s\n", *r.ErrorType)
		}
		if r.Error != nil {
			fmt.Fprintf(&b, "    error: %s\n", truncateString(*r.Error, 200))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	tail := int(mcp.ParseFloat64(request, "tail", 0))

	content, err := s.store.ReadRunLog(ctx, runID, tail)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read log: %v", err)), nil
	}
	if len(content) == 0 {
		return mcp.NewToolResultText("(empty log)"), nil
	}
	return mcp.NewToolResultText(string(content)), nil
}

func (s *Server) handleTaskData(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task := mcp.ParseString(request, "task", "")
	limit := int(mcp.ParseFloat64(request, "limit", 10))

	items, err := s.store.ListTaskData(ctx, task, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list task data: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("No task data recorded"), nil
	}
	loc := s.control.Location()
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "%s  %s  run %s\n%s\n\n", formatTime(d.CreatedAt.In(loc)), d.TaskName, d.RunID, d.Data)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")

	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 20 {
		count = 5
	}

	loc := s.control.Location()
	nextTimes := core.NextOccurrences(schedule, time.Now().In(loc), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\n", cronExpr)
	fmt.Fprintf(&b, "Zone: %s\n\n", loc)
	b.WriteString("Next fire times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, formatTime(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func describeTrigger(e core.ScheduleEntry) string {
	switch {
	case e.Cron != "" && e.ExecuteAt != "":
		return fmt.Sprintf("cron %q + at %s", e.Cron, e.ExecuteAt)
	case e.Cron != "":
		return fmt.Sprintf("cron %q", e.Cron)
	default:
		return "at " + e.ExecuteAt
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.RunStatus) string {
	switch status {
	case core.RunStatusSucceeded:
		return "ok"
	case core.RunStatusFailed:
		return "FAIL"
	case core.RunStatusRunning:
		return "..."
	default:
		return "?"
	}
}
