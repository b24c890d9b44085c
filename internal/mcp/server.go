package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"rcontab/internal/console"
	"rcontab/internal/core"
	"rcontab/internal/store"
)

// Console is the shared remote-console session.
type Console interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
	Status() console.Status
}

// Jobs is the read side of the scheduler.
type Jobs interface {
	Jobs() []core.JobInfo
	Running() bool
}

// Runs reads recorded run history and transcripts.
type Runs interface {
	ListRuns(ctx context.Context, jobName string, limit, offset int) ([]*core.Run, error)
	ReadRunLog(runID string, tail int) ([]byte, error)
}

// MCPServer exposes the console and run history as MCP tools.
type MCPServer struct {
	console  Console
	jobs     Jobs
	runs     Runs
	logger   *slog.Logger
	location *time.Location
	srv      *server.MCPServer
}

// NewMCPServer creates the MCP server and registers its tools.
func NewMCPServer(c Console, jobs Jobs, runs Runs, logger *slog.Logger, location *time.Location, version string) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		console:  c,
		jobs:     jobs,
		runs:     runs,
		logger:   logger.With("component", "mcp"),
		location: location,
		srv: server.NewMCPServer(
			"rcontab",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.srv)
}

// HTTPHandler serves the same tools over streamable HTTP.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools() {
	s.srv.AddTool(mcp.NewTool("console_execute",
		mcp.WithDescription("Send a command to the game server over RCON and return its response. Connects on demand."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Console command, for example 'list' or 'say hello'"),
		),
		mcp.WithNumber("timeout_s",
			mcp.Description("Per-command timeout in seconds. Only 0 is supported."),
			mcp.Min(0),
		),
	), s.handleConsoleExecute)

	s.srv.AddTool(mcp.NewTool("console_status",
		mcp.WithDescription("Show whether the RCON session is connected and when it will disconnect for inactivity"),
	), s.handleConsoleStatus)

	s.srv.AddTool(mcp.NewTool("jobs_list",
		mcp.WithDescription("List scheduled jobs with their next run time"),
	), s.handleListJobs)

	s.srv.AddTool(mcp.NewTool("runs_list",
		mcp.WithDescription("Show the recent run history of a job"),
		mcp.WithString("job",
			mcp.Required(),
			mcp.Description("Job name"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs, default 20"),
			mcp.Min(1),
		),
	), s.handleListRuns)

	s.srv.AddTool(mcp.NewTool("run_log",
		mcp.WithDescription("Show the command transcript of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Only return the last N lines"),
			mcp.Min(0),
		),
	), s.handleRunLog)

	s.srv.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next firing times of a 5-field cron expression (minute hour day month weekday)"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, for example '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of times to list, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handleCronPreview)
}

func (s *MCPServer) handleConsoleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := strings.TrimSpace(mcp.ParseString(request, "command", ""))
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	timeout := console.TimeoutFromSeconds(mcp.ParseFloat64(request, "timeout_s", 0))

	resp, err := s.console.Execute(ctx, command, timeout)
	if err != nil {
		switch {
		case errors.Is(err, console.ErrTimeoutUnsupported):
			return mcp.NewToolResultError("command timeouts are not supported, omit timeout_s"), nil
		case errors.Is(err, console.ErrConnect):
			return mcp.NewToolResultError(fmt.Sprintf("could not reach the server: %v", err)), nil
		default:
			return mcp.NewToolResultError(fmt.Sprintf("command failed: %v", err)), nil
		}
	}
	if resp == "" {
		resp = "(empty response)"
	}
	return mcp.NewToolResultText(resp), nil
}

func (s *MCPServer) handleConsoleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.console.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint: %s", st.Endpoint)
	if st.TLS {
		b.WriteString(" (TLS)")
	}
	b.WriteString("\n")
	if st.Connected {
		b.WriteString("State: connected\n")
		fmt.Fprintf(&b, "Disconnects at: %s\n", s.formatTime(st.IdleDeadline))
	} else {
		b.WriteString("State: disconnected\n")
	}
	fmt.Fprintf(&b, "Idle timeout: %s\n", st.IdleTimeout)
	fmt.Fprintf(&b, "Connections opened: %d\n", st.Connects)
	if !st.LastActivity.IsZero() {
		fmt.Fprintf(&b, "Last command: %s\n", s.formatTime(st.LastActivity))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.jobs.Jobs()
	if len(infos) == 0 {
		return mcp.NewToolResultText("No jobs registered"), nil
	}
	state := "running"
	if !s.jobs.Running() {
		state = "stopped"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler %s, %d jobs:\n\n", state, len(infos))
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s\n", info.Name)
		if info.Description != "" {
			fmt.Fprintf(&b, "  %s\n", truncateString(info.Description, 120))
		}
		if info.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(*info.NextRunAt))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job := mcp.ParseString(request, "job", "")
	if job == "" {
		return mcp.NewToolResultError("job is required"), nil
	}
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.runs.ListRuns(ctx, job, limit, 0)
	if err != nil {
		s.logger.Error("list runs", "job", job, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No runs recorded for %s", job)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs of %s:\n\n", len(runs), job)
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] %s\n", statusToIcon(r.Status), r.ID)
		fmt.Fprintf(&b, "    Status: %s, commands: %d\n", r.Status, r.Commands)
		if r.StartedAt != nil {
			fmt.Fprintf(&b, "    Started: %s\n", s.formatTime(*r.StartedAt))
		}
		if r.EndedAt != nil {
			fmt.Fprintf(&b, "    Ended: %s\n", s.formatTime(*r.EndedAt))
		}
		if r.Error != nil {
			fmt.Fprintf(&b, "    Error: %s\n", truncateString(*r.Error, 200))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	tail := int(mcp.ParseFloat64(request, "tail", 0))

	content, err := s.runs.ReadRunLog(runID, tail)
	if err != nil {
		if errors.Is(err, store.ErrRunLogNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no transcript for run %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to read transcript: %v", err)), nil
	}
	if len(content) == 0 {
		return mcp.NewToolResultText("(empty transcript)"), nil
	}
	return mcp.NewToolResultText(string(content)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", ""))

	schedule, err := core.ParseCronIn(cronExpr, s.location)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	count := int(mcp.ParseFloat64(request, "count", 5))
	if count < 1 || count > 20 {
		count = 5
	}

	nextTimes := core.NextOccurrences(schedule, time.Now().In(s.location), count)

	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\n", cronExpr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next firing times:\n")
	for i, t := range nextTimes {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, s.formatTime(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
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
