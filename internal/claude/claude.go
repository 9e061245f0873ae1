// Package claude drives the short-lived claude CLI used for chunk review and
// planning. Each call spawns one child process in streaming JSON mode,
// consumes its newline-delimited output, and reaps it.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	specerr "github.com/specwright/specwright/internal/errors"
)

// killGrace is how long a timed-out process gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Request describes one CLI invocation.
type Request struct {
	Prompt       string
	SystemPrompt string
	Model        string
	// Dir is the working directory for the child process.
	Dir string
	// Timeout bounds the whole invocation. Zero means no timeout.
	Timeout time.Duration
}

// ToolUse is one tool invocation observed in the stream.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
	// Result is filled when the matching tool_result arrives.
	Result string
	// Settled is true once the tool_result closed the call.
	Settled bool
}

// Result is the outcome of one CLI invocation.
type Result struct {
	// Text is the final result text reported by the CLI.
	Text string
	// IsError is the CLI's own error flag from the result record.
	IsError bool
	// ToolUses lists tool invocations in stream order.
	ToolUses []ToolUse
	Duration time.Duration
}

// EventHandler observes stream progress. Nil handlers are skipped.
type EventHandler struct {
	// OnText receives assistant text fragments as they stream.
	OnText func(text string)
	// OnToolUse fires when a tool call opens.
	OnToolUse func(tu ToolUse)
	// OnToolResult fires when a tool call settles.
	OnToolResult func(tu ToolUse)
}

// Client runs claude CLI invocations. One Client may serve many sequential
// calls; concurrent calls each get their own process.
type Client struct {
	cliPath string
	model   string
	logger  *slog.Logger

	mu     sync.Mutex
	active map[*exec.Cmd]struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithModel sets the default model flag.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the CLI binary at cliPath.
func New(cliPath string, opts ...Option) *Client {
	c := &Client{
		cliPath: cliPath,
		logger:  slog.Default(),
		active:  make(map[*exec.Cmd]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run invokes the CLI once and blocks until it exits. The process exit code
// is authoritative: a non-zero exit fails the call even when the stream
// looked healthy, and a zero exit with a parseable result succeeds even if
// intermediate lines were garbage.
func (c *Client) Run(ctx context.Context, req Request, handler *EventHandler) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}

	cmd := exec.Command(c.cliPath, args...)
	cmd.Dir = req.Dir
	// Own process group, so the term/kill escalation reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, syscall.ENOENT) {
			return nil, specerr.ErrReviewerNotFound(c.cliPath, err)
		}
		return nil, fmt.Errorf("start %s: %w", c.cliPath, err)
	}
	c.track(cmd)
	defer c.untrack(cmd)

	// Escalation watchdog: on cancel or timeout, SIGTERM the group, then
	// SIGKILL after the grace period if it hasn't exited.
	watchDone := make(chan struct{})
	go c.watch(runCtx, cmd, watchDone)

	result := c.consumeStream(stdout, handler)

	waitErr := cmd.Wait()
	close(watchDone)
	result.Duration = time.Since(start)

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, specerr.ErrCancelled("review aborted")
		}
		return nil, specerr.ErrReviewerTimeout(req.Timeout.String())
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited: %w: %s", c.cliPath, waitErr, truncateStderr(stderr.String()))
	}
	return result, nil
}

// Abort terminates every in-flight invocation.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cmd := range c.active {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		}
	}
}

func (c *Client) watch(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// consumeStream parses the NDJSON stream. Blank lines and unknown record
// types are skipped; a malformed line never fails the call.
func (c *Client) consumeStream(r io.Reader, handler *EventHandler) *Result {
	result := &Result{}
	open := make(map[string]int) // tool_use id -> index in result.ToolUses

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		rec := gjson.Parse(line)

		switch rec.Get("type").String() {
		case "system":
			// init record, nothing to do

		case "assistant":
			rec.Get("message.content").ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "text":
					text := block.Get("text").String()
					if text != "" && handler != nil && handler.OnText != nil {
						handler.OnText(text)
					}
				case "tool_use":
					tu := ToolUse{
						ID:   block.Get("id").String(),
						Name: block.Get("name").String(),
					}
					if in := block.Get("input"); in.Exists() {
						tu.Input = []byte(in.Raw)
					}
					open[tu.ID] = len(result.ToolUses)
					result.ToolUses = append(result.ToolUses, tu)
					if handler != nil && handler.OnToolUse != nil {
						handler.OnToolUse(tu)
					}
				}
				return true
			})

		case "user":
			rec.Get("message.content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() != "tool_result" {
					return true
				}
				id := block.Get("tool_use_id").String()
				idx, ok := open[id]
				if !ok {
					return true
				}
				result.ToolUses[idx].Result = toolResultText(block)
				result.ToolUses[idx].Settled = true
				if handler != nil && handler.OnToolResult != nil {
					handler.OnToolResult(result.ToolUses[idx])
				}
				return true
			})

		case "result":
			result.Text = rec.Get("result").String()
			result.IsError = rec.Get("is_error").Bool()
		}
	}
	return result
}

// toolResultText flattens a tool_result content field, which may be a plain
// string or a list of text blocks.
func toolResultText(block gjson.Result) string {
	content := block.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, c gjson.Result) bool {
		if c.Get("type").String() == "text" {
			parts = append(parts, c.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func (c *Client) track(cmd *exec.Cmd) {
	c.mu.Lock()
	c.active[cmd] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(cmd *exec.Cmd) {
	c.mu.Lock()
	delete(c.active, cmd)
	c.mu.Unlock()
}

func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
