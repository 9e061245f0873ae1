package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	specerr "github.com/specwright/specwright/internal/errors"
)

// Client is a typed client for the opencode executor server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for non-streaming requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the executor server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckHealth probes the executor server.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	body, err := c.get(ctx, "/global/health")
	if err != nil {
		return &Health{Healthy: false}, err
	}
	h := &Health{Healthy: true}
	if v := gjson.GetBytes(body, "version"); v.Exists() {
		h.Version = v.String()
	}
	return h, nil
}

// CreateSession creates a session rooted at dir and returns its id.
func (c *Client) CreateSession(ctx context.Context, dir, title string) (string, error) {
	payload, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}
	path := "/session?directory=" + url.QueryEscape(dir)
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", specerr.ErrProtocol("session create response missing id", nil)
	}
	return id, nil
}

// DeleteSession removes a session. Safe to call on unknown ids.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil)
	return err
}

// GetSessionStatus returns the session's current status.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	body, err := c.get(ctx, "/session/"+sessionID+"/status")
	if err != nil {
		return SessionError, err
	}
	switch st := gjson.GetBytes(body, "status").String(); st {
	case "busy", "idle", "error":
		return SessionStatus(st), nil
	default:
		return SessionError, specerr.ErrProtocol(
			fmt.Sprintf("unknown session status %q", st), nil)
	}
}

// SendPrompt submits a prompt asynchronously. The server responds 204;
// results arrive on the event stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID, dir string, opts PromptOptions) error {
	parts := make([]map[string]string, 0, len(opts.Parts))
	for _, p := range opts.Parts {
		parts = append(parts, map[string]string{"type": "text", "text": p})
	}
	req := map[string]any{
		"parts":     parts,
		"directory": dir,
	}
	if opts.Model != "" {
		req["model"] = opts.Model
	}
	if opts.SystemPrompt != "" {
		req["system"] = opts.SystemPrompt
	}
	if opts.MaxTokens > 0 {
		req["maxTokens"] = opts.MaxTokens
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", payload)
	return err
}

// AbortSession asks the backend to abort whatever the session is doing.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil)
	return err
}

// GetMessages reads the session's full message trail. Used to assemble the
// final output on session.idle and to recover after SSE reconnects.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	body, err := c.get(ctx, "/session/"+sessionID+"/message")
	if err != nil {
		return nil, err
	}
	var messages []Message
	result := gjson.ParseBytes(body)
	items := result
	if result.IsObject() {
		items = result.Get("messages")
	}
	items.ForEach(func(_, m gjson.Result) bool {
		msg := Message{Role: m.Get("role").String()}
		m.Get("parts").ForEach(func(_, p gjson.Result) bool {
			msg.Parts = append(msg.Parts, MessagePart{
				Type: p.Get("type").String(),
				Text: p.Get("text").String(),
				Tool: p.Get("tool").String(),
			})
			return true
		})
		messages = append(messages, msg)
		return true
	})
	return messages, nil
}

// AssembleOutput concatenates assistant text parts from a message trail.
func AssembleOutput(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, p := range m.Parts {
			if p.Type == "text" && p.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(p.Text)
			}
		}
	}
	return b.String()
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isConnRefused(err) {
			return nil, specerr.ErrExecutorUnavailable(c.baseURL, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, specerr.ErrExecutorTransient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, specerr.ErrExecutorTransient(err)
	}
	if resp.StatusCode >= 500 {
		return nil, specerr.ErrExecutorTransient(
			fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200)))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
	}
	return data, nil
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
