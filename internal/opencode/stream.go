package opencode

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	specerr "github.com/specwright/specwright/internal/errors"
)

const (
	// streamBuffer is the per-session event channel capacity.
	streamBuffer = 256
	// reconnectAttempts bounds consecutive failed connection attempts in
	// one outage before the stream gives up.
	reconnectAttempts = 5
)

// Stream maintains the single long-lived SSE subscription to the executor's
// global event feed and demultiplexes frames to per-session channels.
//
// The feed is shared by every session the process drives; each pipeline
// subscribes with its session id and receives only its own events.
type Stream struct {
	client  *Client
	onConn  ConnectionHandler
	timeNow func() time.Time

	mu   sync.RWMutex
	subs map[string]chan Event
	done chan struct{}
	once sync.Once
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithConnectionHandler registers a callback for connect/disconnect
// transitions. attempt is 0 on the initial connect and counts up while
// reconnecting.
func WithConnectionHandler(h ConnectionHandler) StreamOption {
	return func(s *Stream) { s.onConn = h }
}

// NewStream creates a stream bound to the given client.
func NewStream(client *Client, opts ...StreamOption) *Stream {
	s := &Stream{
		client:  client,
		subs:    make(map[string]chan Event),
		done:    make(chan struct{}),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers interest in one session's events. The returned channel
// is closed by Unsubscribe or when the stream shuts down.
func (s *Stream) Subscribe(sessionID string) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[sessionID]; ok {
		return ch
	}
	ch := make(chan Event, streamBuffer)
	s.subs[sessionID] = ch
	return ch
}

// Unsubscribe removes a session's subscription and closes its channel.
func (s *Stream) Unsubscribe(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[sessionID]; ok {
		delete(s.subs, sessionID)
		close(ch)
	}
}

// Run consumes the global feed until ctx is cancelled or a single outage
// exhausts the reconnect budget. Backoff is linear, one second times the
// consecutive failure count. Any established connection resets both the
// budget and the backoff, so the bound applies per outage, not across the
// stream's lifetime.
func (s *Stream) Run(ctx context.Context) error {
	defer s.closeAll()

	failures := 0
	for {
		connected, err := s.consume(ctx, failures)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		if err == nil {
			// The server closed a healthy connection. Reconnect at once.
			continue
		}

		failures++
		s.notifyConn(false, failures)
		if failures >= reconnectAttempts {
			return specerr.ErrExecutorUnavailable(s.client.BaseURL(), err)
		}
		select {
		case <-time.After(time.Duration(failures) * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}

// consume opens one SSE connection and dispatches frames until it drops.
// connected reports whether the connection was established at all; err is
// nil only on a clean server-side close.
func (s *Stream) consume(ctx context.Context, attempt int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.client.BaseURL()+"/global/event", nil)
	if err != nil {
		return false, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// A dedicated client without a timeout: the connection is long-lived.
	hc := &http.Client{}
	resp, err := hc.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	s.notifyConn(true, attempt)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		s.dispatch(strings.TrimPrefix(line, "data: "))
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, nil
}

// dispatch parses one SSE data frame and routes it to the owning session.
// Frames that don't parse or carry an unknown shape are dropped; a malformed
// event must not take the stream down.
func (s *Stream) dispatch(raw string) {
	frame := gjson.Parse(raw)
	payload := frame.Get("payload")
	if !payload.Exists() {
		payload = frame
	}

	evt, ok := parseEvent(payload)
	if !ok {
		return
	}
	evt.Time = s.timeNow()

	s.mu.RLock()
	ch, subscribed := s.subs[evt.SessionID]
	s.mu.RUnlock()
	if !subscribed {
		return
	}
	// Non-blocking send: a stalled consumer drops events rather than
	// wedging the feed. Consumers recover state from the message trail.
	select {
	case ch <- evt:
	default:
	}
}

// parseEvent maps a backend frame onto a typed Event. ok is false for frames
// that carry no session id or an unrecognized type.
func parseEvent(payload gjson.Result) (Event, bool) {
	typ := payload.Get("type").String()
	props := payload.Get("properties")

	switch typ {
	case "session.idle":
		id := props.Get("sessionID").String()
		if id == "" {
			return Event{}, false
		}
		return Event{Type: EventSessionIdle, SessionID: id, Status: SessionIdle}, true

	case "session.status", "session.updated":
		id := props.Get("sessionID").String()
		if id == "" {
			id = props.Get("info.id").String()
		}
		if id == "" {
			return Event{}, false
		}
		status := SessionStatus(props.Get("status").String())
		switch status {
		case SessionBusy, SessionIdle, SessionError:
		default:
			return Event{}, false
		}
		return Event{Type: EventSessionStatus, SessionID: id, Status: status}, true

	case "session.error":
		id := props.Get("sessionID").String()
		if id == "" {
			return Event{}, false
		}
		return Event{
			Type:      EventSessionStatus,
			SessionID: id,
			Status:    SessionError,
			Text:      props.Get("error.data.message").String(),
		}, true

	case "message.part.updated":
		return parsePartEvent(props.Get("part"))

	case "file.edited":
		id := props.Get("sessionID").String()
		file := props.Get("file").String()
		if id == "" || file == "" {
			return Event{}, false
		}
		return Event{Type: EventFileEdited, SessionID: id, File: file}, true

	default:
		return Event{}, false
	}
}

func parsePartEvent(part gjson.Result) (Event, bool) {
	id := part.Get("sessionID").String()
	if id == "" {
		return Event{}, false
	}
	switch part.Get("type").String() {
	case "text":
		text := part.Get("text").String()
		if text == "" {
			return Event{}, false
		}
		return Event{Type: EventText, SessionID: id, Text: text}, true

	case "tool":
		state := ToolState(part.Get("state.status").String())
		switch state {
		case ToolPending, ToolRunning, ToolCompleted, ToolError:
		default:
			return Event{}, false
		}
		tool := &ToolEvent{
			CallID: part.Get("callID").String(),
			Name:   part.Get("tool").String(),
			State:  state,
		}
		if input := part.Get("state.input"); input.Exists() {
			tool.Input = []byte(input.Raw)
		}
		if out := part.Get("state.output"); out.Exists() {
			tool.Output = out.String()
		}
		if tool.CallID == "" {
			// Some backends omit the call id on early part updates.
			tool.CallID = fmt.Sprintf("%s-%d", tool.Name, time.Now().UnixNano())
		}
		return Event{Type: EventTool, SessionID: id, Tool: tool}, true

	default:
		return Event{}, false
	}
}

func (s *Stream) notifyConn(connected bool, attempt int) {
	if s.onConn != nil {
		s.onConn(connected, attempt)
	}
}

func (s *Stream) closeAll() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		close(s.done)
	})
}
