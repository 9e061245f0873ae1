package opencode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	specerr "github.com/specwright/specwright/internal/errors"
)

func TestCreateSession(t *testing.T) {
	var gotDir, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)
		gotDir = r.URL.Query().Get("directory")
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotTitle = gjson.GetBytes(body, "title").String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ses_123","title":"chunk 1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.CreateSession(context.Background(), "/tmp/work", "chunk 1")
	require.NoError(t, err)
	assert.Equal(t, "ses_123", id)
	assert.Equal(t, "/tmp/work", gotDir)
	assert.Equal(t, "chunk 1", gotTitle)
}

func TestCreateSessionMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CreateSession(context.Background(), "/tmp", "t")
	require.Error(t, err)
	assert.Equal(t, specerr.CodeProtocol, specerr.CodeOf(err))
}

func TestSendPrompt(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_1/prompt_async", r.URL.Path)
		body = make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(srv.URL).SendPrompt(context.Background(), "ses_1", "/tmp/work", PromptOptions{
		Parts: []string{"do the thing"},
		Model: "gpt-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "do the thing", gjson.GetBytes(body, "parts.0.text").String())
	assert.Equal(t, "text", gjson.GetBytes(body, "parts.0.type").String())
	assert.Equal(t, "gpt-test", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "/tmp/work", gjson.GetBytes(body, "directory").String())
}

func TestGetSessionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"busy"}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL).GetSessionStatus(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.Equal(t, SessionBusy, st)
}

func TestGetSessionStatusUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"melting"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetSessionStatus(context.Background(), "ses_1")
	require.Error(t, err)
	assert.Equal(t, specerr.CodeProtocol, specerr.CodeOf(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL).AbortSession(context.Background(), "ses_1")
	require.Error(t, err)
	assert.Equal(t, specerr.CodeExecutorTransient, specerr.CodeOf(err))
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/global/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"0.5.1"}`))
	}))
	defer srv.Close()

	h, err := New(srv.URL).CheckHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, "0.5.1", h.Version)
}

func TestGetMessagesAndAssemble(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_1/message", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"role":"user","parts":[{"type":"text","text":"prompt"}]},
			{"role":"assistant","parts":[
				{"type":"tool","tool":"edit"},
				{"type":"text","text":"done part one"}
			]},
			{"role":"assistant","parts":[{"type":"text","text":"done part two"}]}
		]`))
	}))
	defer srv.Close()

	msgs, err := New(srv.URL).GetMessages(context.Background(), "ses_1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "done part one\ndone part two", AssembleOutput(msgs))
}
