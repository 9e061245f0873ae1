package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageComposition(t *testing.T) {
	err := ErrExecutorUnavailable("http://localhost:4096", errors.New("connection refused"))
	msg := err.Error()
	assert.Contains(t, msg, "not reachable")
	assert.Contains(t, msg, "localhost:4096")
	assert.Contains(t, msg, "connection refused")
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrCapacity(3, 3))
	assert.True(t, errors.Is(err, &Error{Code: CodeCapacity}))
	assert.False(t, errors.Is(err, &Error{Code: CodeDuplicateWorker}))
	assert.Equal(t, CodeCapacity, CodeOf(err))
	assert.Equal(t, Code("UNKNOWN"), CodeOf(errors.New("plain")))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrRepository("create chunk", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 404, ErrSpecNotFound("x").HTTPStatus())
	assert.Equal(t, 409, ErrDuplicateWorker("x").HTTPStatus())
	assert.Equal(t, 409, ErrCapacity(3, 3).HTTPStatus())
	assert.Equal(t, 400, ErrCircularDependency("x").HTTPStatus())
	assert.Equal(t, 504, ErrExecutorTimeout("15m").HTTPStatus())
	assert.Equal(t, 503, ErrExecutorUnavailable("e", nil).HTTPStatus())
	assert.Equal(t, 500, ErrRepository("op", nil).HTTPStatus())
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(ErrCancelled("aborted")))
	assert.True(t, IsCancelled(fmt.Errorf("run: %w", ErrCancelled("aborted"))))
	assert.False(t, IsCancelled(ErrExecutorTimeout("1s")))
	assert.False(t, IsCancelled(nil))
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	data, err := json.Marshal(ErrReviewerNotFound("claude", errors.New("no such file")))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, string(CodeReviewerNotFound), decoded["code"])
	assert.Equal(t, "no such file", decoded["cause"])
	assert.NotEmpty(t, decoded["fix"])
}
