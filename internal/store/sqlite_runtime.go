package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/model"
)

// CreateToolCall appends a tool call record. Insertion order is preserved
// through a per-chunk sequence.
func (s *SQLiteStore) CreateToolCall(ctx context.Context, tc *model.ToolCall) error {
	if tc.ID == "" {
		tc.ID = uuid.NewString()
	}
	if tc.Status == "" {
		tc.Status = model.ToolCallPending
	}
	now := time.Now()
	tc.CreatedAt, tc.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, chunk_id, name, input, status, output, seq,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM tool_calls WHERE chunk_id = ?),
			?, ?)`,
		tc.ID, tc.ChunkID, tc.Name, string(tc.Input), string(tc.Status),
		tc.Output, tc.ChunkID, encodeTime(tc.CreatedAt), encodeTime(tc.UpdatedAt))
	if err != nil {
		return specerr.ErrRepository("create tool call", err)
	}
	return nil
}

// UpdateToolCall advances a tool call. Records already in a terminal state
// are left untouched: tool calls are append-only once settled.
func (s *SQLiteStore) UpdateToolCall(ctx context.Context, id string, status model.ToolCallStatus, output string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET status = ?, output = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'error')`,
		string(status), output, encodeTime(time.Now()), id)
	if err != nil {
		return specerr.ErrRepository("update tool call", err)
	}
	return nil
}

// GetToolCallsByChunk returns a chunk's tool calls in insertion order.
func (s *SQLiteStore) GetToolCallsByChunk(ctx context.Context, chunkID string) ([]*model.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, name, input, status, output, created_at, updated_at
		FROM tool_calls WHERE chunk_id = ? ORDER BY seq`, chunkID)
	if err != nil {
		return nil, specerr.ErrRepository("list tool calls", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []*model.ToolCall
	for rows.Next() {
		var tc model.ToolCall
		var input, status, created, updated string
		if err := rows.Scan(&tc.ID, &tc.ChunkID, &tc.Name, &input, &status,
			&tc.Output, &created, &updated); err != nil {
			return nil, specerr.ErrRepository("scan tool call", err)
		}
		if input != "" {
			tc.Input = []byte(input)
		}
		tc.Status = model.ToolCallStatus(status)
		tc.CreatedAt, tc.UpdatedAt = decodeTime(created), decodeTime(updated)
		calls = append(calls, &tc)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.ErrRepository("iterate tool calls", err)
	}
	return calls, nil
}

// EnqueueSpec adds a spec to the persistent queue. Re-enqueueing an already
// queued spec updates its priority instead of duplicating it.
func (s *SQLiteStore) EnqueueSpec(ctx context.Context, specID, projectID string, priority int) (*model.QueueItem, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, spec_id, project_id, priority, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(spec_id) DO UPDATE SET priority = excluded.priority`,
		uuid.NewString(), specID, projectID, priority, encodeTime(time.Now()))
	if err != nil {
		return nil, specerr.ErrRepository("enqueue spec", err)
	}

	// A re-enqueue keeps the original id and enqueue time, so the FIFO
	// tie-break survives restarts. Read the row back so callers see what
	// was actually persisted.
	var item model.QueueItem
	var enqueued string
	if err := s.db.QueryRowContext(ctx, `
		SELECT id, spec_id, project_id, priority, enqueued_at
		FROM queue_items WHERE spec_id = ?`, specID).
		Scan(&item.ID, &item.SpecID, &item.ProjectID, &item.Priority, &enqueued); err != nil {
		return nil, specerr.ErrRepository("enqueue spec", err)
	}
	item.EnqueuedAt = decodeTime(enqueued)
	return &item, nil
}

// ListQueue returns all queue items ordered by (priority desc, enqueued asc).
func (s *SQLiteStore) ListQueue(ctx context.Context) ([]*model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spec_id, project_id, priority, enqueued_at
		FROM queue_items ORDER BY priority DESC, enqueued_at`)
	if err != nil {
		return nil, specerr.ErrRepository("list queue", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*model.QueueItem
	for rows.Next() {
		var it model.QueueItem
		var enqueued string
		if err := rows.Scan(&it.ID, &it.SpecID, &it.ProjectID, &it.Priority, &enqueued); err != nil {
			return nil, specerr.ErrRepository("scan queue item", err)
		}
		it.EnqueuedAt = decodeTime(enqueued)
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.ErrRepository("iterate queue", err)
	}
	return items, nil
}

// RemoveQueueItem removes a spec from the queue. No-op if absent.
func (s *SQLiteStore) RemoveQueueItem(ctx context.Context, specID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE spec_id = ?`, specID); err != nil {
		return specerr.ErrRepository("remove queue item", err)
	}
	return nil
}

// SaveWorker upserts the worker row for a spec.
func (s *SQLiteStore) SaveWorker(ctx context.Context, w *model.Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now()
	}
	w.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, spec_id, status, current_chunk_id, error,
			started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(spec_id) DO UPDATE SET
			status = excluded.status,
			current_chunk_id = excluded.current_chunk_id,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		w.ID, w.SpecID, string(w.Status), w.CurrentChunkID, w.Error,
		encodeTime(w.StartedAt), encodeTime(w.UpdatedAt))
	if err != nil {
		return specerr.ErrRepository("save worker", err)
	}
	return nil
}

// GetWorkerBySpec loads the worker for a spec, or nil if none exists.
func (s *SQLiteStore) GetWorkerBySpec(ctx context.Context, specID string) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, spec_id, status, current_chunk_id, error, started_at, updated_at
		FROM workers WHERE spec_id = ?`, specID)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, specerr.ErrRepository("get worker", err)
	}
	return w, nil
}

// ListWorkers returns all worker rows.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spec_id, status, current_chunk_id, error, started_at, updated_at
		FROM workers ORDER BY started_at`)
	if err != nil {
		return nil, specerr.ErrRepository("list workers", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, specerr.ErrRepository("scan worker", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.ErrRepository("iterate workers", err)
	}
	return workers, nil
}

func scanWorker(row interface{ Scan(...any) error }) (*model.Worker, error) {
	var w model.Worker
	var status, started, updated string
	if err := row.Scan(&w.ID, &w.SpecID, &status, &w.CurrentChunkID, &w.Error,
		&started, &updated); err != nil {
		return nil, err
	}
	w.Status = model.WorkerStatus(status)
	w.StartedAt, w.UpdatedAt = decodeTime(started), decodeTime(updated)
	return &w, nil
}

// ReconcileStaleWorkers fails every non-terminal worker and its spec.
// Run once at boot: orchestrator restarts drop live workers.
func (s *SQLiteStore) ReconcileStaleWorkers(ctx context.Context, reason string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT spec_id FROM workers WHERE status IN ('idle', 'running', 'paused')`)
		if err != nil {
			return specerr.ErrRepository("query stale workers", err)
		}
		var specIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return specerr.ErrRepository("scan stale worker", err)
			}
			specIDs = append(specIDs, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return specerr.ErrRepository("iterate stale workers", err)
		}

		now := encodeTime(time.Now())
		for _, specID := range specIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET status = 'failed', error = ?, updated_at = ?
				WHERE spec_id = ?`, reason, now, specID); err != nil {
				return specerr.ErrRepository("reconcile worker", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE specs SET status = 'failed', error = ?, updated_at = ?
				WHERE id = ? AND status = 'running'`, reason, now, specID); err != nil {
				return specerr.ErrRepository("reconcile spec", err)
			}
		}
		count = len(specIDs)
		return nil
	})
	return count, err
}

// AppendReviewLog stores a review audit record.
func (s *SQLiteStore) AppendReviewLog(ctx context.Context, rl *model.ReviewLog) error {
	if rl.ID == "" {
		rl.ID = uuid.NewString()
	}
	if rl.CreatedAt.IsZero() {
		rl.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_logs (id, chunk_id, status, feedback, model,
			duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rl.ID, rl.ChunkID, string(rl.Status), rl.Feedback, rl.Model,
		rl.Duration.Milliseconds(), encodeTime(rl.CreatedAt))
	if err != nil {
		return specerr.ErrRepository("append review log", err)
	}
	return nil
}

// GetReviewLogsByChunk returns a chunk's review logs oldest first.
func (s *SQLiteStore) GetReviewLogsByChunk(ctx context.Context, chunkID string) ([]*model.ReviewLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, status, feedback, model, duration_ms, created_at
		FROM review_logs WHERE chunk_id = ? ORDER BY created_at`, chunkID)
	if err != nil {
		return nil, specerr.ErrRepository("list review logs", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*model.ReviewLog
	for rows.Next() {
		var rl model.ReviewLog
		var status, created string
		var durationMS int64
		if err := rows.Scan(&rl.ID, &rl.ChunkID, &status, &rl.Feedback,
			&rl.Model, &durationMS, &created); err != nil {
			return nil, specerr.ErrRepository("scan review log", err)
		}
		rl.Status = model.ReviewStatus(status)
		rl.Duration = time.Duration(durationMS) * time.Millisecond
		rl.CreatedAt = decodeTime(created)
		logs = append(logs, &rl)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.ErrRepository("iterate review logs", err)
	}
	return logs, nil
}
