package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/model"
)

const chunkColumns = `id, spec_id, title, description, ord, status, output,
	error, review_status, review_feedback, depends_on, parent_chunk_id,
	commit_sha, attempts, created_at, updated_at`

func scanChunk(row interface{ Scan(...any) error }) (*model.Chunk, error) {
	var c model.Chunk
	var status, reviewStatus, dependsOn, created, updated string
	if err := row.Scan(&c.ID, &c.SpecID, &c.Title, &c.Description, &c.Order,
		&status, &c.Output, &c.Error, &reviewStatus, &c.ReviewFeedback,
		&dependsOn, &c.ParentChunkID, &c.CommitSHA, &c.Attempts,
		&created, &updated); err != nil {
		return nil, err
	}
	c.Status = model.ChunkStatus(status)
	c.ReviewStatus = model.ReviewStatus(reviewStatus)
	if dependsOn != "" && dependsOn != "[]" {
		if err := json.Unmarshal([]byte(dependsOn), &c.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for chunk %s: %w", c.ID, err)
		}
	}
	c.CreatedAt, c.UpdatedAt = decodeTime(created), decodeTime(updated)
	return &c, nil
}

func encodeDeps(deps []string) (string, error) {
	if len(deps) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("encode depends_on: %w", err)
	}
	return string(b), nil
}

// CreateChunk inserts a chunk after validating that the spec's dependency
// graph remains a DAG. Cycles are rejected here, at creation time.
func (s *SQLiteStore) CreateChunk(ctx context.Context, c *model.Chunk) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.ChunkPending
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now

	existing, err := s.GetChunksBySpec(ctx, c.SpecID)
	if err != nil {
		return err
	}
	if err := model.ValidateDependencyDAG(append(existing, c)); err != nil {
		return specerr.ErrCircularDependency(err.Error())
	}
	if err := model.ValidateFixLineage(append(existing, c)); err != nil {
		return specerr.ErrCircularDependency(err.Error())
	}

	deps, err := encodeDeps(c.DependsOn)
	if err != nil {
		return specerr.ErrRepository("create chunk", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, spec_id, title, description, ord, status,
			output, error, review_status, review_feedback, depends_on,
			parent_chunk_id, commit_sha, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SpecID, c.Title, c.Description, c.Order, string(c.Status),
		c.Output, c.Error, string(c.ReviewStatus), c.ReviewFeedback, deps,
		c.ParentChunkID, c.CommitSHA, c.Attempts,
		encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return specerr.ErrRepository("create chunk", err)
	}
	return nil
}

// GetChunk loads a chunk by id.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*model.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, specerr.ErrChunkNotFound(id)
		}
		return nil, specerr.ErrRepository("get chunk", err)
	}
	return c, nil
}

// GetChunksBySpec returns the spec's chunks in order ascending, ties broken
// by id.
func (s *SQLiteStore) GetChunksBySpec(ctx context.Context, specID string) ([]*model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE spec_id = ? ORDER BY ord, id`, specID)
	if err != nil {
		return nil, specerr.ErrRepository("list chunks", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, specerr.ErrRepository("scan chunk", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.ErrRepository("iterate chunks", err)
	}
	return chunks, nil
}

// UpdateChunk applies a partial update. Status changes fire the chunk
// notifier after the write commits.
func (s *SQLiteStore) UpdateChunk(ctx context.Context, id string, patch ChunkPatch) error {
	set := "updated_at = ?"
	args := []any{encodeTime(time.Now())}

	if patch.Title != nil {
		set += ", title = ?"
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		set += ", description = ?"
		args = append(args, *patch.Description)
	}
	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.Output != nil {
		set += ", output = ?"
		args = append(args, *patch.Output)
	}
	if patch.Error != nil {
		set += ", error = ?"
		args = append(args, *patch.Error)
	}
	if patch.ReviewStatus != nil {
		set += ", review_status = ?"
		args = append(args, string(*patch.ReviewStatus))
	}
	if patch.ReviewFeedback != nil {
		set += ", review_feedback = ?"
		args = append(args, *patch.ReviewFeedback)
	}
	if patch.CommitSHA != nil {
		set += ", commit_sha = ?"
		args = append(args, *patch.CommitSHA)
	}
	if patch.Attempts != nil {
		set += ", attempts = ?"
		args = append(args, *patch.Attempts)
	}
	if patch.DependsOn != nil {
		deps, err := encodeDeps(*patch.DependsOn)
		if err != nil {
			return specerr.ErrRepository("update chunk", err)
		}
		set += ", depends_on = ?"
		args = append(args, deps)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE chunks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return specerr.ErrRepository("update chunk", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return specerr.ErrChunkNotFound(id)
	}

	if patch.Status != nil {
		var specID string
		if err := s.db.QueryRowContext(ctx,
			`SELECT spec_id FROM chunks WHERE id = ?`, id).Scan(&specID); err == nil {
			s.notify(specID, id, *patch.Status)
		}
	}
	return nil
}

// ReorderChunks rewrites the order column for all of a spec's chunks in one
// transaction. orderedIDs must be a permutation of the spec's chunk ids.
func (s *SQLiteStore) ReorderChunks(ctx context.Context, specID string, orderedIDs []string) error {
	existing, err := s.GetChunksBySpec(ctx, specID)
	if err != nil {
		return err
	}
	if len(existing) != len(orderedIDs) {
		return specerr.ErrRepository("reorder chunks",
			fmt.Errorf("got %d ids for %d chunks", len(orderedIDs), len(existing)))
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.ID] = true
	}
	for _, id := range orderedIDs {
		if !known[id] {
			return specerr.ErrRepository("reorder chunks",
				fmt.Errorf("chunk %s does not belong to spec %s", id, specID))
		}
		delete(known, id)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := encodeTime(time.Now())
		for i, id := range orderedIDs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chunks SET ord = ?, updated_at = ? WHERE id = ?`,
				i+1, now, id); err != nil {
				return specerr.ErrRepository("reorder chunks", err)
			}
		}
		return nil
	})
}

// InsertFixChunk atomically creates a fix chunk linked to its parent. The
// child inherits the parent's order so the sequencer selects it on the next
// pass, and carries a dependency-free slate.
func (s *SQLiteStore) InsertFixChunk(ctx context.Context, parentID string, title, description string) (*model.Chunk, error) {
	parent, err := s.GetChunk(ctx, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fix := &model.Chunk{
		ID:            uuid.NewString(),
		SpecID:        parent.SpecID,
		Title:         title,
		Description:   description,
		Order:         parent.Order,
		Status:        model.ChunkPending,
		ParentChunkID: parent.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, spec_id, title, description, ord, status,
				output, error, review_status, review_feedback, depends_on,
				parent_chunk_id, commit_sha, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, '', '', '', '', '[]', ?, '', 0, ?, ?)`,
			fix.ID, fix.SpecID, fix.Title, fix.Description, fix.Order,
			string(fix.Status), fix.ParentChunkID,
			encodeTime(fix.CreatedAt), encodeTime(fix.UpdatedAt))
		if err != nil {
			return specerr.ErrRepository("insert fix chunk", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fix, nil
}
