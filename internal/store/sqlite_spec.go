package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	specerr "github.com/specwright/specwright/internal/errors"
	"github.com/specwright/specwright/internal/model"
)

// CreateProject inserts a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, dir, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		p.ID, p.Dir, encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		return specerr.ErrRepository("create project", err)
	}
	return nil
}

// GetProject loads a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dir, created_at, updated_at FROM projects WHERE id = ?`, id)
	var p model.Project
	var created, updated string
	if err := row.Scan(&p.ID, &p.Dir, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s not found", id)
		}
		return nil, specerr.ErrRepository("get project", err)
	}
	p.CreatedAt, p.UpdatedAt = decodeTime(created), decodeTime(updated)
	return &p, nil
}

// DeleteProject removes a project; specs and chunks cascade.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return specerr.ErrRepository("delete project", err)
	}
	return nil
}

// CreateSpec inserts a spec in draft state unless a status is set.
func (s *SQLiteStore) CreateSpec(ctx context.Context, sp *model.Spec) error {
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	if sp.Status == "" {
		sp.Status = model.SpecDraft
	}
	if sp.Version == 0 {
		sp.Version = 1
	}
	now := time.Now()
	sp.CreatedAt, sp.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO specs (id, project_id, title, content, status, branch,
			pr_number, pr_url, error, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.ProjectID, sp.Title, sp.Content, string(sp.Status), sp.Branch,
		sp.PRNumber, sp.PRURL, sp.Error, sp.Version,
		encodeTime(sp.CreatedAt), encodeTime(sp.UpdatedAt))
	if err != nil {
		return specerr.ErrRepository("create spec", err)
	}
	return nil
}

const specColumns = `id, project_id, title, content, status, branch,
	pr_number, pr_url, error, version, created_at, updated_at`

func scanSpec(row interface{ Scan(...any) error }) (*model.Spec, error) {
	var sp model.Spec
	var status, created, updated string
	if err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Title, &sp.Content, &status,
		&sp.Branch, &sp.PRNumber, &sp.PRURL, &sp.Error, &sp.Version,
		&created, &updated); err != nil {
		return nil, err
	}
	sp.Status = model.SpecStatus(status)
	sp.CreatedAt, sp.UpdatedAt = decodeTime(created), decodeTime(updated)
	return &sp, nil
}

// GetSpec loads a spec by id.
func (s *SQLiteStore) GetSpec(ctx context.Context, id string) (*model.Spec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM specs WHERE id = ?`, id)
	sp, err := scanSpec(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, specerr.ErrSpecNotFound(id)
		}
		return nil, specerr.ErrRepository("get spec", err)
	}
	return sp, nil
}

// ListSpecsByProject returns a project's specs ordered by creation time.
func (s *SQLiteStore) ListSpecsByProject(ctx context.Context, projectID string) ([]*model.Spec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM specs WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, specerr.ErrRepository("list specs", err)
	}
	defer func() { _ = rows.Close() }()

	var specs []*model.Spec
	for rows.Next() {
		sp, err := scanSpec(rows)
		if err != nil {
			return nil, specerr.ErrRepository("scan spec", err)
		}
		specs = append(specs, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.ErrRepository("iterate specs", err)
	}
	return specs, nil
}

// UpdateSpec applies a partial update. Content changes bump the version
// counter.
func (s *SQLiteStore) UpdateSpec(ctx context.Context, id string, patch SpecPatch) error {
	set := "updated_at = ?"
	args := []any{encodeTime(time.Now())}

	if patch.Title != nil {
		set += ", title = ?"
		args = append(args, *patch.Title)
	}
	if patch.Content != nil {
		set += ", content = ?, version = version + 1"
		args = append(args, *patch.Content)
	}
	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.Branch != nil {
		set += ", branch = ?"
		args = append(args, *patch.Branch)
	}
	if patch.PRNumber != nil {
		set += ", pr_number = ?"
		args = append(args, *patch.PRNumber)
	}
	if patch.PRURL != nil {
		set += ", pr_url = ?"
		args = append(args, *patch.PRURL)
	}
	if patch.Error != nil {
		set += ", error = ?"
		args = append(args, *patch.Error)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE specs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return specerr.ErrRepository("update spec", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return specerr.ErrSpecNotFound(id)
	}
	return nil
}
