// Package planner decomposes a spec into an ordered set of chunks using the
// short-lived CLI backend.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/specwright/specwright/internal/claude"
	"github.com/specwright/specwright/internal/config"
	"github.com/specwright/specwright/internal/model"
	"github.com/specwright/specwright/internal/store"
)

// Runner is the CLI backend surface the planner needs.
type Runner interface {
	Run(ctx context.Context, req claude.Request, handler *claude.EventHandler) (*claude.Result, error)
}

// Planner turns spec content into persisted chunks.
type Planner struct {
	repo   store.Repository
	runner Runner
	cfg    *config.Config
	logger *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New creates a planner.
func New(repo store.Repository, runner Runner, cfg *config.Config, opts ...Option) *Planner {
	p := &Planner{
		repo:   repo,
		runner: runner,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan asks the backend to break the spec down and returns the proposal
// without persisting anything.
func (p *Planner) Plan(ctx context.Context, spec *model.Spec, workDir string) (*Breakdown, error) {
	result, err := p.runner.Run(ctx, claude.Request{
		Prompt:  planPrompt(spec),
		Model:   p.cfg.Planner.Model,
		Dir:     workDir,
		Timeout: p.cfg.Reviewer.Timeout,
	}, nil)
	if err != nil {
		return nil, err
	}
	breakdown, err := ParseBreakdown(result.Text)
	if err != nil {
		return nil, fmt.Errorf("planner response: %w", err)
	}
	p.logger.Info("spec planned", "spec_id", spec.ID, "chunks", len(breakdown.Chunks))
	return breakdown, nil
}

// Apply persists a breakdown as chunks of the spec. Proposal indices in
// dependsOn are mapped to the created chunk ids; chunks are created in
// index order so forward references are rejected by the store's cycle
// check rather than silently dropped.
func (p *Planner) Apply(ctx context.Context, spec *model.Spec, breakdown *Breakdown) ([]*model.Chunk, error) {
	ids := make(map[int]string, len(breakdown.Chunks))
	chunks := make([]*model.Chunk, 0, len(breakdown.Chunks))
	for i, proposal := range breakdown.Chunks {
		var deps []string
		for _, dep := range proposal.DependsOn {
			id, ok := ids[dep]
			if !ok {
				return chunks, fmt.Errorf("chunk %d depends on unknown chunk %d", proposal.Index, dep)
			}
			deps = append(deps, id)
		}
		chunk := &model.Chunk{
			SpecID:      spec.ID,
			Title:       proposal.Title,
			Description: proposal.Description,
			Order:       i + 1,
			DependsOn:   deps,
		}
		if err := p.repo.CreateChunk(ctx, chunk); err != nil {
			return chunks, err
		}
		ids[proposal.Index] = chunk.ID
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// planPrompt asks for small, self-contained chunks with explicit ordering
// and dependencies.
func planPrompt(spec *model.Spec) string {
	var b strings.Builder
	b.WriteString("Break the following specification into small, self-contained coding tasks.\n\n")
	b.WriteString("Specification: " + spec.Title + "\n\n")
	b.WriteString(spec.Content)
	b.WriteString("\n\nEach task must be completable in one sitting and describe concrete changes. ")
	b.WriteString("Respond with only a JSON object: ")
	b.WriteString(`{"summary": "<string>", "chunks": [{"index": 1, "title": "<string>", "description": "<string>", "dependsOn": [<indices>]}]}`)
	b.WriteString(". Indices start at 1 in execution order; dependsOn lists indices of tasks that must land first.")
	return b.String()
}
