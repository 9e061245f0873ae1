package git

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/go-github/v82/github"

	specerr "github.com/specwright/specwright/internal/errors"
)

// PullRequest is the result of opening a PR.
type PullRequest struct {
	Number int
	URL    string
}

// PROptions describes the PR to open.
type PROptions struct {
	Title  string
	Body   string
	Branch string
	// Token enables the hosting API path. Empty means the gh CLI is used.
	Token string
}

// OpenPR opens a pull request for the spec branch against the base branch.
// With a token configured it talks to the hosting API directly; otherwise it
// shells out to the gh CLI. Failures are wrapped as non-fatal PR errors so
// callers keep the commits and report the miss.
func (w *Workspace) OpenPR(ctx context.Context, dir string, opts PROptions) (*PullRequest, error) {
	if opts.Token != "" {
		pr, err := w.openPRAPI(ctx, dir, opts)
		if err != nil {
			return nil, specerr.ErrPRFailed(err)
		}
		return pr, nil
	}
	pr, err := w.openPRCLI(ctx, dir, opts)
	if err != nil {
		return nil, specerr.ErrPRFailed(err)
	}
	return pr, nil
}

var prURLNumber = regexp.MustCompile(`/pull/(\d+)`)

func (w *Workspace) openPRCLI(ctx context.Context, dir string, opts PROptions) (*PullRequest, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", w.baseBranch,
		"--head", opts.Branch)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return nil, fmt.Errorf("gh pr create: %w: %s", err, text)
	}

	pr := &PullRequest{URL: lastURL(text)}
	if m := prURLNumber.FindStringSubmatch(pr.URL); m != nil {
		fmt.Sscanf(m[1], "%d", &pr.Number)
	}
	return pr, nil
}

func (w *Workspace) openPRAPI(ctx context.Context, dir string, opts PROptions) (*PullRequest, error) {
	owner, repo, err := w.originOwnerRepo(ctx, dir)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(nil).WithAuthToken(opts.Token)
	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(opts.Title),
		Body:  github.Ptr(opts.Body),
		Base:  github.Ptr(w.baseBranch),
		Head:  github.Ptr(opts.Branch),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request %s/%s: %w", owner, repo, err)
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
	}, nil
}

var originPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^git@[^:]+:([^/]+)/(.+?)(?:\.git)?$`),
	regexp.MustCompile(`^https?://[^/]+/([^/]+)/(.+?)(?:\.git)?$`),
	regexp.MustCompile(`^ssh://git@[^/]+/([^/]+)/(.+?)(?:\.git)?$`),
}

// originOwnerRepo parses owner and repository from the origin remote URL.
func (w *Workspace) originOwnerRepo(ctx context.Context, dir string) (string, string, error) {
	url, err := w.run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", "", fmt.Errorf("read origin remote: %w", err)
	}
	for _, pat := range originPatterns {
		if m := pat.FindStringSubmatch(url); m != nil {
			return m[1], m[2], nil
		}
	}
	return "", "", fmt.Errorf("cannot parse origin remote %q", url)
}

// lastURL returns the last https URL in text. gh prints the PR URL as the
// final output line.
func lastURL(text string) string {
	var url string
	for _, line := range splitLines(text) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "https://") {
			url = line
		}
	}
	return url
}
