package ports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitPublisher commits rendered artifacts in the knowledge-base work tree
// and optionally pushes them. Publishing the same paths twice produces no
// second commit: the staged diff is empty and the commit is skipped.
type GitPublisher struct {
	dir    string
	remote string
	branch string
	push   bool
	logger *slog.Logger
}

// NewGitPublisher creates a publisher over the git work tree at dir.
func NewGitPublisher(dir, remote, branch string, push bool, logger *slog.Logger) *GitPublisher {
	return &GitPublisher{
		dir:    dir,
		remote: remote,
		branch: branch,
		push:   push,
		logger: logger.With("component", "git_publisher"),
	}
}

// Publish implements Publisher.
func (p *GitPublisher) Publish(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	rel, err := p.relativize(paths)
	if err != nil {
		return Validation("publish.stage", err)
	}

	args := append([]string{"add", "--"}, rel...)
	if _, err := p.git(ctx, args...); err != nil {
		return Permanent("publish.stage", err)
	}

	staged, err := p.hasStagedChanges(ctx)
	if err != nil {
		return Permanent("publish.stage", err)
	}
	if !staged {
		p.logger.Debug("Nothing to publish, work tree already current")
		return nil
	}

	msg := fmt.Sprintf("kb sync: %d paths at %s", len(rel), time.Now().UTC().Format(time.RFC3339))
	if _, err := p.git(ctx, "commit", "-m", msg); err != nil {
		return Permanent("publish.commit", err)
	}
	p.logger.Info("Committed knowledge-base changes", "paths", len(rel))

	if !p.push {
		return nil
	}
	if _, err := p.git(ctx, "push", p.remote, p.branch); err != nil {
		// Pushes fail for network reasons far more often than repo reasons.
		return Transient("publish.push", err)
	}
	p.logger.Info("Pushed knowledge-base changes", "remote", p.remote, "branch", p.branch)
	return nil
}

// relativize converts artifact paths to work-tree relative form and rejects
// anything outside the knowledge-base directory. Git runs with the work tree
// as its cwd, so the knowledge-base dir itself maps to "." and paths given
// relative to the process cwd are re-rooted.
func (p *GitPublisher) relativize(paths []string) ([]string, error) {
	root := filepath.Clean(p.dir)
	rel := make([]string, 0, len(paths))
	for _, path := range paths {
		clean := filepath.Clean(path)
		if clean == root {
			rel = append(rel, ".")
			continue
		}
		r, err := filepath.Rel(root, clean)
		if err == nil && !strings.HasPrefix(r, "..") {
			rel = append(rel, r)
			continue
		}
		if filepath.IsAbs(clean) {
			return nil, fmt.Errorf("path %q is outside the knowledge base", path)
		}
		// Relative path that does not share the work-tree prefix: already
		// work-tree relative.
		rel = append(rel, clean)
	}
	return rel, nil
}

func (p *GitPublisher) hasStagedChanges(ctx context.Context) (bool, error) {
	_, err := p.git(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (p *GitPublisher) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), fmt.Errorf("git %s: %w: %s",
				args[0], err, strings.TrimSpace(out.String()))
		}
		return out.String(), fmt.Errorf("git %s: %w", args[0], err)
	}
	return out.String(), nil
}
