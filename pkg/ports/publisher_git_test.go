package ports

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitPublisher_Relativize(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewGitPublisher("/kb", "origin", "main", false, logger)

	rel, err := p.relativize([]string{
		"/kb/software/git/item-1/README.md",
		"README.md",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"software/git/item-1/README.md", "README.md"}, rel)

	// The work tree itself maps to "." whether given absolute or relative.
	rel, err = p.relativize([]string{"/kb"})
	require.NoError(t, err)
	assert.Equal(t, []string{"."}, rel)

	relP := NewGitPublisher("./knowledge_base", "origin", "main", false,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	rel, err = relP.relativize([]string{"./knowledge_base", "knowledge_base/software/x/README.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{".", "software/x/README.md"}, rel)

	_, err = p.relativize([]string{"/etc/passwd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the knowledge base")
}

func TestGitPublisher_Publish(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", "kbforge@test")
	mustGit(t, dir, "config", "user.name", "kbforge")

	readme := filepath.Join(dir, "item-1", "README.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(readme), 0o755))
	require.NoError(t, os.WriteFile(readme, []byte("# Item 1\n"), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewGitPublisher(dir, "origin", "main", false, logger)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, []string{readme}))
	out := mustGit(t, dir, "log", "--oneline")
	assert.Contains(t, out, "kb sync: 1 paths")

	// Same paths again: no staged diff, no second commit.
	require.NoError(t, p.Publish(ctx, []string{readme}))
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(mustGit(t, dir, "log", "--oneline")), "\n")+1)
}

func TestGitPublisher_PublishRelativeWorkTree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	parent := t.TempDir()
	t.Chdir(parent)
	dir := filepath.Join(parent, "knowledge_base")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", "kbforge@test")
	mustGit(t, dir, "config", "user.name", "kbforge")

	readme := filepath.Join(dir, "item-1", "README.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(readme), 0o755))
	require.NoError(t, os.WriteFile(readme, []byte("# Item 1\n"), 0o644))

	// Publish the configured (relative) knowledge-base dir itself, the way
	// the git_sync phase does.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewGitPublisher("./knowledge_base", "origin", "main", false, logger)
	require.NoError(t, p.Publish(context.Background(), []string{"./knowledge_base"}))

	out := mustGit(t, dir, "log", "--oneline")
	assert.Contains(t, out, "kb sync: 1 paths")
}

func TestGitPublisher_PublishEmptyIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewGitPublisher(t.TempDir(), "origin", "main", false, logger)
	assert.NoError(t, p.Publish(context.Background(), nil))
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}
