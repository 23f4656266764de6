package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

func newTestProvisioner(t *testing.T, base string) *Provisioner {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	p, err := NewProvisioner(config.WorktreeConfig{
		BasePath:      base,
		DefaultBranch: "main",
	}, log)
	if err != nil {
		t.Fatalf("provisioner: %v", err)
	}
	return p
}

func TestSanitizeBranch(t *testing.T) {
	tests := []struct{ in, want string }{
		{"TEST-1", "test-1"},
		{"  Fix the thing!  ", "fix-the-thing"},
		{"feature/añadir soporte", "feature-a-adir-soporte"},
		{"---...", ""},
		{"UPPER_case.name", "upper_case.name"},
	}
	for _, tt := range tests {
		if got := SanitizeBranch(tt.in); got != tt.want {
			t.Errorf("SanitizeBranch(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeBranchCapsLength(t *testing.T) {
	if got := SanitizeBranch(strings.Repeat("a", 100)); len(got) > 60 {
		t.Errorf("len = %d", len(got))
	}
}

func TestProvisionRejectsNonGitRepo(t *testing.T) {
	base := t.TempDir()
	p := newTestProvisioner(t, base)

	repo := &config.RepositoryConfig{ID: "r1", Path: t.TempDir()}
	_, err := p.Provision(context.Background(), repo, "s1", "TEST-1")
	if err == nil {
		t.Fatal("expected error for non-git repository")
	}
}

func TestIsGitRepo(t *testing.T) {
	dir := t.TempDir()
	if isGitRepo(dir) {
		t.Error("bare dir should not be a git repo")
	}

	os.Mkdir(filepath.Join(dir, ".git"), 0o755)
	if !isGitRepo(dir) {
		t.Error(".git directory should qualify")
	}

	wt := t.TempDir()
	os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /somewhere"), 0o644)
	if !isGitRepo(wt) {
		t.Error(".git file should qualify")
	}
}

func TestIsWorktreeDir(t *testing.T) {
	dir := t.TempDir()
	if isWorktreeDir(dir) {
		t.Error("bare dir is not a worktree")
	}
	os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: /repo/.git/worktrees/x"), 0o644)
	if !isWorktreeDir(dir) {
		t.Error("gitdir pointer file should qualify")
	}
}

func TestRepoLockIsPerRepository(t *testing.T) {
	p := newTestProvisioner(t, t.TempDir())
	a := p.repoLock("/repo/a")
	b := p.repoLock("/repo/b")
	if a == b {
		t.Error("different repos should get different locks")
	}
	if p.repoLock("/repo/a") != a {
		t.Error("same repo should reuse its lock")
	}
}
