// Package worktree provisions one git worktree per session so concurrent
// agents never share a working directory. Worktree creation is serialized per
// repository; independent repositories provision in parallel.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
)

// Provisioner errors.
var (
	// ErrRepoNotGit is returned when the repository path has no .git.
	ErrRepoNotGit = errors.New("repository is not a git repository")
	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)

// Workspace describes one provisioned session worktree.
type Workspace struct {
	Path   string
	Branch string
}

// Provisioner creates and removes session worktrees.
type Provisioner struct {
	cfg    config.WorktreeConfig
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewProvisioner creates a provisioner and ensures the base directory exists.
func NewProvisioner(cfg config.WorktreeConfig, log *logger.Logger) (*Provisioner, error) {
	if cfg.BasePath != "" {
		if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
			return nil, fmt.Errorf("creating worktree base directory: %w", err)
		}
	}
	return &Provisioner{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "worktree")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// repoLock returns the mutex serializing worktree operations on one repository.
func (p *Provisioner) repoLock(repoPath string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()
	if lock, ok := p.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.repoLocks[repoPath] = lock
	return lock
}

// Provision creates a worktree for the session from the repository's base
// branch. The directory and branch are derived from the work item identifier;
// an existing directory for the same session is reused.
func (p *Provisioner) Provision(ctx context.Context, repo *config.RepositoryConfig, sessionID, identifier string) (*Workspace, error) {
	if !isGitRepo(repo.Path) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, repo.Path)
	}

	baseDir := repo.WorkspaceDir
	if baseDir == "" {
		baseDir = p.cfg.BasePath
	}

	name := SanitizeBranch(identifier)
	if name == "" {
		name = SanitizeBranch(sessionID)
	}
	path := filepath.Join(baseDir, name)
	branch := "cyrus/" + name

	lock := p.repoLock(repo.Path)
	lock.Lock()
	defer lock.Unlock()

	if isWorktreeDir(path) {
		p.logger.Debug("reusing existing worktree",
			zap.String("session_id", sessionID),
			zap.String("path", path))
		return &Workspace{Path: path, Branch: branch}, nil
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	baseBranch := repo.BaseBranch
	if baseBranch == "" {
		baseBranch = p.cfg.DefaultBranch
	}

	args := []string{"worktree", "add", "-b", branch, path, baseBranch}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repo.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		// Branch may survive a crashed prior session; retry without -b.
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
		cmd.Dir = repo.Path
		if out2, err2 := cmd.CombinedOutput(); err2 != nil {
			p.logger.Error("git worktree add failed",
				zap.String("path", path),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.String("retry_output", strings.TrimSpace(string(out2))))
			return nil, fmt.Errorf("%w: worktree add: %v", ErrGitCommandFailed, err2)
		}
	}

	p.logger.Info("worktree provisioned",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.String("branch", branch))
	return &Workspace{Path: path, Branch: branch}, nil
}

// Remove deletes a session worktree and prunes git's bookkeeping. The branch
// is kept so the human can inspect or merge the agent's work.
func (p *Provisioner) Remove(ctx context.Context, repo *config.RepositoryConfig, ws *Workspace) error {
	lock := p.repoLock(repo.Path)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", ws.Path)
	cmd.Dir = repo.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		p.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", strings.TrimSpace(string(out))))
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("%w: removing worktree dir: %v", ErrGitCommandFailed, err)
		}
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repo.Path
		if err := prune.Run(); err != nil {
			p.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeBranch converts an identifier into a valid branch/directory name
// component.
func SanitizeBranch(s string) string {
	s = branchUnsafe.ReplaceAllString(strings.TrimSpace(s), "-")
	s = strings.Trim(s, "-.")
	if len(s) > 60 {
		s = s[:60]
	}
	return strings.ToLower(s)
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git is a directory in a regular clone and a file inside a worktree.
	return info.IsDir() || info.Mode().IsRegular()
}

// isWorktreeDir reports whether path looks like a provisioned worktree: it
// holds a .git file containing a gitdir pointer.
func isWorktreeDir(path string) bool {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(data), "gitdir:")
}
