// Package worktree implements the isolated git worktree lifecycle from
// SPEC_FULL.md §4.5 and §6: one task maps to one branch maps to one
// worktree directory, carved out of a project's main clone.
//
// Grounded on the teacher's session/vcs/vcs.go (hybrid go-git + raw git
// CLI, SanitizeBranchName, Setup/SetupFromExistingBranch/SetupNewWorktree/
// Cleanup/Remove/Prune) and original_source/agent_queue/core/
// git_manager.py (slugify, get_default_branch's three-level fallback).
package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/cogwheel-dev/taskqueue/log"
)

// Manager carves per-task worktrees out of project clones under
// WorktreesDir. Construct one per engine instance and share it with the
// scheduler.
type Manager struct {
	WorktreesDir string
}

func New(worktreesDir string) *Manager {
	return &Manager{WorktreesDir: worktreesDir}
}

// Worktree describes one carved-out checkout.
type Worktree struct {
	RepoPath      string
	WorktreePath  string
	Branch        string
	BaseCommitSHA string
}

var slugCollapse = regexp.MustCompile(`[^a-z0-9]+`)

// Slug implements SPEC_FULL.md §4.5's branch-slug rule: lowercase the
// title, collapse runs of non-[a-z0-9] characters to a single dash, trim
// to 40 characters.
func Slug(title string) string {
	s := strings.ToLower(title)
	s = slugCollapse.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	return strings.Trim(s, "-")
}

// BranchName builds the task-{id}-{slug} branch name from SPEC_FULL.md §6.
func BranchName(taskID int64, title string) string {
	return fmt.Sprintf("task-%d-%s", taskID, Slug(title))
}

// GetDefaultBranch resolves a project's default branch via the three-level
// fallback chain from git_manager.py: the remote's symbolic HEAD ref,
// then `git remote show origin`, then the literal "main".
func (m *Manager) GetDefaultBranch(repoPath string) string {
	if out, err := runGit(repoPath, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		branch := strings.TrimPrefix(strings.TrimSpace(out), "refs/remotes/origin/")
		if branch != "" {
			return branch
		}
	}

	if out, err := runGit(repoPath, "remote", "show", "origin"); err == nil {
		re := regexp.MustCompile(`HEAD branch:\s*(\S+)`)
		if match := re.FindStringSubmatch(out); len(match) == 2 {
			return match[1]
		}
	}

	log.WarningLog.Printf("could not resolve default branch for %s, falling back to main", repoPath)
	return "main"
}

// Setup creates (or re-attaches to) the isolated worktree for a task's
// branch. It fetches origin first; on fetch failure it proceeds against
// whatever refs are already local. If the branch already exists it attaches
// to it (the user-feedback-loop re-run case); otherwise it brands a new
// branch from origin/<default>.
func (m *Manager) Setup(repoPath, branch string) (*Worktree, error) {
	if _, err := runGit(repoPath, "fetch", "origin"); err != nil {
		log.WarningLog.Printf("fetch origin failed for %s, continuing with local refs: %s", repoPath, log.SanitizeURLs(err.Error()))
	}

	worktreePath := filepath.Join(m.WorktreesDir, branch)

	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository %s: %w", repoPath, err)
	}

	if _, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true); err == nil {
		return m.setupFromExistingBranch(repoPath, worktreePath, branch)
	}

	defaultBranch := m.GetDefaultBranch(repoPath)
	return m.setupNewWorktree(repoPath, worktreePath, branch, defaultBranch)
}

func (m *Manager) setupFromExistingBranch(repoPath, worktreePath, branch string) (*Worktree, error) {
	log.InfoLog.Printf("attaching worktree to existing branch %s", branch)
	_, _ = runGit(repoPath, "worktree", "remove", "-f", worktreePath)

	if _, err := runGit(repoPath, "worktree", "add", worktreePath, branch); err != nil {
		return nil, fmt.Errorf("failed to add worktree from existing branch %s: %w", branch, err)
	}

	return &Worktree{RepoPath: repoPath, WorktreePath: worktreePath, Branch: branch}, nil
}

func (m *Manager) setupNewWorktree(repoPath, worktreePath, branch, defaultBranch string) (*Worktree, error) {
	base := "origin/" + defaultBranch
	baseSHA, err := runGit(repoPath, "rev-parse", base)
	if err != nil {
		log.WarningLog.Printf("origin/%s unresolvable, branching from HEAD: %s", defaultBranch, log.SanitizeURLs(err.Error()))
		base = "HEAD"
		baseSHA, err = runGit(repoPath, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve base commit: %w", err)
		}
	}
	baseSHA = strings.TrimSpace(baseSHA)

	_, _ = runGit(repoPath, "worktree", "remove", "-f", worktreePath)

	log.InfoLog.Printf("creating worktree %s on new branch %s from %s", worktreePath, branch, base)
	if _, err := runGit(repoPath, "worktree", "add", "-b", branch, worktreePath, baseSHA); err != nil {
		return nil, fmt.Errorf("failed to add new worktree: %w", err)
	}

	return &Worktree{RepoPath: repoPath, WorktreePath: worktreePath, Branch: branch, BaseCommitSHA: baseSHA}, nil
}

// Remove removes the worktree directory but keeps the branch (used when a
// task moves to ready_for_review and a PR has been opened: history stays on
// the remote branch, only the local checkout is reclaimed).
func (m *Manager) Remove(repoPath, worktreePath string) error {
	_, err := runGit(repoPath, "worktree", "remove", "-f", worktreePath)
	if err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

// Cleanup removes the worktree and deletes the local branch, used when a
// task is cancelled or fails and is requeued (mark_task_failed /
// cancel_task in SPEC_FULL.md §4.5).
func (m *Manager) Cleanup(repoPath, worktreePath, branch string) error {
	if _, err := runGit(repoPath, "worktree", "remove", "-f", worktreePath); err != nil {
		log.ErrorLog.Printf("failed to remove worktree %s: %v", worktreePath, err)
	}

	if _, err := runGit(repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		if _, err := runGit(repoPath, "branch", "-D", branch); err != nil {
			return fmt.Errorf("failed to delete branch %s: %w", branch, err)
		}
	}

	return m.Prune(repoPath)
}

func (m *Manager) Prune(repoPath string) error {
	if _, err := runGit(repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// ListBranches returns every branch currently checked out into a worktree
// under repoPath, parsed from `git worktree list --porcelain`.
func (m *Manager) ListBranches(repoPath string) (map[string]string, error) {
	out, err := runGit(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	branches := make(map[string]string)
	var currentPath string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if currentPath != "" {
				branches[currentPath] = branch
			}
		}
	}
	return branches, nil
}

// CleanupStale implements SPEC_FULL.md §4.5's every-10-beats garbage
// collection: remove every worktree under repoPath whose branch is not in
// activeBranches.
func (m *Manager) CleanupStale(repoPath string, activeBranches map[string]bool) error {
	branches, err := m.ListBranches(repoPath)
	if err != nil {
		return err
	}

	for worktreePath, branch := range branches {
		if worktreePath == repoPath {
			continue // the main checkout itself, never garbage
		}
		if activeBranches[branch] {
			continue
		}
		log.InfoLog.Printf("GC: removing stale worktree %s (branch %s)", worktreePath, branch)
		if err := m.Cleanup(repoPath, worktreePath, branch); err != nil {
			log.ErrorLog.Printf("GC: failed to clean up %s: %v", worktreePath, err)
		}
	}

	return m.Prune(repoPath)
}

// runGit sanitizes command output before it reaches an error message: git's
// own failure text often echoes the remote URL verbatim, which may carry an
// embedded HTTPS credential.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %s (%w)", strings.Join(args, " "), log.SanitizeURLs(strings.TrimSpace(string(output))), err)
	}
	return string(output), nil
}
