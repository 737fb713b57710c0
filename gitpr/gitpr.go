// Package gitpr implements the commit/push/PR half of task completion from
// SPEC_FULL.md §4.5 and §6: once a task reaches ready_for_review, its
// worktree's changes are committed, pushed, and opened as a pull request.
//
// Grounded on original_source/agent_queue/core/git_manager.py's
// commit_and_push/create_pr/get_gh_owner and the teacher's
// session/vcs/vcs.go checkGHCLI/PushChanges gh-then-git fallback chain.
package gitpr

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cogwheel-dev/taskqueue/log"
)

// Manager drives commit, push, and PR creation for a completed task's
// worktree.
type Manager struct{}

func New() *Manager {
	return &Manager{}
}

// HasGHCLI reports whether the gh CLI is on PATH and authenticated enough
// to be worth trying. Callers fall back to a plain git push (no PR) when
// this is false.
func (m *Manager) HasGHCLI() bool {
	if _, err := exec.LookPath("gh"); err != nil {
		return false
	}
	cmd := exec.Command("gh", "auth", "status")
	return cmd.Run() == nil
}

// CommitAndPush stages every change in worktreePath, commits with message
// (a no-op, not an error, if there is nothing to commit), and pushes the
// branch to origin, creating the upstream if needed.
func (m *Manager) CommitAndPush(worktreePath, branch, message string) error {
	if _, err := runGit(worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}

	status, err := runGit(worktreePath, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		log.InfoLog.Printf("nothing to commit on branch %s", branch)
	} else if _, err := runGit(worktreePath, "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}

	if _, err := runGit(worktreePath, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}

	return nil
}

// CreatePR opens a pull request for branch against base via the gh CLI and
// returns its URL. Callers should check HasGHCLI first; CreatePR itself
// just surfaces whatever error gh returns.
func (m *Manager) CreatePR(worktreePath, branch, base, title, body string) (string, error) {
	cmd := exec.Command("gh", "pr", "create",
		"--head", branch,
		"--base", base,
		"--title", title,
		"--body", body,
	)
	cmd.Dir = worktreePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh pr create failed: %s (%w)", log.SanitizeURLs(strings.TrimSpace(stderr.String())), err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	return url, nil
}

// GetOwnerRepo resolves the "owner/repo" slug of the origin remote,
// grounded on git_manager.py's get_gh_owner. The slug has the shape of
// Project.RemoteRepo and carries no credentials, unlike a full remote URL
// (see log.SanitizeURL). No component of the engine calls it.
func GetOwnerRepo(repoPath string) (string, error) {
	out, err := runGit(repoPath, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("failed to read origin remote: %w", err)
	}
	return parseOwnerRepo(strings.TrimSpace(out)), nil
}

func parseOwnerRepo(remoteURL string) string {
	remoteURL = strings.TrimSuffix(remoteURL, ".git")
	if strings.Contains(remoteURL, "github.com:") {
		parts := strings.SplitN(remoteURL, "github.com:", 2)
		return parts[len(parts)-1]
	}
	if idx := strings.Index(remoteURL, "github.com/"); idx != -1 {
		return remoteURL[idx+len("github.com/"):]
	}
	return remoteURL
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
