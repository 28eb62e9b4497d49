package gitworkspace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Context is the materialised workspace handed back to the broker for a
// prepared run: the canonical clone directory, the short-lived worktree,
// the branch the broker will push to, and the remote it was cloned from.
type Context struct {
	RepoDir    string
	WorkDir    string
	BranchName string
	RemoteURL  string
}

// NotifyFunc reports coarse-grained progress milestones during workspace
// setup (git/clone, git/open, git/fetch, git/worktree, …), forwarded by the
// broker as remote/progress notifications to the originating client.
type NotifyFunc func(stage, message string, extra map[string]any)

// Config configures workspace resolution and commit identity.
type Config struct {
	DefaultRoot   string
	GitRootMap    map[string]string
	GitUserName   string
	GitUserEmail  string
	Push          bool
	CommandRunner CommandRunner // nil uses the real git/os-exec runner
}

// Manager resolves remotes to local clones, creates/destroys per-run
// worktrees, and commits+pushes agent changes. All git operations against a
// given repoDir are serialised by a per-repoDir mutex; different repoDirs
// run fully in parallel.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Manager. If cfg.CommandRunner is nil, a real os/exec-based
// runner is used.
func New(cfg Config) *Manager {
	if cfg.CommandRunner == nil {
		cfg.CommandRunner = execRunner{}
	}
	return &Manager{cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(repoDir string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[repoDir]
	if !ok {
		l = &sync.Mutex{}
		m.locks[repoDir] = l
	}
	return l
}

// CommandRunner abstracts git invocation so tests can substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.cfg.CommandRunner.Run(ctx, dir, args...)
}

func notify(fn NotifyFunc, stage, message string, extra map[string]any) {
	if fn != nil {
		fn(stage, message, extra)
	}
}

// candidateDirs builds the ordered, deduped list of plausible clone
// directories for a remote under gitRoot, per spec §4.C step 2.
func candidateDirs(gitRoot string, remote *RemoteInfo) []string {
	repoName := remote.RepoName()
	owner := remote.Owner()
	segments := strings.Trim(remote.RepoPath, "/")

	ordered := []string{
		filepath.Join(gitRoot, repoName),
		filepath.Join(gitRoot, remote.Host, segments),
		filepath.Join(gitRoot, segments),
	}
	if owner != "" {
		ordered = append(ordered,
			filepath.Join(gitRoot, owner, repoName),
			filepath.Join(gitRoot, owner+"-"+repoName),
		)
	}
	ordered = append(ordered, filepath.Join(gitRoot, remote.Host, repoName))

	seen := make(map[string]bool, len(ordered))
	out := make([]string, 0, len(ordered))
	for _, c := range ordered {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// originURL reads the configured origin remote URL for a git directory.
func (m *Manager) originURL(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func isGitDir(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

// EnsureRepoWorkdir resolves (or clones) the canonical repo clone for
// remote, fetches it, and materialises a fresh worktree for this run,
// per spec §4.C.
func (m *Manager) EnsureRepoWorkdir(ctx context.Context, remoteURL, branch, revision, runID string, notifyFn NotifyFunc) (*Context, error) {
	remote, err := ParseRemote(remoteURL)
	if err != nil {
		return nil, err
	}
	if revision == "" && branch == "" {
		return nil, fmt.Errorf("gitworkspace: remote revision or branch is required")
	}

	gitRoot := ResolveGitRoot(remote, m.cfg.DefaultRoot, m.cfg.GitRootMap)
	if gitRoot == "" {
		return nil, fmt.Errorf("gitworkspace: no git root configured")
	}
	if !filepath.IsAbs(gitRoot) {
		if abs, err := filepath.Abs(gitRoot); err == nil {
			gitRoot = abs
		}
	}

	repoDir, err := m.resolveOrCloneRepoDir(ctx, gitRoot, remote, notifyFn)
	if err != nil {
		return nil, err
	}

	lock := m.lockFor(repoDir)
	lock.Lock()
	defer lock.Unlock()

	if current, err := m.originURL(ctx, repoDir); err == nil {
		if currentParsed, perr := ParseRemote(current); perr != nil || !SameRepo(currentParsed, remote) {
			if _, err := m.git(ctx, repoDir, "remote", "set-url", "origin", remote.Raw); err != nil {
				return nil, fmt.Errorf("gitworkspace: updating origin: %w", err)
			}
		}
	}

	notify(notifyFn, "git/fetch", "Fetching latest changes", nil)
	if _, err := m.git(ctx, repoDir, "fetch", "--prune", "origin"); err != nil {
		return nil, fmt.Errorf("gitworkspace: fetch: %w", err)
	}

	workDir := filepath.Join(gitRoot, ".acp-remote-worktrees", remote.RepoName(), runID)
	branchName := BranchName(runID)

	if _, err := os.Stat(workDir); err == nil {
		notify(notifyFn, "git/worktree", "Removing stale worktree", nil)
		_, _ = m.git(ctx, repoDir, "worktree", "remove", "--force", workDir)
		_ = os.RemoveAll(workDir)
	}

	rev := revision
	if rev == "" {
		rev = "origin/" + branch
	}

	notify(notifyFn, "git/worktree", "Creating worktree", map[string]any{"branch": branchName})
	if _, err := m.git(ctx, repoDir, "worktree", "add", "-B", branchName, workDir, rev); err != nil {
		return nil, fmt.Errorf("gitworkspace: worktree add: %w", err)
	}

	return &Context{RepoDir: repoDir, WorkDir: workDir, BranchName: branchName, RemoteURL: remote.Raw}, nil
}

func (m *Manager) resolveOrCloneRepoDir(ctx context.Context, gitRoot string, remote *RemoteInfo, notifyFn NotifyFunc) (string, error) {
	candidates := candidateDirs(gitRoot, remote)

	for _, candidate := range candidates {
		if !isGitDir(candidate) {
			continue
		}
		origin, err := m.originURL(ctx, candidate)
		if err != nil {
			continue
		}
		parsed, err := ParseRemote(origin)
		if err == nil && SameRepo(parsed, remote) {
			notify(notifyFn, "git/open", "Using existing clone", map[string]any{"repoDir": candidate})
			return candidate, nil
		}
	}

	// Scan direct children of gitRoot for a same-repo origin.
	if entries, err := os.ReadDir(gitRoot); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			candidate := filepath.Join(gitRoot, e.Name())
			if !isGitDir(candidate) {
				continue
			}
			origin, err := m.originURL(ctx, candidate)
			if err != nil {
				continue
			}
			parsed, err := ParseRemote(origin)
			if err == nil && SameRepo(parsed, remote) {
				notify(notifyFn, "git/open", "Using existing clone", map[string]any{"repoDir": candidate})
				return candidate, nil
			}
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			notify(notifyFn, "git/clone", "Cloning repository", map[string]any{"repoDir": candidate})
			if err := os.MkdirAll(filepath.Dir(candidate), 0o755); err != nil {
				return "", fmt.Errorf("gitworkspace: mkdir: %w", err)
			}
			if _, err := m.git(ctx, filepath.Dir(candidate), "clone", remote.Raw, candidate); err != nil {
				return "", fmt.Errorf("gitworkspace: clone: %w", err)
			}
			return candidate, nil
		}
	}

	return "", fmt.Errorf("gitworkspace: no available clone directory among %d candidates", len(candidates))
}

// EnsureCommittedAndPushed commits any pending changes in workDir and, if
// push is enabled, pushes branchName to origin. Push failure is returned as
// a non-nil pushErr but does not fail the overall call: the caller still
// gets the revision that was committed.
func (m *Manager) EnsureCommittedAndPushed(ctx context.Context, wc *Context, notifyFn NotifyFunc) (revision string, pushErr error, err error) {
	lock := m.lockFor(wc.RepoDir)
	lock.Lock()
	defer lock.Unlock()

	status, err := m.git(ctx, wc.WorkDir, "status", "--porcelain")
	if err != nil {
		return "", nil, fmt.Errorf("gitworkspace: status: %w", err)
	}

	if strings.TrimSpace(status) != "" {
		if _, err := m.git(ctx, wc.WorkDir, "add", "-A"); err != nil {
			return "", nil, fmt.Errorf("gitworkspace: add: %w", err)
		}
		msg := fmt.Sprintf("ACP remote run changes (%s)", time.Now().UTC().Format(time.RFC3339))
		commitArgs := []string{
			"-c", "user.name=" + m.cfg.GitUserName,
			"-c", "user.email=" + m.cfg.GitUserEmail,
			"commit", "-m", msg,
		}
		if _, err := m.git(ctx, wc.WorkDir, commitArgs...); err != nil {
			return "", nil, fmt.Errorf("gitworkspace: commit: %w", err)
		}
	}

	rev, err := m.git(ctx, wc.WorkDir, "rev-parse", "HEAD")
	if err != nil {
		return "", nil, fmt.Errorf("gitworkspace: rev-parse: %w", err)
	}
	revision = strings.TrimSpace(rev)

	if !m.cfg.Push {
		return revision, nil, nil
	}

	notify(notifyFn, "git/push", "Pushing changes", map[string]any{"branch": wc.BranchName})
	if _, err := m.git(ctx, wc.WorkDir, "push", "-u", "origin", wc.BranchName); err != nil {
		redacted := RedactURLSecrets(err.Error())
		notify(notifyFn, "git/push", "Push failed: "+redacted, nil)
		return revision, fmt.Errorf("push failed: %s", redacted), nil
	}

	return revision, nil, nil
}

// CleanupWorkspace removes the worktree under the repo lock. Both steps are
// best-effort, matching the teacher's cleanup semantics.
func (m *Manager) CleanupWorkspace(ctx context.Context, wc *Context) {
	lock := m.lockFor(wc.RepoDir)
	lock.Lock()
	defer lock.Unlock()

	_, _ = m.git(ctx, wc.RepoDir, "worktree", "remove", "--force", wc.WorkDir)
	_ = os.RemoveAll(wc.WorkDir)
}

// RedactURLSecrets replaces userinfo in any URL embedded in msg with "***",
// rather than string-matching on known token shapes, so credentials in
// differently-formatted URLs are still caught.
func RedactURLSecrets(msg string) string {
	fields := strings.Fields(msg)
	for i, f := range fields {
		if u, err := url.Parse(f); err == nil && u.User != nil {
			u.User = url.UserPassword("***", "***")
			fields[i] = u.String()
		}
	}
	return strings.Join(fields, " ")
}
