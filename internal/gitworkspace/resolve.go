package gitworkspace

import (
	"sort"
	"strings"
)

// matchKind ranks how a gitRootMap key matched against a remote, per spec §4.C.
type matchKind int

const (
	matchNone matchKind = iota
	matchRepoName
	matchRepoPath
	matchRepoID
	matchSameRepo
)

// ResolveGitRoot picks the local git-root directory for remote, given a
// default root and a map of override keys (SSH-shorthand, URL forms,
// host/owner/repo, owner/repo, or bare repo names) to directories.
//
// Candidate keys are scored and the highest-scoring key wins; sameRepo
// short-circuits. Map key iteration order is not meaningful in Go, so ties
// are broken by sorting candidate keys lexically first — strengthening the
// spec's "undefined but deterministic per run" into fully deterministic.
func ResolveGitRoot(remote *RemoteInfo, defaultRoot string, gitRootMap map[string]string) string {
	if len(gitRootMap) == 0 {
		return defaultRoot
	}

	keys := make([]string, 0, len(gitRootMap))
	for k := range gitRootMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bestScore := matchNone
	bestDir := ""

	for _, key := range keys {
		kind := scoreKey(key, remote)
		if kind == matchSameRepo {
			return gitRootMap[key]
		}
		if kind > bestScore {
			bestScore = kind
			bestDir = gitRootMap[key]
		}
	}

	if bestScore == matchNone {
		return defaultRoot
	}
	return bestDir
}

// scoreKey classifies how well a gitRootMap key matches remote by trying to
// parse it as each of the accepted key shapes.
func scoreKey(key string, remote *RemoteInfo) matchKind {
	// Bare "host:path" form (no user@, no scheme) is also an accepted key
	// shape; ParseRemote's SSH-shorthand regex requires a "user@" prefix, so
	// handle it explicitly here.
	if !strings.Contains(key, "@") && !strings.Contains(key, "://") {
		if idx := strings.Index(key, ":"); idx > 0 {
			host, path := key[:idx], strings.TrimSuffix(strings.Trim(key[idx+1:], "/"), ".git")
			candidate := &RemoteInfo{Host: host, RepoPath: path}
			if SameRepo(candidate, remote) {
				return matchSameRepo
			}
		}
	}

	if parsed, err := ParseRemote(key); err == nil {
		if SameRepo(parsed, remote) {
			return matchSameRepo
		}
		if parsed.RepoID() != "" && parsed.RepoID() == remote.RepoID() {
			return matchRepoID
		}
		if parsed.RepoPathID() != "" && parsed.RepoPathID() == remote.RepoPathID() {
			return matchRepoPath
		}
	}

	// Bare forms that ParseRemote rejects: "host/owner/repo", "owner/repo",
	// "repo".
	if key == remote.RepoID() {
		return matchRepoID
	}
	if key == remote.RepoPathID() {
		return matchRepoPath
	}
	if key == remote.RepoName() {
		return matchRepoName
	}
	return matchNone
}
