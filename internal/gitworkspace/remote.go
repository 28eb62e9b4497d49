// Package gitworkspace implements the git workspace manager: remote-URL
// parsing, git-root resolution among configured roots, per-run worktree
// materialisation, and commit+push of agent changes.
package gitworkspace

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// RemoteInfo is a parsed git remote URL.
type RemoteInfo struct {
	Raw      string
	Host     string
	RepoPath string // path without leading slash and trailing .git
	Scheme   string // "ssh-shorthand", "ssh", "http", "https"
}

var sshShorthandRe = regexp.MustCompile(`^([^@/]+)@([^:/]+):(.+?)(\.git)?/?$`)

// ParseRemote recognises SSH shorthand (user@host:path), ssh://, http(s)://
// forms. Anything else is unsupported and yields an error.
func ParseRemote(raw string) (*RemoteInfo, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("gitworkspace: empty remote URL")
	}

	if m := sshShorthandRe.FindStringSubmatch(trimmed); m != nil && !strings.Contains(trimmed, "://") {
		return &RemoteInfo{
			Raw:      trimmed,
			Host:     m[2],
			RepoPath: strings.TrimSuffix(strings.Trim(m[3], "/"), ".git"),
			Scheme:   "ssh-shorthand",
		}, nil
	}

	if strings.HasPrefix(trimmed, "ssh://") || strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("gitworkspace: unsupported remote URL %q: %w", raw, err)
		}
		return &RemoteInfo{
			Raw:      trimmed,
			Host:     u.Host,
			RepoPath: strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), ".git"),
			Scheme:   u.Scheme,
		}, nil
	}

	return nil, fmt.Errorf("gitworkspace: unsupported remote URL form %q", raw)
}

// RepoName returns the last path segment of RepoPath, the conventional local
// clone directory name.
func (r *RemoteInfo) RepoName() string {
	segments := strings.Split(strings.Trim(r.RepoPath, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}

// Owner returns the second-to-last path segment (the "owner"/"org"), if any.
func (r *RemoteInfo) Owner() string {
	segments := strings.Split(strings.Trim(r.RepoPath, "/"), "/")
	if len(segments) < 2 {
		return ""
	}
	return segments[len(segments)-2]
}

// RepoID returns "host/owner/repo" when an owner segment is present.
func (r *RemoteInfo) RepoID() string {
	owner := r.Owner()
	if owner == "" {
		return ""
	}
	return r.Host + "/" + owner + "/" + r.RepoName()
}

// RepoPathID returns "owner/repo" when an owner segment is present.
func (r *RemoteInfo) RepoPathID() string {
	owner := r.Owner()
	if owner == "" {
		return ""
	}
	return owner + "/" + r.RepoName()
}

// SameRepo reports whether two remotes point at the same repository: their
// lowercased (host, repoPath) pairs are equal, or — as a fallback for
// unparseable comparisons — their raw trimmed strings are equal.
func SameRepo(a, b *RemoteInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	if strings.EqualFold(a.Host, b.Host) && strings.EqualFold(a.RepoPath, b.RepoPath) {
		return true
	}
	return strings.TrimSpace(a.Raw) == strings.TrimSpace(b.Raw)
}
