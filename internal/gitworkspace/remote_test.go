package gitworkspace

import "testing"

func TestParseRemote(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{"ssh shorthand", "git@github.com:acme/ultimate.git", "github.com", "acme/ultimate", false},
		{"ssh shorthand no dotgit", "git@github.com:acme/ultimate", "github.com", "acme/ultimate", false},
		{"ssh url", "ssh://git@github.com/acme/ultimate.git", "github.com", "acme/ultimate", false},
		{"https url", "https://github.com/acme/ultimate.git", "github.com", "acme/ultimate", false},
		{"http url", "http://example/owner/repo.git", "example", "owner/repo", false},
		{"unsupported", "not-a-remote-at-all", "", "", true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRemote(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Host != tc.wantHost || got.RepoPath != tc.wantPath {
				t.Errorf("ParseRemote(%q) = {%q,%q}, want {%q,%q}", tc.raw, got.Host, got.RepoPath, tc.wantHost, tc.wantPath)
			}
		})
	}
}

func TestSameRepo(t *testing.T) {
	t.Parallel()

	a, _ := ParseRemote("https://github.com/acme/ultimate.git")
	b, _ := ParseRemote("git@github.com:ACME/Ultimate.git")
	if !SameRepo(a, b) {
		t.Error("expected case-insensitive host/repoPath match to be same repo")
	}

	c, _ := ParseRemote("https://github.com/acme/other.git")
	if SameRepo(a, c) {
		t.Error("expected different repoPath to not match")
	}
}

func TestRepoNameOwnerID(t *testing.T) {
	t.Parallel()
	r, err := ParseRemote("https://github.com/acme/ultimate.git")
	if err != nil {
		t.Fatal(err)
	}
	if r.RepoName() != "ultimate" {
		t.Errorf("RepoName() = %q", r.RepoName())
	}
	if r.Owner() != "acme" {
		t.Errorf("Owner() = %q", r.Owner())
	}
	if r.RepoID() != "github.com/acme/ultimate" {
		t.Errorf("RepoID() = %q", r.RepoID())
	}
	if r.RepoPathID() != "acme/ultimate" {
		t.Errorf("RepoPathID() = %q", r.RepoPathID())
	}
}
