package gitworkspace

import "testing"

// TestGitRootResolutionTieBreak is spec §8 end-to-end scenario 5.
func TestGitRootResolutionTieBreak(t *testing.T) {
	t.Parallel()

	remote, err := ParseRemote("https://github.com/acme/ultimate.git")
	if err != nil {
		t.Fatal(err)
	}

	gitRootMap := map[string]string{
		"ultimate":                 "/by-name",
		"acme/ultimate":            "/by-path",
		"github.com/acme/ultimate": "/by-id",
	}

	got := ResolveGitRoot(remote, "/default", gitRootMap)
	if got != "/by-id" {
		t.Errorf("ResolveGitRoot = %q, want /by-id", got)
	}
}

func TestGitRootResolutionSameRepoShortCircuits(t *testing.T) {
	t.Parallel()

	remote, _ := ParseRemote("https://github.com/acme/ultimate.git")
	gitRootMap := map[string]string{
		"acme/ultimate":                        "/by-path",
		"https://github.com/acme/ultimate.git": "/exact",
	}

	got := ResolveGitRoot(remote, "/default", gitRootMap)
	if got != "/exact" {
		t.Errorf("ResolveGitRoot = %q, want /exact", got)
	}
}

func TestGitRootResolutionFallsBackToDefault(t *testing.T) {
	t.Parallel()

	remote, _ := ParseRemote("https://github.com/acme/ultimate.git")
	got := ResolveGitRoot(remote, "/default", map[string]string{"other/repo": "/other"})
	if got != "/default" {
		t.Errorf("ResolveGitRoot = %q, want /default", got)
	}
}

func TestGitRootResolutionHostPathKeyForm(t *testing.T) {
	t.Parallel()

	remote, _ := ParseRemote("git@github.com:acme/ultimate.git")
	got := ResolveGitRoot(remote, "/default", map[string]string{"github.com:acme/ultimate": "/host-path"})
	if got != "/host-path" {
		t.Errorf("ResolveGitRoot = %q, want /host-path", got)
	}
}

func TestResolveGitRootDeterministicAcrossKeyOrder(t *testing.T) {
	t.Parallel()

	remote, _ := ParseRemote("https://example.com/a/b.git")
	m1 := map[string]string{"b": "/1", "a/b": "/2"}
	m2 := map[string]string{"a/b": "/2", "b": "/1"}

	got1 := ResolveGitRoot(remote, "/default", m1)
	got2 := ResolveGitRoot(remote, "/default", m2)
	if got1 != got2 {
		t.Errorf("resolution differs by map construction order: %q vs %q", got1, got2)
	}
	if got1 != "/2" {
		t.Errorf("expected repoPath match (/2) to beat repoName match (/1), got %q", got1)
	}
}
