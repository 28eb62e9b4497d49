package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.Path != defaultPath {
		t.Errorf("Path = %q, want %q", cfg.Path, defaultPath)
	}
	if cfg.RequestTimeout != time.Duration(defaultRequestTimeoutMs)*time.Millisecond {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if !cfg.Push {
		t.Error("expected Push to default true")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := writeTempFile(t, "broker.json", `{
		"port": 9090,
		"path": "/acp/",
		"token": "file-token",
		"gitRootMap": {"acme/repo": "/workspaces/acme"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Path != "/acp" {
		t.Errorf("Path = %q, want normalised /acp", cfg.Path)
	}
	if cfg.Token != "file-token" {
		t.Errorf("Token = %q, want file-token", cfg.Token)
	}
	if cfg.GitRootMap["acme/repo"] != "/workspaces/acme" {
		t.Errorf("GitRootMap missing entry: %+v", cfg.GitRootMap)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTempFile(t, "broker.json", `{"port": 9090, "token": "file-token"}`)

	t.Setenv("ACP_BROKER_TOKEN", "env-token")
	t.Setenv("ACP_BROKER_PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "env-token" {
		t.Errorf("Token = %q, want env-token (env should win)", cfg.Token)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 (env should win)", cfg.Port)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":         "/acp",
		"/acp":     "/acp",
		"/acp/":    "/acp",
		"/acp///":  "/acp",
		"acp":      "/acp",
		"/":        "/",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadAgentCatalogMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadAgentCatalog(filepath.Join(t.TempDir(), "missing.json"))
	if err != ErrAgentConfigNotFound {
		t.Fatalf("err = %v, want ErrAgentConfigNotFound", err)
	}
}

func TestLoadAgentCatalogEmpty(t *testing.T) {
	t.Parallel()
	path := writeTempFile(t, "agents.json", `{"agent_servers": {}}`)
	_, err := LoadAgentCatalog(path)
	if err != ErrNoAgentServers {
		t.Fatalf("err = %v, want ErrNoAgentServers", err)
	}
}

func TestLoadAgentCatalogPreservesOrderAndResolves(t *testing.T) {
	t.Parallel()
	path := writeTempFile(t, "agents.json", `{
		"agent_servers": {
			"Zeta": {"command": "zeta"},
			"Alpha": {"command": "alpha"},
			"OpenCode": {"command": "opencode", "args": ["--stdio"]}
		}
	}`)

	catalog, err := LoadAgentCatalog(path)
	if err != nil {
		t.Fatalf("LoadAgentCatalog: %v", err)
	}

	wantOrder := []string{"Zeta", "Alpha", "OpenCode"}
	gotOrder := catalog.Names()
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("Names() = %v, want %v", gotOrder, wantOrder)
	}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("Names()[%d] = %q, want %q", i, gotOrder[i], wantOrder[i])
		}
	}

	// Explicit name wins.
	name, ac, ok := catalog.Resolve("Alpha")
	if !ok || name != "Alpha" || ac.Command != "alpha" {
		t.Fatalf("Resolve(Alpha) = %q, %+v, %v", name, ac, ok)
	}

	// Unknown explicit name fails outright.
	if _, _, ok := catalog.Resolve("Nope"); ok {
		t.Error("Resolve(Nope) should fail")
	}

	// No explicit name -> OpenCode preferred even though not first in order.
	name, ac, ok = catalog.Resolve("")
	if !ok || name != "OpenCode" || ac.Command != "opencode" {
		t.Fatalf("Resolve(\"\") = %q, %+v, %v, want OpenCode", name, ac, ok)
	}
}

func TestLoadAgentCatalogFallsBackToFirstInsertionOrder(t *testing.T) {
	t.Parallel()
	path := writeTempFile(t, "agents.json", `{
		"agent_servers": {
			"Zeta": {"command": "zeta"},
			"Alpha": {"command": "alpha"}
		}
	}`)

	catalog, err := LoadAgentCatalog(path)
	if err != nil {
		t.Fatalf("LoadAgentCatalog: %v", err)
	}

	name, ac, ok := catalog.Resolve("")
	if !ok || name != "Zeta" || ac.Command != "zeta" {
		t.Fatalf("Resolve(\"\") = %q, %+v, %v, want first key Zeta", name, ac, ok)
	}
}
