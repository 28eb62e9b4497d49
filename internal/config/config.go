// Package config loads the broker's runtime configuration from a JSON/JSON5
// settings file overlaid with environment variables — env always wins.
//
// Grounded on the teacher's internal/config/config.go (a single typed Config
// struct with one Load entry point) generalised from os.Getenv reads to a
// *viper.Viper instance per SPEC_FULL.md's Configuration section, since
// viper is the config library the rest of the pack reaches for
// (kdlbs-kandev, other_examples/zjrosen-perles). Viper's JSON codec only
// accepts strict JSON (no comments/trailing commas); a settings file that
// uses JSON5-only syntax fails to load.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved broker configuration.
type Config struct {
	Port               int
	Path               string
	BindHost           string
	AdvertiseHost      string
	AdvertiseProtocol  string
	Token              string
	RequestTimeout     time.Duration
	SessionIdleTTL     time.Duration
	GitRoot            string
	GitRootMap         map[string]string
	GitUserName        string
	GitUserEmail       string
	Push               bool
	JWKSURL            string
	JWTAudience        string
	JWTIssuer          string
	AgentConfigPath    string
}

const (
	defaultPort              = 8787
	defaultPath              = "/acp"
	defaultBindHost          = "0.0.0.0"
	defaultAdvertiseProtocol = "ws"
	defaultRequestTimeoutMs  = 60_000
	defaultSessionIdleTTLMs  = 5 * 60_000
)

// Load builds a Config from an optional settings file at configPath overlaid
// with environment variables (env wins). An empty configPath loads
// environment/defaults only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", defaultPort)
	v.SetDefault("path", defaultPath)
	v.SetDefault("bindHost", defaultBindHost)
	v.SetDefault("advertiseProtocol", defaultAdvertiseProtocol)
	v.SetDefault("requestTimeoutMs", defaultRequestTimeoutMs)
	v.SetDefault("sessionIdleTtlMs", defaultSessionIdleTTLMs)
	v.SetDefault("push", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("ACP_BROKER")
	v.AutomaticEnv()
	for _, key := range []string{
		"port", "path", "bindHost", "advertiseHost", "advertiseProtocol",
		"token", "requestTimeoutMs", "sessionIdleTtlMs", "gitRoot",
		"gitUserName", "gitUserEmail", "push", "jwksUrl", "jwtAudience",
		"jwtIssuer", "agentConfigPath",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	gitRoot := v.GetString("gitRoot")
	if gitRoot != "" && !filepath.IsAbs(gitRoot) {
		abs, err := filepath.Abs(gitRoot)
		if err != nil {
			return nil, fmt.Errorf("config: resolving gitRoot: %w", err)
		}
		gitRoot = abs
	}

	cfg := &Config{
		Port:              v.GetInt("port"),
		Path:              normalizePath(v.GetString("path")),
		BindHost:          v.GetString("bindHost"),
		AdvertiseHost:     v.GetString("advertiseHost"),
		AdvertiseProtocol: v.GetString("advertiseProtocol"),
		Token:             v.GetString("token"),
		RequestTimeout:    time.Duration(v.GetInt64("requestTimeoutMs")) * time.Millisecond,
		SessionIdleTTL:    time.Duration(v.GetInt64("sessionIdleTtlMs")) * time.Millisecond,
		GitRoot:           gitRoot,
		GitUserName:       v.GetString("gitUserName"),
		GitUserEmail:      v.GetString("gitUserEmail"),
		Push:              v.GetBool("push"),
		JWKSURL:           v.GetString("jwksUrl"),
		JWTAudience:       v.GetString("jwtAudience"),
		JWTIssuer:         v.GetString("jwtIssuer"),
		AgentConfigPath:   v.GetString("agentConfigPath"),
	}

	if m := v.GetStringMapString("gitRootMap"); len(m) > 0 {
		cfg.GitRootMap = m
	}

	return cfg, nil
}

// normalizePath strips trailing slashes from the configured WebSocket path,
// keeping the leading slash.
func normalizePath(p string) string {
	if p == "" {
		return defaultPath
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// AgentConfig describes one launchable agent command.
type AgentConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// AgentCatalog is the on-disk shape of the agent-servers file:
// { "agent_servers": { "<name>": AgentConfig, ... } }
type AgentCatalog struct {
	AgentServers map[string]AgentConfig `json:"agent_servers"`
	order        []string
}

// ErrAgentConfigNotFound is returned when the catalog file does not exist.
var ErrAgentConfigNotFound = fmt.Errorf("config: agent config not found")

// ErrNoAgentServers is returned when the catalog file exists but defines no
// agent_servers.
var ErrNoAgentServers = fmt.Errorf("config: agent config does not define any agent_servers")

// LoadAgentCatalog reads the agent-servers file at path, preserving
// insertion order of agent_servers for default-agent resolution.
func LoadAgentCatalog(path string) (*AgentCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAgentConfigNotFound
		}
		return nil, fmt.Errorf("config: reading agent config %s: %w", path, err)
	}

	var catalog AgentCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("config: parsing agent config %s: %w", path, err)
	}
	if len(catalog.AgentServers) == 0 {
		return nil, ErrNoAgentServers
	}

	catalog.order = agentServerKeyOrder(data)

	return &catalog, nil
}

// agentServerKeyOrder re-walks the raw JSON tokens to recover the original
// key insertion order of agent_servers, which encoding/json's map decoding
// discards.
func agentServerKeyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	var order []string
	depth := 0
	inAgentServers := false
	agentServersDepth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
			case '}', ']':
				if inAgentServers && depth == agentServersDepth {
					inAgentServers = false
				}
				depth--
			}
		case string:
			if !inAgentServers && depth == 1 && t == "agent_servers" {
				inAgentServers = true
				agentServersDepth = depth + 1
				continue
			}
			if inAgentServers && depth == agentServersDepth {
				order = append(order, t)
			}
		}
	}
	return order
}

// Resolve picks an agent by explicit name, falling back to "OpenCode" if
// present, then the first key in insertion order.
func (c *AgentCatalog) Resolve(name string) (string, AgentConfig, bool) {
	if name != "" {
		if ac, ok := c.AgentServers[name]; ok {
			return name, ac, true
		}
		return "", AgentConfig{}, false
	}
	if ac, ok := c.AgentServers["OpenCode"]; ok {
		return "OpenCode", ac, true
	}
	for _, key := range c.order {
		if ac, ok := c.AgentServers[key]; ok {
			return key, ac, true
		}
	}
	return "", AgentConfig{}, false
}

// Names returns agent names in catalog insertion order.
func (c *AgentCatalog) Names() []string {
	names := make([]string, 0, len(c.order))
	for _, key := range c.order {
		if _, ok := c.AgentServers[key]; ok {
			names = append(names, key)
		}
	}
	return names
}
