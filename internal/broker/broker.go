// Package broker implements the WebSocket/JSON-RPC front door: connection
// upgrade and authorisation, per-connection agent-runtime lifecycle, and the
// special-cased handling of session/new, session/load, session/prompt, and
// session/cancel. All other methods are forwarded verbatim to the chosen
// agent runtime.
//
// Grounded on the teacher's internal/acp/gateway.go (ping/pong keepalive,
// writeMu-guarded writes, control-message dispatch loop) and
// internal/server/websocket.go (upgrader construction, origin handling),
// generalised from a PTY/terminal bridge to a JSON-RPC-over-stdio bridge.
package broker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/acp-broker/internal/agentruntime"
	"github.com/workspace/acp-broker/internal/auth"
	"github.com/workspace/acp-broker/internal/config"
	"github.com/workspace/acp-broker/internal/gitworkspace"
	"github.com/workspace/acp-broker/internal/rpclog"
	"github.com/workspace/acp-broker/internal/rpcproto"
	"github.com/workspace/acp-broker/internal/session"
)

// inboundRateLimit and inboundBurst bound how many WebSocket frames a single
// connection may submit per second before frames are dropped — a courtesy
// flood guard ahead of the per-connection sequential dispatch loop.
const (
	inboundRateLimit = 50
	inboundBurst     = 100
)

// Deps are the Broker's external collaborators, assembled by cmd/acp-broker.
type Deps struct {
	Config       *config.Config
	Catalog      *config.AgentCatalog // nil if no agent config is configured
	Sessions     *session.Registry
	Git          *gitworkspace.Manager
	JWTValidator *auth.JWTValidator // nil disables JWT-over-JWKS enrichment
	Coalescer    *rpclog.Coalescer
	Logger       *slog.Logger
}

// Broker is the top-level WebSocket/JSON-RPC server.
type Broker struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connMu     sync.Mutex
	conns      map[string]*Connection
	liveAgents map[string]int

	nextConnID    atomic.Int64
	nextRuntimeID atomic.Int64
}

// New constructs a Broker from its dependencies.
func New(deps Deps) *Broker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // CORS allows all origins, per spec
		},
		conns:      make(map[string]*Connection),
		liveAgents: make(map[string]int),
	}
}

// Handler returns the top-level http.Handler serving the WebSocket path,
// /health, and /acp/agents. All other routes 404.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/acp/agents", b.handleListAgents)
	mux.HandleFunc(b.deps.Config.Path, b.handleUpgrade)
	return mux
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type agentListEntry struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Running bool              `json:"running"`
}

func (b *Broker) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if b.deps.Catalog == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"message": "ACP config not found"}})
		return
	}

	b.connMu.Lock()
	liveSnapshot := make(map[string]int, len(b.liveAgents))
	for name, count := range b.liveAgents {
		liveSnapshot[name] = count
	}
	b.connMu.Unlock()

	agents := make([]agentListEntry, 0, len(b.deps.Catalog.Names()))
	for _, name := range b.deps.Catalog.Names() {
		_, ac, ok := b.deps.Catalog.Resolve(name)
		if !ok {
			continue
		}
		agents = append(agents, agentListEntry{
			Name:    name,
			Command: ac.Command,
			Args:    ac.Args,
			Env:     ac.Env,
			Running: liveSnapshot[name] > 0,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleUpgrade authorises and upgrades a WebSocket connection, resolves the
// requested agent, and starts the connection's dispatch loop.
func (b *Broker) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !b.authorize(r, q) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if b.deps.Catalog == nil {
		http.Error(w, "ACP config not found", http.StatusInternalServerError)
		return
	}
	agentName, agentCfg, ok := b.deps.Catalog.Resolve(q.Get("agent"))
	if !ok {
		http.Error(w, fmt.Sprintf("unknown agent %q", q.Get("agent")), http.StatusBadRequest)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := fmt.Sprintf("conn:%d", b.nextConnID.Add(1))
	runtimeID := fmt.Sprintf("rt:%d", b.nextRuntimeID.Add(1))
	rt := agentruntime.New(runtimeID, agentruntime.Spec{
		Command: agentCfg.Command,
		Args:    agentCfg.Args,
		Env:     stringMapToAny(agentCfg.Env),
		Cwd:     agentCfg.Cwd,
	})

	c := &Connection{
		id:                connID,
		agentName:         agentName,
		ws:                conn,
		broker:            b,
		runtime:           rt,
		requestMethodByID: make(map[string]string),
		limiter:           rate.NewLimiter(inboundRateLimit, inboundBurst),
	}
	rt.SetObserver(&runtimeObserver{broker: b, conn: c})

	b.registerConnection(c)
	defer b.deregisterConnection(c)

	c.notifyProgress("connection", "Connected", map[string]any{"agent": agentName})

	c.run(r.Context())
}

func (b *Broker) authorize(r *http.Request, q url.Values) bool {
	token := b.deps.Config.Token
	header := r.Header.Get("Authorization")
	queryToken := q.Get("token")

	// The JWT-over-JWKS path is additive: when configured, a bearer token
	// that validates as a JWT is accepted outright. The static-token
	// predicate is always evaluated too, so disabling JWKS never narrows
	// the spec's plain-token behaviour.
	if b.deps.JWTValidator != nil {
		candidate := strings.TrimPrefix(header, "Bearer ")
		if candidate == "" {
			candidate = queryToken
		}
		if candidate != "" {
			if _, err := b.deps.JWTValidator.Validate(candidate); err == nil {
				return true
			}
		}
	}

	return rpcproto.AuthorizeToken(token, header, queryToken)
}

func (b *Broker) registerConnection(c *Connection) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	b.conns[c.id] = c
	b.liveAgents[c.agentName]++
}

func (b *Broker) deregisterConnection(c *Connection) {
	b.connMu.Lock()
	delete(b.conns, c.id)
	b.liveAgents[c.agentName]--
	if b.liveAgents[c.agentName] <= 0 {
		delete(b.liveAgents, c.agentName)
	}
	b.connMu.Unlock()

	b.deps.Sessions.Detach(c.id)
	b.deps.Coalescer.Flush(c.id)

	if !b.deps.Sessions.HasSessionsForRuntime(c.runtime) {
		c.runtime.Stop()
	}
}

func (b *Broker) connByID(id string) (*Connection, bool) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	c, ok := b.conns[id]
	return c, ok
}

func (b *Broker) requestTimeout() time.Duration {
	if b.deps.Config.RequestTimeout > 0 {
		return b.deps.Config.RequestTimeout
	}
	return 60 * time.Second
}

func stringMapToAny(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// newRunID generates a fresh per-session-setup run identifier.
func newRunID() string {
	return uuid.NewString()
}

// idKey renders a JSON-RPC id's raw bytes as the string used to key the
// agentruntime pending-request table. Both must use exactly the same
// textual form since pending ids are matched by raw JSON text.
func idKey(id json.RawMessage) string {
	return string(id)
}
