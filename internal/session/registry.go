// Package session implements the broker's session registry: sessionId to
// {runtime, git context, subscribers} bookkeeping, idle-TTL cleanup, and the
// socket<->session reverse index.
//
// Grounded on the teacher's internal/agentsessions.Manager (create/get/list
// shape) generalised from workspace-scoped sessions to the spec's flatter
// sessionId-keyed registry, and internal/idle.Detector's deadline-extension
// pattern, adapted from a single heartbeat-to-control-plane design to a
// per-record time.AfterFunc cleanup timer.
package session

import (
	"sync"
	"time"

	"github.com/workspace/acp-broker/internal/agentruntime"
	"github.com/workspace/acp-broker/internal/gitworkspace"
)

// State is the idle-TTL lifecycle state of a record.
type State int

const (
	StateActive State = iota
	StateDraining
	StateExpired
)

// GitContext mirrors spec's SessionRecord.gitContext.
type GitContext struct {
	RunID     string
	RemoteURL string
	Branch    string
	Revision  string
	Workspace *gitworkspace.Context
}

// Record is one entry in the registry.
type Record struct {
	SessionID string
	Runtime   *agentruntime.Runtime
	GitCtx    *GitContext

	CreatedAt    time.Time
	LastActiveAt time.Time

	mu          sync.Mutex
	subscribers map[string]struct{}
	state       State
	cleanupTimer *time.Timer
}

func (r *Record) Subscribers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		out = append(out, id)
	}
	return out
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnExpire is invoked when a record's idle TTL fires while it still has no
// subscribers: the registry removes the record, and the caller is
// responsible for stopping the runtime (if unreferenced elsewhere) and
// tearing down the git workspace.
type OnExpire func(rec *Record)

// Registry is the process-global session registry.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Record
	wsToSess map[string]map[string]struct{} // connection id -> sessionIds

	idleTTL  time.Duration
	onExpire OnExpire
}

// New creates a Registry with the given idle TTL and expiry callback.
func New(idleTTL time.Duration, onExpire OnExpire) *Registry {
	return &Registry{
		byID:     make(map[string]*Record),
		wsToSess: make(map[string]map[string]struct{}),
		idleTTL:  idleTTL,
		onExpire: onExpire,
	}
}

// Ensure returns the existing record for sessionID, or creates one bound to
// runtime. If the record exists with a different runtime, the reference is
// replaced (a client may rebind) — per spec §9 open question, resolved as
// "last write wins".
func (reg *Registry) Ensure(sessionID string, runtime *agentruntime.Runtime) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if rec, ok := reg.byID[sessionID]; ok {
		rec.mu.Lock()
		rec.Runtime = runtime
		rec.mu.Unlock()
		return rec
	}

	now := time.Now()
	rec := &Record{
		SessionID:    sessionID,
		Runtime:      runtime,
		CreatedAt:    now,
		LastActiveAt: now,
		subscribers:  make(map[string]struct{}),
		state:        StateActive,
	}
	reg.byID[sessionID] = rec
	return rec
}

// SetGitContext attaches git context to an existing record. Per spec, this
// is only ever called after successful session creation.
func (reg *Registry) SetGitContext(sessionID string, gc *GitContext) {
	reg.mu.Lock()
	rec, ok := reg.byID[sessionID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.GitCtx = gc
	rec.mu.Unlock()
}

// Get returns the record for sessionID, if any.
func (reg *Registry) Get(sessionID string) (*Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.byID[sessionID]
	return rec, ok
}

// Attach binds connID as a subscriber of sessionID, cancelling any pending
// cleanup timer and transitioning Draining -> Active.
func (reg *Registry) Attach(connID, sessionID string) {
	reg.mu.Lock()
	rec, ok := reg.byID[sessionID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	if reg.wsToSess[connID] == nil {
		reg.wsToSess[connID] = make(map[string]struct{})
	}
	reg.wsToSess[connID][sessionID] = struct{}{}
	reg.mu.Unlock()

	rec.mu.Lock()
	rec.subscribers[connID] = struct{}{}
	rec.state = StateActive
	if rec.cleanupTimer != nil {
		rec.cleanupTimer.Stop()
		rec.cleanupTimer = nil
	}
	rec.mu.Unlock()
}

// Detach removes connID from every session it is subscribed to. Sessions
// that drain to zero subscribers move to Draining and arm an idle timer.
func (reg *Registry) Detach(connID string) {
	reg.mu.Lock()
	sessionIDs := reg.wsToSess[connID]
	delete(reg.wsToSess, connID)
	reg.mu.Unlock()

	for sessionID := range sessionIDs {
		reg.mu.Lock()
		rec, ok := reg.byID[sessionID]
		reg.mu.Unlock()
		if !ok {
			continue
		}
		reg.detachOne(rec, connID)
	}
}

func (reg *Registry) detachOne(rec *Record, connID string) {
	rec.mu.Lock()
	delete(rec.subscribers, connID)
	empty := len(rec.subscribers) == 0
	if empty && rec.state == StateActive {
		rec.state = StateDraining
		if reg.idleTTL > 0 {
			rec.cleanupTimer = time.AfterFunc(reg.idleTTL, func() { reg.expire(rec.SessionID) })
		}
	}
	rec.mu.Unlock()
}

func (reg *Registry) expire(sessionID string) {
	reg.mu.Lock()
	rec, ok := reg.byID[sessionID]
	if !ok {
		reg.mu.Unlock()
		return
	}

	rec.mu.Lock()
	stillEmpty := len(rec.subscribers) == 0
	if stillEmpty {
		rec.state = StateExpired
	}
	rec.mu.Unlock()

	if !stillEmpty {
		reg.mu.Unlock()
		return
	}

	delete(reg.byID, sessionID)
	reg.mu.Unlock()

	if reg.onExpire != nil {
		reg.onExpire(rec)
	}
}

// Touch updates lastActiveAt and cancels any pending cleanup (activity keeps
// a draining session alive without a subscriber re-attaching).
func (reg *Registry) Touch(sessionID string) {
	reg.mu.Lock()
	rec, ok := reg.byID[sessionID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.LastActiveAt = time.Now()
	if rec.cleanupTimer != nil {
		rec.cleanupTimer.Stop()
		rec.cleanupTimer = nil
	}
	if rec.state == StateDraining {
		rec.state = StateActive
	}
	rec.mu.Unlock()
}

// GetSubscribers returns the connection ids currently subscribed to
// sessionID — the fan-out target for notifications.
func (reg *Registry) GetSubscribers(sessionID string) []string {
	reg.mu.Lock()
	rec, ok := reg.byID[sessionID]
	reg.mu.Unlock()
	if !ok {
		return nil
	}
	return rec.Subscribers()
}

// HasSessionsForRuntime reports whether any record currently references
// runtime, governing whether a disconnect should stop it.
func (reg *Registry) HasSessionsForRuntime(runtime *agentruntime.Runtime) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, rec := range reg.byID {
		rec.mu.Lock()
		same := rec.Runtime == runtime
		rec.mu.Unlock()
		if same {
			return true
		}
	}
	return false
}

// SessionsForConnection returns the set of sessionIds a connection is
// currently attached to.
func (reg *Registry) SessionsForConnection(connID string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	set := reg.wsToSess[connID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
