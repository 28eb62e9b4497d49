package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/workspace/acp-broker/internal/agentruntime"
	"github.com/workspace/acp-broker/internal/rpcproto"
	"github.com/workspace/acp-broker/internal/session"
)

// handleNotification forwards an inbound notification (e.g. session/cancel)
// to the resolved runtime, unmodified.
func (c *Connection) handleNotification(ctx context.Context, e *rpcproto.Envelope) {
	rt := c.resolvedRuntime(e.Params)
	payload, err := json.Marshal(&rpcproto.Envelope{JSONRPC: "2.0", Method: e.Method, Params: e.Params})
	if err != nil {
		return
	}
	if err := rt.SendNotification(payload); err != nil {
		slog.Warn("broker: failed to forward notification", "connection", c.id, "method", e.Method, "error", err)
	}
}

// handleRequest dispatches a request envelope by method.
func (c *Connection) handleRequest(ctx context.Context, e *rpcproto.Envelope) {
	switch e.Method {
	case "session/new":
		c.handleSessionNew(ctx, e)
	case "session/load":
		c.handleSessionLoad(ctx, e)
	case "session/prompt":
		c.handleSessionPrompt(ctx, e)
	default:
		c.handleForward(ctx, e)
	}
}

// forwardRequest sends a single request to rt and returns its normalised
// response envelope (with e's original id).
func (c *Connection) forwardRequest(ctx context.Context, rt *agentruntime.Runtime, method string, id json.RawMessage, params json.RawMessage) *rpcproto.Envelope {
	payload, err := json.Marshal(&rpcproto.Envelope{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return rpcproto.NewError(id, rpcproto.CodeRuntimeError, "failed to encode request")
	}
	c.rememberRequestMethod(id, method)
	raw := rt.SendRequest(ctx, idKey(id), payload, c.broker.requestTimeout())
	labelledMethod := c.forgetRequestMethod(id)
	slog.Debug("broker: response", "connection", c.id, "method", labelledMethod)
	return rpcproto.Normalize(raw, id)
}

// handleForward is the default path: forward params (minus _meta) verbatim
// to the chosen runtime and return its normalised response.
func (c *Connection) handleForward(ctx context.Context, e *rpcproto.Envelope) {
	rt := c.resolvedRuntime(e.Params)
	params := stripMeta(e.Params)
	resp := c.forwardRequest(ctx, rt, e.Method, e.ID, params)
	c.touchIfKnownSession(e.Params)
	c.writeEnvelope(resp)
}

func (c *Connection) touchIfKnownSession(params json.RawMessage) {
	sessionID := extractSessionID(params)
	if sessionID == "" {
		return
	}
	c.broker.deps.Sessions.Touch(sessionID)
}

// handleSessionNew implements spec's session/new special-casing: git
// workspace preparation when params._meta.remote is present, session
// registration on success.
func (c *Connection) handleSessionNew(ctx context.Context, e *rpcproto.Envelope) {
	remote := extractRemote(e.Params)
	if remote == nil || remote.URL == "" || remote.Revision == "" {
		params := stripMeta(e.Params)
		resp := c.forwardRequest(ctx, c.runtime, e.Method, e.ID, params)
		if resp.Result != nil {
			if sessionID := extractResultSessionID(resp.Result); sessionID != "" {
				c.broker.deps.Sessions.Ensure(sessionID, c.runtime)
				c.broker.deps.Sessions.Attach(c.id, sessionID)
			}
		}
		c.writeEnvelope(resp)
		return
	}

	runID := newRunID()
	c.notifyProgress("session/new", "Preparing git workspace", nil)

	wc, err := c.broker.deps.Git.EnsureRepoWorkdir(ctx, remote.URL, remote.Branch, remote.Revision, runID, c.notifyProgress)
	if err != nil {
		c.sendError(e.ID, rpcproto.CodeRuntimeError, err.Error())
		return
	}

	revision, pushErr, err := c.broker.deps.Git.EnsureCommittedAndPushed(ctx, wc, c.notifyProgress)
	if err != nil {
		slog.Warn("broker: initial commit/push setup failed, continuing session start", "connection", c.id, "error", err)
	}
	if pushErr != nil {
		slog.Warn("broker: initial push failed, continuing without target annotation", "connection", c.id, "error", pushErr)
	}

	c.notifyProgress("session/new", "Starting ACP session", nil)

	params := withCwd(stripMeta(e.Params), wc.WorkDir)
	resp := c.forwardRequest(ctx, c.runtime, e.Method, e.ID, params)

	if resp.Result != nil {
		if sessionID := extractResultSessionID(resp.Result); sessionID != "" {
			c.broker.deps.Sessions.Ensure(sessionID, c.runtime)
			c.broker.deps.Sessions.Attach(c.id, sessionID)
			c.broker.deps.Sessions.SetGitContext(sessionID, &session.GitContext{
				RunID:     runID,
				RemoteURL: remote.URL,
				Branch:    wc.BranchName,
				Revision:  revision,
				Workspace: wc,
			})
			if err == nil && pushErr == nil {
				resp.Result = attachTarget(resp.Result, map[string]any{
					"url":      remote.URL,
					"branch":   wc.BranchName,
					"revision": revision,
				})
			}
		}
	}

	c.writeEnvelope(resp)
}

// handleSessionLoad requires a known sessionId and routes through its
// recorded runtime, injecting the recorded workdir as cwd.
func (c *Connection) handleSessionLoad(ctx context.Context, e *rpcproto.Envelope) {
	sessionID := extractSessionID(e.Params)
	if sessionID == "" {
		c.sendError(e.ID, rpcproto.CodeInvalidParams, "sessionId is required")
		return
	}

	rec, ok := c.broker.deps.Sessions.Get(sessionID)
	if !ok {
		c.sendError(e.ID, rpcproto.CodeRuntimeError, "Session not found")
		return
	}

	c.broker.deps.Sessions.Attach(c.id, sessionID)

	params := stripMeta(e.Params)
	if rec.GitCtx != nil && rec.GitCtx.Workspace != nil {
		params = withCwd(params, rec.GitCtx.Workspace.WorkDir)
	}

	resp := c.forwardRequest(ctx, rec.Runtime, e.Method, e.ID, params)
	c.broker.deps.Sessions.Touch(sessionID)
	c.writeEnvelope(resp)
}

// handleSessionPrompt normalises the agent's stopReason response and, when
// the session carries a git workspace, commits and pushes the agent's
// changes before replying.
func (c *Connection) handleSessionPrompt(ctx context.Context, e *rpcproto.Envelope) {
	sessionID := extractSessionID(e.Params)
	var rec *session.Record
	rt := c.runtime
	if sessionID != "" {
		if r, ok := c.broker.deps.Sessions.Get(sessionID); ok {
			rec = r
			rt = r.Runtime
		}
	}

	params := stripMeta(e.Params)
	resp := c.forwardRequest(ctx, rt, e.Method, e.ID, params)

	if resp.Error == nil {
		normalized, forcedDefault := normalizePromptResult(resp.Result)
		if forcedDefault {
			slog.Warn("broker: session/prompt missing/unknown stopReason, defaulting to end_turn", "connection", c.id, "sessionId", sessionID)
		}
		resp.Result = normalized
	}

	if rec != nil {
		c.broker.deps.Sessions.Touch(sessionID)

		if rec.GitCtx != nil && rec.GitCtx.Workspace != nil && resp.Error == nil {
			revision, pushErr, err := c.broker.deps.Git.EnsureCommittedAndPushed(ctx, rec.GitCtx.Workspace, c.notifyProgress)
			if err != nil {
				slog.Warn("broker: commit/push after prompt failed", "connection", c.id, "sessionId", sessionID, "error", err)
			} else if pushErr != nil {
				slog.Warn("broker: push after prompt failed", "connection", c.id, "sessionId", sessionID, "error", pushErr)
			} else {
				resp.Result = attachTarget(resp.Result, map[string]any{
					"url":      rec.GitCtx.RemoteURL,
					"branch":   rec.GitCtx.Branch,
					"revision": revision,
				})
			}
		}
	}

	c.writeEnvelope(resp)
}

