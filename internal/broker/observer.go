package broker

import (
	"encoding/json"
	"log/slog"

	"github.com/workspace/acp-broker/internal/agentruntime"
)

// runtimeObserver bridges one AgentRuntime's notifications/logs back into
// the broker's session-aware fan-out. A runtime's notifications do not
// necessarily stay with the connection that spawned it — once a second
// connection attaches to the same session via session/load, notifications
// bearing that sessionId must reach every attached subscriber, not just the
// owning connection.
type runtimeObserver struct {
	broker *Broker
	conn   *Connection // the connection that owns/spawned this runtime
}

func (o *runtimeObserver) OnNotification(raw json.RawMessage) {
	var probe struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(raw, &probe)

	sessionID := extractSessionID(probe.Params)

	targets := map[string]struct{}{}
	if sessionID != "" {
		for _, connID := range o.broker.deps.Sessions.GetSubscribers(sessionID) {
			targets[connID] = struct{}{}
		}
	}
	if len(targets) == 0 {
		// Pre-session traffic, or a sessionId the registry doesn't know
		// about: fall back to the runtime's owning connection.
		targets[o.conn.id] = struct{}{}
	}

	for connID := range targets {
		if c, ok := o.broker.connByID(connID); ok {
			c.writeRaw(raw)
		}
	}

	o.broker.deps.Coalescer.Record(o.conn.id, "notification", len(raw))
}

func (o *runtimeObserver) OnLog(entry agentruntime.LogEntry) {
	if entry.Direction != "error" && entry.Direction != "raw" {
		return
	}
	slog.Debug("agentruntime log",
		"runtime", o.conn.runtime.ID,
		"connection", o.conn.id,
		"direction", entry.Direction,
		"payload", entry.Payload,
	)
}
