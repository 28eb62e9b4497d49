package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/acp-broker/internal/agentruntime"
	"github.com/workspace/acp-broker/internal/rpcproto"
)

// pingInterval and pongTimeout mirror the teacher's gateway keepalive
// constants (internal/acp/gateway.go): a WebSocket ping is sent on this
// cadence, and the read deadline is extended pingInterval+pongTimeout past
// every received pong (or any other frame).
const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

// Connection is one upgraded WebSocket client: its own default agent
// runtime, a sequential dispatch loop, and the bookkeeping needed to label
// and fan out responses/notifications.
type Connection struct {
	id        string
	agentName string
	ws        *websocket.Conn
	broker    *Broker
	runtime   *agentruntime.Runtime
	limiter   *rate.Limiter

	writeMu sync.Mutex

	idMu              sync.Mutex
	requestMethodByID map[string]string
}

// writeEnvelope marshals and writes e as a single WebSocket text frame.
// Guarded by writeMu since both the dispatch loop and the async ping ticker
// and notification fan-out write concurrently.
func (c *Connection) writeEnvelope(e *rpcproto.Envelope) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("broker: failed to marshal outbound envelope", "connection", c.id, "error", err)
		return
	}
	c.writeRaw(data)
}

func (c *Connection) writeRaw(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("broker: websocket write failed", "connection", c.id, "error", err)
	}
}

func (c *Connection) sendError(id json.RawMessage, code int, message string) {
	c.writeEnvelope(rpcproto.NewError(id, code, message))
}

// notifyProgress emits a remote/progress notification to this connection's
// client. Its signature matches gitworkspace.NotifyFunc so it can be passed
// directly as the notify callback during workspace setup.
func (c *Connection) notifyProgress(stage, message string, extra map[string]any) {
	params := map[string]any{"stage": stage, "message": message}
	for k, v := range extra {
		params[k] = v
	}
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return
	}
	c.writeEnvelope(&rpcproto.Envelope{JSONRPC: "2.0", Method: "remote/progress", Params: paramsBytes})
}

func (c *Connection) rememberRequestMethod(id json.RawMessage, method string) {
	c.idMu.Lock()
	c.requestMethodByID[idKey(id)] = method
	c.idMu.Unlock()
}

func (c *Connection) forgetRequestMethod(id json.RawMessage) string {
	key := idKey(id)
	c.idMu.Lock()
	method := c.requestMethodByID[key]
	delete(c.requestMethodByID, key)
	c.idMu.Unlock()
	return method
}

// run drives the connection's read loop and keepalive ping ticker until the
// WebSocket closes. Per-connection message handling is strictly sequential:
// one inbound envelope is fully dispatched before the next is read.
func (c *Connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				c.writeMu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

		if msgType != websocket.TextMessage {
			continue
		}

		if !c.limiter.Allow() {
			slog.Warn("broker: dropping inbound frame, rate limit exceeded", "connection", c.id)
			continue
		}

		c.handleFrame(ctx, data)
	}
}

// handleFrame parses one WebSocket frame (a single JSON-RPC object, or a
// batch array of them) and dispatches each envelope in order.
func (c *Connection) handleFrame(ctx context.Context, data []byte) {
	envelopes, ok := rpcproto.ParseMessages(data)
	if !ok {
		c.sendError(nil, rpcproto.CodeParseOrInvalidRequest, "Invalid Request")
		return
	}

	for _, e := range envelopes {
		if e == nil {
			c.sendError(nil, rpcproto.CodeParseOrInvalidRequest, "Invalid Request")
			continue
		}

		switch rpcproto.Classify(e) {
		case rpcproto.KindRequest:
			c.handleRequest(ctx, e)
		case rpcproto.KindNotification:
			c.handleNotification(ctx, e)
		default:
			c.sendError(e.ID, rpcproto.CodeParseOrInvalidRequest, "Invalid Request")
		}
	}
}

// resolvedRuntime picks the runtime that should handle params: the
// referenced session's runtime when sessionId resolves to a known record,
// else this connection's default runtime.
func (c *Connection) resolvedRuntime(params json.RawMessage) *agentruntime.Runtime {
	sessionID := extractSessionID(params)
	if sessionID == "" {
		return c.runtime
	}
	rec, ok := c.broker.deps.Sessions.Get(sessionID)
	if !ok {
		return c.runtime
	}
	return rec.Runtime
}
