package broker

import "encoding/json"

// remoteMeta is the client-supplied params._meta.remote block that triggers
// git workspace preparation on session/new.
type remoteMeta struct {
	URL      string `json:"url"`
	Branch   string `json:"branch,omitempty"`
	Revision string `json:"revision"`
}

// extractRemote pulls params._meta.remote out of a request's raw params, if
// present.
func extractRemote(params json.RawMessage) *remoteMeta {
	if len(params) == 0 {
		return nil
	}
	var probe struct {
		Meta struct {
			Remote *remoteMeta `json:"remote"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	return probe.Meta.Remote
}

// extractSessionID looks for a sessionId under either of its accepted keys.
func extractSessionID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		SessionID  string `json:"sessionId"`
		SessionID2 string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	return probe.SessionID2
}

// stripMeta removes the _meta key from a params object before forwarding to
// the agent, which has no concept of broker-level metadata.
func stripMeta(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return params
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(params, &m); err != nil {
		return params
	}
	delete(m, "_meta")
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}

// withCwd injects a cwd field into params, overwriting any existing value.
func withCwd(params json.RawMessage, cwd string) json.RawMessage {
	var m map[string]json.RawMessage
	if len(params) > 0 {
		_ = json.Unmarshal(params, &m)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	cwdBytes, _ := json.Marshal(cwd)
	m["cwd"] = cwdBytes
	out, err := json.Marshal(m)
	if err != nil {
		return params
	}
	return out
}

// extractResultSessionID pulls result.sessionId out of a normalised
// response's Result field, if present.
func extractResultSessionID(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var probe struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}

// attachTarget sets result._meta.target on a normalised response's result,
// preserving any existing _meta siblings.
func attachTarget(result json.RawMessage, target map[string]any) json.RawMessage {
	var m map[string]json.RawMessage
	if len(result) > 0 {
		if err := json.Unmarshal(result, &m); err != nil {
			m = nil
		}
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}

	var meta map[string]json.RawMessage
	if raw, ok := m["_meta"]; ok {
		_ = json.Unmarshal(raw, &meta)
	}
	if meta == nil {
		meta = map[string]json.RawMessage{}
	}
	targetBytes, _ := json.Marshal(target)
	meta["target"] = targetBytes

	metaBytes, _ := json.Marshal(meta)
	m["_meta"] = metaBytes

	out, err := json.Marshal(m)
	if err != nil {
		return result
	}
	return out
}

var validStopReasons = map[string]bool{
	"end_turn":          true,
	"max_tokens":        true,
	"max_turn_requests": true,
	"refusal":           true,
	"cancelled":         true,
}

// normalizePromptResult enforces the session/prompt response shape: a bare
// string result becomes {stopReason}, an unknown/missing stopReason falls
// back to end_turn, and a non-object _meta is dropped.
func normalizePromptResult(result json.RawMessage) (json.RawMessage, bool) {
	trimmed := result
	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		stopReason := asString
		forcedDefault := false
		if !validStopReasons[stopReason] {
			stopReason = "end_turn"
			forcedDefault = true
		}
		out, _ := json.Marshal(map[string]string{"stopReason": stopReason})
		return out, forcedDefault
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil || obj == nil {
		obj = map[string]json.RawMessage{}
	}

	forcedDefault := false
	var stopReason string
	if raw, ok := obj["stopReason"]; ok {
		_ = json.Unmarshal(raw, &stopReason)
	}
	if !validStopReasons[stopReason] {
		stopReason = "end_turn"
		forcedDefault = true
	}
	stopBytes, _ := json.Marshal(stopReason)
	obj["stopReason"] = stopBytes

	if raw, ok := obj["_meta"]; ok {
		var asObj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &asObj); err != nil {
			delete(obj, "_meta")
		}
	}

	out, err := json.Marshal(obj)
	if err != nil {
		out, _ = json.Marshal(map[string]string{"stopReason": stopReason})
	}
	return out, forcedDefault
}
