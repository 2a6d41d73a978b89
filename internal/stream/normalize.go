package stream

import (
	"encoding/json"
	"strings"

	"harbor/internal/logging"
)

// Wire tags emitted by the worker's event stream.
const (
	wireMessagePartUpdated = "message.part.updated"
	wireMessageUpdated     = "message.updated"
	wireSessionIdle        = "session.idle"
	wireSessionError       = "session.error"
	wirePermissionUpdated  = "permission.updated"
	wirePermissionReplied  = "permission.replied"
)

// normalizeFrame maps a wire frame to a taxonomy event. The second return
// is false for malformed or unrecognized frames, which are dropped; no
// event is ever fabricated from bad input.
func normalizeFrame(sessionID string, f frame, logger *logging.Logger) (Event, bool) {
	payload := decodePayload(f.data)

	switch f.event {
	case wireMessagePartUpdated:
		return normalizePart(sessionID, f, payload, logger)
	case wireMessageUpdated:
		if payload == nil {
			return dropFrame(sessionID, f, logger)
		}
		ev := newEvent(KindMessageComplete, sessionID)
		ev.Data = payload
		return ev, true
	case wireSessionIdle:
		ev := newEvent(KindSessionIdle, sessionID)
		ev.Data = payload
		return ev, true
	case wireSessionError:
		ev := newEvent(KindSessionError, sessionID)
		ev.Data = payload
		ev.Text = errorMessage(payload)
		return ev, true
	case wirePermissionUpdated:
		if payload == nil {
			return dropFrame(sessionID, f, logger)
		}
		ev := newEvent(KindPermissionRequest, sessionID)
		ev.Data = payload
		return ev, true
	case wirePermissionReplied:
		if payload == nil {
			return dropFrame(sessionID, f, logger)
		}
		ev := newEvent(KindPermissionReply, sessionID)
		ev.Data = payload
		return ev, true
	default:
		return dropFrame(sessionID, f, logger)
	}
}

// normalizePart handles message.part.updated frames, whose payload is
// either a text fragment or a tool-use/tool-result part. The part object
// may appear at the top level or nested under "part".
func normalizePart(sessionID string, f frame, payload map[string]any, logger *logging.Logger) (Event, bool) {
	part := payload
	if nested, ok := payload["part"].(map[string]any); ok {
		part = nested
	}
	if part == nil {
		return dropFrame(sessionID, f, logger)
	}

	partType, _ := part["type"].(string)
	switch partType {
	case "text":
		text, ok := part["text"].(string)
		if !ok {
			return dropFrame(sessionID, f, logger)
		}
		ev := newEvent(KindTextChunk, sessionID)
		ev.Text = text
		return ev, true
	case "tool", "tool_use", "tool-use":
		ev := newEvent(toolKind(part), sessionID)
		ev.Data = payload
		ev.ToolName = stringField(part, "tool", "name")
		ev.CallID = stringField(part, "callID", "id")
		return ev, true
	case "tool_result", "tool-result":
		ev := newEvent(KindToolResult, sessionID)
		ev.Data = payload
		ev.ToolName = stringField(part, "tool", "name")
		ev.CallID = stringField(part, "callID", "id")
		return ev, true
	default:
		return dropFrame(sessionID, f, logger)
	}
}

// toolKind distinguishes a finished tool part from an in-flight one by its
// state status.
func toolKind(part map[string]any) Kind {
	state, _ := part["state"].(map[string]any)
	status, _ := state["status"].(string)
	switch status {
	case "completed", "error":
		return KindToolResult
	default:
		return KindToolInvocation
	}
}

func decodePayload(data string) map[string]any {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil
	}
	return payload
}

func errorMessage(payload map[string]any) string {
	for _, key := range []string{"message", "error"} {
		if msg, ok := payload[key].(string); ok && msg != "" {
			return msg
		}
	}
	return ""
}

func stringField(part map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := part[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func dropFrame(sessionID string, f frame, logger *logging.Logger) (Event, bool) {
	if logger != nil {
		logger.Debug("dropping unrecognized stream frame", map[string]string{
			"session_id": sessionID,
			"event":      f.event,
		})
	}
	return Event{}, false
}
