package domain

import (
	"encoding/json"
	"time"
)

// RawEventKind is the closed set of recognized raw event shapes. The engine's
// event stream carries no fixed schema, so every record is classified into one
// of these shapes up front and rule dispatch works on the result.
type RawEventKind string

const (
	RawKindText         RawEventKind = "text"          // bare string or non-object record
	RawKindContextDelta RawEventKind = "context_delta" // observer- or agent-authored context text
	RawKindLifecycle    RawEventKind = "lifecycle"     // process_start / process_end / plan_update
	RawKindActionStart  RawEventKind = "action_start"
	RawKindActionEnd    RawEventKind = "action_end"
	RawKindError        RawEventKind = "error"
	RawKindBroadcast    RawEventKind = "broadcast" // system_broadcast / public_event
	RawKindHostMessage  RawEventKind = "host_message"
	RawKindUnstructured RawEventKind = "unstructured"
)

// YieldAction is the reserved action-name sentinel for an agent giving up its
// turn. The UI's turn indicator depends on the resulting entry, so it is
// emitted regardless of the metadata verbosity flag.
const YieldAction = "yield"

// RawEvent is the classified form of one record from the engine's event
// stream. Fields are populated on a best-effort basis; absent fields stay
// zero. The original record is retained in Raw and never mutated.
type RawEvent struct {
	Kind      RawEventKind
	Type      string // original type tag, if any
	Agent     string
	Role      string // context delta author role: "observer" or "agent"
	Sender    string
	Text      string
	Action    string
	ActionArg string
	ErrorKind string
	Round     int
	Time      time.Time
	Raw       json.RawMessage
}

// ParseRawEvent classifies one opaque record. It never fails: anything that
// does not match a known shape comes back as RawKindText (non-object input)
// or RawKindUnstructured (object with an unknown type tag).
func ParseRawEvent(data json.RawMessage) RawEvent {
	ev := RawEvent{Kind: RawKindUnstructured, Raw: data}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		ev.Kind = RawKindText
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			ev.Text = s
		} else {
			ev.Text = string(data)
		}
		return ev
	}

	ev.Type = stringField(obj, "type", "event_type")
	ev.Round = intField(obj, "round", "turn")
	ev.Time = timeField(obj, "time", "timestamp", "ts")

	body, _ := obj["data"].(map[string]any)
	if body == nil {
		body, _ = obj["payload"].(map[string]any)
	}
	if body == nil {
		body = obj
	}

	ev.Agent = stringField(body, "agent", "agent_name", "name")
	ev.Text = stringField(body, "text", "content", "message")
	if ev.Round == 0 {
		ev.Round = intField(body, "round", "turn")
	}
	if ev.Time.IsZero() {
		ev.Time = timeField(body, "time", "timestamp", "ts")
	}

	switch ev.Type {
	case "context_delta", "context_update":
		ev.Kind = RawKindContextDelta
		ev.Role = stringField(body, "role", "author")
	case "process_start", "process_end", "plan_update":
		ev.Kind = RawKindLifecycle
	case "action_start":
		ev.Kind = RawKindActionStart
		ev.Action, ev.ActionArg = actionFields(body)
	case "action_end":
		ev.Kind = RawKindActionEnd
		ev.Action, ev.ActionArg = actionFields(body)
	case "error", "agent_error":
		ev.Kind = RawKindError
		ev.ErrorKind = stringField(body, "error_type", "kind", "code")
	case "system_broadcast", "public_event", "broadcast":
		ev.Kind = RawKindBroadcast
		ev.Sender = stringField(body, "sender", "from")
	case "host_message", "host_intervention":
		ev.Kind = RawKindHostMessage
	}
	return ev
}

func actionFields(body map[string]any) (name, arg string) {
	action, ok := body["action"].(map[string]any)
	if !ok {
		return stringField(body, "action", "action_name"), ""
	}
	return stringField(action, "action", "name"), stringField(action, "argument", "target")
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return int(f)
		}
	}
	return 0
}

func timeField(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			sec := int64(v)
			// Engines have shipped both unix seconds and milliseconds.
			if sec > 1e12 {
				return time.UnixMilli(sec).UTC()
			}
			if sec > 0 {
				return time.Unix(sec, 0).UTC()
			}
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
