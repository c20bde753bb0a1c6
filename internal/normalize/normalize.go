// Package normalize converts the engine's schema-loose event stream into
// typed log entries and filters redelivered events. Classification is a pure
// function over the parsed event, the agent index, and a verbosity flag:
// identical inputs always produce identical output, and no input shape makes
// it fail. Text rewriting only ever touches raw-shaped input, never produced
// entries, so re-running the pipeline on its own output is a no-op.
package normalize

import (
	"fmt"
	"strings"

	"github.com/mirrorstage/simdeck/internal/domain"
)

// errMessageLimit caps error text carried into the log.
const errMessageLimit = 400

// speechActions are the action names whose action_end events are suppressed:
// the utterance itself is already delivered through the broadcast path, and
// emitting both would duplicate it.
var speechActions = map[string]bool{
	"say":               true,
	"speak":             true,
	"talk":              true,
	"broadcast_message": true,
}

// lifecycleLabels are the fixed labels for lifecycle marker events.
var lifecycleLabels = map[string]string{
	"process_start": "began thinking",
	"process_end":   "finished thinking",
	"plan_update":   "updated its plan",
}

// Normalize translates one classified raw event into at most one log entry.
// The second return is false when the event is suppressed. The entry's ID is
// left empty; the merge layer assigns it.
//
// Rules apply in order, first match wins (see each case). fallbackNodeID and
// fallbackRound fill in when the event itself carries neither.
func Normalize(ev domain.RawEvent, fallbackNodeID string, fallbackRound int, idx domain.AgentIndex, includeMetadata bool) (domain.LogEntry, bool) {
	entry := domain.LogEntry{
		NodeID:    fallbackNodeID,
		Round:     fallbackRound,
		Timestamp: ev.Time,
	}
	if ev.Round > 0 {
		entry.Round = ev.Round
	}

	switch ev.Kind {
	case domain.RawKindText:
		// Bare string records are engine chatter with no structure.
		entry.Type = domain.EntrySystem
		entry.Content = ev.Text
		return entry, true

	case domain.RawKindContextDelta:
		return normalizeContextDelta(ev, entry, idx)

	case domain.RawKindLifecycle:
		if !includeMetadata {
			return entry, false
		}
		label := lifecycleLabels[ev.Type]
		if label == "" {
			label = ev.Type
		}
		entry.Type = domain.EntryAgentMetadata
		entry.AgentName = ev.Agent
		entry.AgentID = idx.Lookup(ev.Agent)
		entry.Content = subjectLine(ev.Agent, label)
		return entry, true

	case domain.RawKindActionStart:
		if ev.Action == domain.YieldAction {
			// Always emitted: the UI's turn indicator keys off this entry.
			entry.Type = domain.EntryAgentMetadata
			entry.AgentName = ev.Agent
			entry.AgentID = idx.Lookup(ev.Agent)
			entry.Content = subjectLine(ev.Agent, "yielded the floor")
			return entry, true
		}
		if !includeMetadata {
			return entry, false
		}
		entry.Type = domain.EntryAgentAction
		entry.AgentName = ev.Agent
		entry.AgentID = idx.Lookup(ev.Agent)
		entry.Content = subjectLine(ev.Agent, "started "+actionLabel(ev.Action, ev.ActionArg))
		return entry, true

	case domain.RawKindError:
		entry.Type = domain.EntrySystem
		kind := ev.ErrorKind
		if kind == "" {
			kind = "error"
		}
		msg := ev.Text
		if len(msg) > errMessageLimit {
			msg = msg[:errMessageLimit]
		}
		if ev.Agent != "" {
			entry.Content = fmt.Sprintf("%s: %s: %s", ev.Agent, kind, msg)
		} else {
			entry.Content = fmt.Sprintf("%s: %s", kind, msg)
		}
		return entry, true

	case domain.RawKindBroadcast:
		return normalizeBroadcast(ev, entry, idx)

	case domain.RawKindActionEnd:
		if speechActions[ev.Action] {
			// Already represented via the broadcast path.
			return entry, false
		}
		entry.Type = domain.EntryAgentAction
		entry.AgentName = ev.Agent
		entry.AgentID = idx.Lookup(ev.Agent)
		entry.Content = subjectLine(ev.Agent, actionLabel(ev.Action, ev.ActionArg))
		return entry, true

	case domain.RawKindHostMessage:
		entry.Type = domain.EntryHostIntervention
		entry.Content = ev.Text
		return entry, true

	default:
		entry.Type = domain.EntrySystem
		if ev.Text != "" {
			entry.Content = ev.Text
		} else {
			entry.Content = ev.Type
		}
		return entry, true
	}
}

func normalizeContextDelta(ev domain.RawEvent, entry domain.LogEntry, idx domain.AgentIndex) (domain.LogEntry, bool) {
	switch ev.Role {
	case "agent", "assistant":
		// Agent-authored context: strip structured action markup, split into
		// thoughts/plan sections, and keep the result as metadata.
		cleaned := StripActionMarkup(ev.Text)
		thoughts, plan, found := SplitSections(cleaned)
		entry.Type = domain.EntryAgentMetadata
		entry.AgentName = ev.Agent
		entry.AgentID = idx.Lookup(ev.Agent)
		if found {
			entry.Content = joinSections(thoughts, plan)
		} else {
			entry.Content = RewritePhrases(strings.TrimSpace(cleaned))
		}
		return entry, true
	default:
		// Observer-facing context. Broadcast-shaped text is re-delivered
		// later as a broadcast event; emitting it here would duplicate it.
		if looksLikeBroadcast(ev.Text, idx) {
			return entry, false
		}
		entry.Type = domain.EntrySystem
		entry.Content = RewritePhrases(strings.TrimSpace(ev.Text))
		return entry, true
	}
}

func normalizeBroadcast(ev domain.RawEvent, entry domain.LogEntry, idx domain.AgentIndex) (domain.LogEntry, bool) {
	sender, text := attributeSpeech(ev, idx)
	if sender != "" {
		entry.Type = domain.EntryAgentSay
		entry.AgentName = sender
		entry.AgentID = idx.Lookup(sender)
		entry.Content = text
		return entry, true
	}
	entry.Type = domain.EntryEnvironment
	entry.Content = ev.Text
	return entry, true
}

// attributeSpeech decides whether broadcast text is attributable to a single
// agent. Resolution order: explicit sender field, "sender to recipient: text"
// addressing, then a leading "Name:" matching the roster.
func attributeSpeech(ev domain.RawEvent, idx domain.AgentIndex) (sender, text string) {
	text = ev.Text
	if ev.Sender != "" {
		return ev.Sender, stripSpeaker(text, ev.Sender)
	}
	if from, rest, ok := splitAddressed(text); ok && idx.Lookup(from) != "" {
		return from, rest
	}
	if from, rest, ok := splitSpeaker(text); ok && idx.Lookup(from) != "" {
		return from, rest
	}
	return "", text
}

// looksLikeBroadcast reports whether observer text has the shape of a
// broadcast or public event.
func looksLikeBroadcast(text string, idx domain.AgentIndex) bool {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "[broadcast]") || strings.HasPrefix(t, "[public]") {
		return true
	}
	if from, _, ok := splitAddressed(t); ok && idx.Lookup(from) != "" {
		return true
	}
	if from, _, ok := splitSpeaker(t); ok && idx.Lookup(from) != "" {
		return true
	}
	return false
}

// splitAddressed matches the "sender to recipient: text" shape.
func splitAddressed(text string) (from, rest string, ok bool) {
	head, rest, found := strings.Cut(text, ": ")
	if !found {
		return "", "", false
	}
	from, _, found = strings.Cut(head, " to ")
	if !found || strings.TrimSpace(from) == "" {
		return "", "", false
	}
	return strings.TrimSpace(from), rest, true
}

// splitSpeaker matches the "Name: text" shape.
func splitSpeaker(text string) (from, rest string, ok bool) {
	head, rest, found := strings.Cut(text, ": ")
	if !found || strings.TrimSpace(head) == "" || strings.Contains(head, "\n") {
		return "", "", false
	}
	return strings.TrimSpace(head), rest, true
}

// stripSpeaker removes a redundant leading "sender:" from broadcast text.
func stripSpeaker(text, sender string) string {
	if rest, found := strings.CutPrefix(text, sender+": "); found {
		return rest
	}
	return text
}

func subjectLine(agent, predicate string) string {
	if agent == "" {
		return predicate
	}
	return agent + " " + predicate
}

// actionLabel turns an engine action name into display text, e.g.
// "move_to"+"market" -> "move to (market)".
func actionLabel(action, arg string) string {
	label := strings.ReplaceAll(action, "_", " ")
	if label == "" {
		label = "acted"
	}
	if arg != "" {
		label += " (" + arg + ")"
	}
	return label
}
