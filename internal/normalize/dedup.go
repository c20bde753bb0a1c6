package normalize

import (
	"fmt"
	"strings"

	"github.com/mirrorstage/simdeck/internal/domain"
)

// contentPrefixLen bounds how much event text participates in a fingerprint.
const contentPrefixLen = 48

// DedupSession tracks the fingerprints of every event merged so far. The
// engine may redeliver overlapping event windows on successive polls; the
// session filters those out across batches, and Filter also removes
// duplicates inside a single batch.
type DedupSession struct {
	seen map[string]struct{}
}

// NewDedupSession creates an empty session.
func NewDedupSession() *DedupSession {
	return &DedupSession{seen: make(map[string]struct{})}
}

// Filter returns the events not seen before, in input order, and records
// their fingerprints.
func (s *DedupSession) Filter(batch []domain.RawEvent) []domain.RawEvent {
	out := make([]domain.RawEvent, 0, len(batch))
	for _, ev := range batch {
		fp := Fingerprint(ev)
		if _, dup := s.seen[fp]; dup {
			continue
		}
		s.seen[fp] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of distinct events seen this session.
func (s *DedupSession) Len() int {
	return len(s.seen)
}

// Fingerprint computes the identity of an event. Two events with equal
// fingerprints are the same event. Broadcasts are identified by their
// addressing and text alone; everything else also folds in the agent,
// a bounded content prefix, the event time, and the action name.
func Fingerprint(ev domain.RawEvent) string {
	if ev.Kind == domain.RawKindBroadcast {
		return fmt.Sprintf("%s|%s|%s", ev.Type, ev.Sender, ev.Text)
	}
	prefix := ev.Text
	if len(prefix) > contentPrefixLen {
		prefix = prefix[:contentPrefixLen]
	}
	// The type tag may be absent on bare-text records; the kind stands in.
	tag := ev.Type
	if tag == "" {
		tag = string(ev.Kind)
	}
	return strings.Join([]string{
		tag, ev.Agent, prefix, fmt.Sprintf("%d", ev.Time.UnixNano()), ev.Action,
	}, "|")
}
