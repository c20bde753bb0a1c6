package normalize

import "strings"

// Section markers used by the engine inside agent-authored context text.
const (
	thoughtsMarker = "Thoughts:"
	planMarker     = "Plan:"
)

// phraseRewriter maps engine-internal phrasing to the display phrasing the
// panel uses. This is a fixed substitution table, not translation; running it
// twice yields the same text.
var phraseRewriter = strings.NewReplacer(
	"You are now part of the scene.", "Joined the scene.",
	"It is now your turn to act.", "Turn to act.",
	"The moderator announces:", "Host announcement:",
	"the current simulation round", "this round",
	"observable environment state", "environment",
)

// RewritePhrases applies the fixed phrase substitutions.
func RewritePhrases(s string) string {
	return phraseRewriter.Replace(s)
}

// StripActionMarkup removes structured action markup embedded in agent text:
// fenced code blocks and <action ...>...</action> tags. The surrounding prose
// is preserved.
func StripActionMarkup(s string) string {
	s = stripFencedBlocks(s)
	for {
		open := strings.Index(s, "<action")
		if open < 0 {
			break
		}
		stop := strings.Index(s[open:], "</action>")
		if stop < 0 {
			// Unterminated tag: drop the rest of the line only.
			nl := strings.IndexByte(s[open:], '\n')
			if nl < 0 {
				s = s[:open]
				break
			}
			s = s[:open] + s[open+nl:]
			continue
		}
		s = s[:open] + s[open+stop+len("</action>"):]
	}
	return s
}

func stripFencedBlocks(s string) string {
	for {
		open := strings.Index(s, "```")
		if open < 0 {
			return s
		}
		stop := strings.Index(s[open+3:], "```")
		if stop < 0 {
			return s[:open]
		}
		s = s[:open] + s[open+3+stop+3:]
	}
}

// SplitSections splits agent context text on the fixed thoughts/plan markers.
// found is false when neither marker is present.
func SplitSections(s string) (thoughts, plan string, found bool) {
	ti := strings.Index(s, thoughtsMarker)
	pi := strings.Index(s, planMarker)
	if ti < 0 && pi < 0 {
		return "", "", false
	}
	if ti >= 0 {
		end := len(s)
		if pi > ti {
			end = pi
		}
		thoughts = strings.TrimSpace(s[ti+len(thoughtsMarker) : end])
	}
	if pi >= 0 {
		end := len(s)
		if ti > pi {
			end = ti
		}
		plan = strings.TrimSpace(s[pi+len(planMarker) : end])
	}
	return thoughts, plan, true
}

func joinSections(thoughts, plan string) string {
	var parts []string
	if thoughts != "" {
		parts = append(parts, "Thoughts: "+RewritePhrases(thoughts))
	}
	if plan != "" {
		parts = append(parts, "Plan: "+RewritePhrases(plan))
	}
	return strings.Join(parts, "\n")
}
