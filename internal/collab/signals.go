package collab

import "strings"

const (
	collabSignal    = "[COLLAB]"
	convergedSignal = "[CONVERGED]"
)

// lastNonEmptyLine returns the last non-blank line of text, trimmed.
func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// stripTrailingCollabSignal removes a trailing [COLLAB] marker line from
// text, reporting whether one was present. Used when seeding a collab run
// from an agent-initiated request: the marker itself is never routed.
func stripTrailingCollabSignal(text string) (string, bool) {
	if lastNonEmptyLine(text) != collabSignal {
		return text, false
	}
	idx := strings.LastIndex(text, collabSignal)
	return strings.TrimRight(text[:idx], "\n \t"), true
}

// hasConvergedSignal reports whether text's last non-empty line is exactly
// [CONVERGED]. Convergence is checked on the agent's response as routed,
// so the signal is preserved verbatim in the text every peer sees.
func hasConvergedSignal(text string) bool {
	return lastNonEmptyLine(text) == convergedSignal
}

// stripTrailingConvergedSignal removes a trailing [CONVERGED] marker line
// from text. Collab signals are stripped from transcripted bodies, but the
// routed payload between agents keeps the marker verbatim — callers must
// only use the stripped result for the exchange log, never for routing.
func stripTrailingConvergedSignal(text string) string {
	if lastNonEmptyLine(text) != convergedSignal {
		return text
	}
	idx := strings.LastIndex(text, convergedSignal)
	return strings.TrimRight(text[:idx], "\n \t")
}
