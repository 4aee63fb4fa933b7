package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SummarizeParticipant builds the bounded agent-scope gist of a
// participant's contribution. The quoting frame guarantees the result
// never equals the participant's original text, and the gist is elided
// to maxChars runes, so agent-scope readers see what was said without
// the agent's voice absorbing it verbatim.
func SummarizeParticipant(alias, postID, text string, maxChars int) string {
	gist := elide(collapseSpace(text), maxChars)
	return fmt.Sprintf("re @%s (%s): %q", alias, postID, gist)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func elide(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes-1]) + "…"
}
