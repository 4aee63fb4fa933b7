package memory

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSummarizeParticipantFrame(t *testing.T) {
	got := SummarizeParticipant("gardener42", "post-1", "orchids are hard", 160)
	want := `re @gardener42 (post-1): "orchids are hard"`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSummarizeParticipantCollapsesWhitespace(t *testing.T) {
	got := SummarizeParticipant("u", "p", "line one\n\n  line\ttwo", 160)
	if !strings.Contains(got, `"line one line two"`) {
		t.Errorf("whitespace not collapsed: %q", got)
	}
}

func TestSummarizeParticipantElides(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := SummarizeParticipant("u", "p", long, 40)

	gist := got[strings.Index(got, `"`):]
	if utf8.RuneCountInString(gist) > 42 { // 40 runes plus surrounding quotes
		t.Errorf("gist too long (%d runes): %q", utf8.RuneCountInString(gist), gist)
	}
	if !strings.Contains(got, "…") {
		t.Errorf("elided gist should end with ellipsis: %q", got)
	}
}

func TestSummarizeParticipantNeverEqualsOriginal(t *testing.T) {
	for _, text := range []string{"", "hi", strings.Repeat("x", 500), "多肉植物が好き"} {
		if got := SummarizeParticipant("u", "p", text, 160); got == text {
			t.Errorf("summary equals original for %q", text)
		}
	}
}

func TestSummarizeParticipantMultibyte(t *testing.T) {
	text := strings.Repeat("蘭", 50)
	got := SummarizeParticipant("u", "p", text, 10)
	if strings.Contains(got, "�") {
		t.Errorf("rune split corrupted output: %q", got)
	}
	gist := strings.Trim(got[strings.Index(got, `"`):], `"`)
	if utf8.RuneCountInString(gist) > 10 {
		t.Errorf("gist %d runes, want <= 10", utf8.RuneCountInString(gist))
	}
}
