package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Persona is the immutable identity the agent speaks as. It is loaded
// once at startup, schema-checked, and read-only afterwards.
type Persona struct {
	Identity         Identity         `json:"identity"`
	Personality      Personality      `json:"personality"`
	SpeechPatterns   SpeechPatterns   `json:"speech_patterns"`
	Interests        Interests        `json:"interests"`
	Opinions         Opinions         `json:"opinions"`
	InteractionRules InteractionRules `json:"interaction_rules"`
}

type Identity struct {
	Name       string `json:"name"`
	Age        int    `json:"age,omitempty"`
	Occupation string `json:"occupation,omitempty"`
	Location   string `json:"location,omitempty"`
	Background string `json:"background,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

type Personality struct {
	Traits             []string `json:"traits"`
	Values             []string `json:"values"`
	CommunicationStyle string   `json:"communication_style"`
	EmotionalTendencies []string `json:"emotional_tendencies,omitempty"`
}

type SpeechPatterns struct {
	VocabularyLevel string   `json:"vocabulary_level"`
	SentenceLength  string   `json:"sentence_length"`
	EmojiUsage      string   `json:"emoji_usage"` // never, rare, occasional, frequent
	TypicalPhrases  []string `json:"typical_phrases,omitempty"`
	LanguageQuirks  []string `json:"language_quirks,omitempty"`
	AvoidedPhrases  []string `json:"avoided_phrases,omitempty"`
}

type Interests struct {
	Primary   []string `json:"primary"`
	Secondary []string `json:"secondary,omitempty"`
	Dislikes  []string `json:"dislikes,omitempty"`
}

type Opinions struct {
	Worldview string            `json:"worldview,omitempty"`
	Topics    map[string]string `json:"topics,omitempty"`
}

type InteractionRules struct {
	RespondTo          []string `json:"respond_to,omitempty"`
	AvoidRespondingTo  []string `json:"avoid_responding_to,omitempty"`
	MaxResponseLength  int      `json:"max_response_length"`
}

// Load reads and validates a persona definition from a JSON file.
// Validation failures are load-time errors; a persona that loads is
// usable for the lifetime of the run.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	var p Persona
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid persona %s: %w", path, err)
	}
	return &p, nil
}

func (p *Persona) validate() error {
	if strings.TrimSpace(p.Identity.Name) == "" {
		return fmt.Errorf("identity.name is required")
	}
	if p.Personality.CommunicationStyle == "" {
		p.Personality.CommunicationStyle = "casual and friendly"
	}
	if p.SpeechPatterns.EmojiUsage == "" {
		p.SpeechPatterns.EmojiUsage = "occasional"
	}
	switch p.SpeechPatterns.EmojiUsage {
	case "never", "rare", "occasional", "frequent":
	default:
		return fmt.Errorf("speech_patterns.emoji_usage must be one of never/rare/occasional/frequent, got %q", p.SpeechPatterns.EmojiUsage)
	}
	if p.InteractionRules.MaxResponseLength <= 0 {
		p.InteractionRules.MaxResponseLength = 280
	}
	return nil
}

// SystemPrompt renders the persona as a system instruction block for
// response generation.
func (p *Persona) SystemPrompt() string {
	traits := joinOr(p.Personality.Traits, "balanced")
	interests := joinOr(p.Interests.Primary, "various topics")
	values := joinOr(p.Personality.Values, "authenticity and growth")
	phrases := joinOr(p.SpeechPatterns.TypicalPhrases, "none specific")

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Identity.Name)
	if p.Identity.Occupation != "" {
		fmt.Fprintf(&b, ", a %s", p.Identity.Occupation)
	}
	b.WriteString(".\n\n")
	if p.Identity.Background != "" {
		fmt.Fprintf(&b, "Background: %s\n\n", p.Identity.Background)
	}
	fmt.Fprintf(&b, "Personality: You are %s. Your communication style is %s.\n", traits, p.Personality.CommunicationStyle)
	fmt.Fprintf(&b, "Your core values are: %s.\n\n", values)
	fmt.Fprintf(&b, "Interests: You're particularly interested in %s.\n\n", interests)
	b.WriteString("Speech patterns:\n")
	fmt.Fprintf(&b, "- Vocabulary: %s\n", p.SpeechPatterns.VocabularyLevel)
	fmt.Fprintf(&b, "- You use emojis %s\n", p.SpeechPatterns.EmojiUsage)
	fmt.Fprintf(&b, "- Characteristic phrases: %s\n", phrases)
	if p.Opinions.Worldview != "" {
		fmt.Fprintf(&b, "\nWorldview: %s\n", p.Opinions.Worldview)
	}
	b.WriteString("\nIMPORTANT RULES:\n")
	fmt.Fprintf(&b, "- Always stay in character as %s\n", p.Identity.Name)
	fmt.Fprintf(&b, "- Keep responses under %d characters\n", p.InteractionRules.MaxResponseLength)
	b.WriteString("- Be authentic to your personality - don't be generic\n")
	b.WriteString("- Draw from your interests when relevant\n")
	b.WriteString("- Use your characteristic speech patterns naturally\n")
	return b.String()
}

// ShortDescription is a one-line summary for logs and reports.
func (p *Persona) ShortDescription() string {
	n := len(p.Personality.Traits)
	if n > 3 {
		n = 3
	}
	return fmt.Sprintf("%s: %s", p.Identity.Name, strings.Join(p.Personality.Traits[:n], ", "))
}

// Avoids reports whether the content hits an avoid rule or disliked
// topic. Runs before any model call in the engagement gate.
func (p *Persona) Avoids(content string) bool {
	lower := strings.ToLower(content)
	for _, a := range p.InteractionRules.AvoidRespondingTo {
		if a != "" && strings.Contains(lower, strings.ToLower(a)) {
			return true
		}
	}
	for _, d := range p.Interests.Dislikes {
		if d != "" && strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// MatchesInterests reports whether the content mentions any primary or
// secondary interest.
func (p *Persona) MatchesInterests(content string) bool {
	lower := strings.ToLower(content)
	for _, in := range p.Interests.Primary {
		if in != "" && strings.Contains(lower, strings.ToLower(in)) {
			return true
		}
	}
	for _, in := range p.Interests.Secondary {
		if in != "" && strings.Contains(lower, strings.ToLower(in)) {
			return true
		}
	}
	return false
}

// EngagementKeywords returns the search terms used for keyword-based
// candidate discovery.
func (p *Persona) EngagementKeywords(limit int) []string {
	keywords := make([]string, 0, limit)
	for _, in := range p.Interests.Primary {
		if len(keywords) == limit {
			break
		}
		keywords = append(keywords, in)
	}
	for _, in := range p.Interests.Secondary {
		if len(keywords) == limit {
			break
		}
		keywords = append(keywords, in)
	}
	return keywords
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}
