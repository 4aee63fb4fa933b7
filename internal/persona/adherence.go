package persona

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/llm"
)

// AdherenceResult is the outcome of validating one draft against the
// persona. Ephemeral: produced and consumed within a single cycle
// iteration.
type AdherenceResult struct {
	Accepted bool
	Score    float64
	Reasons  []string
}

// Scorer is the slice of the model capability the validator needs.
type Scorer interface {
	Score(ctx context.Context, req llm.Request) (*llm.ScoreResult, error)
}

const (
	penaltyLength        = 0.3
	penaltyEmoji         = 0.2
	penaltyAvoidedPhrase = 0.2
)

// EmojiPattern matches the common emoji blocks. Shared with the
// decision engine's reaction heuristic.
var EmojiPattern = regexp.MustCompile(`[\x{1F300}-\x{1F5FF}\x{1F600}-\x{1F64F}\x{1F680}-\x{1F6FF}\x{1F900}-\x{1F9FF}\x{1FA70}-\x{1FAFF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}]`)

// Validator scores drafts against a persona. It holds no state across
// calls; regeneration context is the caller's responsibility.
type Validator struct {
	scorer    Scorer
	threshold float64
	logger    *zap.Logger
}

// NewValidator creates a validator with the given acceptance threshold.
// A draft scoring exactly at the threshold is accepted.
func NewValidator(scorer Scorer, threshold float64, logger *zap.Logger) *Validator {
	return &Validator{scorer: scorer, threshold: threshold, logger: logger}
}

// Validate checks a draft for persona adherence. Deterministic rule
// violations (length, emoji policy, avoided phrases) each subtract a
// fixed penalty from the model's tone score and add a reason.
func (v *Validator) Validate(ctx context.Context, draft string, p *Persona) (*AdherenceResult, error) {
	if strings.TrimSpace(draft) == "" {
		return &AdherenceResult{Accepted: false, Score: 0, Reasons: []string{"empty response"}}, nil
	}

	var penalty float64
	var reasons []string

	if n := utf8.RuneCountInString(draft); n > p.InteractionRules.MaxResponseLength {
		penalty += penaltyLength
		reasons = append(reasons, fmt.Sprintf("response is %d characters, limit is %d", n, p.InteractionRules.MaxResponseLength))
	}
	if p.SpeechPatterns.EmojiUsage == "never" && EmojiPattern.MatchString(draft) {
		penalty += penaltyEmoji
		reasons = append(reasons, "contains emoji but persona never uses emoji")
	}
	lower := strings.ToLower(draft)
	for _, phrase := range p.SpeechPatterns.AvoidedPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			penalty += penaltyAvoidedPhrase
			reasons = append(reasons, fmt.Sprintf("uses avoided phrase %q", phrase))
		}
	}

	toneScore, err := v.scorer.Score(ctx, llm.Request{
		System: "You are an expert at evaluating persona consistency.",
		Prompt: v.rubric(draft, p),
	})
	if err != nil {
		return nil, fmt.Errorf("adherence scoring: %w", err)
	}
	reasons = append(reasons, toneScore.Reasons...)

	score := toneScore.Score - penalty
	if score < 0 {
		score = 0
	}
	accepted := score >= v.threshold

	v.logger.Debug("adherence check",
		zap.Float64("score", score),
		zap.Float64("tone_score", toneScore.Score),
		zap.Float64("penalty", penalty),
		zap.Bool("accepted", accepted))

	return &AdherenceResult{Accepted: accepted, Score: score, Reasons: reasons}, nil
}

func (v *Validator) rubric(draft string, p *Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate if this response sounds like it came from %s.\n\n", p.Identity.Name)
	fmt.Fprintf(&b, "Persona traits: %s\n", strings.Join(p.Personality.Traits, ", "))
	fmt.Fprintf(&b, "Communication style: %s\n", p.Personality.CommunicationStyle)
	fmt.Fprintf(&b, "Speech patterns: vocabulary=%s, emoji=%s\n\n", p.SpeechPatterns.VocabularyLevel, p.SpeechPatterns.EmojiUsage)
	fmt.Fprintf(&b, "Response to evaluate: %q\n\n", draft)
	b.WriteString("Score the adherence from 0.0 to 1.0, where:\n")
	b.WriteString("- 1.0 = perfectly in character\n")
	b.WriteString("- 0.7 = mostly in character with minor inconsistencies\n")
	b.WriteString("- 0.5 = generic, could be anyone\n")
	b.WriteString("- 0.3 = somewhat out of character\n")
	b.WriteString("- 0.0 = completely wrong character\n\n")
	b.WriteString(`Respond with JSON: {"score": <number>, "reasons": ["<short reason per issue>"]}`)
	return b.String()
}
