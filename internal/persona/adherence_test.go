package persona

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/llm"
)

type stubScorer struct {
	result *llm.ScoreResult
	err    error
	calls  int
}

func (s *stubScorer) Score(_ context.Context, _ llm.Request) (*llm.ScoreResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testPersona(t *testing.T) *Persona {
	t.Helper()
	p, err := Load(writePersonaFile(t, validPersona))
	if err != nil {
		t.Fatalf("load persona: %v", err)
	}
	return p
}

func TestValidateAccepts(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 0.9}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	res, err := v.Validate(context.Background(), "Orchids are just drama queens with roots.", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted {
		t.Errorf("expected acceptance, got reasons %v", res.Reasons)
	}
	if res.Score != 0.9 {
		t.Errorf("got score %v, want 0.9", res.Score)
	}
}

func TestValidateThresholdInclusive(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 0.6}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	res, err := v.Validate(context.Background(), "A draft exactly at the cutoff.", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted {
		t.Error("draft exactly at the threshold must be accepted")
	}
}

func TestValidateRejectsBelowThreshold(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 0.4, Reasons: []string{"too generic"}}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	res, err := v.Validate(context.Background(), "Nice post!", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Error("expected rejection below threshold")
	}
	if len(res.Reasons) == 0 || res.Reasons[0] != "too generic" {
		t.Errorf("expected model reasons to be carried, got %v", res.Reasons)
	}
}

func TestValidateLengthPenalty(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 0.8}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	long := strings.Repeat("orchid ", 50) // well past 280 runes
	res, err := v.Validate(context.Background(), long, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Error("expected length penalty to push score below threshold")
	}
	if res.Score != 0.5 {
		t.Errorf("got score %v, want 0.8 - 0.3 length penalty", res.Score)
	}
	if !hasReasonContaining(res.Reasons, "limit is 280") {
		t.Errorf("expected a length reason, got %v", res.Reasons)
	}
}

func TestValidateEmojiPolicy(t *testing.T) {
	p := testPersona(t) // emoji_usage: never
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 0.7}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	res, err := v.Validate(context.Background(), "Love this 🌸", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Error("expected emoji penalty to reject the draft")
	}
	if !hasReasonContaining(res.Reasons, "emoji") {
		t.Errorf("expected an emoji reason, got %v", res.Reasons)
	}
}

func TestValidateAvoidedPhrase(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 0.7}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	res, err := v.Validate(context.Background(), "As an AI, I find orchids fascinating.", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Error("expected avoided-phrase penalty to reject the draft")
	}
	if !hasReasonContaining(res.Reasons, "avoided phrase") {
		t.Errorf("expected an avoided-phrase reason, got %v", res.Reasons)
	}
}

func TestValidateEmptyDraftSkipsScorer(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{result: &llm.ScoreResult{Score: 1}}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	res, err := v.Validate(context.Background(), "   ", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted || res.Score != 0 {
		t.Errorf("expected zero-score rejection, got %+v", res)
	}
	if scorer.calls != 0 {
		t.Errorf("scorer called %d times for empty draft, want 0", scorer.calls)
	}
}

func TestValidateScorerError(t *testing.T) {
	p := testPersona(t)
	scorer := &stubScorer{err: errors.New("model unavailable")}
	v := NewValidator(scorer, 0.6, zap.NewNop())

	if _, err := v.Validate(context.Background(), "some draft", p); err == nil {
		t.Fatal("expected scorer error to propagate")
	}
}

func hasReasonContaining(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}
