package llm

import "context"

// Client is the language-model capability: draft text and score text
// against a rubric. Output is non-deterministic; callers own any retry
// policy around it.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Score(ctx context.Context, req Request) (*ScoreResult, error)
}

// Request describes one model call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	// Advanced selects the higher-capability model, used for original
	// posts, refinement and reflection.
	Advanced bool
}

// ScoreResult is the structured outcome of a scoring call.
type ScoreResult struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}
