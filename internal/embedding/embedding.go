package embedding

import (
	"context"
	"fmt"
)

// Provider turns text into vectors. The memory store is its only
// consumer; the decision engine never calls it directly.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider settings.
type Config struct {
	Provider  string // "api" (OpenAI-compatible) or "local" (Ollama-compatible)
	Endpoint  string
	Model     string
	APIKey    string
	Dimension int
}

// New builds the provider named in cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "api":
		return NewAPIProvider(cfg), nil
	case "local":
		return NewLocalProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
