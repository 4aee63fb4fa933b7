// Package brain drives the agent's interaction loop. Each cycle walks
// FETCH, FILTER, and per-candidate DRAFT, VALIDATE, COMMIT states, then
// summarizes what happened into a cycle report. The engine never holds
// platform state between cycles; everything durable lives in memory,
// the ledger, and the relation graph.
package brain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/ideas"
	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/persona"
	"github.com/Chuanyin1202/anima/internal/platform"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
)

// ErrBudgetSpent reports that the daily publish budget for the
// requested action kind is exhausted.
var ErrBudgetSpent = errors.New("brain: daily publish budget spent")

// Journal is the slice of the action ledger the engine writes to.
type Journal interface {
	RecordPublish(ctx context.Context, a ledger.PublishedAction) error
	RecordOrphan(ctx context.Context, o ledger.OrphanedAction) error
	SaveReport(ctx context.Context, r *ledger.CycleReport) error
}

// RelationRecorder mirrors committed interactions into the social graph.
type RelationRecorder interface {
	RecordInteraction(ctx context.Context, participantID, alias, postID string) error
}

// Reflector consolidates episodic memory when enough has accumulated.
type Reflector interface {
	ShouldReflect(ctx context.Context) bool
	Reflect(ctx context.Context) error
}

// Notifier pushes cycle outcomes to the operator channel.
type Notifier interface {
	CycleDone(ctx context.Context, r *ledger.CycleReport)
}

// Deps carries the engine's collaborators. Persona, Adapter, Memory,
// LLM, Validator, Counters and Pacer are required; the rest are
// optional and checked for nil before use.
type Deps struct {
	Persona   *persona.Persona
	Adapter   platform.Adapter
	Memory    *memory.Store
	LLM       llm.Client
	Validator *persona.Validator
	Counters  ratelimit.Counters
	Pacer     *ratelimit.Pacer
	Journal   Journal
	Relations RelationRecorder
	Reflector Reflector
	Notifier  Notifier
	Ideas     *ideas.Pool
}

// Config tunes the engine. Zero values fall back to defaults, except
// MaxAdherenceRetries where zero genuinely means no refinement passes.
type Config struct {
	MaxInteractionsPerCycle int           // publishes per cycle, default 5
	FetchLimit              int           // candidates per fetch, default 20
	MaxAdherenceRetries     int           // refinement passes after the first draft
	MaxPostChars            int           // platform hard cap, default 500
	IdeaMaxAge              time.Duration // idea material recency window, default 7 days
	DryRun                  bool          // observation mode: draft but never publish
}

func (c Config) withDefaults() Config {
	if c.MaxInteractionsPerCycle <= 0 {
		c.MaxInteractionsPerCycle = 5
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 20
	}
	if c.MaxAdherenceRetries < 0 {
		c.MaxAdherenceRetries = 0
	}
	if c.MaxPostChars <= 0 {
		c.MaxPostChars = 500
	}
	if c.IdeaMaxAge <= 0 {
		c.IdeaMaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Engine is the decision core. One engine serves one persona on one
// platform adapter.
type Engine struct {
	p         *persona.Persona
	adapter   platform.Adapter
	memory    *memory.Store
	llm       llm.Client
	validator *persona.Validator
	counters  ratelimit.Counters
	pacer     *ratelimit.Pacer
	journal   Journal
	relations RelationRecorder
	reflector Reflector
	notifier  Notifier
	ideas     *ideas.Pool
	cfg       Config
	logger    *zap.Logger
}

// New assembles an engine from its dependencies.
func New(deps Deps, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		p:         deps.Persona,
		adapter:   deps.Adapter,
		memory:    deps.Memory,
		llm:       deps.LLM,
		validator: deps.Validator,
		counters:  deps.Counters,
		pacer:     deps.Pacer,
		journal:   deps.Journal,
		relations: deps.Relations,
		reflector: deps.Reflector,
		notifier:  deps.Notifier,
		ideas:     deps.Ideas,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// AgentStats is the CLI-facing snapshot of memory and budget state.
type AgentStats struct {
	Agent  string          `json:"agent"`
	Memory *memory.Stats   `json:"memory"`
	Usage  ratelimit.Usage `json:"usage"`
}

// Stats reports the agent-scope memory counts and today's publish usage.
func (e *Engine) Stats(ctx context.Context) (*AgentStats, error) {
	mem, err := e.memory.Stats(ctx, memory.AgentOnly())
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	usage, err := e.counters.Usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("counter usage: %w", err)
	}
	return &AgentStats{
		Agent:  e.p.Identity.Name,
		Memory: mem,
		Usage:  usage,
	}, nil
}
