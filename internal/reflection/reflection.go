// Package reflection consolidates raw experience into durable
// knowledge. It periodically reads a window of episodic records,
// asks the model to distill facts and insights, and writes them back
// as semantic and reflective tiers. Source records are never touched.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/persona"
	"github.com/Chuanyin1202/anima/internal/relation"
)

// ParticipantSource lists the most-contacted participants for the
// daily sweep. Satisfied by the relation graph.
type ParticipantSource interface {
	TopParticipants(ctx context.Context, limit int) ([]relation.Participant, error)
}

// Config bounds the reflection window and its trigger.
type Config struct {
	WindowDays      int // episodic lookback, default 7
	MaxWindow       int // most records per run, default 50
	MinWindow       int // fewest records to proceed, default 5
	MinHours        int // hours between reflections, default 12
	MinNew          int // fresh episodic records required, default 10
	TopParticipants int // participant scopes per daily sweep, default 5
}

func (c Config) withDefaults() Config {
	if c.WindowDays <= 0 {
		c.WindowDays = 7
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 50
	}
	if c.MinWindow <= 0 {
		c.MinWindow = 5
	}
	if c.MinHours <= 0 {
		c.MinHours = 12
	}
	if c.MinNew <= 0 {
		c.MinNew = 10
	}
	if c.TopParticipants <= 0 {
		c.TopParticipants = 5
	}
	return c
}

// Engine runs reflection over one memory store.
type Engine struct {
	memory *memory.Store
	llm    llm.Client
	p      *persona.Persona
	graph  ParticipantSource
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a reflection engine. graph may be nil; the daily sweep
// then covers only the agent scope.
func New(mem *memory.Store, client llm.Client, p *persona.Persona, graph ParticipantSource, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		memory: mem,
		llm:    client,
		p:      p,
		graph:  graph,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// ShouldReflect reports whether enough time has passed and enough new
// experience accumulated since the last reflective record.
func (e *Engine) ShouldReflect(ctx context.Context) bool {
	recent, err := e.memory.Recent(ctx, memory.AgentOnly(), nil, e.cfg.MaxWindow)
	if err != nil {
		e.logger.Warn("reflection trigger check failed", zap.Error(err))
		return false
	}

	var last *memory.Record
	for i := range recent {
		if recent[i].Tier == memory.TierReflective {
			last = &recent[i]
			break
		}
	}
	if last == nil {
		return countEpisodic(recent, time.Time{}) >= e.cfg.MinNew
	}
	if e.now().Sub(last.Meta.Timestamp) < time.Duration(e.cfg.MinHours)*time.Hour {
		return false
	}
	return countEpisodic(recent, last.Meta.Timestamp) >= e.cfg.MinNew
}

func countEpisodic(records []memory.Record, since time.Time) int {
	n := 0
	for _, rec := range records {
		if rec.Tier == memory.TierEpisodic && rec.Meta.Timestamp.After(since) {
			n++
		}
	}
	return n
}

// Reflect consolidates the agent's own scope. It satisfies the decision
// engine's cycle-time hook.
func (e *Engine) Reflect(ctx context.Context) error {
	_, err := e.ReflectScope(ctx, memory.ScopeAgent)
	return err
}

// ReflectScope distills one scope's recent episodic window into new
// semantic and reflective records. A window below the minimum is
// skipped, returning no records and no error.
func (e *Engine) ReflectScope(ctx context.Context, scope memory.Scope) ([]memory.Record, error) {
	filter := memory.AgentOnly()
	about := "self"
	if id, ok := scope.Participant(); ok {
		filter = memory.ParticipantOnly(id)
		about = id
	}

	window, err := e.window(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(window) < e.cfg.MinWindow {
		e.logger.Info("skipping reflection, window too small",
			zap.String("scope", string(scope)),
			zap.Int("found", len(window)),
			zap.Int("required", e.cfg.MinWindow))
		return nil, nil
	}

	out, err := e.generate(ctx, window)
	if err != nil {
		return nil, err
	}

	written := make([]memory.Record, 0, len(out.Facts)+len(out.Insights))
	write := func(content string, tier memory.Tier) error {
		content = strings.TrimSpace(content)
		if content == "" {
			return nil
		}
		rec := memory.Record{
			Scope:   scope,
			Tier:    tier,
			Content: content,
			Meta:    memory.Meta{Kind: memory.KindReflection, About: about},
		}
		if err := e.memory.Write(ctx, &rec); err != nil {
			return err
		}
		written = append(written, rec)
		return nil
	}
	for _, fact := range out.Facts {
		if err := write(fact, memory.TierSemantic); err != nil {
			return written, fmt.Errorf("write fact: %w", err)
		}
	}
	for _, insight := range out.Insights {
		if err := write(insight, memory.TierReflective); err != nil {
			return written, fmt.Errorf("write insight: %w", err)
		}
	}

	e.logger.Info("reflection written",
		zap.String("scope", string(scope)),
		zap.Int("window", len(window)),
		zap.Int("facts", len(out.Facts)),
		zap.Int("insights", len(out.Insights)))
	return written, nil
}

// ReflectDaily sweeps the agent scope and the most-contacted
// participant scopes. Per-scope failures are logged; the first one is
// returned after the sweep completes.
func (e *Engine) ReflectDaily(ctx context.Context) error {
	var firstErr error
	if _, err := e.ReflectScope(ctx, memory.ScopeAgent); err != nil {
		e.logger.Warn("agent reflection failed", zap.Error(err))
		firstErr = err
	}

	if e.graph == nil {
		return firstErr
	}
	participants, err := e.graph.TopParticipants(ctx, e.cfg.TopParticipants)
	if err != nil {
		e.logger.Warn("participant lookup failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	for _, p := range participants {
		if _, err := e.ReflectScope(ctx, memory.ParticipantScope(p.ID)); err != nil {
			e.logger.Warn("participant reflection failed",
				zap.String("participant", p.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// window returns the scope's episodic records inside the lookback,
// newest first.
func (e *Engine) window(ctx context.Context, filter memory.ScopeFilter) ([]memory.Record, error) {
	recent, err := e.memory.Recent(ctx, filter, []memory.Tier{memory.TierEpisodic}, e.cfg.MaxWindow)
	if err != nil {
		return nil, fmt.Errorf("read reflection window: %w", err)
	}
	cutoff := e.now().AddDate(0, 0, -e.cfg.WindowDays)
	window := recent[:0:0]
	for _, rec := range recent {
		if rec.Meta.Timestamp.After(cutoff) {
			window = append(window, rec)
		}
	}
	return window, nil
}

type output struct {
	Facts    []string `json:"facts"`
	Insights []string `json:"insights"`
}

func (e *Engine) generate(ctx context.Context, window []memory.Record) (*output, error) {
	var memories strings.Builder
	for _, rec := range window {
		fmt.Fprintf(&memories, "[%s] (%s) %s\n",
			rec.Meta.Timestamp.Format("2006-01-02 15:04"), rec.Meta.Kind, rec.Content)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "As %s, reflect on your recent experiences:\n\n", e.p.Identity.Name)
	b.WriteString(memories.String())
	b.WriteString("\n---\n\n")
	b.WriteString("Distill what matters:\n")
	b.WriteString("- facts: concrete things you learned (about people, topics, the community)\n")
	b.WriteString("- insights: higher-level patterns or realizations, written in first person\n\n")
	b.WriteString("Be specific but concise. 2-4 items each.\n")
	b.WriteString(`Respond with JSON: {"facts": ["..."], "insights": ["..."]}`)

	raw, err := e.llm.Generate(ctx, llm.Request{
		System:      e.p.SystemPrompt(),
		Prompt:      b.String(),
		MaxTokens:   500,
		Temperature: 0.7,
		Advanced:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("generate reflection: %w", err)
	}
	return parseOutput(raw)
}

// parseOutput accepts the JSON object, optionally fenced the way
// smaller models like to return it.
func parseOutput(raw string) (*output, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var out output
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("unparseable reflection output: %q", raw)
	}
	if len(out.Facts) == 0 && len(out.Insights) == 0 {
		return nil, fmt.Errorf("reflection output carried no facts or insights")
	}
	return &out, nil
}
