package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/config"
	"github.com/Chuanyin1202/anima/internal/embedding"
	"github.com/Chuanyin1202/anima/internal/ideas"
	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/notify"
	"github.com/Chuanyin1202/anima/internal/persona"
	"github.com/Chuanyin1202/anima/internal/platform"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
	"github.com/Chuanyin1202/anima/internal/reflection"
	"github.com/Chuanyin1202/anima/internal/relation"
	"github.com/Chuanyin1202/anima/internal/vectorstore"
	"github.com/Chuanyin1202/anima/internal/webhook"
)

// How many participants the retention pass walks when a relation
// graph is configured.
const retentionParticipantScan = 200

// app bundles one process worth of wired subsystems. The ledger and
// relation graph are optional: they stay nil when unconfigured or
// unreachable and every consumer treats nil as degraded, not fatal.
type app struct {
	cfg     *config.Settings
	logger  *zap.Logger
	persona *persona.Persona

	llm       llm.Client
	index     vectorstore.Index
	memory    *memory.Store
	adapter   platform.Adapter
	counters  ratelimit.Counters
	journal   *ledger.Store
	relations *relation.Graph
	notifier  *notify.Notifier
	pool      *ideas.Pool
	harvester *ideas.Harvester
	reflector *reflection.Engine
	brain     *brain.Engine
}

// buildApp wires the full agent from environment configuration.
// Required pieces (config, persona, LLM, memory, platform) fail the
// build; optional backends degrade with a warning.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	p, err := persona.Load(cfg.PersonaPath)
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}
	logger.Info("persona loaded",
		zap.String("name", p.Identity.Name),
		zap.String("path", cfg.PersonaPath))

	client := llm.NewOpenAI(llm.Config{
		BaseURL:       cfg.LLMBaseURL,
		APIKey:        cfg.LLMAPIKey,
		Model:         cfg.LLMModel,
		AdvancedModel: cfg.LLMAdvancedModel,
		Timeout:       cfg.LLMTimeout,
	}, logger.Named("llm"))

	embedBase := cfg.EmbedBaseURL
	if embedBase == "" {
		embedBase = cfg.LLMBaseURL
	}
	embedder, err := embedding.New(embedding.Config{
		Provider:  cfg.EmbedProvider,
		Endpoint:  embedBase,
		Model:     cfg.EmbedModel,
		APIKey:    cfg.LLMAPIKey,
		Dimension: cfg.EmbedDimension,
	})
	if err != nil {
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	var index vectorstore.Index
	switch cfg.MemoryBackend {
	case "chromem":
		index = vectorstore.NewChromem()
	default:
		index, err = vectorstore.NewQdrant(vectorstore.QdrantConfig{
			Host: cfg.QdrantHost,
			Port: cfg.QdrantPort,
		})
		if err != nil {
			return nil, fmt.Errorf("connect qdrant: %w", err)
		}
	}

	mem := memory.New(index, embedder, memory.Config{
		Prefix:          "anima_" + cfg.AgentID,
		SummaryMaxChars: cfg.SummaryMaxChars,
	}, logger.Named("memory"))

	adapter, err := buildAdapter(cfg, p, logger)
	if err != nil {
		return nil, err
	}
	if t, ok := adapter.(*platform.Threads); ok {
		if err := t.Verify(ctx); err != nil {
			return nil, fmt.Errorf("verify threads token: %w", err)
		}
	}

	limits := ratelimit.Limits{Posts: cfg.MaxDailyPosts, Replies: cfg.MaxDailyReplies}
	var counters ratelimit.Counters = ratelimit.NewMemoryCounters(limits)
	if cfg.RedisURL != "" {
		rc, rErr := ratelimit.NewRedisCounters(cfg.RedisURL, cfg.AgentID, limits, logger.Named("ratelimit"))
		if rErr != nil {
			logger.Warn("redis unavailable, budget counters are process-local", zap.Error(rErr))
		} else {
			counters = rc
		}
	}

	var journal *ledger.Store
	if cfg.DatabaseURL != "" {
		journal, err = ledger.New(ctx, cfg.DatabaseURL, logger.Named("ledger"))
		if err != nil {
			logger.Warn("postgres unavailable, running without the action ledger", zap.Error(err))
			journal = nil
		}
	}

	var relations *relation.Graph
	if cfg.Neo4jURI != "" {
		relations, err = relation.New(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.AgentID, logger.Named("relation"))
		if err != nil {
			logger.Warn("neo4j unavailable, running without the relation graph", zap.Error(err))
			relations = nil
		}
	}

	notifier := notify.New(cfg.SlackToken, cfg.SlackChannel, p.Identity.Name, logger.Named("notify"))

	pool, err := ideas.NewPool(filepath.Join(cfg.DataDir, "ideas.jsonl"), logger.Named("ideas"))
	if err != nil {
		return nil, fmt.Errorf("open idea pool: %w", err)
	}
	harvester := ideas.NewHarvester(pool, client, p, cfg.IdeaFeeds, logger.Named("harvest"))

	var source reflection.ParticipantSource
	if relations != nil {
		source = relations
	}
	reflector := reflection.New(mem, client, p, source, reflection.Config{
		WindowDays: cfg.ReflectionWindowDays,
		MaxWindow:  cfg.ReflectionMaxWindow,
		MinWindow:  cfg.ReflectionMinWindow,
		MinHours:   cfg.ReflectionMinHours,
		MinNew:     cfg.ReflectionMinMemories,
	}, logger.Named("reflection"))

	deps := brain.Deps{
		Persona:   p,
		Adapter:   adapter,
		Memory:    mem,
		LLM:       client,
		Validator: persona.NewValidator(client, cfg.AdherenceThreshold, logger.Named("adherence")),
		Counters:  counters,
		Pacer:     ratelimit.NewPacer(cfg.MinPublishInterval),
		Reflector: reflector,
		Notifier:  notifier,
		Ideas:     pool,
	}
	// Interface fields must stay untyped nil when a backend is absent,
	// or the engine's nil checks pass and the call blows up.
	if journal != nil {
		deps.Journal = journal
	}
	if relations != nil {
		deps.Relations = relations
	}

	engine := brain.New(deps, brain.Config{
		MaxInteractionsPerCycle: cfg.MaxInteractionsPerCycle,
		FetchLimit:              cfg.FetchLimit,
		MaxAdherenceRetries:     cfg.MaxAdherenceRetries,
		IdeaMaxAge:              time.Duration(cfg.IdeaMaxAgeDays) * 24 * time.Hour,
	}, logger.Named("brain"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		persona:   p,
		llm:       client,
		index:     index,
		memory:    mem,
		adapter:   adapter,
		counters:  counters,
		journal:   journal,
		relations: relations,
		notifier:  notifier,
		pool:      pool,
		harvester: harvester,
		reflector: reflector,
		brain:     engine,
	}, nil
}

func buildAdapter(cfg *config.Settings, p *persona.Persona, logger *zap.Logger) (platform.Adapter, error) {
	switch cfg.Platform {
	case "threads":
		return platform.NewThreads(platform.ThreadsConfig{
			AccessToken:   cfg.ThreadsAccessToken,
			UserID:        cfg.ThreadsUserID,
			Username:      cfg.ThreadsUsername,
			Signature:     p.Identity.Signature,
			SearchEnabled: cfg.SearchEnabled,
		}, logger.Named("threads")), nil
	case "discord":
		return platform.NewDiscord(platform.DiscordConfig{
			Token:     cfg.DiscordToken,
			ChannelID: cfg.DiscordChannelID,
			Signature: p.Identity.Signature,
		}, logger.Named("discord"))
	case "mock":
		m := platform.NewMock(cfg.AgentID)
		m.Seed(
			platform.Candidate{
				PostID:     "local-1",
				AuthorID:   "u-local-1",
				AuthorName: "first_tester",
				Text:       "anyone else lose a whole evening to one tiny side project?",
				CreatedAt:  time.Now().Add(-2 * time.Hour),
			},
			platform.Candidate{
				PostID:     "local-2",
				AuthorID:   "u-local-2",
				AuthorName: "second_tester",
				Text:       "hot take: most productivity advice online is just vibes",
				CreatedAt:  time.Now().Add(-45 * time.Minute),
			},
		)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}
}

// buildWebhookServer assembles the receiver around the already-wired
// engine. The apify handler and the console API share one run guard.
func buildWebhookServer(a *app) *webhook.Server {
	runner := webhook.NewRunner(a.brain, a.logger.Named("webhook"))
	apify := webhook.NewApify(runner, webhook.ApifyConfig{
		Token:    a.cfg.ApifyToken,
		SelfName: a.cfg.ThreadsUsername,
		MaxAge:   a.cfg.IngestMaxAge,
		MaxItems: a.cfg.IngestMaxItems,
	}, a.logger.Named("apify"))

	var reports webhook.ReportSource
	if a.journal != nil {
		reports = a.journal
	}
	return webhook.NewServer(webhook.Config{
		Host:   a.cfg.WebhookHost,
		Port:   a.cfg.WebhookPort,
		Secret: a.cfg.WebhookSecret,
	}, a.brain, runner, reports, a.pool, a.logger.Named("webhook"), apify)
}

// retain expires episodic memory past the retention window and prunes
// stale pending ideas. Semantic and reflective tiers are kept for good.
func (a *app) retain(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

	expired, err := a.memory.ExpireOlderThan(ctx, memory.ScopeAgent, memory.TierEpisodic, cutoff)
	if err != nil {
		return fmt.Errorf("expire agent scope: %w", err)
	}
	if a.relations != nil {
		parts, pErr := a.relations.TopParticipants(ctx, retentionParticipantScan)
		if pErr != nil {
			a.logger.Warn("retention participant listing failed", zap.Error(pErr))
		} else {
			for _, part := range parts {
				n, eErr := a.memory.ExpireOlderThan(ctx, memory.ParticipantScope(part.ID), memory.TierEpisodic, cutoff)
				if eErr != nil {
					a.logger.Warn("retention expire failed",
						zap.String("participant", part.ID), zap.Error(eErr))
					continue
				}
				expired += n
			}
		}
	}

	pruned, err := a.pool.ExpirePending(time.Duration(a.cfg.IdeaMaxAgeDays) * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("expire pending ideas: %w", err)
	}
	a.logger.Info("retention pass complete",
		zap.Int("memories_expired", expired),
		zap.Int("ideas_expired", pruned))
	return nil
}

// Close releases external connections. Safe on a partially built app.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.adapter != nil {
		if err := a.adapter.Close(); err != nil {
			a.logger.Warn("adapter close failed", zap.Error(err))
		}
	}
	if a.relations != nil {
		if err := a.relations.Close(ctx); err != nil {
			a.logger.Warn("relation graph close failed", zap.Error(err))
		}
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if rc, ok := a.counters.(*ratelimit.RedisCounters); ok {
		_ = rc.Close()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	_ = a.logger.Sync()
}

func newLogger(cfg *config.Settings) (*zap.Logger, error) {
	if cfg.Dev() {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogLevel != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
