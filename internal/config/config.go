package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings holds all runtime configuration, sourced from the environment.
// A .env file in the working directory is loaded first when present.
type Settings struct {
	Env      string `env:"ANIMA_ENV" envDefault:"production"`
	AgentID  string `env:"AGENT_ID" envDefault:"default"`
	DataDir  string `env:"DATA_DIR" envDefault:"./data"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Persona
	PersonaPath string `env:"PERSONA_PATH" envDefault:"./personas/default.json"`

	// LLM (OpenAI-compatible chat completions)
	LLMAPIKey        string        `env:"OPENAI_API_KEY"`
	LLMBaseURL       string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel         string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMAdvancedModel string        `env:"LLM_ADVANCED_MODEL" envDefault:"gpt-4o"`
	LLMTimeout       time.Duration `env:"LLM_TIMEOUT" envDefault:"120s"`

	// Embeddings
	EmbedProvider  string `env:"EMBED_PROVIDER" envDefault:"api"` // api | local
	EmbedBaseURL   string `env:"EMBED_BASE_URL"`                  // defaults to OPENAI_BASE_URL
	EmbedModel     string `env:"EMBED_MODEL" envDefault:"text-embedding-3-small"`
	EmbedDimension int    `env:"EMBED_DIMENSION" envDefault:"1536"`

	// Memory index
	MemoryBackend   string `env:"MEMORY_BACKEND" envDefault:"qdrant"` // qdrant | chromem
	QdrantHost      string `env:"QDRANT_HOST" envDefault:"localhost"`
	QdrantPort      int    `env:"QDRANT_PORT" envDefault:"6334"`
	SummaryMaxChars int    `env:"SUMMARY_MAX_CHARS" envDefault:"160"`

	// Platform
	Platform           string `env:"PLATFORM" envDefault:"threads"` // threads | discord | mock
	ThreadsAccessToken string `env:"THREADS_ACCESS_TOKEN"`
	ThreadsUserID      string `env:"THREADS_USER_ID"`
	ThreadsUsername    string `env:"THREADS_USERNAME"`
	SearchEnabled      bool   `env:"SEARCH_ENABLED" envDefault:"false"`
	DiscordToken       string `env:"DISCORD_TOKEN"`
	DiscordChannelID   string `env:"DISCORD_CHANNEL_ID"`

	// Decision engine
	MaxInteractionsPerCycle int           `env:"MAX_INTERACTIONS_PER_CYCLE" envDefault:"5"`
	FetchLimit              int           `env:"FETCH_LIMIT" envDefault:"20"`
	MaxDailyPosts           int           `env:"MAX_DAILY_POSTS" envDefault:"20"`
	MaxDailyReplies         int           `env:"MAX_DAILY_REPLIES" envDefault:"50"`
	MinPublishInterval      time.Duration `env:"MIN_PUBLISH_INTERVAL" envDefault:"300s"`
	AdherenceThreshold      float64       `env:"ADHERENCE_THRESHOLD" envDefault:"0.6"`
	MaxAdherenceRetries     int           `env:"MAX_ADHERENCE_RETRIES" envDefault:"2"`

	// Rate counter store
	RedisURL string `env:"REDIS_URL"`

	// Action ledger
	DatabaseURL string `env:"DATABASE_URL"`

	// Relation graph (optional)
	Neo4jURI      string `env:"NEO4J_URI"`
	Neo4jUser     string `env:"NEO4J_USER"`
	Neo4jPassword string `env:"NEO4J_PASSWORD"`

	// Reflection
	ReflectionMinHours    int `env:"REFLECTION_MIN_HOURS" envDefault:"12"`
	ReflectionMinMemories int `env:"REFLECTION_MIN_MEMORIES" envDefault:"10"`
	ReflectionWindowDays  int `env:"REFLECTION_WINDOW_DAYS" envDefault:"7"`
	ReflectionMinWindow   int `env:"REFLECTION_MIN_WINDOW" envDefault:"5"`
	ReflectionMaxWindow   int `env:"REFLECTION_MAX_WINDOW" envDefault:"50"`

	// Scheduler
	CycleInterval  time.Duration `env:"CYCLE_INTERVAL" envDefault:"4h"`
	CycleJitterMax time.Duration `env:"CYCLE_JITTER_MAX" envDefault:"30m"`
	ReflectionCron string        `env:"REFLECTION_CRON" envDefault:"0 23 * * *"`
	HarvestCron    string        `env:"HARVEST_CRON" envDefault:"0 6 * * *"`
	RetentionCron  string        `env:"RETENTION_CRON" envDefault:"30 3 * * *"`
	RetentionDays  int           `env:"RETENTION_DAYS" envDefault:"90"`

	// Webhook receiver
	WebhookEnabled bool          `env:"WEBHOOK_ENABLED" envDefault:"false"`
	WebhookHost    string        `env:"WEBHOOK_HOST" envDefault:"0.0.0.0"`
	WebhookPort    int           `env:"WEBHOOK_PORT" envDefault:"8090"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	ApifyToken     string        `env:"APIFY_TOKEN"`
	IngestMaxAge   time.Duration `env:"INGEST_MAX_AGE" envDefault:"24h"`
	IngestMaxItems int           `env:"INGEST_MAX_ITEMS" envDefault:"20"`

	// Idea harvest
	IdeaFeeds      []string `env:"IDEA_FEEDS" envSeparator:","`
	IdeaMaxAgeDays int      `env:"IDEA_MAX_AGE_DAYS" envDefault:"7"`

	// Operator notifications (optional)
	SlackToken   string `env:"SLACK_TOKEN"`
	SlackChannel string `env:"SLACK_CHANNEL"`
}

// Load reads .env (when present) and parses Settings from the environment.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	cfg := &Settings{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Settings) validate() error {
	if s.MaxDailyPosts < 0 || s.MaxDailyReplies < 0 {
		return fmt.Errorf("daily limits must be non-negative")
	}
	if s.AdherenceThreshold < 0 || s.AdherenceThreshold > 1 {
		return fmt.Errorf("adherence threshold must be within [0,1], got %v", s.AdherenceThreshold)
	}
	if s.MaxAdherenceRetries < 0 {
		return fmt.Errorf("max adherence retries must be non-negative")
	}
	switch s.Platform {
	case "threads":
		if s.ThreadsAccessToken == "" || s.ThreadsUserID == "" {
			return fmt.Errorf("threads platform requires THREADS_ACCESS_TOKEN and THREADS_USER_ID")
		}
	case "discord":
		if s.DiscordToken == "" || s.DiscordChannelID == "" {
			return fmt.Errorf("discord platform requires DISCORD_TOKEN and DISCORD_CHANNEL_ID")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown platform %q", s.Platform)
	}
	switch s.MemoryBackend {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("unknown memory backend %q", s.MemoryBackend)
	}
	return nil
}

// Dev reports whether the process runs in development mode.
func (s *Settings) Dev() bool { return s.Env == "dev" || s.Env == "development" }
