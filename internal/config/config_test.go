package config

import (
	"testing"
	"time"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PLATFORM", "mock")
	t.Setenv("MEMORY_BACKEND", "chromem")
}

func TestLoadDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxDailyPosts != 20 {
		t.Errorf("got max daily posts %d, want 20", cfg.MaxDailyPosts)
	}
	if cfg.MaxDailyReplies != 50 {
		t.Errorf("got max daily replies %d, want 50", cfg.MaxDailyReplies)
	}
	if cfg.AdherenceThreshold != 0.6 {
		t.Errorf("got threshold %v, want 0.6", cfg.AdherenceThreshold)
	}
	if cfg.MaxAdherenceRetries != 2 {
		t.Errorf("got retries %d, want 2", cfg.MaxAdherenceRetries)
	}
	if cfg.CycleInterval != 4*time.Hour {
		t.Errorf("got cycle interval %v, want 4h", cfg.CycleInterval)
	}
	if cfg.SummaryMaxChars != 160 {
		t.Errorf("got summary max chars %d, want 160", cfg.SummaryMaxChars)
	}
}

func TestLoadOverrides(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("MAX_DAILY_POSTS", "3")
	t.Setenv("IDEA_FEEDS", "https://a.example/rss,https://b.example/atom")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxDailyPosts != 3 {
		t.Errorf("got max daily posts %d, want 3", cfg.MaxDailyPosts)
	}
	if len(cfg.IdeaFeeds) != 2 {
		t.Fatalf("got %d feeds, want 2", len(cfg.IdeaFeeds))
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("ADHERENCE_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}
}

func TestLoadRequiresPlatformCredentials(t *testing.T) {
	t.Setenv("PLATFORM", "threads")
	t.Setenv("THREADS_ACCESS_TOKEN", "")
	t.Setenv("THREADS_USER_ID", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing threads credentials")
	}
}

func TestLoadRejectsUnknownPlatform(t *testing.T) {
	t.Setenv("PLATFORM", "myspace")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}
