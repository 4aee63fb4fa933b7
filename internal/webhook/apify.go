package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/platform"
)

const eventRunSucceeded = "ACTOR.RUN.SUCCEEDED"

// ApifyConfig tunes the apify provider.
type ApifyConfig struct {
	Token    string        // dataset API token
	BaseURL  string        // default https://api.apify.com/v2
	SelfName string        // username whose posts are filtered out
	MaxAge   time.Duration // oldest item accepted, default 24h
	MaxItems int           // per-run ingestion cap, default 20
}

func (c ApifyConfig) withDefaults() ApifyConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.apify.com/v2"
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 20
	}
	return c
}

// Apify handles crawler run-completion events: it pulls the run's
// dataset, filters the items down to usable candidates and triggers
// one ingestion cycle over them.
type Apify struct {
	runner *Runner
	cfg    ApifyConfig
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewApify creates the apify webhook provider.
func NewApify(runner *Runner, cfg ApifyConfig, logger *zap.Logger) *Apify {
	return &Apify{
		runner: runner,
		cfg:    cfg.withDefaults(),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// Provider names the webhook route segment.
func (a *Apify) Provider() string { return "apify" }

type apifyEvent struct {
	EventType string `json:"eventType"`
	Resource  struct {
		ID               string `json:"id"`
		ActID            string `json:"actId"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"resource"`
}

// apifyItem covers the two field shapes crawlers emit: flat
// username/text and nested author/content.
type apifyItem struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
	URL    string `json:"url"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Handle processes one event. Dataset problems degrade to a logged
// no-op; an error return is reserved for payloads that do not match
// the event shape at all.
func (a *Apify) Handle(ctx context.Context, payload []byte) error {
	var ev apifyEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode apify event: %w", err)
	}
	if ev.EventType != eventRunSucceeded {
		a.logger.Info("ignoring apify event", zap.String("event", ev.EventType))
		return nil
	}
	if ev.Resource.DefaultDatasetID == "" {
		a.logger.Warn("apify event without dataset", zap.String("run", ev.Resource.ID))
		return nil
	}

	items, err := a.fetchDataset(ctx, ev.Resource.DefaultDatasetID)
	if err != nil {
		a.logger.Error("apify dataset fetch failed",
			zap.String("dataset", ev.Resource.DefaultDatasetID), zap.Error(err))
		return nil
	}
	candidates := a.ingest(items)
	if len(candidates) == 0 {
		a.logger.Info("apify dataset had no usable items",
			zap.String("dataset", ev.Resource.DefaultDatasetID), zap.Int("raw", len(items)))
		return nil
	}

	report, ok := a.runner.TryCycle(ctx, brain.CycleOptions{Candidates: candidates})
	if !ok {
		a.logger.Warn("ingestion cycle already running, dropping trigger",
			zap.Int("candidates", len(candidates)))
		return nil
	}
	a.logger.Info("ingestion cycle finished",
		zap.String("dataset", ev.Resource.DefaultDatasetID),
		zap.String("summary", report.Summary()))
	return nil
}

func (a *Apify) fetchDataset(ctx context.Context, datasetID string) ([]apifyItem, error) {
	if a.cfg.Token == "" {
		return nil, fmt.Errorf("no apify token configured")
	}

	q := url.Values{}
	q.Set("token", a.cfg.Token)
	q.Set("limit", fmt.Sprint(a.cfg.MaxItems))
	u := fmt.Sprintf("%s/datasets/%s/items?%s", a.cfg.BaseURL, url.PathEscape(datasetID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dataset fetch returned %d", resp.StatusCode)
	}

	var items []apifyItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	a.logger.Info("apify dataset fetched",
		zap.String("dataset", datasetID), zap.Int("items", len(items)))
	return items, nil
}

// ingest filters raw items down to candidates: self posts, empty
// posts, unidentifiable posts and stale posts all drop here, before
// the engine ever sees them.
func (a *Apify) ingest(items []apifyItem) []platform.Candidate {
	cutoff := a.now().UTC().Add(-a.cfg.MaxAge)

	var out []platform.Candidate
	for _, item := range items {
		if len(out) >= a.cfg.MaxItems {
			break
		}
		username := item.Author.Username
		if username == "" {
			username = item.Username
		}
		text := strings.TrimSpace(item.Text)
		if text == "" {
			text = strings.TrimSpace(item.Content)
		}
		if username == "" || text == "" {
			continue
		}
		if a.cfg.SelfName != "" && strings.EqualFold(username, a.cfg.SelfName) {
			continue
		}

		var created time.Time
		if item.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, item.Timestamp)
			if err != nil {
				a.logger.Warn("item with unparseable timestamp",
					zap.String("id", item.ID), zap.String("timestamp", item.Timestamp))
			} else {
				if ts.Before(cutoff) {
					continue
				}
				created = ts.UTC()
			}
		}

		postID := item.ID
		if postID == "" {
			postID = item.PostID
		}
		if postID == "" {
			if _, after, found := strings.Cut(item.URL, "/post/"); found {
				postID = after
			}
		}
		if postID == "" {
			continue
		}

		out = append(out, platform.Candidate{
			PostID:     postID,
			AuthorID:   username,
			AuthorName: username,
			Text:       text,
			CreatedAt:  created,
		})
	}
	return out
}
