package ideas

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/persona"
)

const (
	// DefaultHarvestLimit is how many new ideas one run keeps.
	DefaultHarvestLimit = 8

	perFeedCap         = 20
	summaryClip        = 500
	rewriteMaxTokens   = 220
	rewriteTemperature = 0.7
)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Harvester pulls fresh entries from RSS/Atom feeds and rewrites them
// through the model into material the persona can post about later.
type Harvester struct {
	pool   *Pool
	llm    llm.Client
	p      *persona.Persona
	feeds  []string
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewHarvester creates a harvester over the given feed URLs.
func NewHarvester(pool *Pool, client llm.Client, p *persona.Persona, feeds []string, logger *zap.Logger) *Harvester {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 30 * time.Second}
	return &Harvester{
		pool:   pool,
		llm:    client,
		p:      p,
		feeds:  feeds,
		parser: parser,
		logger: logger,
	}
}

type feedEntry struct {
	Title   string
	Link    string
	Summary string
}

// Harvest fetches every feed, drops entries already in the pool, and
// rewrites up to limit new ones. Feed and rewrite failures degrade to
// warnings; only pool persistence and cancellation are hard errors.
// Returns how many ideas were added.
func (h *Harvester) Harvest(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultHarvestLimit
	}
	if len(h.feeds) == 0 {
		h.logger.Info("no idea feeds configured, skipping harvest")
		return 0, nil
	}

	entries := h.collect(ctx)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var batch []Idea
	seen := make(map[string]struct{})
	for _, e := range entries {
		if len(batch) >= limit {
			break
		}
		if e.Title == "" && e.Summary == "" {
			continue
		}
		id := NewID(e.Title, e.Link)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, known := h.pool.Get(id); known {
			continue
		}

		material, err := h.rewrite(ctx, e)
		if err != nil {
			h.logger.Warn("idea rewrite failed",
				zap.String("title", e.Title), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		batch = append(batch, Idea{
			Title:    e.Title,
			Link:     e.Link,
			Source:   "harvest",
			Material: material,
		})
	}

	added, err := h.pool.Add(batch...)
	if err != nil {
		return 0, fmt.Errorf("store ideas: %w", err)
	}
	h.logger.Info("harvest complete",
		zap.Int("feeds", len(h.feeds)),
		zap.Int("entries", len(entries)),
		zap.Int("added", added))
	return added, ctx.Err()
}

// collect reads every feed, newest entries first per feed. A failing
// feed is logged and skipped.
func (h *Harvester) collect(ctx context.Context) []feedEntry {
	var out []feedEntry
	for _, url := range h.feeds {
		if ctx.Err() != nil {
			return out
		}
		feed, err := h.parser.ParseURLWithContext(url, ctx)
		if err != nil {
			h.logger.Warn("feed fetch failed", zap.String("feed", url), zap.Error(err))
			continue
		}
		items := feed.Items
		if len(items) > perFeedCap {
			items = items[:perFeedCap]
		}
		for _, it := range items {
			if it == nil {
				continue
			}
			out = append(out, feedEntry{
				Title:   strings.TrimSpace(it.Title),
				Link:    strings.TrimSpace(it.Link),
				Summary: clipRunes(stripTags(it.Description), summaryClip),
			})
		}
	}
	return out
}

func (h *Harvester) rewrite(ctx context.Context, e feedEntry) (string, error) {
	var b strings.Builder
	b.WriteString("Turn this news item into casual material you might post about.\n")
	fmt.Fprintf(&b, "Cover what it is, why it matters, and your own brief take or a question you have, as %s.\n", h.p.Identity.Name)
	b.WriteString("Two or three sentences, natural voice. No hashtags, no headline-speak.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", e.Title)
	if e.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", e.Summary)
	}
	if e.Link != "" {
		fmt.Fprintf(&b, "Link: %s\n", e.Link)
	}

	out, err := h.llm.Generate(ctx, llm.Request{
		System:      h.p.SystemPrompt(),
		Prompt:      b.String(),
		MaxTokens:   rewriteMaxTokens,
		Temperature: rewriteTemperature,
	})
	if err != nil {
		return "", err
	}
	material := strings.TrimSpace(out)
	if material == "" {
		return "", fmt.Errorf("model returned empty material")
	}
	return material, nil
}

// stripTags flattens feed HTML into plain prompt text.
func stripTags(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
