package ideas

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/persona"
)

type stubLLM struct {
	mu            sync.Mutex
	generateCalls []llm.Request
	generateOut   []string
	generateErr   error
}

func (s *stubLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generateCalls = append(s.generateCalls, req)
	if s.generateErr != nil {
		return "", s.generateErr
	}
	if len(s.generateOut) > 0 {
		out := s.generateOut[0]
		s.generateOut = s.generateOut[1:]
		return out, nil
	}
	return "apparently everyone is into this now, and honestly I get it", nil
}

func (s *stubLLM) Score(_ context.Context, _ llm.Request) (*llm.ScoreResult, error) {
	return &llm.ScoreResult{Score: 0.9}, nil
}

func (s *stubLLM) calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.generateCalls))
	copy(out, s.generateCalls)
	return out
}

type rssItem struct {
	title, link, desc string
}

func rssServer(t *testing.T, items ...rssItem) *httptest.Server {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>wire</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, "<item><title>%s</title><link>%s</link><description>%s</description></item>",
			it.title, it.link, it.desc)
	}
	b.WriteString("</channel></rss>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, b.String())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestHarvester(t *testing.T, feeds ...string) (*Harvester, *stubLLM, *Pool) {
	t.Helper()
	pool := newTestPool(t)
	client := &stubLLM{}
	p := &persona.Persona{Identity: persona.Identity{Name: "Mira", Occupation: "botanist"}}
	return NewHarvester(pool, client, p, feeds, zap.NewNop()), client, pool
}

func TestHarvestAddsRewrittenIdeas(t *testing.T) {
	srv := rssServer(t,
		rssItem{"Lab-grown moss hits shelves", "https://example.com/moss", "Retailers report a surge in demand for &lt;b&gt;moss panels&lt;/b&gt;."},
		rssItem{"Fermented hot sauce study", "https://example.com/sauce", "A new paper measures capsaicin drift."},
	)
	h, client, pool := newTestHarvester(t, srv.URL)
	client.generateOut = []string{
		"moss panels in stores now, wild times for my hobby",
		"someone finally measured capsaicin drift and I have questions",
	}

	added, err := h.Harvest(context.Background(), 0)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	got, err := pool.Recent(0, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("pool = %d ideas, want 2", len(got))
	}
	byID := map[string]Idea{}
	for _, idea := range got {
		byID[idea.ID] = idea
	}
	moss, ok := byID[NewID("Lab-grown moss hits shelves", "https://example.com/moss")]
	if !ok {
		t.Fatal("moss idea missing")
	}
	if moss.Material != "moss panels in stores now, wild times for my hobby" {
		t.Fatalf("material = %q", moss.Material)
	}
	if moss.Source != "harvest" || moss.Status != StatusPending {
		t.Fatalf("idea bookkeeping wrong: %+v", moss)
	}

	calls := client.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 rewrites, got %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "Lab-grown moss hits shelves") {
		t.Fatalf("prompt missing title:\n%s", calls[0].Prompt)
	}
	// Feed HTML reaches the model as plain text.
	if strings.Contains(calls[0].Prompt, "<b>") || !strings.Contains(calls[0].Prompt, "moss panels") {
		t.Fatalf("description not flattened:\n%s", calls[0].Prompt)
	}
	if !strings.Contains(calls[0].Prompt, "as Mira") {
		t.Fatalf("prompt missing persona frame:\n%s", calls[0].Prompt)
	}
}

func TestHarvestSkipsKnownIdeas(t *testing.T) {
	srv := rssServer(t,
		rssItem{"Known story", "https://example.com/known", "seen it"},
		rssItem{"New story", "https://example.com/new", "fresh"},
	)
	h, client, pool := newTestHarvester(t, srv.URL)
	if _, err := pool.Add(Idea{Title: "Known story", Link: "https://example.com/known", Status: StatusPosted}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	added, err := h.Harvest(context.Background(), 0)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if calls := client.calls(); len(calls) != 1 {
		t.Fatalf("known entries should not be rewritten, got %d calls", len(calls))
	}
	// Re-harvesting the same feed is a no-op.
	again, err := h.Harvest(context.Background(), 0)
	if err != nil {
		t.Fatalf("second harvest: %v", err)
	}
	if again != 0 {
		t.Fatalf("second harvest added %d, want 0", again)
	}
}

func TestHarvestRespectsLimit(t *testing.T) {
	items := make([]rssItem, 5)
	for i := range items {
		items[i] = rssItem{
			title: fmt.Sprintf("Story %d", i),
			link:  fmt.Sprintf("https://example.com/%d", i),
			desc:  "something happened",
		}
	}
	srv := rssServer(t, items...)
	h, client, _ := newTestHarvester(t, srv.URL)

	added, err := h.Harvest(context.Background(), 2)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if calls := client.calls(); len(calls) != 2 {
		t.Fatalf("rewrites = %d, want 2", len(calls))
	}
}

func TestHarvestFeedFailureDegrades(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	good := rssServer(t, rssItem{"Survivor story", "https://example.com/ok", "made it"})

	h, _, pool := newTestHarvester(t, bad.URL, good.URL)
	added, err := h.Harvest(context.Background(), 0)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	if _, ok := pool.Get(NewID("Survivor story", "https://example.com/ok")); !ok {
		t.Fatal("surviving feed's idea missing")
	}
}

func TestHarvestRewriteFailureSkipsEntry(t *testing.T) {
	srv := rssServer(t, rssItem{"Unrewritable", "https://example.com/x", "text"})
	h, client, pool := newTestHarvester(t, srv.URL)
	client.generateErr = fmt.Errorf("model offline")

	added, err := h.Harvest(context.Background(), 0)
	if err != nil {
		t.Fatalf("harvest should degrade, got %v", err)
	}
	if added != 0 {
		t.Fatalf("added = %d, want 0", added)
	}
	if got := pool.Size(); len(got) != 0 {
		t.Fatalf("pool should stay empty, got %v", got)
	}
}

func TestHarvestWithoutFeeds(t *testing.T) {
	h, client, _ := newTestHarvester(t)
	added, err := h.Harvest(context.Background(), 0)
	if err != nil || added != 0 {
		t.Fatalf("harvest = (%d, %v), want (0, nil)", added, err)
	}
	if calls := client.calls(); len(calls) != 0 {
		t.Fatalf("no feeds should mean no model calls, got %d", len(calls))
	}
}

func TestStripTags(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<p>plain <b>bold</b> text</p>", "plain bold text"},
		{"a &amp; b", "a & b"},
		{"  spaced\n\nout  ", "spaced out"},
		{"no markup", "no markup"},
	}
	for _, tc := range cases {
		if got := stripTags(tc.in); got != tc.want {
			t.Errorf("stripTags(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
