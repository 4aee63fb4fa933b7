package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/ideas"
	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
)

type stubCore struct {
	mu      sync.Mutex
	cycles  []brain.CycleOptions
	block   chan struct{} // when set, RunCycle parks on it
	started chan struct{} // closed once a blocked cycle begins
	postOut string
	postErr error
	topics  []string
}

func (c *stubCore) RunCycle(_ context.Context, opts brain.CycleOptions) *ledger.CycleReport {
	c.mu.Lock()
	c.cycles = append(c.cycles, opts)
	block, started := c.block, c.started
	c.mu.Unlock()
	if started != nil {
		close(started)
		c.mu.Lock()
		c.started = nil
		c.mu.Unlock()
	}
	if block != nil {
		<-block
	}
	return &ledger.CycleReport{Mode: "ingest", Fetched: len(opts.Candidates)}
}

func (c *stubCore) CreatePost(_ context.Context, topic string, _ bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	if c.postErr != nil {
		return "", c.postErr
	}
	if c.postOut != "" {
		return c.postOut, nil
	}
	return "a genuine thought about " + topic, nil
}

func (c *stubCore) Stats(context.Context) (*brain.AgentStats, error) {
	return &brain.AgentStats{
		Agent:  "Mira",
		Memory: &memory.Stats{Total: 3},
		Usage:  ratelimit.Usage{},
	}, nil
}

func (c *stubCore) cycleCalls() []brain.CycleOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]brain.CycleOptions, len(c.cycles))
	copy(out, c.cycles)
	return out
}

type stubProvider struct {
	mu       sync.Mutex
	name     string
	err      error
	payloads [][]byte
}

func (p *stubProvider) Provider() string { return p.name }

func (p *stubProvider) Handle(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

type stubReports struct {
	reports []ledger.CycleReport
	err     error
}

func (s *stubReports) RecentReports(_ context.Context, limit int) ([]ledger.CycleReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.reports) > limit {
		return s.reports[:limit], nil
	}
	return s.reports, nil
}

type testServer struct {
	*httptest.Server
	core     *stubCore
	provider *stubProvider
	pool     *ideas.Pool
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	logger := zap.NewNop()
	core := &stubCore{}
	provider := &stubProvider{name: "apify"}
	pool, err := ideas.NewPool(filepath.Join(t.TempDir(), "index.jsonl"), logger)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	reports := &stubReports{reports: []ledger.CycleReport{{ID: "r-1", Mode: "replies"}}}

	s := NewServer(Config{Secret: secret}, core, NewRunner(core, logger), reports, pool, logger, provider)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, core: core, provider: provider, pool: pool}
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookAuth(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	url := ts.URL + "/webhooks/apify"

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"right token", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, url, tc.header, `{"eventType":"x"}`)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	// Only the authorized request reached the provider.
	ts.provider.mu.Lock()
	defer ts.provider.mu.Unlock()
	if len(ts.provider.payloads) != 1 {
		t.Fatalf("provider saw %d payloads, want 1", len(ts.provider.payloads))
	}
}

func TestWebhookNoSecretDisablesAuth(t *testing.T) {
	ts := newTestServer(t, "")
	resp := post(t, ts.URL+"/webhooks/apify", "", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	resp := post(t, ts.URL+"/webhooks/zapier", "Bearer s3cret", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookInvalidJSON(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	resp := post(t, ts.URL+"/webhooks/apify", "Bearer s3cret", `{"eventType":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	ts.provider.mu.Lock()
	defer ts.provider.mu.Unlock()
	if len(ts.provider.payloads) != 0 {
		t.Fatal("invalid payload must not reach the provider")
	}
}

func TestWebhookHandlerError(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	ts.provider.mu.Lock()
	ts.provider.err = errors.New("handler exploded")
	ts.provider.mu.Unlock()
	resp := post(t, ts.URL+"/webhooks/apify", "Bearer s3cret", `{}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	resp := get(t, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestConsoleStats(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	if resp := get(t, ts.URL+"/api/stats", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stats = %d, want 401", resp.StatusCode)
	}

	resp := get(t, ts.URL+"/api/stats", "Bearer s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var stats brain.AgentStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Agent != "Mira" {
		t.Fatalf("agent = %q", stats.Agent)
	}
}

func TestConsoleReports(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	resp := get(t, ts.URL+"/api/reports?limit=5", "Bearer s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var reports []ledger.CycleReport
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reports) != 1 || reports[0].ID != "r-1" {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestConsoleIdeas(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	if _, err := ts.pool.Add(
		ideas.Idea{ID: "i-1", Title: "pending one"},
		ideas.Idea{ID: "i-2", Title: "posted one", Status: ideas.StatusPosted},
	); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	resp := get(t, ts.URL+"/api/ideas", "Bearer s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list []ideas.Idea
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "i-1" {
		t.Fatalf("default listing should be pending only, got %+v", list)
	}

	skip := post(t, ts.URL+"/api/ideas/i-1/skip", "Bearer s3cret", "")
	if skip.StatusCode != http.StatusOK {
		t.Fatalf("skip status = %d, want 200", skip.StatusCode)
	}
	if idea, _ := ts.pool.Get("i-1"); idea.Status != ideas.StatusSkipped {
		t.Fatalf("idea status = %q, want skip", idea.Status)
	}

	missing := post(t, ts.URL+"/api/ideas/nope/skip", "Bearer s3cret", "")
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing idea skip = %d, want 404", missing.StatusCode)
	}
}

func TestConsolePost(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	ts.core.mu.Lock()
	ts.core.postOut = "fresh take on moss"
	ts.core.mu.Unlock()

	resp := post(t, ts.URL+"/api/post", "Bearer s3cret", `{"topic":"moss"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "fresh take on moss") {
		t.Fatalf("body = %s", body)
	}

	ts.core.mu.Lock()
	ts.core.postErr = brain.ErrBudgetSpent
	ts.core.mu.Unlock()
	spent := post(t, ts.URL+"/api/post", "Bearer s3cret", `{"topic":"moss"}`)
	if spent.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("budget spent status = %d, want 429", spent.StatusCode)
	}

	bad := post(t, ts.URL+"/api/post", "Bearer s3cret", `{"topic":`)
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", bad.StatusCode)
	}
}

func TestConsoleCycleSingleFlight(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	ts.core.mu.Lock()
	ts.core.block = make(chan struct{})
	ts.core.started = make(chan struct{})
	ts.core.mu.Unlock()

	done := make(chan int, 1)
	go func() {
		resp := post(t, ts.URL+"/api/cycle", "Bearer s3cret", "")
		done <- resp.StatusCode
	}()
	<-ts.core.started

	// Second trigger while the first cycle is still live.
	busy := post(t, ts.URL+"/api/cycle", "Bearer s3cret", "")
	if busy.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent cycle status = %d, want 409", busy.StatusCode)
	}

	close(ts.core.block)
	if first := <-done; first != http.StatusOK {
		t.Fatalf("first cycle status = %d, want 200", first)
	}
	if calls := ts.core.cycleCalls(); len(calls) != 1 {
		t.Fatalf("engine ran %d cycles, want 1", len(calls))
	}
}

func TestRunnerTryCycle(t *testing.T) {
	core := &stubCore{}
	runner := NewRunner(core, zap.NewNop())

	report, ok := runner.TryCycle(context.Background(), brain.CycleOptions{})
	if !ok || report == nil {
		t.Fatalf("TryCycle = (%v, %v), want report", report, ok)
	}
	if report.Mode != "ingest" {
		t.Fatalf("mode = %q", report.Mode)
	}
}
