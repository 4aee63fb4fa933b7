package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/persona"
	"github.com/Chuanyin1202/anima/internal/platform"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
	"github.com/Chuanyin1202/anima/internal/vectorstore"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start Neo4j
	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()
	testNeo4jURI = neo4jURI

	// 2. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()
	testPGDSN = pgDSN

	// 3. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func testPersona() *persona.Persona {
	return &persona.Persona{
		Identity: persona.Identity{Name: "Mira", Occupation: "botanist"},
		Personality: persona.Personality{
			Traits:             []string{"curious", "patient"},
			Values:             []string{"honesty", "practicality"},
			CommunicationStyle: "casual and direct",
		},
		SpeechPatterns: persona.SpeechPatterns{
			VocabularyLevel: "everyday",
			EmojiUsage:      "rare",
		},
		Interests: persona.Interests{
			Primary:  []string{"tomato", "soil", "compost"},
			Dislikes: []string{"crypto"},
		},
		InteractionRules: persona.InteractionRules{
			AvoidRespondingTo: []string{"politics"},
			MaxResponseLength: 280,
		},
	}
}

func TestProgressiveFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("L1_BudgetCounters", func(t *testing.T) {
		counters := newTestCounters(t, "mira-l1", ratelimit.Limits{Posts: 2, Replies: 3})

		t.Run("ReserveToLimit", func(t *testing.T) {
			for i := 0; i < 3; i++ {
				ok, err := counters.Reserve(ctx, ratelimit.KindReply)
				if err != nil {
					t.Fatalf("reserve %d: %v", i, err)
				}
				if !ok {
					t.Fatalf("reserve %d refused before limit", i)
				}
			}
			ok, err := counters.Reserve(ctx, ratelimit.KindReply)
			if err != nil {
				t.Fatalf("reserve over limit: %v", err)
			}
			if ok {
				t.Fatal("reserve granted past the reply limit")
			}
		})

		t.Run("ReleaseRefunds", func(t *testing.T) {
			if err := counters.Release(ctx, ratelimit.KindReply); err != nil {
				t.Fatalf("release: %v", err)
			}
			ok, err := counters.Reserve(ctx, ratelimit.KindReply)
			if err != nil {
				t.Fatalf("reserve after release: %v", err)
			}
			if !ok {
				t.Fatal("release did not refund the reservation")
			}
		})

		t.Run("Remaining", func(t *testing.T) {
			remaining, err := counters.Remaining(ctx, ratelimit.KindPost)
			if err != nil {
				t.Fatalf("remaining: %v", err)
			}
			if remaining != 2 {
				t.Errorf("post remaining = %d, want 2 (untouched)", remaining)
			}
			remaining, err = counters.Remaining(ctx, ratelimit.KindReply)
			if err != nil {
				t.Fatalf("remaining: %v", err)
			}
			if remaining != 0 {
				t.Errorf("reply remaining = %d, want 0", remaining)
			}
		})

		t.Run("Usage", func(t *testing.T) {
			usage, err := counters.Usage(ctx)
			if err != nil {
				t.Fatalf("usage: %v", err)
			}
			if usage.Replies != 3 {
				t.Errorf("usage.Replies = %d, want 3", usage.Replies)
			}
			if usage.ReplyLimit != 3 || usage.PostLimit != 2 {
				t.Errorf("limits = %d/%d, want 3/2", usage.ReplyLimit, usage.PostLimit)
			}
			if usage.Day != time.Now().UTC().Format("2006-01-02") {
				t.Errorf("usage.Day = %q, want today", usage.Day)
			}
		})
	})

	t.Run("L2_ActionLedger", func(t *testing.T) {
		store := newTestLedger(t)

		t.Run("PublishRoundTrip", func(t *testing.T) {
			actions := []ledger.PublishedAction{
				{Kind: "reply", RemoteID: "rm-l2-1", TargetPostID: "post-1", ParticipantID: "u-l2-a", Content: "good point about mulch"},
				{Kind: "reply", RemoteID: "rm-l2-2", TargetPostID: "post-2", ParticipantID: "u-l2-b", Content: "try coarse sand"},
				{Kind: "post", RemoteID: "rm-l2-3", Content: "first frost date is creeping later every year"},
			}
			for _, a := range actions {
				if err := store.RecordPublish(ctx, a); err != nil {
					t.Fatalf("record publish %s: %v", a.RemoteID, err)
				}
			}
			n, err := store.PublishedSince(ctx, "reply", time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("published since: %v", err)
			}
			if n != 2 {
				t.Errorf("reply count = %d, want 2", n)
			}
			n, err = store.PublishedSince(ctx, "post", time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("published since: %v", err)
			}
			if n != 1 {
				t.Errorf("post count = %d, want 1", n)
			}
		})

		t.Run("OrphanRoundTrip", func(t *testing.T) {
			orphan := ledger.OrphanedAction{
				RemoteID:      "rm-l2-orphan",
				TargetPostID:  "post-9",
				ParticipantID: "u-l2-c",
				Content:       "reply that memory lost",
				Reason:        "embedder offline",
			}
			if err := store.RecordOrphan(ctx, orphan); err != nil {
				t.Fatalf("record orphan: %v", err)
			}
			orphans, err := store.Orphans(ctx, 10)
			if err != nil {
				t.Fatalf("orphans: %v", err)
			}
			if len(orphans) != 1 {
				t.Fatalf("orphans = %d, want 1", len(orphans))
			}
			got := orphans[0]
			if got.RemoteID != "rm-l2-orphan" || got.Reason != "embedder offline" {
				t.Errorf("orphan = %+v, want remote rm-l2-orphan reason %q", got, "embedder offline")
			}
			if got.ID == "" || got.CreatedAt.IsZero() {
				t.Error("orphan id or created_at not filled in")
			}
		})

		t.Run("ReportRoundTrip", func(t *testing.T) {
			older := &ledger.CycleReport{
				StartedAt:  time.Now().UTC().Add(-2 * time.Hour),
				FinishedAt: time.Now().UTC().Add(-2 * time.Hour).Add(40 * time.Second),
				Mode:       "replies",
				Fetched:    12,
				Considered: 3,
				Published:  2,
				Skipped:    map[string]int{"already_interacted": 5, "content_filtered": 4},
			}
			newer := &ledger.CycleReport{
				StartedAt:    time.Now().UTC().Add(-time.Minute),
				FinishedAt:   time.Now().UTC(),
				Mode:         "ingest",
				Fetched:      1,
				Considered:   1,
				Published:    1,
				PublishedIDs: []string{"rm-l2-9"},
			}
			for _, r := range []*ledger.CycleReport{older, newer} {
				if err := store.SaveReport(ctx, r); err != nil {
					t.Fatalf("save report: %v", err)
				}
			}
			reports, err := store.RecentReports(ctx, 10)
			if err != nil {
				t.Fatalf("recent reports: %v", err)
			}
			if len(reports) != 2 {
				t.Fatalf("reports = %d, want 2", len(reports))
			}
			if reports[0].Mode != "ingest" {
				t.Errorf("reports not newest first: got %q", reports[0].Mode)
			}
			if reports[1].Skipped["already_interacted"] != 5 {
				t.Errorf("skip map did not round-trip: %+v", reports[1].Skipped)
			}
			if len(reports[0].PublishedIDs) != 1 || reports[0].PublishedIDs[0] != "rm-l2-9" {
				t.Errorf("published ids did not round-trip: %+v", reports[0].PublishedIDs)
			}
		})
	})

	t.Run("L3_RelationGraph", func(t *testing.T) {
		graph := newTestGraph(t, "mira-l3")

		t.Run("InteractionsAccumulate", func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := graph.RecordInteraction(ctx, "u-l3-a", "gardener_zoe", fmt.Sprintf("post-%d", i)); err != nil {
					t.Fatalf("record interaction %d: %v", i, err)
				}
			}
			if err := graph.RecordInteraction(ctx, "u-l3-b", "compost_carl", "post-x"); err != nil {
				t.Fatalf("record interaction: %v", err)
			}

			top, err := graph.TopParticipants(ctx, 10)
			if err != nil {
				t.Fatalf("top participants: %v", err)
			}
			if len(top) != 2 {
				t.Fatalf("participants = %d, want 2", len(top))
			}
			if top[0].ID != "u-l3-a" || top[0].Interactions != 3 {
				t.Errorf("top = %s/%d, want u-l3-a/3", top[0].ID, top[0].Interactions)
			}
			if top[1].ID != "u-l3-b" || top[1].Interactions != 1 {
				t.Errorf("second = %s/%d, want u-l3-b/1", top[1].ID, top[1].Interactions)
			}
			if top[0].LastAt.IsZero() {
				t.Error("last_at not set")
			}
		})

		t.Run("AliasFollowsLatest", func(t *testing.T) {
			if err := graph.RecordInteraction(ctx, "u-l3-b", "carl_composts", "post-y"); err != nil {
				t.Fatalf("record interaction: %v", err)
			}
			top, err := graph.TopParticipants(ctx, 10)
			if err != nil {
				t.Fatalf("top participants: %v", err)
			}
			for _, p := range top {
				if p.ID == "u-l3-b" {
					if p.Alias != "carl_composts" {
						t.Errorf("alias = %q, want carl_composts", p.Alias)
					}
					if p.Interactions != 2 {
						t.Errorf("interactions = %d, want 2", p.Interactions)
					}
					return
				}
			}
			t.Fatal("u-l3-b missing from top participants")
		})

		t.Run("AgentNamespaceIsolated", func(t *testing.T) {
			other := newTestGraph(t, "someone-else")
			top, err := other.TopParticipants(ctx, 10)
			if err != nil {
				t.Fatalf("top participants: %v", err)
			}
			if len(top) != 0 {
				t.Errorf("foreign agent sees %d participants, want 0", len(top))
			}
		})
	})

	t.Run("L4_FullCycle", func(t *testing.T) {
		p := testPersona()
		logger := zap.NewNop()

		model := &scriptedLLM{reply: "raised beds fixed that for me, drainage matters more than people think"}
		store := memory.New(vectorstore.NewChromem(), &axisEmbedder{dim: 64},
			memory.Config{Prefix: "e2e_mira"}, logger)

		adapter := platform.NewMock("self-mira")
		adapter.Seed(
			platform.Candidate{
				PostID:     "cyc-1",
				AuthorID:   "u-cyc-a",
				AuthorName: "gardener_zoe",
				Text:       "my tomato seedlings keep damping off, what am I doing wrong",
				CreatedAt:  time.Now().Add(-2 * time.Hour),
			},
			platform.Candidate{
				PostID:     "cyc-2",
				AuthorID:   "u-cyc-b",
				AuthorName: "compost_carl",
				Text:       "hot compost hit 70C this week, turning daily",
				CreatedAt:  time.Now().Add(-time.Hour),
			},
			platform.Candidate{
				PostID:    "cyc-3",
				AuthorID:  "u-cyc-c",
				Text:      "which politics candidate do gardeners back",
				CreatedAt: time.Now().Add(-30 * time.Minute),
			},
		)

		counters := newTestCounters(t, "mira-l4", ratelimit.Limits{Posts: 5, Replies: 10})
		journal := newTestLedger(t)
		graph := newTestGraph(t, "mira-l4")

		engine := brain.New(brain.Deps{
			Persona:   p,
			Adapter:   adapter,
			Memory:    store,
			LLM:       model,
			Validator: persona.NewValidator(model, 0.7, logger),
			Counters:  counters,
			Pacer:     ratelimit.NewPacer(0),
			Journal:   journal,
			Relations: graph,
		}, brain.Config{MaxInteractionsPerCycle: 5, FetchLimit: 20}, logger)

		report := engine.RunCycle(ctx, brain.CycleOptions{})

		t.Run("ReportAccounting", func(t *testing.T) {
			if report.Fetched != 3 {
				t.Errorf("fetched = %d, want 3", report.Fetched)
			}
			if report.Published != 2 {
				t.Errorf("published = %d, want 2: %+v", report.Published, report)
			}
			if report.Skipped["content_filtered"] != 1 {
				t.Errorf("skipped = %+v, want one content_filtered", report.Skipped)
			}
			if report.Failed != 0 {
				t.Errorf("failed = %d: %v", report.Failed, report.Failures)
			}
		})

		t.Run("PublishesHitPlatform", func(t *testing.T) {
			published := adapter.Published()
			if len(published) != 2 {
				t.Fatalf("platform saw %d publishes, want 2", len(published))
			}
			for _, req := range published {
				if req.Kind != platform.KindReply {
					t.Errorf("kind = %q, want reply", req.Kind)
				}
				if !strings.Contains(req.Text, "drainage") {
					t.Errorf("unexpected reply text: %q", req.Text)
				}
			}
			if calls := model.generateCalls(); calls != 2 {
				t.Errorf("model drafted %d times, want 2 (interest match skips the engagement check)", calls)
			}
		})

		t.Run("LedgerHasActions", func(t *testing.T) {
			// Cutoff at cycle start keeps earlier subtests' rows out.
			n, err := journal.PublishedSince(ctx, "reply", report.StartedAt)
			if err != nil {
				t.Fatalf("published since: %v", err)
			}
			if n != 2 {
				t.Errorf("ledger replies = %d, want 2", n)
			}
			reports, err := journal.RecentReports(ctx, 1)
			if err != nil {
				t.Fatalf("recent reports: %v", err)
			}
			if len(reports) != 1 || reports[0].Published != 2 {
				t.Errorf("persisted report = %+v, want published 2", reports)
			}
		})

		t.Run("BudgetCharged", func(t *testing.T) {
			usage, err := counters.Usage(ctx)
			if err != nil {
				t.Fatalf("usage: %v", err)
			}
			if usage.Replies != 2 {
				t.Errorf("usage.Replies = %d, want 2", usage.Replies)
			}
		})

		t.Run("GraphSawParticipants", func(t *testing.T) {
			top, err := graph.TopParticipants(ctx, 10)
			if err != nil {
				t.Fatalf("top participants: %v", err)
			}
			if len(top) != 2 {
				t.Fatalf("participants = %d, want 2", len(top))
			}
			ids := map[string]bool{}
			for _, p := range top {
				ids[p.ID] = true
			}
			if !ids["u-cyc-a"] || !ids["u-cyc-b"] {
				t.Errorf("participants = %v, want u-cyc-a and u-cyc-b", ids)
			}
		})

		t.Run("MemoryRemembers", func(t *testing.T) {
			seen, err := store.HasInteracted(ctx, "cyc-1")
			if err != nil {
				t.Fatalf("has interacted: %v", err)
			}
			if !seen {
				t.Error("cyc-1 not marked as interacted")
			}
			gist := store.ContextFor(ctx, "u-cyc-a", "tomato seedlings", 5)
			if gist == "" {
				t.Error("no participant context after interaction")
			}
		})

		t.Run("SecondCycleDeduplicates", func(t *testing.T) {
			second := engine.RunCycle(ctx, brain.CycleOptions{})
			if second.Published != 0 {
				t.Errorf("second cycle published %d, want 0", second.Published)
			}
			if second.Skipped["already_interacted"] != 2 {
				t.Errorf("skipped = %+v, want two already_interacted", second.Skipped)
			}
		})
	})
}
