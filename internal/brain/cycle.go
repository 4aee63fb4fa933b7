package brain

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/platform"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
)

// CycleOptions tunes one cycle run.
type CycleOptions struct {
	// Candidates bypasses FETCH when non-empty (webhook-ingested posts).
	Candidates []platform.Candidate
	// MaxActions caps publishes this cycle; 0 uses the configured default.
	MaxActions int
	// DryRun drafts and validates but never publishes or writes memory.
	DryRun bool
}

// RunCycle executes one full interaction cycle. It never fails as a
// whole: fetch errors degrade to an empty slate and per-candidate
// errors are recorded on the report, which is persisted and pushed to
// the notifier before returning.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) *ledger.CycleReport {
	dryRun := opts.DryRun || e.cfg.DryRun
	report := &ledger.CycleReport{
		StartedAt: time.Now().UTC(),
		Mode:      "replies",
		DryRun:    dryRun,
		Skipped:   map[string]int{},
	}
	e.logger.Info("cycle starting", zap.Bool("dry_run", dryRun))

	// Step 1: consolidate memory first so fresh reflections inform drafting.
	if e.reflector != nil && e.reflector.ShouldReflect(ctx) {
		if err := e.reflector.Reflect(ctx); err != nil {
			e.logger.Warn("reflection failed, continuing cycle", zap.Error(err))
		}
	}

	// Step 2: gather candidates.
	candidates := opts.Candidates
	if len(candidates) > 0 {
		report.Mode = "ingest"
	} else {
		candidates = e.fetch(ctx, report)
	}
	report.Fetched = len(candidates)

	// Step 3: work through them in fetch order until the cycle cap.
	maxActions := opts.MaxActions
	if maxActions <= 0 {
		maxActions = e.cfg.MaxInteractionsPerCycle
	}
	budgetSpent := false
	for _, cand := range candidates {
		if report.Published >= maxActions {
			break
		}
		if err := ctx.Err(); err != nil {
			e.logger.Info("cycle interrupted", zap.Error(err))
			break
		}
		if reason, ok := e.admit(ctx, cand, &budgetSpent); !ok {
			report.Skip(reason)
			continue
		}
		report.Considered++
		e.interact(ctx, cand, dryRun, report)
	}

	// Step 4: summarize.
	report.FinishedAt = time.Now().UTC()
	e.logger.Info("cycle finished",
		zap.String("mode", report.Mode),
		zap.Bool("dry_run", report.DryRun),
		zap.Int("fetched", report.Fetched),
		zap.Int("considered", report.Considered),
		zap.Int("published", report.Published),
		zap.Int("failed", report.Failed))

	if e.journal != nil {
		if err := e.journal.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			e.logger.Warn("report save failed", zap.Error(err))
		}
	}
	if e.notifier != nil {
		e.notifier.CycleDone(context.WithoutCancel(ctx), report)
	}
	return report
}

// fetch pulls reply candidates, falling back to keyword search when the
// timeline is quiet. Fetch errors are logged and recorded, never fatal.
func (e *Engine) fetch(ctx context.Context, report *ledger.CycleReport) []platform.Candidate {
	candidates, err := e.adapter.FetchCandidates(ctx, platform.FetchRequest{
		Mode:  platform.ModeReplies,
		Limit: e.cfg.FetchLimit,
	})
	if err != nil {
		e.logger.Warn("reply fetch failed", zap.Error(err))
		report.Skip("fetch_failed")
	}
	if len(candidates) == 0 {
		candidates = e.searchFallback(ctx)
		if len(candidates) > 0 {
			report.Mode = "search"
		}
	}
	return dedupeCandidates(candidates, e.cfg.FetchLimit)
}

// searchFallback looks for posts matching the persona's interests.
// A permission error disables the fallback for this cycle; other
// errors skip just the failing keyword.
func (e *Engine) searchFallback(ctx context.Context) []platform.Candidate {
	var out []platform.Candidate
	for _, kw := range e.p.EngagementKeywords(3) {
		hits, err := e.adapter.FetchCandidates(ctx, platform.FetchRequest{
			Mode:  platform.ModeSearch,
			Query: kw,
			Limit: e.cfg.FetchLimit,
		})
		if err != nil {
			if platform.IsPermission(err) {
				e.logger.Debug("keyword search not permitted, fallback disabled")
				return out
			}
			e.logger.Warn("keyword search failed", zap.String("keyword", kw), zap.Error(err))
			continue
		}
		out = append(out, hits...)
		if len(out) >= e.cfg.FetchLimit {
			break
		}
	}
	return out
}

// dedupeCandidates keeps the first occurrence of each post id, capped
// at limit.
func dedupeCandidates(in []platform.Candidate, limit int) []platform.Candidate {
	seen := make(map[string]struct{}, len(in))
	out := make([]platform.Candidate, 0, len(in))
	for _, c := range in {
		if _, dup := seen[c.PostID]; dup {
			continue
		}
		seen[c.PostID] = struct{}{}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// admit runs the cheap-to-expensive gate chain for one candidate and
// returns the skip reason when it is dropped. Once the daily reply
// budget reads as spent, later candidates short-circuit here without
// touching memory or the model.
func (e *Engine) admit(ctx context.Context, cand platform.Candidate, budgetSpent *bool) (string, bool) {
	if cand.AuthorID == e.adapter.SelfID() {
		return "own_post", false
	}
	if strings.TrimSpace(cand.Text) == "" {
		return "empty_post", false
	}
	if *budgetSpent {
		return "rate_limited", false
	}

	seen, err := e.memory.HasInteracted(ctx, cand.PostID)
	if err != nil {
		e.logger.Warn("dedup check failed", zap.String("post_id", cand.PostID), zap.Error(err))
		return "memory_error", false
	}
	if seen {
		return "already_interacted", false
	}

	if reason, ok := e.shouldEngage(ctx, cand); !ok {
		return reason, false
	}

	remaining, err := e.counters.Remaining(ctx, ratelimit.KindReply)
	if err != nil {
		e.logger.Warn("counter read failed", zap.Error(err))
		return "counter_error", false
	}
	if remaining <= 0 {
		*budgetSpent = true
		return "rate_limited", false
	}
	return "", true
}

// shouldEngage applies the persona's engagement gates: avoid rules
// first, then interest keywords, then a cheap model check for content
// that matches neither.
func (e *Engine) shouldEngage(ctx context.Context, cand platform.Candidate) (string, bool) {
	if e.p.Avoids(cand.Text) {
		return "content_filtered", false
	}
	if e.p.MatchesInterests(cand.Text) {
		return "", true
	}
	engage, err := e.llmEngagementCheck(ctx, cand.Text)
	if err != nil {
		e.logger.Warn("engagement check failed", zap.String("post_id", cand.PostID), zap.Error(err))
		return "engagement_check_failed", false
	}
	if !engage {
		return "not_engaging", false
	}
	return "", true
}
