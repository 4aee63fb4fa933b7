package brain

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/ideas"
	"github.com/Chuanyin1202/anima/internal/ledger"
	"github.com/Chuanyin1202/anima/internal/llm"
	"github.com/Chuanyin1202/anima/internal/memory"
	"github.com/Chuanyin1202/anima/internal/persona"
	"github.com/Chuanyin1202/anima/internal/platform"
	"github.com/Chuanyin1202/anima/internal/ratelimit"
)

const (
	replyContextK    = 5
	reactionContextK = 1
	postContextK     = 3
	ideaContextMax   = 3

	draftMaxTokens  = 150
	postMaxTokens   = 300
	refineMaxTokens = 200
	engageMaxTokens = 50

	draftTemperature  = 0.8
	refineTemperature = 0.7
	engageTemperature = 0.3
)

// interact runs DRAFT, VALIDATE and COMMIT for one admitted candidate.
func (e *Engine) interact(ctx context.Context, cand platform.Candidate, dryRun bool, report *ledger.CycleReport) {
	budget := e.p.InteractionRules.MaxResponseLength
	draft, err := e.draftReply(ctx, cand, budget)
	if err != nil {
		e.logger.Warn("draft failed", zap.String("post_id", cand.PostID), zap.Error(err))
		report.Fail("draft_failed", fmt.Sprintf("draft %s: %v", cand.PostID, err))
		return
	}

	draft, ok, err := e.ensureAdherence(ctx, draft, budget)
	if err != nil {
		e.logger.Warn("adherence check failed", zap.String("post_id", cand.PostID), zap.Error(err))
		report.Fail("adherence_check_failed", fmt.Sprintf("validate %s: %v", cand.PostID, err))
		return
	}
	if !ok {
		e.logger.Info("draft rejected after refinement budget",
			zap.String("post_id", cand.PostID))
		report.Skip("adherence_failed")
		return
	}

	if dryRun {
		e.logger.Info("dry run, holding reply",
			zap.String("post_id", cand.PostID),
			zap.String("draft", draft))
		report.Skip("dry_run")
		return
	}

	e.commit(ctx, cand, draft, report)
}

// draftReply builds the prompt context and generates the reply text.
// Simple reactions get a narrow memory lookup; substantive posts get
// the full merged context plus recent idea material.
func (e *Engine) draftReply(ctx context.Context, cand platform.Candidate, budget int) (string, error) {
	reaction := isSimpleReaction(cand.Text)
	contextK := replyContextK
	if reaction {
		contextK = reactionContextK
	}
	memCtx := e.memory.ContextFor(ctx, cand.AuthorID, cand.Text, contextK)

	var ideaCtx string
	if !reaction && e.ideas != nil {
		recent, err := e.ideas.Recent(ideaContextMax, e.cfg.IdeaMaxAge, ideas.StatusPending, ideas.StatusPosted)
		if err != nil {
			e.logger.Warn("idea lookup failed", zap.Error(err))
		} else {
			ideaCtx = ideas.FormatForContext(recent)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Someone posted: %q\n\n", cand.Text)
	if memCtx != "" {
		b.WriteString(memCtx)
		b.WriteString("\n")
	}
	if ideaCtx != "" {
		b.WriteString(ideaCtx)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Write a reply as %s. Be authentic to your personality.\n", e.p.Identity.Name)
	fmt.Fprintf(&b, "Keep it concise (under %d characters).\n", budget)
	b.WriteString("Don't be generic - let your personality shine through.")

	draft, err := e.llm.Generate(ctx, llm.Request{
		System:      e.p.SystemPrompt(),
		Prompt:      b.String(),
		MaxTokens:   draftMaxTokens,
		Temperature: draftTemperature,
	})
	if err != nil {
		return "", err
	}
	return truncate(strings.TrimSpace(draft), budget), nil
}

// ensureAdherence validates the draft and refines it up to the retry
// budget, feeding the validator's reasons back into each rewrite.
// Returns the final draft and whether it was accepted.
func (e *Engine) ensureAdherence(ctx context.Context, draft string, budget int) (string, bool, error) {
	result, err := e.validator.Validate(ctx, draft, e.p)
	if err != nil {
		return draft, false, err
	}
	for attempt := 1; !result.Accepted && attempt <= e.cfg.MaxAdherenceRetries; attempt++ {
		e.logger.Debug("refining draft",
			zap.Int("attempt", attempt),
			zap.Float64("score", result.Score),
			zap.Strings("reasons", result.Reasons))
		draft, err = e.refineDraft(ctx, draft, result.Reasons, budget)
		if err != nil {
			return draft, false, err
		}
		result, err = e.validator.Validate(ctx, draft, e.p)
		if err != nil {
			return draft, false, err
		}
	}
	return draft, result.Accepted, nil
}

// refineDraft rewrites a rejected draft with the higher-capability
// model, telling it exactly what the validator disliked.
func (e *Engine) refineDraft(ctx context.Context, draft string, reasons []string, budget int) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "This response needs to sound more like %s:\n\n", e.p.Identity.Name)
	fmt.Fprintf(&b, "Original: %q\n\n", draft)
	fmt.Fprintf(&b, "Feedback: %s\n\n", strings.Join(reasons, "; "))
	fmt.Fprintf(&b, "Traits to embody: %s\n", strings.Join(e.p.Personality.Traits, ", "))
	fmt.Fprintf(&b, "Communication style: %s\n\n", e.p.Personality.CommunicationStyle)
	b.WriteString("Rewrite it to be more authentic while keeping the same meaning.\n")
	fmt.Fprintf(&b, "Keep it under %d characters.", budget)

	refined, err := e.llm.Generate(ctx, llm.Request{
		System:      e.p.SystemPrompt(),
		Prompt:      b.String(),
		MaxTokens:   refineMaxTokens,
		Temperature: refineTemperature,
		Advanced:    true,
	})
	if err != nil {
		return "", fmt.Errorf("refine draft: %w", err)
	}
	return truncate(strings.TrimSpace(refined), budget), nil
}

// llmEngagementCheck asks the base model for a YES/NO call on content
// that matched no interest keyword.
func (e *Engine) llmEngagementCheck(ctx context.Context, text string) (bool, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "As %s, would you want to engage with this post?\n\n", e.p.Identity.Name)
	fmt.Fprintf(&b, "Post: %q\n\n", text)
	fmt.Fprintf(&b, "Your interests: %s\n", strings.Join(e.p.Interests.Primary, ", "))
	fmt.Fprintf(&b, "Your values: %s\n\n", strings.Join(e.p.Personality.Values, ", "))
	b.WriteString(`Answer with just "YES" or "NO" followed by a brief reason.`)

	out, err := e.llm.Generate(ctx, llm.Request{
		System:      "You decide whether a social media persona engages with posts. Be selective.",
		Prompt:      b.String(),
		MaxTokens:   engageMaxTokens,
		Temperature: engageTemperature,
	})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(out)), "YES"), nil
}

// commit reserves budget, publishes, and records the interaction.
// Publish failure refunds the reservation and leaves no trace in
// memory, so a failed attempt can be retried in a later cycle.
func (e *Engine) commit(ctx context.Context, cand platform.Candidate, draft string, report *ledger.CycleReport) {
	ok, err := e.counters.Reserve(ctx, ratelimit.KindReply)
	if err != nil {
		report.Fail("counter_error", fmt.Sprintf("reserve reply: %v", err))
		return
	}
	if !ok {
		report.Skip("rate_limited")
		return
	}

	if err := e.pacer.Wait(ctx); err != nil {
		e.release(ctx, ratelimit.KindReply)
		report.Skip("cancelled")
		return
	}

	res, err := e.adapter.Publish(ctx, platform.PublishRequest{
		Kind:     platform.KindReply,
		TargetID: cand.PostID,
		Text:     draft,
	})
	if err != nil {
		e.release(ctx, ratelimit.KindReply)
		e.logger.Warn("publish failed", zap.String("post_id", cand.PostID), zap.Error(err))
		report.Fail("publish_failed", fmt.Sprintf("publish %s: %v", cand.PostID, err))
		return
	}

	report.Published++
	report.PublishedIDs = append(report.PublishedIDs, res.RemoteID)
	e.logger.Info("reply published",
		zap.String("post_id", cand.PostID),
		zap.String("remote_id", res.RemoteID))

	// The publish happened; bookkeeping below must survive shutdown.
	e.remember(context.WithoutCancel(ctx), cand, draft, res.RemoteID, report)
}

func (e *Engine) release(ctx context.Context, kind ratelimit.Kind) {
	if err := e.counters.Release(context.WithoutCancel(ctx), kind); err != nil {
		e.logger.Warn("reservation refund failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// remember writes the three-record interaction set, the relation edge
// and the ledger row for one published reply. A memory failure
// downgrades to an orphan record; it never unwinds the publish.
func (e *Engine) remember(ctx context.Context, cand platform.Candidate, draft, remoteID string, report *ledger.CycleReport) {
	alias := cand.AuthorName
	if alias == "" {
		alias = cand.AuthorID
	}
	if _, err := e.memory.RecordInteraction(ctx, memory.Interaction{
		ParticipantID:    cand.AuthorID,
		ParticipantAlias: alias,
		PostID:           cand.PostID,
		PostText:         cand.Text,
		ReplyText:        draft,
	}); err != nil {
		e.logger.Error("memory write failed after publish",
			zap.String("remote_id", remoteID), zap.Error(err))
		report.Failures = append(report.Failures, fmt.Sprintf("memory write %s: %v", remoteID, err))
		if e.journal != nil {
			if jerr := e.journal.RecordOrphan(ctx, ledger.OrphanedAction{
				RemoteID:      remoteID,
				TargetPostID:  cand.PostID,
				ParticipantID: cand.AuthorID,
				Content:       draft,
				Reason:        err.Error(),
			}); jerr != nil {
				e.logger.Error("orphan record failed", zap.Error(jerr))
			}
		}
	}

	if e.relations != nil {
		if err := e.relations.RecordInteraction(ctx, cand.AuthorID, alias, cand.PostID); err != nil {
			e.logger.Warn("relation update failed", zap.String("participant", cand.AuthorID), zap.Error(err))
		}
	}
	if e.journal != nil {
		if err := e.journal.RecordPublish(ctx, ledger.PublishedAction{
			Kind:          "reply",
			RemoteID:      remoteID,
			TargetPostID:  cand.PostID,
			ParticipantID: cand.AuthorID,
			Content:       draft,
		}); err != nil {
			e.logger.Warn("ledger write failed", zap.Error(err))
		}
	}
}

// CreatePost drafts and publishes one original post. An empty topic
// draws from the idea pool first, then falls back to a random persona
// interest. Returns the final post text.
func (e *Engine) CreatePost(ctx context.Context, topic string, dryRun bool) (string, error) {
	var consumed *ideas.Idea
	if topic == "" && e.ideas != nil {
		recent, err := e.ideas.Recent(1, e.cfg.IdeaMaxAge, ideas.StatusPending)
		if err != nil {
			e.logger.Warn("idea lookup failed", zap.Error(err))
		} else if len(recent) > 0 {
			consumed = &recent[0]
			topic = consumed.Title
		}
	}
	if topic == "" {
		topic = e.randomInterest()
	}
	if topic == "" {
		return "", errors.New("no topic given and persona has no interests")
	}

	memCtx := e.memory.ContextFor(ctx, "", topic, postContextK)
	var material string
	if consumed != nil {
		material = ideas.FormatForContext([]ideas.Idea{*consumed})
	} else if e.ideas != nil {
		if recent, err := e.ideas.Recent(ideaContextMax, e.cfg.IdeaMaxAge, ideas.StatusPending, ideas.StatusPosted); err == nil {
			material = ideas.FormatForContext(recent)
		}
	}

	budget := e.postBudget()
	var b strings.Builder
	fmt.Fprintf(&b, "Write an original post about: %s\n\n", topic)
	if memCtx != "" {
		b.WriteString(memCtx)
		b.WriteString("\n")
	}
	if material != "" {
		b.WriteString(material)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Post as %s. Share a genuine thought, observation or question.\n", e.p.Identity.Name)
	fmt.Fprintf(&b, "Keep it under %d characters.\n", budget)
	b.WriteString("Don't be generic - make it sound like you.")

	draft, err := e.llm.Generate(ctx, llm.Request{
		System:      e.p.SystemPrompt(),
		Prompt:      b.String(),
		MaxTokens:   postMaxTokens,
		Temperature: draftTemperature,
		Advanced:    true,
	})
	if err != nil {
		return "", fmt.Errorf("draft post: %w", err)
	}
	draft = truncate(strings.TrimSpace(draft), budget)

	draft, ok, err := e.ensureAdherence(ctx, draft, budget)
	if err != nil {
		return "", fmt.Errorf("validate post: %w", err)
	}
	if !ok {
		return "", errors.New("draft failed persona adherence after refinement budget")
	}

	if dryRun {
		e.logger.Info("dry run, holding post", zap.String("topic", topic), zap.String("draft", draft))
		return draft, nil
	}

	reserved, err := e.counters.Reserve(ctx, ratelimit.KindPost)
	if err != nil {
		return "", fmt.Errorf("reserve post budget: %w", err)
	}
	if !reserved {
		return "", ErrBudgetSpent
	}
	if err := e.pacer.Wait(ctx); err != nil {
		e.release(ctx, ratelimit.KindPost)
		return "", err
	}
	res, err := e.adapter.Publish(ctx, platform.PublishRequest{
		Kind: platform.KindPost,
		Text: draft,
	})
	if err != nil {
		e.release(ctx, ratelimit.KindPost)
		return "", fmt.Errorf("publish post: %w", err)
	}

	wctx := context.WithoutCancel(ctx)
	if _, err := e.memory.Observe(wctx, memory.ScopeAgent, draft, memory.Meta{
		Kind:         memory.KindInteraction,
		About:        "self",
		SourcePostID: res.RemoteID,
	}); err != nil {
		e.logger.Error("memory write failed after publish",
			zap.String("remote_id", res.RemoteID), zap.Error(err))
		if e.journal != nil {
			if jerr := e.journal.RecordOrphan(wctx, ledger.OrphanedAction{
				RemoteID: res.RemoteID,
				Content:  draft,
				Reason:   err.Error(),
			}); jerr != nil {
				e.logger.Error("orphan record failed", zap.Error(jerr))
			}
		}
	}
	if e.journal != nil {
		if err := e.journal.RecordPublish(wctx, ledger.PublishedAction{
			Kind:     "post",
			RemoteID: res.RemoteID,
			Content:  draft,
		}); err != nil {
			e.logger.Warn("ledger write failed", zap.Error(err))
		}
	}
	if consumed != nil {
		if err := e.ideas.SetStatus(consumed.ID, ideas.StatusPosted); err != nil {
			e.logger.Warn("idea status update failed", zap.String("id", consumed.ID), zap.Error(err))
		}
	}

	e.logger.Info("post published",
		zap.String("remote_id", res.RemoteID),
		zap.String("topic", topic))
	return draft, nil
}

// postBudget is the character budget for original posts: the platform
// cap or the persona limit, whichever is tighter, minus room for the
// signature the adapter appends.
func (e *Engine) postBudget() int {
	budget := e.cfg.MaxPostChars
	if m := e.p.InteractionRules.MaxResponseLength; m < budget {
		budget = m
	}
	if sig := e.p.Identity.Signature; sig != "" {
		budget -= utf8.RuneCountInString(sig) + 2
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (e *Engine) randomInterest() string {
	pool := e.p.Interests.Primary
	if len(pool) == 0 {
		pool = e.p.Interests.Secondary
	}
	if len(pool) == 0 {
		return ""
	}
	return pool[rand.IntN(len(pool))]
}

// isSimpleReaction spots low-content posts ("nice", "lol", bare emoji)
// that deserve a light reply without hauling in full memory context.
func isSimpleReaction(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return false
	}
	if utf8.RuneCountInString(s) <= 10 {
		return true
	}
	stripped := strings.TrimSpace(persona.EmojiPattern.ReplaceAllString(s, ""))
	return utf8.RuneCountInString(stripped) <= 2
}

// truncate hard-caps a draft at max runes, marking the cut.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
