package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/embedding"
	"github.com/Chuanyin1202/anima/internal/vectorstore"
)

// Store-capability failures. Writes surface these loudly; a missing
// write breaks the interaction record set and must never be swallowed.
var (
	ErrEmbedding = errors.New("memory: embedding capability failed")
	ErrIndex     = errors.New("memory: index operation failed")
)

const (
	// How many points a partition scan reads before sorting/aggregating.
	recentScanCap = 500
	statsScanCap  = 2000
)

// Config tunes a Store.
type Config struct {
	// Prefix namespaces index partitions, typically "anima_<agent name>".
	Prefix string
	// SummaryMaxChars bounds the participant gist written to agent scope.
	SummaryMaxChars int
}

// Store owns persisted experience. All scope semantics live here: the
// partition fan-out, the merged re-rank, and the rule that participant
// text enters agent scope only as a bounded summary.
type Store struct {
	index      vectorstore.Index
	embedder   embedding.Provider
	prefix     string
	summaryMax int
	logger     *zap.Logger
}

// New creates a Store over an index and an embedding provider.
func New(index vectorstore.Index, embedder embedding.Provider, cfg Config, logger *zap.Logger) *Store {
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = 160
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "anima"
	}
	return &Store{
		index:      index,
		embedder:   embedder,
		prefix:     cfg.Prefix,
		summaryMax: cfg.SummaryMaxChars,
		logger:     logger,
	}
}

// Write appends one record: embeds the content and upserts it into the
// record's scope partition. The call is atomic per record; multi-record
// sequences are the caller's contract.
func (s *Store) Write(ctx context.Context, rec *Record) error {
	if !rec.Scope.Valid() {
		return fmt.Errorf("invalid scope %q", rec.Scope)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Meta.Timestamp.IsZero() {
		rec.Meta.Timestamp = time.Now().UTC()
	}
	if rec.Tier == "" {
		rec.Tier = TierEpisodic
	}

	vectors, err := s.embedder.Embed(ctx, []string{rec.Content})
	if err != nil {
		return fmt.Errorf("%w: embed content: %v", ErrEmbedding, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: got %d vectors for one text", ErrEmbedding, len(vectors))
	}
	rec.Embedding = vectors[0]

	partition := partitionName(s.prefix, rec.Scope)
	if err := s.index.EnsurePartition(ctx, partition, uint64(s.embedder.Dimension())); err != nil {
		return fmt.Errorf("%w: ensure partition: %v", ErrIndex, err)
	}
	if err := s.index.Upsert(ctx, partition, vectorstore.Point{
		ID:      rec.ID,
		Vector:  rec.Embedding,
		Payload: rec.payload(),
	}); err != nil {
		return fmt.Errorf("%w: upsert: %v", ErrIndex, err)
	}

	s.logger.Debug("memory written",
		zap.String("id", rec.ID),
		zap.String("scope", string(rec.Scope)),
		zap.String("tier", string(rec.Tier)),
		zap.String("kind", string(rec.Meta.Kind)))
	return nil
}

// Interaction is one committed exchange: a participant's post and the
// agent's published reply.
type Interaction struct {
	ParticipantID    string
	ParticipantAlias string
	PostID           string
	PostText         string
	ReplyText        string
	At               time.Time
}

// RecordInteraction writes the three-record set for one committed
// interaction: the participant's content in their scope, the agent's
// reply in agent scope, and the bounded summary in agent scope. The
// first failed write aborts and returns; the caller is responsible for
// logging the orphaned records.
func (s *Store) RecordInteraction(ctx context.Context, it Interaction) ([]Record, error) {
	if it.ParticipantID == "" {
		return nil, fmt.Errorf("interaction requires a participant id")
	}
	alias := it.ParticipantAlias
	if alias == "" {
		alias = it.ParticipantID
	}
	at := it.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	records := []Record{
		{
			Scope:   ParticipantScope(it.ParticipantID),
			Tier:    TierEpisodic,
			Content: it.PostText,
			Meta:    Meta{Timestamp: at, SourcePostID: it.PostID, About: alias, Kind: KindInteraction},
		},
		{
			Scope:   ScopeAgent,
			Tier:    TierEpisodic,
			Content: it.ReplyText,
			Meta:    Meta{Timestamp: at, SourcePostID: it.PostID, About: "self", Kind: KindInteraction},
		},
		{
			Scope:   ScopeAgent,
			Tier:    TierEpisodic,
			Content: SummarizeParticipant(alias, it.PostID, it.PostText, s.summaryMax),
			Meta:    Meta{Timestamp: at, SourcePostID: it.PostID, About: alias, Kind: KindSummary},
		},
	}

	for i := range records {
		if err := s.Write(ctx, &records[i]); err != nil {
			return records[:i], fmt.Errorf("interaction record %d/3: %w", i+1, err)
		}
	}
	return records, nil
}

// Observe writes a single episodic record, used for ingested content
// and the agent's own standalone posts.
func (s *Store) Observe(ctx context.Context, scope Scope, content string, meta Meta) (*Record, error) {
	rec := &Record{Scope: scope, Tier: TierEpisodic, Content: content, Meta: meta}
	if err := s.Write(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Search embeds the query, fans out one vector query per scope in the
// filter, and re-ranks the union by similarity before truncating to k.
// Expired records are excluded. A single tier is pushed down to the
// index; multiple tiers are filtered after the fan-out.
func (s *Store) Search(ctx context.Context, query string, sf ScopeFilter, tiers []Tier, k int) ([]Record, error) {
	scopes := sf.scopes()
	if len(scopes) == 0 || k <= 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrEmbedding, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for one query", ErrEmbedding, len(vectors))
	}

	filter := vectorstore.Filter{payloadExpired: "false"}
	if len(tiers) == 1 {
		filter[payloadTier] = string(tiers[0])
	}

	var merged []Record
	for _, scope := range scopes {
		hits, err := s.index.Query(ctx, partitionName(s.prefix, scope), vectors[0], k, filter)
		if err != nil {
			return nil, fmt.Errorf("%w: query %s: %v", ErrIndex, scope, err)
		}
		for _, h := range hits {
			rec := recordFromPayload(h.ID, h.Score, h.Payload)
			if len(tiers) > 1 && !tierAllowed(rec.Tier, tiers) {
				continue
			}
			merged = append(merged, rec)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// Recent returns up to limit records across the filtered scopes,
// newest first. Expired records are excluded.
func (s *Store) Recent(ctx context.Context, sf ScopeFilter, tiers []Tier, limit int) ([]Record, error) {
	scopes := sf.scopes()
	if len(scopes) == 0 || limit <= 0 {
		return nil, nil
	}

	filter := vectorstore.Filter{payloadExpired: "false"}
	if len(tiers) == 1 {
		filter[payloadTier] = string(tiers[0])
	}

	var merged []Record
	for _, scope := range scopes {
		hits, err := s.index.Scroll(ctx, partitionName(s.prefix, scope), recentScanCap, filter)
		if err != nil {
			return nil, fmt.Errorf("%w: scroll %s: %v", ErrIndex, scope, err)
		}
		for _, h := range hits {
			rec := recordFromPayload(h.ID, 0, h.Payload)
			if len(tiers) > 1 && !tierAllowed(rec.Tier, tiers) {
				continue
			}
			merged = append(merged, rec)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Meta.Timestamp.After(merged[j].Meta.Timestamp)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Stats aggregates live record counts by tier and by about tag.
type Stats struct {
	Total   int
	ByTier  map[Tier]int
	ByAbout map[string]int
}

// Stats counts non-expired records in the filtered scopes.
func (s *Store) Stats(ctx context.Context, sf ScopeFilter) (*Stats, error) {
	out := &Stats{ByTier: make(map[Tier]int), ByAbout: make(map[string]int)}
	for _, scope := range sf.scopes() {
		hits, err := s.index.Scroll(ctx, partitionName(s.prefix, scope), statsScanCap,
			vectorstore.Filter{payloadExpired: "false"})
		if err != nil {
			return nil, fmt.Errorf("%w: scroll %s: %v", ErrIndex, scope, err)
		}
		for _, h := range hits {
			rec := recordFromPayload(h.ID, 0, h.Payload)
			out.Total++
			out.ByTier[rec.Tier]++
			if rec.Meta.About != "" {
				out.ByAbout[rec.Meta.About]++
			}
		}
	}
	return out, nil
}

// HasInteracted reports whether the agent already committed an
// interaction for this post. Expired records still count: an expired
// memory of an interaction does not make re-processing safe.
func (s *Store) HasInteracted(ctx context.Context, postID string) (bool, error) {
	if postID == "" {
		return false, nil
	}
	hits, err := s.index.Scroll(ctx, partitionName(s.prefix, ScopeAgent), 1,
		vectorstore.Filter{payloadSource: postID})
	if err != nil {
		return false, fmt.Errorf("%w: scroll agent: %v", ErrIndex, err)
	}
	return len(hits) > 0, nil
}

// ContextFor renders a prompt context block from a merged-scope search.
// This is the one read that degrades: on store failure it logs a
// warning and returns an empty block so a draft can still be attempted.
func (s *Store) ContextFor(ctx context.Context, participantID, query string, k int) string {
	records, err := s.Search(ctx, query, Merged(participantID), nil, k)
	if err != nil {
		s.logger.Warn("memory context degraded to empty", zap.Error(err))
		return ""
	}
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Tier, r.Content)
	}
	return b.String()
}

// ExpireOlderThan soft-deletes records of one tier in one scope older
// than the cutoff. Returns the number of records marked.
func (s *Store) ExpireOlderThan(ctx context.Context, scope Scope, tier Tier, cutoff time.Time) (int, error) {
	partition := partitionName(s.prefix, scope)
	hits, err := s.index.Scroll(ctx, partition, statsScanCap, vectorstore.Filter{
		payloadTier:    string(tier),
		payloadExpired: "false",
	})
	if err != nil {
		return 0, fmt.Errorf("%w: scroll %s: %v", ErrIndex, scope, err)
	}

	var ids []string
	for _, h := range hits {
		rec := recordFromPayload(h.ID, 0, h.Payload)
		if rec.Meta.Timestamp.Before(cutoff) {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.index.SetPayload(ctx, partition, ids, map[string]string{payloadExpired: "true"}); err != nil {
		return 0, fmt.Errorf("%w: set expired: %v", ErrIndex, err)
	}

	s.logger.Info("memory records expired",
		zap.String("scope", string(scope)),
		zap.String("tier", string(tier)),
		zap.Int("count", len(ids)))
	return len(ids), nil
}

// SummaryMaxChars exposes the configured summary bound.
func (s *Store) SummaryMaxChars() int { return s.summaryMax }

func tierAllowed(t Tier, tiers []Tier) bool {
	for _, allowed := range tiers {
		if t == allowed {
			return true
		}
	}
	return false
}
