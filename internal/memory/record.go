package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Tier is the abstraction level of a memory record.
type Tier string

const (
	TierEpisodic   Tier = "episodic"   // raw event
	TierSemantic   Tier = "semantic"   // distilled fact
	TierReflective Tier = "reflective" // higher-order insight
)

// Kind records how an episodic entry came to exist.
type Kind string

const (
	KindObservation Kind = "observation"
	KindInteraction Kind = "interaction"
	KindSummary     Kind = "summary"
	KindReflection  Kind = "reflection"
)

// Scope is the ownership partition of a record: the agent's own voice
// or one conversation partner. The scope boundary is the contamination
// boundary.
type Scope string

// ScopeAgent holds the agent's own words and bounded summaries of what
// others said to it. Participant verbatim text never lands here.
const ScopeAgent Scope = "agent"

// ParticipantScope returns the scope owning one participant's content.
func ParticipantScope(id string) Scope {
	return Scope("participant:" + id)
}

// IsAgent reports whether this is the agent's own scope.
func (s Scope) IsAgent() bool { return s == ScopeAgent }

// Participant returns the participant id for participant scopes.
func (s Scope) Participant() (string, bool) {
	if rest, ok := strings.CutPrefix(string(s), "participant:"); ok && rest != "" {
		return rest, true
	}
	return "", false
}

// Valid reports whether the scope is well-formed.
func (s Scope) Valid() bool {
	if s.IsAgent() {
		return true
	}
	_, ok := s.Participant()
	return ok
}

// Meta is the descriptive envelope around a record's content.
type Meta struct {
	Timestamp    time.Time
	SourcePostID string
	About        string // "self" or a participant alias
	Kind         Kind
	Expired      bool
}

// Record is one persisted unit of experience. Records are append-only:
// created on interaction commit, observation or reflection, never
// mutated, at most soft-expired by retention.
type Record struct {
	ID        string
	Scope     Scope
	Tier      Tier
	Content   string
	Embedding []float32
	Score     float32 // similarity when returned from a search
	Meta      Meta
}

// ScopeFilter selects which scopes an operation reads: agent-only,
// participant-only, or both merged.
type ScopeFilter struct {
	agent       bool
	participant string
}

// AgentOnly restricts to the agent's scope.
func AgentOnly() ScopeFilter { return ScopeFilter{agent: true} }

// ParticipantOnly restricts to one participant's scope.
func ParticipantOnly(id string) ScopeFilter { return ScopeFilter{participant: id} }

// Merged unions the agent scope and one participant scope; results
// are re-ranked together, not concatenated by scope.
func Merged(participantID string) ScopeFilter {
	return ScopeFilter{agent: true, participant: participantID}
}

func (f ScopeFilter) scopes() []Scope {
	out := make([]Scope, 0, 2)
	if f.agent {
		out = append(out, ScopeAgent)
	}
	if f.participant != "" {
		out = append(out, ParticipantScope(f.participant))
	}
	return out
}

// String renders the filter for logs.
func (f ScopeFilter) String() string {
	switch {
	case f.agent && f.participant != "":
		return "merged:" + f.participant
	case f.agent:
		return "agent"
	case f.participant != "":
		return "participant:" + f.participant
	default:
		return "none"
	}
}

var partitionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// partitionName maps a scope to its index partition, e.g.
// "anima_default_agent" or "anima_default_participant_u42".
func partitionName(prefix string, scope Scope) string {
	return prefix + "_" + partitionSanitizer.ReplaceAllString(string(scope), "_")
}

const (
	payloadContent = "content"
	payloadScope   = "scope"
	payloadTier    = "tier"
	payloadKind    = "kind"
	payloadAbout   = "about"
	payloadTS      = "ts"
	payloadSource  = "source_post_id"
	payloadExpired = "expired"
)

func (r *Record) payload() map[string]string {
	p := map[string]string{
		payloadContent: r.Content,
		payloadScope:   string(r.Scope),
		payloadTier:    string(r.Tier),
		payloadKind:    string(r.Meta.Kind),
		payloadAbout:   r.Meta.About,
		payloadTS:      r.Meta.Timestamp.UTC().Format(time.RFC3339Nano),
		payloadExpired: fmt.Sprintf("%t", r.Meta.Expired),
	}
	if r.Meta.SourcePostID != "" {
		p[payloadSource] = r.Meta.SourcePostID
	}
	return p
}

func recordFromPayload(id string, score float32, p map[string]string) Record {
	ts, _ := time.Parse(time.RFC3339Nano, p[payloadTS])
	return Record{
		ID:      id,
		Scope:   Scope(p[payloadScope]),
		Tier:    Tier(p[payloadTier]),
		Content: p[payloadContent],
		Score:   score,
		Meta: Meta{
			Timestamp:    ts,
			SourcePostID: p[payloadSource],
			About:        p[payloadAbout],
			Kind:         Kind(p[payloadKind]),
			Expired:      p[payloadExpired] == "true",
		},
	}
}
