package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Candidate is one inbound post the engine may choose to answer.
type Candidate struct {
	PostID      string
	AuthorID    string
	AuthorName  string
	Text        string
	CreatedAt   time.Time
	IsReply     bool
	RepliedToID string // the agent post this candidate replies to, when IsReply
}

// FetchMode selects where candidates come from.
type FetchMode string

const (
	// ModeReplies walks the agent's own recent posts and collects the
	// replies under them. Works with baseline permissions.
	ModeReplies FetchMode = "replies"
	// ModeSearch runs a keyword search for posts matching the agent's
	// interests. Platforms may gate this behind extra permissions.
	ModeSearch FetchMode = "search"
)

// FetchRequest parameterizes one candidate fetch.
type FetchRequest struct {
	Mode  FetchMode
	Query string // search keywords, ignored in replies mode
	Limit int
}

// Kind is what gets published.
type Kind string

const (
	KindPost  Kind = "post"
	KindReply Kind = "reply"
)

// PublishRequest is one outgoing post or reply. Text carries the
// agent's words without any signature; adapters that sign do so on
// the way out.
type PublishRequest struct {
	Kind     Kind
	TargetID string // post being replied to, empty for standalone posts
	Text     string
}

// PublishResult reports the platform-assigned id of a publish.
type PublishResult struct {
	RemoteID string
}

// Adapter is one social platform the agent can live on.
type Adapter interface {
	Name() string
	SelfID() string
	FetchCandidates(ctx context.Context, req FetchRequest) ([]Candidate, error)
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
	Close() error
}

// ErrorKind classifies platform failures for the engine: transient
// failures may succeed next cycle, permission failures disable a
// feature, rate limits end the cycle early.
type ErrorKind string

const (
	ErrTransient   ErrorKind = "transient"
	ErrPermission  ErrorKind = "permission"
	ErrNotFound    ErrorKind = "not_found"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrInvalid     ErrorKind = "invalid"
)

// Error is a classified platform failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("platform %s: %s (status %d, code %d): %s", e.Op, e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform %s: %s: %s", e.Op, e.Kind, e.Message)
}

func kindIs(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsTransient reports whether the failure is worth retrying later.
func IsTransient(err error) bool { return kindIs(err, ErrTransient) }

// IsPermission reports whether the platform refused the capability.
func IsPermission(err error) bool { return kindIs(err, ErrPermission) }

// IsNotFound reports whether the target no longer exists.
func IsNotFound(err error) bool { return kindIs(err, ErrNotFound) }

// IsRateLimited reports whether the platform throttled the call.
func IsRateLimited(err error) bool { return kindIs(err, ErrRateLimited) }
