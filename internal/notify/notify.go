// Package notify pushes operator-facing updates to Slack: one line
// per finished cycle and louder alerts for fatal conditions. Without
// a token it degrades to a no-op so local runs stay quiet.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/Chuanyin1202/anima/internal/ledger"
)

// Notifier posts to one Slack channel on behalf of one agent.
type Notifier struct {
	client  *slack.Client
	channel string
	agent   string
	logger  *zap.Logger
}

// New creates a notifier. With an empty token or channel it returns a
// disabled notifier that swallows every call.
func New(token, channel, agent string, logger *zap.Logger) *Notifier {
	n := &Notifier{channel: channel, agent: agent, logger: logger}
	if token == "" || channel == "" {
		logger.Info("slack notifications disabled")
		return n
	}
	n.client = slack.New(token)
	return n
}

func (n *Notifier) enabled() bool { return n != nil && n.client != nil }

// CycleDone posts the cycle's one-line summary.
func (n *Notifier) CycleDone(ctx context.Context, r *ledger.CycleReport) {
	if !n.enabled() || r == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(":seedling: *%s* %s cycle: %s", n.agent, r.Mode, r.Summary()))
}

// Alert posts a fatal condition the operator should look at now.
func (n *Notifier) Alert(ctx context.Context, msg string) {
	if !n.enabled() {
		return
	}
	n.post(ctx, fmt.Sprintf(":rotating_light: *%s*: %s", n.agent, msg))
}

// post delivers one message. Delivery failures are logged and
// dropped; notifications must never take the agent down.
func (n *Notifier) post(ctx context.Context, text string) {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Warn("slack notification failed", zap.Error(err))
	}
}
