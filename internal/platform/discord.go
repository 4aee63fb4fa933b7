package platform

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token     string
	ChannelID string // the one channel the agent lives in
	Signature string
}

// Discord runs the agent inside a single Discord channel: candidates
// are recent messages from other members, publishes are channel sends
// or message replies. Useful as a low-stakes habitat for a persona
// before pointing it at a public platform.
type Discord struct {
	cfg     DiscordConfig
	session *discordgo.Session
	selfID  string
	logger  *zap.Logger
}

// NewDiscord opens the bot session and resolves the bot's own user id.
func NewDiscord(cfg DiscordConfig, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}

	d := &Discord{
		cfg:     cfg,
		session: session,
		selfID:  session.State.User.ID,
		logger:  logger,
	}
	logger.Info("discord adapter connected",
		zap.String("user", session.State.User.Username),
		zap.String("channel", cfg.ChannelID))
	return d, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) SelfID() string { return d.selfID }

// FetchCandidates returns recent non-self messages from the channel.
// Discord has no keyword search for bots, so both modes read the
// channel history.
func (d *Discord) FetchCandidates(_ context.Context, req FetchRequest) ([]Candidate, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	messages, err := d.session.ChannelMessages(d.cfg.ChannelID, limit, "", "", "")
	if err != nil {
		return nil, &Error{Kind: ErrTransient, Op: "channel_messages", Message: err.Error()}
	}

	var candidates []Candidate
	for _, m := range messages {
		if m.Author == nil || m.Author.ID == d.selfID || m.Author.Bot {
			continue
		}
		c := Candidate{
			PostID:     m.ID,
			AuthorID:   m.Author.ID,
			AuthorName: m.Author.Username,
			Text:       m.Content,
			CreatedAt:  m.Timestamp,
		}
		if m.ReferencedMessage != nil {
			c.IsReply = true
			c.RepliedToID = m.ReferencedMessage.ID
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Publish sends to the channel, as a reply when the request targets a
// message.
func (d *Discord) Publish(_ context.Context, req PublishRequest) (*PublishResult, error) {
	text := req.Text
	if d.cfg.Signature != "" {
		text = text + "\n\n" + d.cfg.Signature
	}

	var (
		msg *discordgo.Message
		err error
	)
	if req.Kind == KindReply && req.TargetID != "" {
		msg, err = d.session.ChannelMessageSendReply(d.cfg.ChannelID, text, &discordgo.MessageReference{
			MessageID: req.TargetID,
			ChannelID: d.cfg.ChannelID,
		})
	} else {
		msg, err = d.session.ChannelMessageSend(d.cfg.ChannelID, text)
	}
	if err != nil {
		return nil, &Error{Kind: ErrTransient, Op: "publish", Message: err.Error()}
	}
	return &PublishResult{RemoteID: msg.ID}, nil
}

// Close shuts down the gateway session.
func (d *Discord) Close() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}
