package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts notifications to one channel.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a Slack sink. opts are passed to slack.New.
func NewSlack(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(botToken, opts...), channel: channel, logger: logger}
}

func (s *Slack) Notify(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("*[%s] %s*\n%s", n.Priority, n.Title, n.Message)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if n.SourceAgentID != "" {
		opts = append(opts, slack.MsgOptionUsername(n.SourceAgentID))
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
