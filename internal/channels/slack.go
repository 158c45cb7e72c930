package channels

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/amialive/amialive/internal/config"
)

// SlackChannel publishes to a fixed Slack channel.
type SlackChannel struct {
	cfg    config.SlackConfig
	client *slack.Client
}

// NewSlackChannel creates the channel from config.
func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{
		cfg:    cfg,
		client: slack.New(cfg.Token),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

// Post sends one message to the configured channel.
func (c *SlackChannel) Post(ctx context.Context, text string) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("slack channel is disabled")
	}
	if c.cfg.ChannelID == "" {
		return fmt.Errorf("slack channel id not configured")
	}
	_, _, err := c.client.PostMessageContext(ctx, c.cfg.ChannelID,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	return nil
}
