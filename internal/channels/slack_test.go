package channels

import (
	"context"
	"testing"

	"github.com/amialive/amialive/internal/config"
)

func TestSlackDisabled(t *testing.T) {
	c := NewSlackChannel(config.SlackConfig{Enabled: false})
	if err := c.Post(context.Background(), "hello"); err == nil {
		t.Fatal("disabled channel must refuse to post")
	}
}

func TestSlackMissingChannelID(t *testing.T) {
	c := NewSlackChannel(config.SlackConfig{Enabled: true, Token: "xoxb-test"})
	if err := c.Post(context.Background(), "hello"); err == nil {
		t.Fatal("missing channel id must refuse to post")
	}
}

func TestSlackName(t *testing.T) {
	if got := NewSlackChannel(config.SlackConfig{}).Name(); got != "slack" {
		t.Fatalf("name %q", got)
	}
}
