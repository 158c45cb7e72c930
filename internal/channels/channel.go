// Package channels implements outbound publishing targets for the agent's
// post_channel action.
package channels

import "context"

// Channel is a publishing target. Text reaching Post has already passed
// the content filter and the redaction detector.
type Channel interface {
	// Name returns the channel name (e.g. "slack").
	Name() string
	// Post publishes one message.
	Post(ctx context.Context, text string) error
}
