// Package chat abstracts the outbound chat platform surface the coordination
// layer needs: sending a new message and editing an existing one. Platform
// adapters live in subpackages.
package chat

import "context"

// Client is the outbound message surface. Implementations own their
// credentials and platform-quota pacing; callers treat returned errors as
// final and never retry at this layer.
type Client interface {
	// SendMessage posts text to a channel and returns the platform message id.
	SendMessage(ctx context.Context, channelID, text string) (string, error)
	// EditMessage replaces the text of an existing message.
	EditMessage(ctx context.Context, channelID, messageID, text string) error
}
