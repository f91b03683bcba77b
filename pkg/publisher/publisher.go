// Package publisher defines the outbound delivery contract.
package publisher

import "context"

// Publisher delivers one artifact to one destination chat.
type Publisher interface {
	Publish(ctx context.Context, chatID string, data []byte, filename, caption string) error
}

// Factory builds a publisher for an auth token. The publish pipeline caches
// one publisher per token.
type Factory func(token string) Publisher
