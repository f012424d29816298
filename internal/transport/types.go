// Package transport defines the channel-neutral send contract the delivery
// service speaks; adapters (telegram) implement it.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a send-side channel client. Implementations report delivery
// success or failure; they never decide whether a message may be sent.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Close(ctx context.Context) error
}
