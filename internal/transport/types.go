package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers operator alerts. Adapters split long text as their platform requires.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error {
	return f(ctx, to, text, opt)
}
