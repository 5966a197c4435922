package ai

import "context"

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
