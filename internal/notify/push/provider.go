package push

import "context"

// Provider delivers a push notification to a user's registered devices.
type Provider interface {
	Send(ctx context.Context, userID string, title, body string, data map[string]string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, userID string, title, body string, data map[string]string) error {
	return nil
}
