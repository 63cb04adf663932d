package push

import "context"

// Notifier reaches a user outside the realtime channel (mobile push, email).
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string) error
}
