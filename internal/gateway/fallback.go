package gateway

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/internal/metrics"
	"github.com/lzyats/yuim-realtime/pkg/event"
	"github.com/lzyats/yuim-realtime/pkg/push"
	"github.com/lzyats/yuim-realtime/pkg/retry"
)

const fallbackBodyRunes = 80

// TerminalHandler counts every exhausted delivery and, when n is set, hands
// the message to the out-of-band notifier. Plug it into retry.Options.OnTerminal.
func TerminalHandler(n push.Notifier, log *zap.Logger) func(context.Context, retry.TerminalFailure) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, f retry.TerminalFailure) {
		metrics.RetryTerminal.WithLabelValues(f.Reason).Inc()
		// an undecodable item has nothing to show the user
		if n == nil || f.Reason == retry.ReasonUndecodable {
			return
		}
		env := f.Message.Envelope
		title, body := notificationText(env)
		data := map[string]string{
			"messageId": env.MessageID,
			"event":     env.Event,
		}
		if s := env.Meta(event.MetaSenderID); s != "" {
			data["senderId"] = s
		}

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := n.Notify(ctx, f.Message.TargetUserID, title, body, data); err != nil {
			metrics.FallbackPush.WithLabelValues("rejected").Inc()
			log.Warn("fallback: notify failed",
				zap.String("user", f.Message.TargetUserID),
				zap.String("message_id", env.MessageID),
				zap.Error(err),
			)
			return
		}
		metrics.FallbackPush.WithLabelValues("accepted").Inc()
	}
}

func notificationText(env event.Envelope) (title, body string) {
	var d struct {
		Content string `json:"content"`
		Title   string `json:"title"`
		Body    string `json:"body"`
	}
	_ = json.Unmarshal(env.Data, &d)
	title, body = d.Title, d.Body
	if title == "" {
		title = "New message"
	}
	if body == "" {
		body = d.Content
	}
	if body == "" {
		body = "You have a new " + env.Event + " notification"
	}
	if utf8.RuneCountInString(body) > fallbackBodyRunes {
		r := []rune(body)
		body = string(r[:fallbackBodyRunes-1]) + "…"
	}
	return title, body
}
