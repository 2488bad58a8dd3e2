package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/wabot-server-go/internal/repository"
)

// RegisterBuiltins wires the stock commands every session answers to.
func RegisterBuiltins(d *Dispatcher, msgRepo repository.MessageLogRepository) {
	d.Register("ping", func(ctx context.Context, req Request, respond Responder) error {
		return respond(ctx, "pong")
	})

	d.Register("stats", func(ctx context.Context, req Request, respond Responder) error {
		if msgRepo == nil {
			return respond(ctx, "stats unavailable")
		}
		count, err := msgRepo.CountSince(ctx, req.UserID, time.Now().Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		return respond(ctx, fmt.Sprintf("messages in the last 24h: %d", count))
	})
}
