// Package dispatch routes inbound messages from live sessions to registered
// command handlers and records traffic for the dashboard.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wabot-server-go/internal/events"
	"github.com/openclaw/wabot-server-go/internal/repository"
	"github.com/openclaw/wabot-server-go/internal/wa"
)

const commandPrefix = "!"

// Request is one parsed command invocation.
type Request struct {
	UserID  string
	Message wa.Message
	Command string
	Args    []string
}

// Responder sends the handler's reply back through the originating session.
type Responder func(ctx context.Context, text string) error

// Handler is one command implementation.
type Handler func(ctx context.Context, req Request, respond Responder) error

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	msgRepo  repository.MessageLogRepository
	broker   *events.Broker
	socketOf func(userID string) wa.Socket
}

// New builds a dispatcher. socketOf resolves the live socket for replies and
// may return nil when the session has gone away mid-dispatch.
func New(msgRepo repository.MessageLogRepository, broker *events.Broker, socketOf func(userID string) wa.Socket) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		msgRepo:  msgRepo,
		broker:   broker,
		socketOf: socketOf,
	}
}

// Register adds a command handler. Later registrations replace earlier ones.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.ToLower(name)] = handler
}

// HandleMessages is wired as the session manager's OnMessage hook.
func (d *Dispatcher) HandleMessages(userID string, msgs []wa.Message) {
	for _, msg := range msgs {
		if msg.FromMe {
			continue
		}
		d.handleOne(userID, msg)
	}
}

func (d *Dispatcher) handleOne(userID string, msg wa.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if d.msgRepo != nil {
		if err := d.msgRepo.Insert(ctx, userID, msg.RemoteJID, msg.PushName, msg.Body); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to record inbound message")
		}
	}

	if d.broker != nil {
		data, _ := json.Marshal(map[string]string{"from": msg.RemoteJID, "body": msg.Body})
		if err := d.broker.Publish(ctx, userID, events.Event{Type: events.TypeMessage, Data: data}); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to publish message event")
		}
	}

	req, ok := d.parse(userID, msg)
	if !ok {
		return
	}

	d.mu.RLock()
	handler, found := d.handlers[req.Command]
	d.mu.RUnlock()
	if !found {
		log.Debug().Str("userId", userID).Str("command", req.Command).Msg("unknown command")
		return
	}

	respond := func(ctx context.Context, text string) error {
		socket := d.socketOf(userID)
		if socket == nil {
			return nil
		}
		return socket.SendText(ctx, msg.RemoteJID, text)
	}

	if err := handler(ctx, req, respond); err != nil {
		log.Error().Err(err).Str("userId", userID).Str("command", req.Command).Msg("command handler failed")
	}
}

func (d *Dispatcher) parse(userID string, msg wa.Message) (Request, bool) {
	body := strings.TrimSpace(msg.Body)
	if !strings.HasPrefix(body, commandPrefix) {
		return Request{}, false
	}

	fields := strings.Fields(strings.TrimPrefix(body, commandPrefix))
	if len(fields) == 0 {
		return Request{}, false
	}

	return Request{
		UserID:  userID,
		Message: msg,
		Command: strings.ToLower(fields[0]),
		Args:    fields[1:],
	}, true
}

// HandleCalls is wired as the session manager's OnCall hook. Calls are not
// answerable by a bot, so they are only logged.
func (d *Dispatcher) HandleCalls(userID string, calls []wa.Call) {
	for _, call := range calls {
		log.Info().
			Str("userId", userID).
			Str("callId", call.CallID).
			Str("from", call.From).
			Msg("inbound call ignored")
	}
}
