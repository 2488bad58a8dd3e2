// Package events fans session lifecycle events out to dashboard subscribers
// through Redis pub/sub, so every server instance sees every session's
// transitions.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/wabot-server-go/internal/redis"
)

// Event types published by the lifecycle manager and dispatch layer.
const (
	TypeStatus  = "status"
	TypeMessage = "message"
	TypePairing = "pairing"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	UserID string
	Events chan Event
	Done   chan struct{}
}

// subscribeFunc opens one pub/sub stream for a channel and returns the
// message feed plus its closer. Closing the stream closes the feed.
type subscribeFunc func(channel string) (<-chan *redis.Message, func() error)

type Broker struct {
	redis     *redisclient.Client
	subscribe subscribeFunc

	mu      sync.RWMutex
	clients map[string]map[*Client]bool // userID -> set of clients
	streams map[string]func() error     // userID -> pub/sub stream closer
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		streams: make(map[string]func() error),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.subscribe = func(channel string) (<-chan *redis.Message, func() error) {
		pubsub := redisClient.Subscribe(ctx, channel)
		return pubsub.Channel(), pubsub.Close
	}
	return b
}

// Subscribe registers a client for one user's events. The first client for a
// user opens the Redis stream; later clients share it.
func (b *Broker) Subscribe(userID string) *Client {
	client := &Client{
		UserID: userID,
		Events: make(chan Event, 100),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[userID] == nil {
		b.clients[userID] = make(map[*Client]bool)
		ch, closeStream := b.subscribe(redisclient.SessionChannel(userID))
		b.streams[userID] = closeStream
		go b.pump(userID, ch)
	}
	b.clients[userID][client] = true
	clientCount := len(b.clients[userID])
	b.mu.Unlock()

	log.Debug().
		Str("userId", userID).
		Int("clientCount", clientCount).
		Msg("event client subscribed")

	return client
}

// Unsubscribe drops a client; the last client for a user closes the Redis
// stream synchronously, so a Subscribe that follows always gets a fresh
// stream instead of racing a dying pump.
func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.UserID]
	if !ok {
		return
	}
	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.UserID)
		if closeStream, ok := b.streams[client.UserID]; ok {
			delete(b.streams, client.UserID)
			if err := closeStream(); err != nil {
				log.Warn().Err(err).Str("userId", client.UserID).Msg("failed to close event stream")
			}
		}
	}
}

func (b *Broker) Publish(ctx context.Context, userID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.SessionChannel(userID)
	return b.redis.Publish(ctx, channel, data).Err()
}

// PublishStatus is the manager's hook for connection-state transitions.
// Failures are logged, never surfaced; a dead Redis must not affect live
// sessions.
func (b *Broker) PublishStatus(ctx context.Context, userID string, status string, statusCode int) {
	data, _ := json.Marshal(map[string]any{
		"status":     status,
		"statusCode": statusCode,
	})
	if err := b.Publish(ctx, userID, Event{Type: TypeStatus, Data: data}); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("failed to publish status event")
	}
}

// pump delivers one stream's messages to the user's clients. It exits when
// the stream is closed by the last Unsubscribe or by Close.
func (b *Broker) pump(userID string, ch <-chan *redis.Message) {
	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.mu.RLock()
			for client := range b.clients[userID] {
				select {
				case client.Events <- event:
				default:
					log.Warn().Str("userId", userID).Msg("event client buffer full, dropping event")
				}
			}
			b.mu.RUnlock()
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, closeStream := range b.streams {
		delete(b.streams, userID)
		if err := closeStream(); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to close event stream")
		}
	}
}
