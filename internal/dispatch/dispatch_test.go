package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/wabot-server-go/internal/model"
	"github.com/openclaw/wabot-server-go/internal/repository"
	"github.com/openclaw/wabot-server-go/internal/wa"
)

type recordedMessage struct {
	userID, remoteJID, body string
}

type fakeMsgRepo struct {
	mu       sync.Mutex
	inserted []recordedMessage
	count    int
	failAll  bool
}

func (f *fakeMsgRepo) Insert(ctx context.Context, userID, remoteJID, pushName, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("db down")
	}
	f.inserted = append(f.inserted, recordedMessage{userID, remoteJID, body})
	return nil
}

func (f *fakeMsgRepo) FindRecent(ctx context.Context, userID string, limit int) ([]model.MessageLog, error) {
	return nil, nil
}

func (f *fakeMsgRepo) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return f.count, nil
}

func (f *fakeMsgRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeMsgRepo) WithTx(tx *sqlx.Tx) repository.MessageLogRepository { return f }

type fakeSender struct {
	wa.Socket
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) SendText(ctx context.Context, remoteJID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func newTestDispatcher(repo *fakeMsgRepo, sender *fakeSender) *Dispatcher {
	return New(repo, nil, func(userID string) wa.Socket {
		if sender == nil {
			return nil
		}
		return sender
	})
}

func TestHandleMessages(t *testing.T) {
	t.Run("records every inbound message", func(t *testing.T) {
		repo := &fakeMsgRepo{}
		d := newTestDispatcher(repo, nil)

		d.HandleMessages("alice", []wa.Message{
			{RemoteJID: "111@s.whatsapp.net", Body: "hello"},
			{RemoteJID: "222@s.whatsapp.net", Body: "world"},
		})

		require.Len(t, repo.inserted, 2)
		assert.Equal(t, "alice", repo.inserted[0].userID)
	})

	t.Run("skips own messages", func(t *testing.T) {
		repo := &fakeMsgRepo{}
		d := newTestDispatcher(repo, nil)

		d.HandleMessages("alice", []wa.Message{{Body: "!ping", FromMe: true}})
		assert.Empty(t, repo.inserted)
	})

	t.Run("routes prefixed command to its handler", func(t *testing.T) {
		sender := &fakeSender{}
		d := newTestDispatcher(&fakeMsgRepo{}, sender)
		RegisterBuiltins(d, nil)

		d.HandleMessages("alice", []wa.Message{{RemoteJID: "111@s.whatsapp.net", Body: "!ping"}})

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "pong", sender.sent[0])
	})

	t.Run("ignores unknown commands and plain text", func(t *testing.T) {
		sender := &fakeSender{}
		d := newTestDispatcher(&fakeMsgRepo{}, sender)
		RegisterBuiltins(d, nil)

		d.HandleMessages("alice", []wa.Message{
			{Body: "!nosuchcommand"},
			{Body: "just chatting"},
			{Body: "!"},
		})
		assert.Empty(t, sender.sent)
	})

	t.Run("command parsing is case insensitive with args", func(t *testing.T) {
		var got Request
		d := newTestDispatcher(&fakeMsgRepo{}, &fakeSender{})
		d.Register("echo", func(ctx context.Context, req Request, respond Responder) error {
			got = req
			return nil
		})

		d.HandleMessages("alice", []wa.Message{{Body: "!ECHO one two"}})
		assert.Equal(t, "echo", got.Command)
		assert.Equal(t, []string{"one", "two"}, got.Args)
	})

	t.Run("repository failure does not block dispatch", func(t *testing.T) {
		sender := &fakeSender{}
		d := newTestDispatcher(&fakeMsgRepo{failAll: true}, sender)
		RegisterBuiltins(d, nil)

		d.HandleMessages("alice", []wa.Message{{Body: "!ping"}})
		assert.Len(t, sender.sent, 1)
	})

	t.Run("missing socket is tolerated", func(t *testing.T) {
		d := newTestDispatcher(&fakeMsgRepo{}, nil)
		RegisterBuiltins(d, nil)

		// Session torn down between receive and reply; must not panic.
		d.HandleMessages("alice", []wa.Message{{Body: "!ping"}})
	})
}
