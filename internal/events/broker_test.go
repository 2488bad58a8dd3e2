package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	ch     chan *redis.Message
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) push(t *testing.T, event Event) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	s.ch <- &redis.Message{Payload: string(payload)}
}

type fakeStreams struct {
	mu     sync.Mutex
	opened []*fakeStream
}

func (f *fakeStreams) subscribe(channel string) (<-chan *redis.Message, func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream := &fakeStream{ch: make(chan *redis.Message, 10)}
	f.opened = append(f.opened, stream)
	return stream.ch, stream.close
}

func (f *fakeStreams) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeStreams) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[i]
}

func newTestBroker() (*Broker, *fakeStreams) {
	streams := &fakeStreams{}
	b := NewBroker(nil)
	b.subscribe = streams.subscribe
	return b, streams
}

func receiveEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case event := <-c.Events:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBrokerFanOut(t *testing.T) {
	t.Run("delivers events to every client of a user", func(t *testing.T) {
		b, streams := newTestBroker()
		defer b.Close()

		c1 := b.Subscribe("alice")
		c2 := b.Subscribe("alice")
		assert.Equal(t, 1, streams.count())

		streams.stream(0).push(t, Event{Type: TypeStatus, Data: json.RawMessage(`{"status":"online"}`)})

		assert.Equal(t, TypeStatus, receiveEvent(t, c1).Type)
		assert.Equal(t, TypeStatus, receiveEvent(t, c2).Type)
	})

	t.Run("users get independent streams", func(t *testing.T) {
		b, streams := newTestBroker()
		defer b.Close()

		b.Subscribe("alice")
		b.Subscribe("bob")

		assert.Equal(t, 2, streams.count())
	})
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Run("closes done channel", func(t *testing.T) {
		b, _ := newTestBroker()
		defer b.Close()

		c := b.Subscribe("alice")
		b.Unsubscribe(c)

		select {
		case <-c.Done:
		default:
			t.Fatal("done channel not closed")
		}
	})

	t.Run("last unsubscribe closes the stream synchronously", func(t *testing.T) {
		b, streams := newTestBroker()
		defer b.Close()

		c1 := b.Subscribe("alice")
		c2 := b.Subscribe("alice")

		b.Unsubscribe(c1)
		assert.False(t, streams.stream(0).isClosed())

		b.Unsubscribe(c2)
		assert.True(t, streams.stream(0).isClosed())
	})

	t.Run("resubscribe gets a fresh stream and no duplicate delivery", func(t *testing.T) {
		b, streams := newTestBroker()
		defer b.Close()

		c1 := b.Subscribe("alice")
		b.Unsubscribe(c1)

		c2 := b.Subscribe("alice")
		require.Equal(t, 2, streams.count())
		assert.True(t, streams.stream(0).isClosed())

		streams.stream(1).push(t, Event{Type: TypePairing, Data: json.RawMessage(`{}`)})

		assert.Equal(t, TypePairing, receiveEvent(t, c2).Type)

		select {
		case event := <-c2.Events:
			t.Fatalf("unexpected duplicate event: %+v", event)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestBrokerClose(t *testing.T) {
	t.Run("closes all open streams", func(t *testing.T) {
		b, streams := newTestBroker()

		b.Subscribe("alice")
		b.Subscribe("bob")
		b.Close()

		assert.True(t, streams.stream(0).isClosed())
		assert.True(t, streams.stream(1).isClosed())
	})
}
