// Package bridge implements wa.Dialer against the external protocol engine.
// The engine owns the WhatsApp wire protocol and the credential files; this
// side speaks a small newline-delimited JSON framing over a local socket:
// one connection per session, requests correlated by id, events pushed
// unsolicited.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wabot-server-go/internal/wa"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// frame is both request and response/event envelope.
type frame struct {
	ID    int64  `json:"id,omitempty"`
	Op    string `json:"op,omitempty"`
	Event string `json:"event,omitempty"`

	UserID    string `json:"userId,omitempty"`
	CredsPath string `json:"credsPath,omitempty"`
	Phone     string `json:"phone,omitempty"`
	JID       string `json:"jid,omitempty"`
	Text      string `json:"text,omitempty"`

	OK         bool   `json:"ok,omitempty"`
	Error      string `json:"error,omitempty"`
	Registered bool   `json:"registered,omitempty"`
	Code       string `json:"code,omitempty"`

	State      string       `json:"state,omitempty"`
	StatusCode int          `json:"statusCode,omitempty"`
	Messages   []wa.Message `json:"messages,omitempty"`
	Calls      []wa.Call    `json:"calls,omitempty"`
}

// Dialer connects sessions to the engine listening on a Unix socket.
type Dialer struct {
	socketPath string
	dialFn     func(ctx context.Context) (net.Conn, error)
}

func NewDialer(socketPath string) *Dialer {
	return &Dialer{
		socketPath: socketPath,
		dialFn: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, userID, credsPath string) (wa.Socket, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := d.dialFn(dialCtx)
	if err != nil {
		return nil, false, fmt.Errorf("dial protocol engine: %w", err)
	}

	s := newSocket(userID, conn)
	go s.readLoop()

	resp, err := s.request(ctx, frame{Op: "dial", UserID: userID, CredsPath: credsPath})
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("engine dial handshake: %w", err)
	}
	if !resp.OK {
		conn.Close()
		return nil, false, fmt.Errorf("engine refused session: %s", resp.Error)
	}

	return s, resp.Registered, nil
}

// Socket is one engine-backed session connection.
type Socket struct {
	userID string
	conn   net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan frame
	connected bool
	closed    bool

	connStateFn func(wa.ConnState)
	credsFn     func()
	msgsFn      func([]wa.Message)
	callsFn     func([]wa.Call)
}

func newSocket(userID string, conn net.Conn) *Socket {
	return &Socket{
		userID:  userID,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[int64]chan frame),
	}
}

func (s *Socket) Connect() error {
	resp, err := s.request(context.Background(), frame{Op: "connect"})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("engine connect: %s", resp.Error)
	}
	return nil
}

// Close is a deliberate local teardown: the read loop must not report it as
// a lost connection, or the lifecycle layer would retry a session its owner
// just stopped.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.enc.Encode(frame{Op: "close"})
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Socket) Logout(ctx context.Context) error {
	resp, err := s.request(ctx, frame{Op: "logout"})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("engine logout: %s", resp.Error)
	}
	return nil
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	resp, err := s.request(ctx, frame{Op: "pair", Phone: phoneNumber})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("engine pairing: %s", resp.Error)
	}
	return resp.Code, nil
}

func (s *Socket) SendText(ctx context.Context, remoteJID, text string) error {
	resp, err := s.request(ctx, frame{Op: "send", JID: remoteJID, Text: text})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("engine send: %s", resp.Error)
	}
	return nil
}

// Handler setters take s.mu: the read loop may already be routing events
// pushed by the engine between the dial handshake and Connect.
func (s *Socket) OnConnState(fn func(wa.ConnState)) {
	s.mu.Lock()
	s.connStateFn = fn
	s.mu.Unlock()
}

func (s *Socket) OnCredsUpdate(fn func()) {
	s.mu.Lock()
	s.credsFn = fn
	s.mu.Unlock()
}

func (s *Socket) OnMessages(fn func([]wa.Message)) {
	s.mu.Lock()
	s.msgsFn = fn
	s.mu.Unlock()
}

func (s *Socket) OnCalls(fn func([]wa.Call)) {
	s.mu.Lock()
	s.callsFn = fn
	s.mu.Unlock()
}

// request writes one frame and waits for the response carrying the same id.
func (s *Socket) request(ctx context.Context, req frame) (frame, error) {
	s.mu.Lock()
	s.nextID++
	req.ID = s.nextID
	ch := make(chan frame, 1)
	s.pending[req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := s.enc.Encode(req)
	s.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("write %s frame: %w", req.Op, err)
	}

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("engine connection closed")
		}
		return resp, nil
	}
}

// readLoop translates engine frames into the wa.Socket event hooks. It runs
// until the connection drops, then fails outstanding requests and reports a
// transient close if no close event was seen.
func (s *Socket) readLoop() {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sawClose := false
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			log.Warn().Err(err).Str("userId", s.userID).Msg("malformed engine frame")
			continue
		}

		if f.ID != 0 && f.Event == "" {
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			s.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		switch f.Event {
		case "connection":
			s.mu.Lock()
			s.connected = f.State == wa.StateOpen
			connStateFn := s.connStateFn
			s.mu.Unlock()
			if f.State == wa.StateClose {
				sawClose = true
			}
			if connStateFn != nil {
				connStateFn(wa.ConnState{Connection: f.State, StatusCode: f.StatusCode})
			}

		case "creds":
			s.mu.Lock()
			credsFn := s.credsFn
			s.mu.Unlock()
			if credsFn != nil {
				credsFn()
			}

		case "messages":
			s.mu.Lock()
			msgsFn := s.msgsFn
			s.mu.Unlock()
			if msgsFn != nil && len(f.Messages) > 0 {
				msgsFn(f.Messages)
			}

		case "calls":
			s.mu.Lock()
			callsFn := s.callsFn
			s.mu.Unlock()
			if callsFn != nil && len(f.Calls) > 0 {
				callsFn(f.Calls)
			}

		default:
			log.Debug().Str("userId", s.userID).Str("event", f.Event).Msg("unhandled engine event")
		}
	}

	s.mu.Lock()
	s.connected = false
	closed := s.closed
	connStateFn := s.connStateFn
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	// A dropped engine connection without a close frame still means the
	// session is gone; surface it as a transient close. A connection we
	// closed ourselves is not a loss and must stay silent.
	if !sawClose && !closed && connStateFn != nil {
		connStateFn(wa.ConnState{Connection: wa.StateClose, StatusCode: wa.StatusServiceUnavailable})
	}
}
