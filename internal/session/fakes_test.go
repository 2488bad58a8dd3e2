package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wabot-server-go/internal/model"
	"github.com/openclaw/wabot-server-go/internal/repository"
	"github.com/openclaw/wabot-server-go/internal/wa"
)

// fakeSocket implements wa.Socket and lets tests emit protocol events.
type fakeSocket struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	pairingCode string
	pairingErr  error

	pairingCalls int
	logoutCalls  int
	closeCalls   int

	connStateFn func(wa.ConnState)
	credsFn     func()
	msgsFn      func([]wa.Message)
	callsFn     func([]wa.Call)
}

func (s *fakeSocket) Connect() error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.connected = false
	s.closeCalls++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.logoutCalls++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	s.mu.Lock()
	s.pairingCalls++
	s.mu.Unlock()
	if s.pairingErr != nil {
		return "", s.pairingErr
	}
	if s.pairingCode == "" {
		return "ABCD-EFGH", nil
	}
	return s.pairingCode, nil
}

func (s *fakeSocket) SendText(ctx context.Context, remoteJID, text string) error { return nil }

func (s *fakeSocket) OnConnState(fn func(wa.ConnState)) { s.connStateFn = fn }

func (s *fakeSocket) OnCredsUpdate(fn func()) { s.credsFn = fn }

func (s *fakeSocket) OnMessages(fn func([]wa.Message)) { s.msgsFn = fn }

func (s *fakeSocket) OnCalls(fn func([]wa.Call)) { s.callsFn = fn }

// emit delivers a connection-state event the way the protocol layer would:
// from a goroutine that is not the caller's.
func (s *fakeSocket) emit(state wa.ConnState) {
	if state.Connection == wa.StateClose {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.connStateFn != nil {
			s.connStateFn(state)
		}
	}()
	<-done
}

// fakeDialer hands out fakeSockets and records dial activity.
type fakeDialer struct {
	mu         sync.Mutex
	registered bool
	dialErr    error
	failUsers  map[string]bool

	sockets       []*fakeSocket
	dialPaths     []string
	inFlight      int
	maxConcurrent int
}

func (d *fakeDialer) Dial(ctx context.Context, userID, credsPath string) (wa.Socket, bool, error) {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxConcurrent {
		d.maxConcurrent = d.inFlight
	}
	d.mu.Unlock()

	// Simulate a handshake taking real time so batch concurrency is
	// observable.
	time.Sleep(5 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight--

	if d.dialErr != nil {
		return nil, false, d.dialErr
	}
	if d.failUsers[userID] {
		return nil, false, errors.New("handshake refused")
	}
	socket := &fakeSocket{}
	d.sockets = append(d.sockets, socket)
	d.dialPaths = append(d.dialPaths, credsPath)
	return socket, d.registered, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) lastSocket() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// memSessionRepo is an in-memory repository.SessionRepository.
type memSessionRepo struct {
	mu      sync.Mutex
	records map[string]*model.Session
	failAll bool
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{records: make(map[string]*model.Session)}
}

func (f *memSessionRepo) FindByUserID(ctx context.Context, userID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("db down")
	}
	if s, ok := f.records[userID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (f *memSessionRepo) FindAllActive(ctx context.Context) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("db down")
	}
	var out []model.Session
	for _, s := range f.records {
		if s.Status == model.SessionStatusActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *memSessionRepo) Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("db down")
	}
	now := time.Now()
	session := &model.Session{
		UserID:        params.UserID,
		PhoneNumber:   params.PhoneNumber,
		Creds:         params.Creds,
		SyncKeys:      params.SyncKeys,
		Status:        model.SessionStatusActive,
		LastConnected: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prev, ok := f.records[params.UserID]; ok && params.PhoneNumber == nil {
		session.PhoneNumber = prev.PhoneNumber
	}
	f.records[params.UserID] = session
	return session, nil
}

func (f *memSessionRepo) MarkInactive(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.records[userID]; ok {
		s.Status = model.SessionStatusInactive
	}
	return nil
}

func (f *memSessionRepo) Delete(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, userID)
	return nil
}

func (f *memSessionRepo) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

func (f *memSessionRepo) DeactivateStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (f *memSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return f }

func (f *memSessionRepo) get(userID string) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[userID]
}
