// Package session holds the lifecycle manager: it creates, tracks, recovers
// and tears down the live connection of every user, bridging the protocol
// boundary, the credential store and the in-memory registry.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wabot-server-go/internal/credstore"
	"github.com/openclaw/wabot-server-go/internal/model"
	"github.com/openclaw/wabot-server-go/internal/registry"
	"github.com/openclaw/wabot-server-go/internal/util"
	"github.com/openclaw/wabot-server-go/internal/wa"
)

// Handlers are the caller-supplied event hooks attached to every session.
type Handlers struct {
	OnMessage    func(userID string, msgs []wa.Message)
	OnCall       func(userID string, calls []wa.Call)
	OnConnection func(userID, state string, socket wa.Socket, statusCode int)
}

// Result is the structured outcome of a session operation. Internal errors
// never cross this boundary unwrapped.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// RestoreReport aggregates a bulk restore run.
type RestoreReport struct {
	Restored int `json:"restored"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Stats is the aggregate view for the dashboard.
type Stats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// EventPublisher receives session status transitions. May be nil.
type EventPublisher interface {
	PublishStatus(ctx context.Context, userID string, status string, statusCode int)
}

type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	RestoreBatchSize     int
	RestoreBatchDelay    time.Duration
	PairingRequestDelay  time.Duration
	// RetryExhaustedPolicy is config.RetryPolicyDelete or
	// config.RetryPolicyDeactivate.
	RetryExhaustedPolicy string
}

type Manager struct {
	opts     Options
	store    *credstore.Store
	dialer   wa.Dialer
	registry *registry.Registry
	events   EventPublisher

	mu          sync.Mutex
	userLocks   map[string]*sync.Mutex
	attempts    map[string]int
	pendings    map[string]*model.PendingPairing
	retryTimers map[string]*time.Timer
}

func NewManager(opts Options, store *credstore.Store, dialer wa.Dialer, reg *registry.Registry, events EventPublisher) *Manager {
	if opts.RestoreBatchSize < 1 {
		opts.RestoreBatchSize = 1
	}
	return &Manager{
		opts:        opts,
		store:       store,
		dialer:      dialer,
		registry:    reg,
		events:      events,
		userLocks:   make(map[string]*sync.Mutex),
		attempts:    make(map[string]int),
		pendings:    make(map[string]*model.PendingPairing),
		retryTimers: make(map[string]*time.Timer),
	}
}

// userLock returns the per-user mutex, creating it on first use. Create and
// teardown for the same user serialize on it so two concurrent Create calls
// cannot both pass the "not active" check.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// Create establishes a session for userID. With a phone number and an
// unregistered credential set it returns a pairing code; otherwise it
// resumes from existing credentials, restoring them from the durable store
// first if the local files are gone.
func (m *Manager) Create(ctx context.Context, userID, phoneNumber string, h Handlers) Result {
	if !util.IsValidUserID(userID) {
		return Result{Success: false, Message: "Invalid user id format"}
	}
	if phoneNumber != "" && !util.IsValidPhone(phoneNumber) {
		return Result{Success: false, Message: "Invalid phone number format"}
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if entry, ok := m.registry.Get(userID); ok {
		if entry.Socket != nil && entry.Socket.IsConnected() {
			return Result{Success: false, Message: "Session already active"}
		}
		// Stale handle: tear it down before building a fresh one.
		m.stopLocked(userID)
	}

	if !m.store.HasLocalCreds(userID) {
		if err := m.store.RestoreToFilesystem(ctx, userID); err != nil {
			log.Debug().Err(err).Str("userId", userID).Msg("no credentials to restore, starting fresh")
		}
	}

	if err := m.store.EnsureSessionDir(userID); err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to create session directory")
		return Result{Success: false, Message: "Failed to create session directory"}
	}

	socket, registered, err := m.dialer.Dial(ctx, userID, m.store.SessionDir(userID))
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to build connection")
		return Result{Success: false, Message: "Failed to create connection"}
	}

	// Register before attaching listeners so an early event never observes
	// a missing entry.
	m.registry.Set(userID, &registry.Entry{
		UserID:      userID,
		Socket:      socket,
		PhoneNumber: phoneNumber,
		Status:      model.ConnStatusConnecting,
		CreatedAt:   time.Now(),
	})

	socket.OnConnState(func(state wa.ConnState) {
		m.handleConnState(userID, phoneNumber, h, socket, state)
	})
	socket.OnCredsUpdate(func() {
		m.handleCredsUpdate(userID, phoneNumber)
	})
	if h.OnMessage != nil {
		socket.OnMessages(func(msgs []wa.Message) {
			h.OnMessage(userID, msgs)
		})
	}
	if h.OnCall != nil {
		socket.OnCalls(func(calls []wa.Call) {
			h.OnCall(userID, calls)
		})
	}

	if err := socket.Connect(); err != nil {
		m.registry.Remove(userID)
		log.Error().Err(err).Str("userId", userID).Msg("failed to open connection")
		return Result{Success: false, Message: "Failed to open connection"}
	}

	if !registered && phoneNumber != "" {
		// The pairing endpoint is rate-sensitive: give the socket a moment
		// before asking.
		time.Sleep(m.opts.PairingRequestDelay)

		code, err := socket.RequestPairingCode(ctx, util.NormalizePhone(phoneNumber))
		if err != nil {
			m.stopLocked(userID)
			log.Error().Err(err).Str("userId", userID).Msg("failed to request pairing code")
			return Result{Success: false, Message: "Failed to request pairing code"}
		}

		m.mu.Lock()
		m.pendings[userID] = &model.PendingPairing{
			UserID:      userID,
			Code:        code,
			PhoneNumber: phoneNumber,
			CreatedAt:   time.Now(),
		}
		m.mu.Unlock()

		log.Info().Str("userId", userID).Msg("pairing code generated")
		return Result{Success: true, Message: "Pairing code generated", PairingCode: code}
	}

	if registered {
		return Result{Success: true, Message: "Session connecting with existing credentials"}
	}
	return Result{Success: true, Message: "Session created, waiting for pairing"}
}

func (m *Manager) handleConnState(userID, phoneNumber string, h Handlers, socket wa.Socket, state wa.ConnState) {
	switch state.Connection {
	case wa.StateConnecting:
		m.registry.SetStatus(userID, model.ConnStatusConnecting)
		log.Debug().Str("userId", userID).Msg("session connecting")

	case wa.StateOpen:
		m.handleOpen(userID, phoneNumber, h)

	case wa.StateClose:
		m.handleClose(userID, phoneNumber, h, socket, state.StatusCode)
	}
}

func (m *Manager) handleOpen(userID, phoneNumber string, h Handlers) {
	m.cancelRetry(userID)

	m.mu.Lock()
	delete(m.pendings, userID)
	m.attempts[userID] = 0
	m.mu.Unlock()

	m.registry.SetStatus(userID, model.ConnStatusOnline)
	log.Info().Str("userId", userID).Msg("session online")

	// Mirror the freshly rotated credentials off the event goroutine; a
	// durable-store outage must not affect the live connection.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		phone := phonePtr(phoneNumber)
		if err := m.store.SaveFromFilesystem(ctx, userID, phone); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to persist credentials to durable store")
		}
	}()

	if m.events != nil {
		m.events.PublishStatus(context.Background(), userID, string(model.ConnStatusOnline), 0)
	}

	if h.OnConnection != nil {
		var socket wa.Socket
		if entry, ok := m.registry.Get(userID); ok {
			socket = entry.Socket
		}
		h.OnConnection(userID, wa.StateOpen, socket, 0)
	}
}

func (m *Manager) handleClose(userID, phoneNumber string, h Handlers, socket wa.Socket, statusCode int) {
	// A close from a socket the registry no longer tracks is a session its
	// owner already stopped or replaced; acting on it would resurrect it.
	entry, ok := m.registry.Get(userID)
	if !ok || entry.Socket != socket {
		log.Debug().Str("userId", userID).Int("statusCode", statusCode).Msg("ignoring close from superseded connection")
		return
	}

	m.registry.SetStatus(userID, model.ConnStatusOffline)

	if h.OnConnection != nil {
		h.OnConnection(userID, wa.StateClose, nil, statusCode)
	}
	if m.events != nil {
		m.events.PublishStatus(context.Background(), userID, string(model.ConnStatusOffline), statusCode)
	}

	reason := wa.ClassifyClose(statusCode)
	switch model.ActionFor(reason) {
	case model.ActionDeleteFull:
		log.Info().Str("userId", userID).Msg("session logged out, deleting")
		m.mu.Lock()
		delete(m.attempts, userID)
		m.mu.Unlock()
		m.Delete(context.Background(), userID, true)

	case model.ActionNoRetry:
		// Another connection owns this identity now; the replacing flow is
		// responsible for cleanup.
		log.Warn().Str("userId", userID).Msg("session replaced by another connection")

	case model.ActionScheduleRetry:
		m.scheduleRetry(userID, phoneNumber, h, socket, statusCode)
	}
}

func (m *Manager) scheduleRetry(userID, phoneNumber string, h Handlers, socket wa.Socket, statusCode int) {
	m.mu.Lock()
	m.attempts[userID]++
	attempt := m.attempts[userID]

	if attempt > m.opts.MaxReconnectAttempts {
		delete(m.attempts, userID)
		m.mu.Unlock()
		m.giveUp(userID)
		return
	}

	if timer, ok := m.retryTimers[userID]; ok {
		timer.Stop()
	}
	m.retryTimers[userID] = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		delete(m.retryTimers, userID)
		m.mu.Unlock()

		// Stop and Delete remove the registry entry, and a fresh Create
		// replaces it; a timer that raced either must not fire. Only the
		// socket whose close scheduled this retry may still reconnect.
		entry, ok := m.registry.Get(userID)
		if !ok || entry.Socket != socket {
			log.Debug().Str("userId", userID).Msg("skipping reconnect for stopped session")
			return
		}

		log.Info().Str("userId", userID).Msg("attempting reconnect")
		result := m.Create(context.Background(), userID, phoneNumber, h)
		if !result.Success {
			log.Warn().Str("userId", userID).Str("reason", result.Message).Msg("reconnect attempt failed")
		}
	})
	m.mu.Unlock()

	log.Info().
		Str("userId", userID).
		Int("attempt", attempt).
		Int("maxAttempts", m.opts.MaxReconnectAttempts).
		Int("statusCode", statusCode).
		Msg("reconnect scheduled")
}

// giveUp applies the exhausted-retry policy: either delete everything
// including the durable record, or keep the record but mark it inactive so
// an operator can restart the session later.
func (m *Manager) giveUp(userID string) {
	ctx := context.Background()

	if m.opts.RetryExhaustedPolicy == "deactivate" {
		log.Warn().Str("userId", userID).Msg("reconnect attempts exhausted, deactivating session")
		m.Stop(userID)
		if err := m.store.MarkInactive(ctx, userID); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("failed to deactivate durable record")
		}
		return
	}

	log.Warn().Str("userId", userID).Msg("reconnect attempts exhausted, deleting session")
	m.Delete(ctx, userID, true)
}

// handleCredsUpdate mirrors a credential rotation into the durable store.
// The protocol layer has already written the files; this is fire-and-forget.
func (m *Manager) handleCredsUpdate(userID, phoneNumber string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.store.SaveFromFilesystem(ctx, userID, phonePtr(phoneNumber)); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("failed to mirror rotated credentials")
		}
	}()
}

// Stop closes the live socket and drops the registry entry. Idempotent;
// persisted credentials are untouched.
func (m *Manager) Stop(userID string) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	m.stopLocked(userID)
}

func (m *Manager) stopLocked(userID string) {
	m.cancelRetry(userID)

	entry, ok := m.registry.Get(userID)
	if !ok {
		return
	}
	if entry.Socket != nil {
		if err := entry.Socket.Close(); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("error closing socket")
		}
	}
	m.registry.Remove(userID)

	m.mu.Lock()
	delete(m.pendings, userID)
	m.mu.Unlock()

	log.Info().Str("userId", userID).Msg("session stopped")
}

// Delete stops the session and removes its on-disk directory, and
// optionally the durable record. Idempotent.
func (m *Manager) Delete(ctx context.Context, userID string, alsoFromDurableStore bool) Result {
	m.Stop(userID)

	if err := m.store.RemoveLocal(userID); err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to remove session directory")
		return Result{Success: false, Message: "Failed to remove session files"}
	}

	if alsoFromDurableStore {
		if err := m.store.Delete(ctx, userID); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("failed to delete durable record")
		}
	}

	log.Info().Str("userId", userID).Bool("durable", alsoFromDurableStore).Msg("session deleted")
	return Result{Success: true, Message: "Session deleted"}
}

// Logout performs a protocol-level logout (best-effort) then deletes the
// session everywhere.
func (m *Manager) Logout(ctx context.Context, userID string) Result {
	if entry, ok := m.registry.Get(userID); ok && entry.Socket != nil {
		if err := entry.Socket.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("protocol logout failed")
		}
	}
	return m.Delete(ctx, userID, true)
}

// Restart is the manual recovery path: it resets the retry budget and
// rebuilds the session using the last known phone number from the durable
// store.
func (m *Manager) Restart(ctx context.Context, userID string, h Handlers) Result {
	m.cancelRetry(userID)
	m.mu.Lock()
	delete(m.attempts, userID)
	m.mu.Unlock()

	m.Stop(userID)

	var phoneNumber string
	if record := m.store.Get(ctx, userID); record != nil && record.PhoneNumber != nil {
		phoneNumber = *record.PhoneNumber
	}

	return m.Create(ctx, userID, phoneNumber, h)
}

// cancelRetry stops any scheduled reconnect for userID so a stale retry
// cannot fire after a fresh session has started.
func (m *Manager) cancelRetry(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.retryTimers[userID]; ok {
		timer.Stop()
		delete(m.retryTimers, userID)
	}
}

// PendingPairing returns the in-flight pairing entry for userID, if any.
func (m *Manager) PendingPairing(userID string) *model.PendingPairing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendings[userID]
}

// ExpirePendingPairings drops pairing entries older than ttl and returns how
// many were removed. Called by the cleanup job; the original flow only ever
// cleared them on a successful open.
func (m *Manager) ExpirePendingPairings(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for userID, pending := range m.pendings {
		if pending.CreatedAt.Before(cutoff) {
			delete(m.pendings, userID)
			expired++
		}
	}
	return expired
}

// Sessions returns the API view of every registry entry.
func (m *Manager) Sessions() []model.SessionInfo {
	entries := m.registry.ListAll()
	infos := make([]model.SessionInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, model.SessionInfo{
			UserID:      entry.UserID,
			PhoneNumber: entry.PhoneNumber,
			Status:      entry.Status,
			CreatedAt:   entry.CreatedAt,
		})
	}
	return infos
}

// Stats returns the active connection count and the total number of known
// durable records.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	total, err := m.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count durable records: %w", err)
	}
	return Stats{Active: m.registry.Count(), Total: total}, nil
}

// Backup mirrors the current on-disk credentials of one session into the
// durable store.
func (m *Manager) Backup(ctx context.Context, userID string) Result {
	if !m.store.HasLocalCreds(userID) {
		return Result{Success: false, Message: "No local credentials to back up"}
	}

	var phone *string
	if entry, ok := m.registry.Get(userID); ok && entry.PhoneNumber != "" {
		phone = &entry.PhoneNumber
	}

	if err := m.store.SaveFromFilesystem(ctx, userID, phone); err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("backup failed")
		return Result{Success: false, Message: "Backup failed"}
	}
	return Result{Success: true, Message: "Session backed up"}
}

func phonePtr(phoneNumber string) *string {
	if phoneNumber == "" {
		return nil
	}
	return &phoneNumber
}
