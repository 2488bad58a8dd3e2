// Package credstore persists per-user authentication material twice: the
// session directory on disk, which the protocol client reads and rewrites on
// every credential rotation, and a durable database row used only to
// re-materialize the directory after a restart.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wabot-server-go/internal/model"
	"github.com/openclaw/wabot-server-go/internal/repository"
)

const (
	credsFileName    = "creds.json"
	syncKeysFileName = "app-state-keys.json"
)

type Store struct {
	baseDir     string
	sessionRepo repository.SessionRepository
}

func New(baseDir string, sessionRepo repository.SessionRepository) *Store {
	return &Store{baseDir: baseDir, sessionRepo: sessionRepo}
}

// SessionDir returns the per-user directory holding the credential files.
func (s *Store) SessionDir(userID string) string {
	return filepath.Join(s.baseDir, userID)
}

func (s *Store) credsPath(userID string) string {
	return filepath.Join(s.SessionDir(userID), credsFileName)
}

func (s *Store) syncKeysPath(userID string) string {
	return filepath.Join(s.SessionDir(userID), syncKeysFileName)
}

// EnsureSessionDir creates the per-user directory if it does not exist.
func (s *Store) EnsureSessionDir(userID string) error {
	if err := os.MkdirAll(s.SessionDir(userID), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

// HasLocalCreds reports whether the primary credential file exists on disk.
func (s *Store) HasLocalCreds(userID string) bool {
	_, err := os.Stat(s.credsPath(userID))
	return err == nil
}

// ReadLocalCreds reads the credential blobs back from disk. The sync-key
// file is optional; a missing one returns nil keys without error.
func (s *Store) ReadLocalCreds(userID string) (creds json.RawMessage, syncKeys json.RawMessage, err error) {
	creds, err = os.ReadFile(s.credsPath(userID))
	if err != nil {
		return nil, nil, fmt.Errorf("read creds file: %w", err)
	}
	if !json.Valid(creds) {
		return nil, nil, fmt.Errorf("creds file for %s is not valid JSON", userID)
	}

	syncKeys, err = os.ReadFile(s.syncKeysPath(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil, nil
		}
		return nil, nil, fmt.Errorf("read sync keys file: %w", err)
	}
	if !json.Valid(syncKeys) {
		return creds, nil, nil
	}
	return creds, syncKeys, nil
}

// RemoveLocal deletes the session directory and everything in it. Idempotent.
func (s *Store) RemoveLocal(userID string) error {
	if err := os.RemoveAll(s.SessionDir(userID)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// Save upserts the durable copy of the credentials. Durability is
// best-effort with respect to a live connection, so callers typically log
// the returned error instead of failing their flow.
func (s *Store) Save(ctx context.Context, userID string, phoneNumber *string, creds json.RawMessage, syncKeys json.RawMessage) error {
	params := model.UpsertSessionParams{
		UserID:      userID,
		PhoneNumber: phoneNumber,
		Creds:       creds,
	}
	if syncKeys != nil {
		params.SyncKeys = &syncKeys
	}
	if _, err := s.sessionRepo.Upsert(ctx, params); err != nil {
		return fmt.Errorf("upsert session record: %w", err)
	}
	return nil
}

// SaveFromFilesystem mirrors the current on-disk credentials into the
// durable store.
func (s *Store) SaveFromFilesystem(ctx context.Context, userID string, phoneNumber *string) error {
	creds, syncKeys, err := s.ReadLocalCreds(userID)
	if err != nil {
		return err
	}
	return s.Save(ctx, userID, phoneNumber, creds, syncKeys)
}

// Get returns the durable record, or nil when none exists. I/O errors are
// indistinguishable from absence for callers; both mean nothing to restore.
func (s *Store) Get(ctx context.Context, userID string) *model.Session {
	session, err := s.sessionRepo.FindByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to fetch durable session record")
		return nil
	}
	return session
}

// GetAllActive returns every durable record with status active.
func (s *Store) GetAllActive(ctx context.Context) ([]model.Session, error) {
	return s.sessionRepo.FindAllActive(ctx)
}

// Delete removes the durable record. Idempotent.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.sessionRepo.Delete(ctx, userID)
}

// MarkInactive flags the durable record so bulk restore skips it.
func (s *Store) MarkInactive(ctx context.Context, userID string) error {
	return s.sessionRepo.MarkInactive(ctx, userID)
}

// Count returns the number of durable records, active or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.sessionRepo.Count(ctx)
}

// RestoreToFilesystem materializes the durable record into the session
// directory layout the protocol client expects. A no-op reporting success
// when local credentials already exist; an error when neither the files nor
// a durable record exist.
func (s *Store) RestoreToFilesystem(ctx context.Context, userID string) error {
	if s.HasLocalCreds(userID) {
		return nil
	}

	session := s.Get(ctx, userID)
	if session == nil {
		return fmt.Errorf("no durable record for %s", userID)
	}

	if err := s.EnsureSessionDir(userID); err != nil {
		return err
	}
	if err := os.WriteFile(s.credsPath(userID), session.Creds, 0o600); err != nil {
		return fmt.Errorf("write creds file: %w", err)
	}
	if session.SyncKeys != nil {
		if err := os.WriteFile(s.syncKeysPath(userID), *session.SyncKeys, 0o600); err != nil {
			return fmt.Errorf("write sync keys file: %w", err)
		}
	}

	log.Info().Str("userId", userID).Msg("session credentials restored to filesystem")
	return nil
}
