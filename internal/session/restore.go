package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RestoreOne re-materializes a single session from the durable store and
// connects it. A no-op filesystem restore (local creds already present) is
// fine; a missing durable record is not.
func (m *Manager) RestoreOne(ctx context.Context, userID string, h Handlers) Result {
	if !m.store.HasLocalCreds(userID) {
		if err := m.store.RestoreToFilesystem(ctx, userID); err != nil {
			log.Warn().Err(err).Str("userId", userID).Msg("nothing to restore")
			return Result{Success: false, Message: "No backup found for session"}
		}
	}

	var phoneNumber string
	if record := m.store.Get(ctx, userID); record != nil && record.PhoneNumber != nil {
		phoneNumber = *record.PhoneNumber
	}

	return m.Create(ctx, userID, phoneNumber, h)
}

// RestoreAll is the boot-time bulk recovery path. Active durable records are
// restored in fixed-size batches to bound simultaneous protocol handshakes,
// with a delay between batches for external rate limiting. Individual
// failures are counted, not fatal.
func (m *Manager) RestoreAll(ctx context.Context, h Handlers) RestoreReport {
	records, err := m.store.GetAllActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active durable records")
		return RestoreReport{}
	}

	report := RestoreReport{Total: len(records)}
	if len(records) == 0 {
		return report
	}

	log.Info().
		Int("total", report.Total).
		Int("batchSize", m.opts.RestoreBatchSize).
		Msg("restoring sessions from durable store")

	var mu sync.Mutex
	for start := 0; start < len(records); start += m.opts.RestoreBatchSize {
		end := start + m.opts.RestoreBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		var wg sync.WaitGroup
		for _, record := range batch {
			wg.Add(1)
			go func(userID string, phoneNumber string) {
				defer wg.Done()

				if err := m.store.RestoreToFilesystem(ctx, userID); err != nil {
					log.Error().Err(err).Str("userId", userID).Msg("filesystem restore failed")
					mu.Lock()
					report.Failed++
					mu.Unlock()
					return
				}

				result := m.Create(ctx, userID, phoneNumber, h)
				mu.Lock()
				if result.Success {
					report.Restored++
				} else {
					log.Warn().Str("userId", userID).Str("reason", result.Message).Msg("session restore failed")
					report.Failed++
				}
				mu.Unlock()
			}(record.UserID, derefPhone(record.PhoneNumber))
		}
		wg.Wait()

		if end < len(records) {
			time.Sleep(m.opts.RestoreBatchDelay)
		}
	}

	log.Info().
		Int("restored", report.Restored).
		Int("failed", report.Failed).
		Int("total", report.Total).
		Msg("bulk session restore finished")

	return report
}

func derefPhone(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
