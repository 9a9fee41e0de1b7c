package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hkdb/syncd/internal/database"
	"github.com/hkdb/syncd/internal/logging"
)

// DefaultMaxRetries is the retry_count at which a record stops retrying and
// moves to dead_letter instead of scheduling another attempt
// when the caller does not configure sync.max_retries.
const DefaultMaxRetries = 5

const lastMaxRowIDKey = "last_max_row_id"

// Store is the durable State Store: the single source of truth for what has
// been observed, fetched, and projected.
type Store struct {
	db         *sqlx.DB
	log        zerolog.Logger
	maxRetries int
}

// NewStore wraps an already-migrated database.DB for state-machine access.
// maxRetries is the operator-configured sync.max_retries; values
// <= 0 fall back to DefaultMaxRetries.
func NewStore(db *database.DB, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{
		db:         sqlx.NewDb(db.DB, "sqlite"),
		log:        logging.WithComponent("state"),
		maxRetries: maxRetries,
	}
}

// UpsertOnDetect inserts a new record for a row the Radar has just observed,
// or does nothing if internal_id is already known. New rows start in
// StatusPending.
func (s *Store) UpsertOnDetect(meta DetectedMeta) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (
			internal_id, subject, sender_address, sender_display,
			date_received, mailbox, is_read, is_flagged, sync_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(internal_id) DO NOTHING
	`,
		meta.InternalID, meta.Subject, meta.SenderAddress, meta.SenderDisplay,
		meta.DateReceived, meta.Mailbox, meta.IsRead, meta.IsFlagged, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("upsert on detect: %w", err)
	}
	return nil
}

// UpdateAfterFetch overwrites a record's header-derived columns with the
// authoritative values read from the fetched RFC 5322 source, and advances
// it to StatusFetched.
func (s *Store) UpdateAfterFetch(internalID int64, h FetchedHeaders) error {
	var messageID, threadID *string
	if h.MessageID != "" {
		messageID = &h.MessageID
	}
	if h.ThreadID != "" {
		threadID = &h.ThreadID
	}

	_, err := s.db.Exec(`
		UPDATE messages SET
			message_id = ?, thread_id = ?, subject = ?,
			sender_address = ?, sender_display = ?, to_list = ?, cc_list = ?,
			is_read = ?, is_flagged = ?, has_attachments = ?,
			sync_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE internal_id = ?
	`,
		messageID, threadID, h.Subject,
		h.SenderAddress, h.SenderDisplay, h.ToList, h.CcList,
		h.IsRead, h.IsFlagged, h.HasAttachments,
		StatusFetched, internalID,
	)
	if err != nil {
		return fmt.Errorf("update after fetch %d: %w", internalID, err)
	}
	return nil
}

// MarkSynced records a successful projection to the remote document database.
func (s *Store) MarkSynced(internalID int64, remotePageID string) error {
	_, err := s.db.Exec(`
		UPDATE messages SET
			sync_status = ?, remote_page_id = ?, last_error = NULL,
			retry_count = 0, next_retry_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE internal_id = ?
	`, StatusSynced, remotePageID, internalID)
	if err != nil {
		return fmt.Errorf("mark synced %d: %w", internalID, err)
	}
	return nil
}

// MarkFetchFailed records a failed fetch attempt, bumping retry_count and
// scheduling the next attempt per BackoffSchedule, or moving the record to
// StatusDeadLetter once MaxRetries is reached.
func (s *Store) MarkFetchFailed(internalID int64, reason string) error {
	return s.markFailed(internalID, reason, StatusFetchFailed)
}

// MarkFailed records a failed fetch-to-projection attempt (parse or remote
// write failure past the fetched stage), with the same retry/backoff rules
// as MarkFetchFailed.
func (s *Store) MarkFailed(internalID int64, reason string) error {
	return s.markFailed(internalID, reason, StatusFailed)
}

func (s *Store) markFailed(internalID int64, reason string, transient Status) error {
	var retryCount int
	if err := s.db.Get(&retryCount, `SELECT retry_count FROM messages WHERE internal_id = ?`, internalID); err != nil {
		return fmt.Errorf("mark failed %d: read retry_count: %w", internalID, err)
	}

	retryCount++

	status := transient
	var nextRetryAt *time.Time
	if retryCount >= s.maxRetries {
		status = StatusDeadLetter
	} else {
		t := time.Now().Add(backoffFor(retryCount))
		nextRetryAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE messages SET
			sync_status = ?, last_error = ?, retry_count = ?, next_retry_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE internal_id = ?
	`, status, reason, retryCount, nextRetryAt, internalID)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", internalID, err)
	}

	if status == StatusDeadLetter {
		s.log.Warn().Int64("internal_id", internalID).Int("retry_count", retryCount).
			Str("reason", reason).Msg("record moved to dead letter after exhausting retries")
	}
	return nil
}

// MarkSkipped records a record this pipeline deliberately will not sync
// (its date precedes the configured sync horizon).
func (s *Store) MarkSkipped(internalID int64, reason string) error {
	_, err := s.db.Exec(`
		UPDATE messages SET sync_status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE internal_id = ?
	`, StatusSkipped, reason, internalID)
	if err != nil {
		return fmt.Errorf("mark skipped %d: %w", internalID, err)
	}
	return nil
}

// Pending returns records awaiting their first fetch attempt, ascending by
// internal_id, which is the ordering the Scheduler relies on for anchor-
// before-reply processing within a cycle.
func (s *Store) Pending() ([]Record, error) {
	var records []Record
	err := s.db.Select(&records, `
		SELECT * FROM messages WHERE sync_status = ? ORDER BY internal_id ASC
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	return records, nil
}

// FetchedPending returns records that have been fetched but not yet
// projected, ascending by internal_id.
func (s *Store) FetchedPending() ([]Record, error) {
	var records []Record
	err := s.db.Select(&records, `
		SELECT * FROM messages WHERE sync_status = ? ORDER BY internal_id ASC
	`, StatusFetched)
	if err != nil {
		return nil, fmt.Errorf("fetched pending: %w", err)
	}
	return records, nil
}

// ReadyForRetry returns up to limit records whose scheduled retry time has
// arrived, ascending by next_retry_at so the oldest failure is retried
// first. The caller (Scheduler) bounds the batch per cycle.
func (s *Store) ReadyForRetry(limit int) ([]Record, error) {
	var records []Record
	err := s.db.Select(&records, `
		SELECT * FROM messages
		WHERE sync_status IN (?, ?) AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, StatusFetchFailed, StatusFailed, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("ready for retry: %w", err)
	}
	return records, nil
}

// FindByMessageID looks up a record by its RFC 5322 Message-ID, returning
// (nil, nil) if none exists.
func (s *Store) FindByMessageID(messageID string) (*Record, error) {
	var rec Record
	err := s.db.Get(&rec, `SELECT * FROM messages WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by message id: %w", err)
	}
	return &rec, nil
}

// Get returns a single record by internal_id, returning (nil, nil) if none
// exists.
func (s *Store) Get(internalID int64) (*Record, error) {
	var rec Record
	err := s.db.Get(&rec, `SELECT * FROM messages WHERE internal_id = ?`, internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %d: %w", internalID, err)
	}
	return &rec, nil
}

// Delete removes a record entirely, used when a duplicate Message-ID
// collision resolves in favor of a different internal_id.
func (s *Store) Delete(internalID int64) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE internal_id = ?`, internalID)
	if err != nil {
		return fmt.Errorf("delete %d: %w", internalID, err)
	}
	return nil
}

// GetLastMaxRowID returns the highest internal_id the Radar has swept past,
// or 0 if the checkpoint has never been set.
func (s *Store) GetLastMaxRowID() (int64, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM checkpoints WHERE key = ?`, lastMaxRowIDKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last max row id: %w", err)
	}
	var n int64
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse last max row id checkpoint: %w", err)
	}
	return n, nil
}

// SetLastMaxRowID persists the Radar's sweep checkpoint.
func (s *Store) SetLastMaxRowID(n int64) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastMaxRowIDKey, fmt.Sprintf("%d", n))
	if err != nil {
		return fmt.Errorf("set last max row id: %w", err)
	}
	return nil
}

// RememberUnresolvableAnchor records that the scripting channel could not
// locate a thread's anchor message, so later replies in the same thread can
// skip straight to the fallback anchor.
func (s *Store) RememberUnresolvableAnchor(threadID string) error {
	_, err := s.db.Exec(`
		INSERT INTO unresolvable_anchors (thread_id) VALUES (?)
		ON CONFLICT(thread_id) DO NOTHING
	`, threadID)
	if err != nil {
		return fmt.Errorf("remember unresolvable anchor %q: %w", threadID, err)
	}
	return nil
}

// IsUnresolvableAnchor reports whether threadID was previously recorded as
// unresolvable.
func (s *Store) IsUnresolvableAnchor(threadID string) (bool, error) {
	var count int
	err := s.db.Get(&count, `SELECT COUNT(1) FROM unresolvable_anchors WHERE thread_id = ?`, threadID)
	if err != nil {
		return false, fmt.Errorf("is unresolvable anchor %q: %w", threadID, err)
	}
	return count > 0, nil
}
