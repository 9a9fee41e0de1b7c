// Package radar detects change in the mail store by sampling its index's
// maximum row identifier, never touching message bodies or doing
// mailbox-scope scans.
package radar

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/hkdb/syncd/internal/logging"
	"github.com/hkdb/syncd/internal/state"
)

// Row is one newly detected message as reported by the mail store's index.
type Row struct {
	InternalID    int64
	Subject       string
	SenderAddress string
	SenderDisplay string
	DateReceived  time.Time
	IsRead        bool
	IsFlagged     bool
	Mailbox       string
}

// Radar reads the mail store's index database. The connection is opened
// read-only and never shares a pool with the State Store: the index is an
// external file the daemon does not own.
type Radar struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens the mail store's index at path in read-only mode. A short
// busy_timeout absorbs transient lock contention from the mail application
// itself writing to the same file; the Radar never waits long, since a
// missed sweep is simply picked up on the next poll cycle.
func Open(path string) (*Radar, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)&immutable=0", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mail store index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mail store index: %w", err)
	}

	return &Radar{db: db, log: logging.WithComponent("radar")}, nil
}

// Close releases the index connection.
func (r *Radar) Close() error {
	return r.db.Close()
}

// CurrentMaxRowID returns the highest ROWID currently present in the
// messages table, or 0 if the table is empty.
func (r *Radar) CurrentMaxRowID() (int64, error) {
	var max int64
	err := r.db.QueryRow(`SELECT COALESCE(MAX(ROWID), 0) FROM messages`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("current max row id: %w", err)
	}
	return max, nil
}

// NewRowsSince returns metadata for every non-deleted message with
// ROWID > lastMax, restricted to mailboxes in allowedMailboxes (when
// non-empty), strictly ascending by internal_id.
func (r *Radar) NewRowsSince(lastMax int64, allowedMailboxes []string) ([]Row, error) {
	rows, err := r.db.Query(`
		SELECT
			messages.ROWID,
			COALESCE(subjects.value, ''),
			COALESCE(addresses.address, ''),
			COALESCE(addresses.display_name, ''),
			messages.date_received,
			messages.read,
			messages.flagged,
			mailboxes.url
		FROM messages
		JOIN subjects ON messages.subject = subjects.ROWID
		JOIN addresses ON messages.sender = addresses.ROWID
		JOIN mailboxes ON messages.mailbox = mailboxes.ROWID
		WHERE messages.ROWID > ? AND messages.deleted = 0
		ORDER BY messages.ROWID ASC
	`, lastMax)
	if err != nil {
		return nil, fmt.Errorf("new rows since %d: %w", lastMax, err)
	}
	defer rows.Close()

	allowed := make(map[string]bool, len(allowedMailboxes))
	for _, m := range allowedMailboxes {
		allowed[m] = true
	}

	var out []Row
	for rows.Next() {
		var (
			row        Row
			dateUnix   int64
			mailboxURL string
		)
		if err := rows.Scan(
			&row.InternalID, &row.Subject, &row.SenderAddress, &row.SenderDisplay,
			&dateUnix, &row.IsRead, &row.IsFlagged, &mailboxURL,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row.DateReceived = time.Unix(dateUnix, 0)

		mailbox, err := decodeMailboxName(mailboxURL)
		if err != nil {
			r.log.Warn().Str("url", mailboxURL).Err(err).Msg("failed to decode mailbox url, skipping row")
			continue
		}
		row.Mailbox = mailbox

		if len(allowed) > 0 && !allowed[mailbox] {
			continue
		}

		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate new rows: %w", err)
	}

	return out, nil
}

// decodeMailboxName turns the mail store's URL-percent-encoded mailbox path
// into the human-meaningful name the scripting channel expects. The name is
// passed through verbatim and must never be canonicalized further: the
// scripting channel matches the user's locale-dependent mailbox label.
func decodeMailboxName(mailboxURL string) (string, error) {
	decoded, err := url.QueryUnescape(mailboxURL)
	if err != nil {
		return "", fmt.Errorf("decode mailbox url %q: %w", mailboxURL, err)
	}
	// Mailbox URLs are typically hierarchical (e.g. "imap://account/INBOX");
	// only the final path segment is the display name.
	decoded = strings.TrimRight(decoded, "/")
	if idx := strings.LastIndex(decoded, "/"); idx >= 0 {
		decoded = decoded[idx+1:]
	}
	return decoded, nil
}

// ToDetectedMeta converts a Row into the State Store's detection payload.
func (row Row) ToDetectedMeta() state.DetectedMeta {
	return state.DetectedMeta{
		InternalID:    row.InternalID,
		Subject:       row.Subject,
		SenderAddress: row.SenderAddress,
		SenderDisplay: row.SenderDisplay,
		DateReceived:  row.DateReceived,
		IsRead:        row.IsRead,
		IsFlagged:     row.IsFlagged,
		Mailbox:       row.Mailbox,
	}
}
