package radar_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hkdb/syncd/internal/radar"
)

func newFakeMailStoreIndex(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "index.sqlite")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE subjects (ROWID INTEGER PRIMARY KEY, value TEXT);
		CREATE TABLE addresses (ROWID INTEGER PRIMARY KEY, address TEXT, display_name TEXT);
		CREATE TABLE mailboxes (ROWID INTEGER PRIMARY KEY, url TEXT);
		CREATE TABLE messages (
			ROWID INTEGER PRIMARY KEY,
			subject INTEGER,
			sender INTEGER,
			mailbox INTEGER,
			date_received INTEGER,
			read INTEGER,
			flagged INTEGER,
			deleted INTEGER
		);

		INSERT INTO subjects VALUES (1, 'hello');
		INSERT INTO addresses VALUES (1, 'a@x.com', 'A Sender');
		INSERT INTO mailboxes VALUES (1, 'imap%3A%2F%2Faccount%2FINBOX');

		INSERT INTO messages VALUES (100, 1, 1, 1, 1700000000, 0, 0, 0);
		INSERT INTO messages VALUES (101, 1, 1, 1, 1700000100, 1, 1, 0);
		INSERT INTO messages VALUES (102, 1, 1, 1, 1700000200, 0, 0, 1); -- deleted
	`)
	require.NoError(t, err)

	return path
}

func TestNewRowsSinceOrdersAscendingAndSkipsDeleted(t *testing.T) {
	path := newFakeMailStoreIndex(t)

	r, err := radar.Open(path)
	require.NoError(t, err)
	defer r.Close()

	rows, err := r.NewRowsSince(0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(100), rows[0].InternalID)
	require.Equal(t, int64(101), rows[1].InternalID)
	require.Equal(t, "INBOX", rows[0].Mailbox)
	require.False(t, rows[0].IsRead)
	require.True(t, rows[1].IsRead)
}

func TestNewRowsSinceRespectsCheckpoint(t *testing.T) {
	path := newFakeMailStoreIndex(t)

	r, err := radar.Open(path)
	require.NoError(t, err)
	defer r.Close()

	rows, err := r.NewRowsSince(100, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(101), rows[0].InternalID)
}

func TestNewRowsSinceFiltersByAllowedMailboxes(t *testing.T) {
	path := newFakeMailStoreIndex(t)

	r, err := radar.Open(path)
	require.NoError(t, err)
	defer r.Close()

	rows, err := r.NewRowsSince(0, []string{"Sent"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCurrentMaxRowID(t *testing.T) {
	path := newFakeMailStoreIndex(t)

	r, err := radar.Open(path)
	require.NoError(t, err)
	defer r.Close()

	max, err := r.CurrentMaxRowID()
	require.NoError(t, err)
	require.Equal(t, int64(102), max)
}

func TestToDetectedMeta(t *testing.T) {
	row := radar.Row{
		InternalID:    5,
		Subject:       "hi",
		SenderAddress: "a@x.com",
		SenderDisplay: "A",
		DateReceived:  time.Unix(1700000000, 0),
		Mailbox:       "INBOX",
	}
	meta := row.ToDetectedMeta()
	require.Equal(t, int64(5), meta.InternalID)
	require.Equal(t, "INBOX", meta.Mailbox)
}
