package scheduler_test

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hkdb/syncd/internal/database"
	"github.com/hkdb/syncd/internal/fetcher"
	"github.com/hkdb/syncd/internal/projector"
	"github.com/hkdb/syncd/internal/radar"
	"github.com/hkdb/syncd/internal/remote"
	"github.com/hkdb/syncd/internal/scheduler"
	"github.com/hkdb/syncd/internal/state"
)

// fakeRunner implements fetcher.Runner with a canned per-internal-id
// response table, in the style of fetcher_test.go and projector_test.go's
// own fakes.
type fakeRunner struct {
	byInternalID map[int64]string
}

func (f *fakeRunner) Run(ctx context.Context, accountName, mailboxName string, internalID int64) ([]byte, error) {
	resp, ok := f.byInternalID[internalID]
	if !ok {
		return []byte("VANISHED"), nil
	}
	return []byte(resp), nil
}

func (f *fakeRunner) RunByMessageID(ctx context.Context, accountName, messageID string) ([]byte, error) {
	return []byte("VANISHED"), nil
}

func scriptResponse(messageID, subject, source string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(source))
	fields := []string{messageID, subject, "a@example.com", "1700000000", "b@example.com", "", "1", "0", encoded}
	return strings.Join(fields, "|||")
}

// notionStub is a minimal stand-in for the remote document database,
// recording created pages and answering an equals/rich_text query filter,
// mirrored from projector_test.go's notionServer.
type notionStub struct {
	pages []map[string]any
}

func (s *notionStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/query"):
			var body struct {
				Filter struct {
					Property string `json:"property"`
					RichText struct {
						Equals string `json:"equals"`
					} `json:"rich_text"`
				} `json:"filter"`
			}
			json.NewDecoder(r.Body).Decode(&body)

			var matches []map[string]any
			for _, p := range s.pages {
				props, _ := p["properties"].(map[string]any)
				if val, ok := propertyText(props[body.Filter.Property]); ok && val == body.Filter.RichText.Equals {
					matches = append(matches, map[string]any{"id": p["id"]})
				}
			}
			json.NewEncoder(w).Encode(map[string]any{"results": matches})
		case r.Method == http.MethodPost && r.URL.Path == "/pages":
			var body struct {
				Properties map[string]any `json:"properties"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			id := "page-" + strings.ReplaceAll(time.Now().Format("150405.000000000"), ".", "")
			s.pages = append(s.pages, map[string]any{"id": id, "properties": body.Properties})
			json.NewEncoder(w).Encode(map[string]any{"id": id})
		default:
			w.Write([]byte("{}"))
		}
	}
}

func propertyText(prop any) (string, bool) {
	m, ok := prop.(map[string]any)
	if !ok {
		return "", false
	}
	if rt, ok := m["rich_text"].([]any); ok && len(rt) > 0 {
		entry, _ := rt[0].(map[string]any)
		text, _ := entry["text"].(map[string]any)
		if content, ok := text["content"].(string); ok {
			return content, true
		}
	}
	return "", false
}

func newFakeMailStoreIndex(t *testing.T, rows [][5]any) string {
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
		INSERT INTO addresses VALUES (1, 'a@example.com', 'A Sender');
		INSERT INTO mailboxes VALUES (1, 'imap%3A%2F%2Faccount%2FINBOX');
	`)
	require.NoError(t, err)

	for _, row := range rows {
		_, err = db.Exec(`INSERT INTO messages VALUES (?, 1, 1, 1, ?, 0, 0, 0)`, row[0], row[1])
		require.NoError(t, err)
	}

	return path
}

type harness struct {
	sched   *scheduler.Scheduler
	store   *state.Store
	stub    *notionStub
	server  *httptest.Server
	mailIdx *radar.Radar
}

func newHarness(t *testing.T, indexPath string, runner *fakeRunner, cfg scheduler.Config) *harness {
	t.Helper()

	r, err := radar.Open(indexPath)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	store := state.NewStore(db, state.DefaultMaxRetries)

	stub := &notionStub{}
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client := remote.New(remote.Config{
		Token:           "test",
		BaseURL:         server.URL,
		WritesPerSecond: 1000,
		Timeout:         2 * time.Second,
	})

	f := fetcher.New(runner, "work", time.Second)
	proj := projector.New(client, f, store, projector.Config{
		EmailDatabaseID:    "email-db",
		CalendarDatabaseID: "calendar-db",
	})

	sched := scheduler.New(r, store, f, proj, cfg)

	return &harness{sched: sched, store: store, stub: stub, server: server, mailIdx: r}
}

func TestSchedulerProcessesDetectionThroughProjection(t *testing.T) {
	indexPath := newFakeMailStoreIndex(t, [][5]any{{100, 1700000000}})
	runner := &fakeRunner{byInternalID: map[int64]string{
		100: scriptResponse("<m1@example.com>", "hello", "Subject: hello\r\n\r\nbody"),
	}}

	h := newHarness(t, indexPath, runner, scheduler.Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sched.Start(ctx)
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(100)
		return err == nil && rec != nil && rec.SyncStatus == state.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)
	h.sched.Stop()

	require.Len(t, h.stub.pages, 1)
}

func TestSchedulerDeletesVanishedMessage(t *testing.T) {
	indexPath := newFakeMailStoreIndex(t, [][5]any{{200, 1700000000}})
	runner := &fakeRunner{} // no entry for 200: Run() returns "VANISHED"

	h := newHarness(t, indexPath, runner, scheduler.Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sched.Start(ctx)
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(200)
		return err == nil && rec == nil
	}, 2*time.Second, 10*time.Millisecond)
	h.sched.Stop()
}

func TestSchedulerSkipsMessagesBeforeSyncHorizon(t *testing.T) {
	oldDate := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	indexPath := newFakeMailStoreIndex(t, [][5]any{{300, oldDate.Unix()}})
	runner := &fakeRunner{byInternalID: map[int64]string{
		300: scriptResponse("<old@example.com>", "ancient", "Subject: ancient\r\n\r\nbody"),
	}}

	h := newHarness(t, indexPath, runner, scheduler.Config{
		PollInterval: time.Hour,
		SyncHorizon:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sched.Start(ctx)
	require.Eventually(t, func() bool {
		rec, err := h.store.Get(300)
		return err == nil && rec != nil && rec.SyncStatus == state.StatusSkipped
	}, 2*time.Second, 10*time.Millisecond)
	h.sched.Stop()

	require.Empty(t, h.stub.pages)
}

func TestSchedulerStopsAfterPersistentAuthFailure(t *testing.T) {
	indexPath := newFakeMailStoreIndex(t, [][5]any{{400, 1700000000}})
	runner := &fakeRunner{byInternalID: map[int64]string{
		400: scriptResponse("<m4@example.com>", "hello", "Subject: hello\r\n\r\nbody"),
	}}

	r, err := radar.Open(indexPath)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	store := state.NewStore(db, state.DefaultMaxRetries)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	client := remote.New(remote.Config{
		Token:           "revoked",
		BaseURL:         server.URL,
		WritesPerSecond: 1000,
		Timeout:         2 * time.Second,
	})
	f := fetcher.New(runner, "work", time.Second)
	proj := projector.New(client, f, store, projector.Config{EmailDatabaseID: "email-db"})

	sched := scheduler.New(r, store, f, proj, scheduler.Config{
		PollInterval:               time.Hour,
		MaxConsecutiveAuthFailures: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	select {
	case <-sched.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after persistent auth failure")
	}
	sched.Stop()

	require.ErrorIs(t, sched.FatalErr(), remote.ErrAuthFailed)
}

func TestSchedulerStopWaitsForInFlightCycle(t *testing.T) {
	indexPath := newFakeMailStoreIndex(t, nil)
	h := newHarness(t, indexPath, &fakeRunner{}, scheduler.Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sched.Start(ctx)
	h.sched.Start(ctx) // second Start is a no-op guarded by runningMu
	h.sched.Stop()
	h.sched.Stop() // second Stop is also a no-op
}
