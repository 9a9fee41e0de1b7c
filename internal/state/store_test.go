package state_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hkdb/syncd/internal/database"
	"github.com/hkdb/syncd/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate())

	return state.NewStore(db, state.DefaultMaxRetries)
}

func TestUpsertOnDetectIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	meta := state.DetectedMeta{
		InternalID:    42,
		Subject:       "hello",
		SenderAddress: "a@example.com",
		SenderDisplay: "A",
		DateReceived:  time.Now(),
		Mailbox:       "INBOX",
	}

	require.NoError(t, s.UpsertOnDetect(meta))
	require.NoError(t, s.UpsertOnDetect(meta)) // second detection, same row

	rec, err := s.Get(42)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, state.StatusPending, rec.SyncStatus)
	require.Equal(t, "hello", rec.Subject)
}

func TestUpdateAfterFetchAdvancesStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))

	require.NoError(t, s.UpdateAfterFetch(1, state.FetchedHeaders{
		MessageID:      "<abc@example.com>",
		Subject:        "Re: hello",
		SenderAddress:  "b@example.com",
		HasAttachments: true,
	}))

	rec, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, state.StatusFetched, rec.SyncStatus)
	require.NotNil(t, rec.MessageID)
	require.Equal(t, "<abc@example.com>", *rec.MessageID)
	require.True(t, rec.HasAttachments)

	found, err := s.FindByMessageID("<abc@example.com>")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, int64(1), found.InternalID)
}

func TestMarkFetchFailedSchedulesBackoffThenDeadLetters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: 7, DateReceived: time.Now()}))

	expected := []time.Duration{
		60 * time.Second,
		5 * time.Minute,
		15 * time.Minute,
		1 * time.Hour,
	}

	for i, want := range expected {
		before := time.Now()
		require.NoError(t, s.MarkFetchFailed(7, "transient error"))

		rec, err := s.Get(7)
		require.NoError(t, err)
		require.Equal(t, state.StatusFetchFailed, rec.SyncStatus, "attempt %d", i+1)
		require.Equal(t, i+1, rec.RetryCount)
		require.NotNil(t, rec.NextRetryAt)
		require.WithinDuration(t, before.Add(want), *rec.NextRetryAt, 5*time.Second)
	}

	// Fifth failure (retry_count reaches MaxRetries) moves to dead_letter.
	require.NoError(t, s.MarkFetchFailed(7, "final error"))
	rec, err := s.Get(7)
	require.NoError(t, err)
	require.Equal(t, state.StatusDeadLetter, rec.SyncStatus)
	require.Equal(t, 5, rec.RetryCount)
	require.Nil(t, rec.NextRetryAt)
}

func TestReadyForRetryOnlyReturnsDueRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: 1, DateReceived: time.Now()}))
	require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: 2, DateReceived: time.Now()}))

	require.NoError(t, s.MarkFetchFailed(1, "err")) // due in 60s, not yet
	require.NoError(t, s.MarkFetchFailed(2, "err"))

	due, err := s.ReadyForRetry(10)
	require.NoError(t, err)
	require.Empty(t, due, "nothing should be due immediately after scheduling")
}

func TestMarkSyncedClearsRetryState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: 3, DateReceived: time.Now()}))
	require.NoError(t, s.MarkFetchFailed(3, "err"))
	require.NoError(t, s.MarkSynced(3, "page-123"))

	rec, err := s.Get(3)
	require.NoError(t, err)
	require.Equal(t, state.StatusSynced, rec.SyncStatus)
	require.Equal(t, 0, rec.RetryCount)
	require.Nil(t, rec.NextRetryAt)
	require.NotNil(t, rec.RemotePageID)
	require.Equal(t, "page-123", *rec.RemotePageID)
}

func TestPendingAndFetchedPendingOrdering(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []int64{5, 2, 9} {
		require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: id, DateReceived: time.Now()}))
	}

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []int64{2, 5, 9}, []int64{pending[0].InternalID, pending[1].InternalID, pending[2].InternalID})
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)

	n, err := s.GetLastMaxRowID()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	require.NoError(t, s.SetLastMaxRowID(123))
	require.NoError(t, s.SetLastMaxRowID(456)) // monotone update, same key

	n, err = s.GetLastMaxRowID()
	require.NoError(t, err)
	require.Equal(t, int64(456), n)
}

func TestUnresolvableAnchorNegativeCache(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.IsUnresolvableAnchor("thread-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RememberUnresolvableAnchor("thread-1"))
	require.NoError(t, s.RememberUnresolvableAnchor("thread-1")) // repeat is a no-op

	ok, err = s.IsUnresolvableAnchor("thread-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertOnDetect(state.DetectedMeta{InternalID: 99, DateReceived: time.Now()}))
	require.NoError(t, s.Delete(99))

	rec, err := s.Get(99)
	require.NoError(t, err)
	require.Nil(t, rec)
}
