package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hkdb/syncd/internal/remote"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *remote.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return remote.New(remote.Config{
		Token:           "test-token",
		BaseURL:         server.URL,
		WritesPerSecond: 1000, // fast for tests
		Timeout:         2 * time.Second,
	})
}

func TestCreatePage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pages", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"id": "page-123"})
	})

	page, err := c.CreatePage(context.Background(), "db-1", map[string]any{"Subject": "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "page-123", page.ID)
}

func TestQueryDatabaseFindsMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id": "found-page"}},
		})
	})

	id, err := c.FindPageByProperty(context.Background(), "db-1", "Message ID", "<m1@x>")
	require.NoError(t, err)
	require.Equal(t, "found-page", id)
}

func TestFindPageByPropertyNoMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{}})
	})

	id, err := c.FindPageByProperty(context.Background(), "db-1", "Message ID", "<missing@x>")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "page-ok"})
	})

	page, err := c.CreatePage(context.Background(), "db-1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "page-ok", page.ID)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestAuthFailureReturnsDistinguishedError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.CreatePage(context.Background(), "db-1", nil, nil)
	require.ErrorIs(t, err, remote.ErrAuthFailed)
}

func TestUpdatePage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/pages/page-1", r.URL.Path)
		w.Write([]byte("{}"))
	})

	err := c.UpdatePage(context.Background(), "page-1", map[string]any{"Subject": "updated"})
	require.NoError(t, err)
}

func TestAppendBlockChildren(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blocks/page-1/children", r.URL.Path)
		w.Write([]byte("{}"))
	})

	err := c.AppendBlockChildren(context.Background(), "page-1", []map[string]any{{"type": "paragraph"}})
	require.NoError(t, err)
}

func TestThreeStepFileUpload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/file_uploads":
			json.NewEncoder(w).Encode(map[string]any{"id": "upload-1"})
		case r.URL.Path == "/file_uploads/upload-1/send":
			w.Write([]byte("{}"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	handle, err := c.CreateFileUpload(context.Background(), "image.png", "image/png")
	require.NoError(t, err)
	require.Equal(t, "upload-1", handle.UploadID)

	err = c.SendFileUpload(context.Background(), handle.UploadID, []byte("bytes"), "image/png")
	require.NoError(t, err)
}
