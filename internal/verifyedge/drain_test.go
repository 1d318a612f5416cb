package verifyedge

import (
	"bytes"
	"context"
	"mime"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueOffline(t *testing.T, e *testEdge, names ...string) {
	t.Helper()
	e.net.offline.Store(true)
	for _, name := range names {
		rec := do(t, e.Handler(), verifyRequest(t, "certificate", name, []byte("content of "+name)))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "offline-queued", rec.Header().Get(headerEdge))
	}
}

func TestDrain_DeliversAndMarksSynced(t *testing.T) {
	e := newTestEdge(t, nil)
	queueOffline(t, e, "a.pdf", "b.pdf", "c.pdf")

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)

	e.net.offline.Store(false)
	rep, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Attempted: 3, Synced: 3}, rep)

	got := e.origin.receivedFiles()
	require.Len(t, got, 3)
	for i, r := range got {
		// delivered in enqueue order
		assert.Equal(t, pending[i].Filename, r.Filename)
		assert.Equal(t, pending[i].Content, r.Content)
		assert.Equal(t, pending[i].IdempotencyKey, r.Idempotency)
		assert.Equal(t, "application/octet-stream", r.ContentType)
	}

	left, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Empty(t, left)
	for _, p := range pending {
		s, err := e.Queue().Get(p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSynced, s.Status)
		assert.False(t, s.SyncedAt.IsZero())
	}

	// nothing left to do
	rep, err = e.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
	assert.Len(t, e.origin.receivedFiles(), 3)
}

func TestDrain_PartialFailureLosesNothing(t *testing.T) {
	e := newTestEdge(t, nil)
	queueOffline(t, e, "ok-1.pdf", "bad.pdf", "ok-2.pdf")

	e.origin.setVerifyStatus(func(filename string) int {
		if filename == "bad.pdf" {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	e.net.offline.Store(false)

	rep, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Attempted: 3, Synced: 2, Failed: 1}, rep)

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bad.pdf", pending[0].Filename)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "unexpected status 503")

	synced, err := e.Queue().List(StatusSynced)
	require.NoError(t, err)
	var names []string
	for _, s := range synced {
		names = append(names, s.Filename)
	}
	assert.Equal(t, []string{"ok-1.pdf", "ok-2.pdf"}, names)

	// the origin recovers; only the failed entry is sent again
	e.origin.setVerifyStatus(nil)
	rep, err = e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Attempted: 1, Synced: 1}, rep)

	got := e.origin.receivedFiles()
	require.Len(t, got, 3)
	assert.Equal(t, "bad.pdf", got[2].Filename)
}

func TestDrain_OriginStillDown(t *testing.T) {
	e := newTestEdge(t, nil)
	queueOffline(t, e, "a.pdf", "b.pdf")

	rep, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Attempted: 2, Failed: 2}, rep)

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, 1, p.Attempts)
	}
}

func TestDrain_SurvivesRestart(t *testing.T) {
	origin := newFakeOrigin(t)
	db := newMemDB(t)

	first := newTestEdgeWith(t, origin, db, nil)
	queueOffline(t, first, "persisted.pdf")
	first.Close()

	second := newTestEdgeWith(t, origin, db, nil)
	rep, err := second.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)

	got := origin.receivedFiles()
	require.Len(t, got, 1)
	assert.Equal(t, "persisted.pdf", got[0].Filename)
	assert.Equal(t, []byte("content of persisted.pdf"), got[0].Content)
}

func TestDrain_StopsOnCancel(t *testing.T) {
	e := newTestEdge(t, nil)
	queueOffline(t, e, "a.pdf")
	e.net.offline.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEncodeMultipart(t *testing.T) {
	e := QueueEntry{Filename: `weird "name".pdf`, Content: []byte("data")}
	body, ct, err := encodeMultipart("certificate", e)
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(ct)
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "certificate", part.FormName())
	assert.Equal(t, `weird "name".pdf`, part.FileName())
	assert.Equal(t, "application/octet-stream", part.Header.Get("Content-Type"))

	p, err := extractPayload(ct, body, "certificate")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), p.Content)
	assert.Equal(t, `weird "name".pdf`, p.Filename)
}
