package verifyedge

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_OnlineDelivered(t *testing.T) {
	e := newTestEdge(t, nil)

	rec := do(t, e.Handler(), verifyRequest(t, "certificate", "cert.pdf", []byte("%PDF-1.7")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delivered", rec.Header().Get(headerEdge))

	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "cert.pdf", body["filename"])
	assert.NotContains(t, body, "offline")

	got := e.origin.receivedFiles()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("%PDF-1.7"), got[0].Content)
	assert.NotEmpty(t, got[0].Idempotency, "first attempt carries a key")

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmit_InterruptedResponseNotQueued(t *testing.T) {
	e := newTestEdge(t, nil)
	e.origin.cutVerify.Store(true)

	rec := do(t, e.Handler(), verifyRequest(t, "certificate", "cert.pdf", []byte("%PDF-1.7")))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "rejected", rec.Header().Get(headerEdge))
	assert.Equal(t, "Verification response interrupted", decodeJSON(t, rec)["error"])

	// the origin saw the upload once; queuing it would submit it twice
	assert.Len(t, e.origin.receivedFiles(), 1)
	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.True(t, e.Online())
}

func TestSubmit_OnlineRelaysOriginRejection(t *testing.T) {
	e := newTestEdge(t, nil)

	// no file part: the origin answers, so its answer is relayed as is
	rec := do(t, e.Handler(), verifyRequest(t, "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "delivered", rec.Header().Get(headerEdge))
}

func TestSubmit_OfflineQueued(t *testing.T) {
	e := newTestEdge(t, nil)
	e.net.offline.Store(true)

	content := bytes.Repeat([]byte{0xA5}, 2<<20)
	rec := do(t, e.Handler(), verifyRequest(t, "certificate", "cert.pdf", content))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline-queued", rec.Header().Get(headerEdge))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeJSON(t, rec)
	assert.Equal(t, map[string]any{
		"success":  true,
		"offline":  true,
		"message":  "Verification queued for processing when online",
		"filename": "cert.pdf",
		"status":   "offline_queued",
	}, body)

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cert.pdf", pending[0].Filename)
	assert.Equal(t, int64(2<<20), pending[0].Size)
	assert.Equal(t, content, pending[0].Content)
	assert.Equal(t, "application/octet-stream", pending[0].ContentType)
	assert.Equal(t, "1", rec.Header().Get("X-Verifyedge-Queue-Id"))
}

func TestSubmit_OfflineKeepsIdempotencyKey(t *testing.T) {
	e := newTestEdge(t, nil)
	e.net.offline.Store(true)

	r := verifyRequest(t, "certificate", "cert.pdf", []byte("x"))
	r.Header.Set("Idempotency-Key", "client-key-1")
	rec := do(t, e.Handler(), r)
	require.Equal(t, http.StatusOK, rec.Code)

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "client-key-1", pending[0].IdempotencyKey)

	e.net.offline.Store(false)
	_, err = e.Drain(context.Background())
	require.NoError(t, err)
	got := e.origin.receivedFiles()
	require.Len(t, got, 1)
	assert.Equal(t, "client-key-1", got[0].Idempotency)
}

func TestSubmit_OfflineWithoutFile(t *testing.T) {
	e := newTestEdge(t, nil)
	e.net.offline.Store(true)

	rec := do(t, e.Handler(), verifyRequest(t, "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]any{"success": false, "error": "No file provided"}, decodeJSON(t, rec))

	// a file under another field name does not count either
	rec = do(t, e.Handler(), verifyRequest(t, "attachment", "cert.pdf", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pending, synced, err := e.Queue().Counts()
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, synced)
}

func TestSubmit_OfflineNotMultipart(t *testing.T) {
	e := newTestEdge(t, nil)
	e.net.offline.Store(true)

	r := httptest.NewRequest(http.MethodPost, defaultVerifyPath, strings.NewReader(`{"file":"cert.pdf"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := do(t, e.Handler(), r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file provided", decodeJSON(t, rec)["error"])
}

func TestSubmit_TooLarge(t *testing.T) {
	e := newTestEdge(t, func(c *Config) { c.Verify.MaxUpload = "1kb" })
	e.net.offline.Store(true)

	rec := do(t, e.Handler(), verifyRequest(t, "certificate", "big.pdf", bytes.Repeat([]byte("x"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "File too large", decodeJSON(t, rec)["error"])

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmit_CanceledIsRejected(t *testing.T) {
	e := newTestEdge(t, nil)
	e.net.offline.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := verifyRequest(t, "certificate", "cert.pdf", []byte("x")).WithContext(ctx)

	out := e.Submit(ctx, r)
	assert.Equal(t, Rejected, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)

	pending, err := e.Queue().Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExtractPayload(t *testing.T) {
	body, ct := multipartBody(t, "certificate", "diploma.png", []byte("png"))

	p, err := extractPayload(ct, body.Bytes(), "certificate")
	require.NoError(t, err)
	assert.Equal(t, "diploma.png", p.Filename)
	assert.Equal(t, []byte("png"), p.Content)

	_, err = extractPayload(ct, body.Bytes(), "other")
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = extractPayload("multipart/form-data", body.Bytes(), "certificate")
	assert.ErrorIs(t, err, ErrNoFile)
}
