package verifyedge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap/zaptest"
)

const offlinePageHTML = "<html><body>You are offline</body></html>"

var errUnreachable = errors.New("dial tcp: connect: connection refused")

// switchTransport fails every round trip while offline is set.
type switchTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (t *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, errUnreachable
	}
	return t.base.RoundTrip(r)
}

type received struct {
	Filename    string
	ContentType string
	Content     []byte
	Idempotency string
}

// fakeOrigin is a verification server with a few static assets.
type fakeOrigin struct {
	*httptest.Server

	mu        sync.Mutex
	assets    map[string]string
	headers   map[string]http.Header
	redirects map[string]string
	hits      map[string]int
	received  []received

	// verifyStatus, when set, decides the status for a submitted filename.
	verifyStatus func(filename string) int

	// cutVerify makes the verify endpoint drop the connection halfway through
	// its response body, after the submission was recorded.
	cutVerify atomic.Bool
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		assets: map[string]string{
			"/":                     "<html>home</html>",
			"/static/css/style.css": "body{}",
			"/static/js/main.js":    "console.log(1)",
			"/offline.html":         offlinePageHTML,
		},
		headers:   map[string]http.Header{},
		redirects: map[string]string{},
		hits:      map[string]int{},
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrigin) setAsset(path, body string) {
	o.mu.Lock()
	o.assets[path] = body
	o.mu.Unlock()
}

func (o *fakeOrigin) setVerifyStatus(fn func(filename string) int) {
	o.mu.Lock()
	o.verifyStatus = fn
	o.mu.Unlock()
}

func (o *fakeOrigin) setHeader(path, key, value string) {
	o.mu.Lock()
	if o.headers[path] == nil {
		o.headers[path] = make(http.Header)
	}
	o.headers[path].Set(key, value)
	o.mu.Unlock()
}

func (o *fakeOrigin) setRedirect(path, target string) {
	o.mu.Lock()
	o.redirects[path] = target
	o.mu.Unlock()
}

func (o *fakeOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *fakeOrigin) receivedFiles() []received {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]received(nil), o.received...)
}

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.RequestURI()]++
	o.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == defaultVerifyPath {
		o.serveVerify(w, r)
		return
	}

	o.mu.Lock()
	uri := r.URL.RequestURI()
	body, ok := o.assets[uri]
	target := o.redirects[uri]
	extra := o.headers[uri].Clone()
	o.mu.Unlock()
	if target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	for k, vs := range extra {
		w.Header()[k] = vs
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, body)
}

func (o *fakeOrigin) serveVerify(w http.ResponseWriter, r *http.Request) {
	f, fh, err := r.FormFile(defaultVerifyField)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "No file provided"})
		return
	}
	defer f.Close()
	content, _ := io.ReadAll(f)

	o.mu.Lock()
	decide := o.verifyStatus
	o.mu.Unlock()
	status := http.StatusOK
	if decide != nil {
		status = decide(fh.Filename)
	}
	if o.cutVerify.Load() {
		o.record(fh.Filename, fh.Header.Get("Content-Type"), content, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"succ`)
		rc := http.NewResponseController(w)
		_ = rc.Flush()
		conn, _, err := rc.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if status == http.StatusOK {
		o.record(fh.Filename, fh.Header.Get("Content-Type"), content, r.Header.Get("Idempotency-Key"))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":  status == http.StatusOK,
		"filename": fh.Filename,
		"fields":   map[string]string{"institution": "Test University"},
	})
}

func (o *fakeOrigin) record(filename, contentType string, content []byte, key string) {
	o.mu.Lock()
	o.received = append(o.received, received{
		Filename:    filename,
		ContentType: contentType,
		Content:     content,
		Idempotency: key,
	})
	o.mu.Unlock()
}

func newMemDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig(t *testing.T, origin string, mutate func(*Config)) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = origin
	cfg.Storage.RAM.Max = "1mb"
	cfg.Cache.Version = "test-v1"
	cfg.Cache.Precache = []string{"/", "/static/css/style.css", "/static/js/main.js"}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.compile())
	return cfg
}

type testEdge struct {
	*Service
	origin *fakeOrigin
	net    *switchTransport
	db     *leveldb.DB
}

func newTestEdge(t *testing.T, mutate func(*Config)) *testEdge {
	t.Helper()
	origin := newFakeOrigin(t)
	return newTestEdgeWith(t, origin, newMemDB(t), mutate)
}

func newTestEdgeWith(t *testing.T, origin *fakeOrigin, db *leveldb.DB, mutate func(*Config)) *testEdge {
	t.Helper()
	tr := &switchTransport{base: http.DefaultTransport}
	cfg := testConfig(t, origin.URL, mutate)
	svc, err := NewService(context.Background(), cfg,
		WithDB(db),
		WithHTTPClient(&http.Client{Transport: tr}),
		WithLogger(zaptest.NewLogger(t)),
		func(o *serviceOptions) { o.noSyncLoop = true },
	)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &testEdge{Service: svc, origin: origin, net: tr, db: db}
}

// settle waits for async cache writes to land on disk and in RAM.
func (e *testEdge) settle() {
	e.assets.flush()
	e.ram.Wait()
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("note", "uploaded from test"))
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func verifyRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	body, ct := multipartBody(t, field, filename, content)
	r := httptest.NewRequest(http.MethodPost, defaultVerifyPath, body)
	r.Header.Set("Content-Type", ct)
	return r
}

func do(t *testing.T, h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}
