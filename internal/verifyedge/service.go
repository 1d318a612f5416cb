package verifyedge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Service is the offline-first edge in front of the verification origin. It
// owns the asset cache generations, the offline submission queue and the
// background sync loop.
type Service struct {
	cfg    Config
	origin *url.URL
	log    *zap.Logger

	httpClient *http.Client

	db     *leveldb.DB
	ownsDB bool

	ram    *ramCache
	assets *assetCache
	queue  *Queue

	conn   *connectivity
	syncer *syncer
	misses singleflight.Group

	waitMu  sync.Mutex
	waiting string // installed generation awaiting SKIP_WAITING

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	stats *statsCollector
}

type serviceOptions struct {
	httpClient *http.Client
	db         *leveldb.DB
	logger     *zap.Logger

	// noSyncLoop leaves sync events unconsumed; tests drive Drain directly.
	noSyncLoop bool
}

type Option func(*serviceOptions)

// WithHTTPClient replaces the client used for every origin call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serviceOptions) { o.httpClient = c }
}

// WithDB uses an already opened leveldb instead of opening storage.path. The
// caller keeps ownership and closes it after Service.Close.
func WithDB(db *leveldb.DB) Option {
	return func(o *serviceOptions) { o.db = db }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// NewService opens storage, installs and activates the configured cache
// generation and starts the background loops.
func NewService(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	var o serviceOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		l, err := NewLogger(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		o.logger = l
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		origin:     origin,
		log:        o.logger,
		httpClient: o.httpClient,
		db:         o.db,
		stopCh:     make(chan struct{}),
	}
	if s.db == nil {
		db, err := leveldb.OpenFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
		}
		s.db = db
		s.ownsDB = true
	}

	if s.ram, err = newRAMCache(cfg.ramMaxBytes); err != nil {
		s.closeDB()
		return nil, err
	}
	if s.assets, err = openAssetCache(s.db, cfg.diskMaxBytes, s.ram, s.log); err != nil {
		s.ram.Close()
		s.closeDB()
		return nil, err
	}
	s.queue = NewQueue(s.db)
	s.syncer = newSyncer(s.Drain, s.log)
	s.conn = newConnectivity(func() {
		s.syncer.Trigger(SyncEvent{Reason: SyncOnline})
	})

	if err := s.startup(ctx); err != nil {
		s.assets.close()
		s.ram.Close()
		s.closeDB()
		return nil, err
	}

	if !o.noSyncLoop {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncer.run(s.stopCh)
		}()
		s.syncer.Trigger(SyncEvent{Reason: SyncStartup})
	}

	if cfg.periodicDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.periodicSyncLoop(cfg.periodicDur)
		}()
	}
	if cfg.probeEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeLoop(cfg.probeEveryDur)
		}()
	}
	if cfg.syncedRetentionDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pruneLoop(cfg.syncedRetentionDur)
		}()
	}
	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}

	return s, nil
}

// Close stops the background loops and flushes pending cache writes. It is
// safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.assets.close()
		s.ram.Close()
		s.closeDB()
	})
}

func (s *Service) closeDB() {
	if s.ownsDB {
		_ = s.db.Close()
	}
}

// Queue exposes the offline submission queue.
func (s *Service) Queue() *Queue { return s.queue }

// Online reports the last observed origin reachability.
func (s *Service) Online() bool { return s.conn.Online() }

// CurrentGeneration returns the active cache generation tag.
func (s *Service) CurrentGeneration() string { return s.assets.Current() }

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == http.MethodPost && path == s.cfg.Verify.Path {
		s.writeOutcome(w, s.Submit(r.Context(), r))
		return
	}

	rule := s.pickRule(path)
	if rule != nil {
		if rule.Bypass {
			s.proxyPass(w, r, "bypass")
			return
		}
		if hasAnyCookie(r, rule.BypassWhenCookies) {
			s.proxyPass(w, r, "bypass-by-cookie")
			return
		}
	}

	if r.Method != http.MethodGet {
		s.proxyPass(w, r, "bypass")
		return
	}

	ent, kind := s.Serve(r.Context(), s.assets.Current(), r)
	s.writeEntryWithStats(w, ent, kind)
}

func (s *Service) pickRule(path string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, kind string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerEdge) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setEdgeHeaders(w.Header(), kind)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

const headerEdge = "X-Verifyedge"

func setEdgeHeaders(h http.Header, kind string) {
	if kind != "" {
		h.Set(headerEdge, kind)
	}
	// Custom headers are not readable from browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, headerEdge)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// proxyPass relays r to the origin without caching or offline fallback.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, kind string) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.maxUploadBytes+1))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if int64(len(b)) > s.cfg.maxUploadBytes {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = b
	}
	ent, err := s.roundTrip(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		setEdgeHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		s.observe("bad-gateway", 0)
		return
	}
	s.writeEntryWithStats(w, ent, kind)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, kind string) {
	writeEntry(w, ent, kind)
	s.observe(kind, len(ent.Body))
}

// roundTrip sends one request to the origin and snapshots the response.
// Transport failures mark the origin offline; any response marks it online.
func (s *Service) roundTrip(ctx context.Context, method, uri string, hdr http.Header, body []byte) (CacheEntry, error) {
	ent, _, err := s.roundTripURL(ctx, method, s.cfg.Server.Origin+uri, hdr, body)
	return ent, err
}

func (s *Service) roundTripURL(ctx context.Context, method, target string, hdr http.Header, body []byte) (CacheEntry, *url.URL, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return CacheEntry{}, nil, err
	}
	copyHeaders(req.Header, hdr)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.observeTransportError(ctx, err)
		return CacheEntry{}, nil, err
	}
	defer resp.Body.Close()
	// a status line arrived: the origin is reachable even if the body breaks
	s.conn.MarkOnline()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, nil, fmt.Errorf("%w: status %d: %w", errResponseBroken, resp.StatusCode, err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
	}
	ent.Header.Del("Content-Length")
	var final *url.URL
	if resp.Request != nil {
		final = resp.Request.URL
	}
	return ent, final, nil
}

// errResponseBroken marks a round trip that reached the origin but lost the
// response body. The request may have been processed.
var errResponseBroken = errors.New("origin response interrupted")

// observeTransportError marks the origin offline unless the failure came from
// the caller giving up.
func (s *Service) observeTransportError(ctx context.Context, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	if s.conn.MarkOffline() {
		s.log.Warn("origin unreachable", zap.String("origin", s.cfg.Server.Origin), zap.Error(err))
	}
}

// hop-by-hop and per-connection headers are not forwarded.
var skipRequestHeaders = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := skipRequestHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
