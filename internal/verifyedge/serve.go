package verifyedge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const offlineUnavailableBody = "Offline - Content not available"

type missResult struct {
	ent       CacheEntry
	cacheable bool
}

// Serve answers a safe (GET) request cache-first from generation gen. The
// returned kind labels how the response was produced: "hit", "miss",
// "uncached", "offline-page", "unavailable" or "bad-gateway".
func (s *Service) Serve(ctx context.Context, gen string, r *http.Request) (CacheEntry, string) {
	key := r.URL.RequestURI()

	if ent, ok := s.assets.Get(gen, key); ok {
		return ent, "hit"
	}

	fetch := func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		ent, cacheable, err := s.fetchFromOrigin(fctx, r)
		if err != nil {
			return nil, err
		}
		return missResult{ent: ent, cacheable: cacheable}, nil
	}
	var (
		v   any
		err error
	)
	if hasCredentials(r) {
		// a credentialed answer belongs to its caller alone
		v, err = fetch()
	} else {
		v, err, _ = s.misses.Do(gen+"\x00"+key, fetch)
	}
	if errors.Is(err, errResponseBroken) {
		return badGatewayEntry(), "bad-gateway"
	}
	if err != nil {
		return s.offlineFallback(gen, r)
	}

	res := v.(missResult)
	if !res.cacheable || gen == "" {
		return res.ent, "uncached"
	}
	// fire-and-forget; the caller is never delayed by the disk write
	s.assets.PutAsync(gen, key, res.ent)
	return res.ent, "miss"
}

// fetchFromOrigin performs a GET for r against the origin. The response is
// cacheable only when it is a 200 served by the origin host itself (no
// cross-origin redirect) that is fit for a shared cache.
func (s *Service) fetchFromOrigin(ctx context.Context, r *http.Request) (CacheEntry, bool, error) {
	ent, final, err := s.roundTripURL(ctx, http.MethodGet, s.cfg.Server.Origin+r.URL.RequestURI(), r.Header, nil)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if ent.Status != http.StatusOK {
		return ent, false, nil
	}
	if final != nil && !s.sameOrigin(final.Scheme, final.Host) {
		return ent, false, nil
	}
	if r.Header.Get("Authorization") != "" || len(ent.Header.Values("Set-Cookie")) > 0 {
		return ent, false, nil
	}
	if cacheControlHas(ent.Header, "no-store", "private") {
		return ent, false, nil
	}
	return ent, true, nil
}

func hasCredentials(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" || r.Header.Get("Cookie") != ""
}

// cacheControlHas reports whether any Cache-Control directive of h is one of
// names. Directive arguments such as private="Set-Cookie" still count.
func cacheControlHas(h http.Header, names ...string) bool {
	for _, line := range h.Values("Cache-Control") {
		for _, d := range strings.Split(line, ",") {
			d = strings.TrimSpace(d)
			if i := strings.IndexByte(d, '='); i >= 0 {
				d = d[:i]
			}
			for _, n := range names {
				if strings.EqualFold(d, n) {
					return true
				}
			}
		}
	}
	return false
}

func (s *Service) sameOrigin(scheme, host string) bool {
	return strings.EqualFold(scheme, s.origin.Scheme) && strings.EqualFold(host, s.origin.Host)
}

// offlineFallback builds the response for a cache miss while the origin is
// unreachable.
func (s *Service) offlineFallback(gen string, r *http.Request) (CacheEntry, string) {
	if isNavigation(r) {
		if ent, ok := s.assets.Get(gen, s.cfg.Cache.OfflinePage); ok {
			return ent, "offline-page"
		}
		s.log.Warn("offline page missing from cache",
			zap.String("generation", gen),
			zap.String("page", s.cfg.Cache.OfflinePage),
		)
	}
	return unavailableEntry(), "unavailable"
}

func unavailableEntry() CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return CacheEntry{
		Status:   http.StatusServiceUnavailable,
		Header:   h,
		Body:     []byte(offlineUnavailableBody),
		StoredAt: time.Now().Unix(),
	}
}

func badGatewayEntry() CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return CacheEntry{
		Status:   http.StatusBadGateway,
		Header:   h,
		Body:     []byte("bad gateway"),
		StoredAt: time.Now().Unix(),
	}
}

// isNavigation reports whether r is a full-document navigation.
func isNavigation(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return strings.EqualFold(dest, "document")
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "application/xhtml+xml")
}
