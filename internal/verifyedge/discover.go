package verifyedge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// maxSitemaps bounds how many (nested) sitemap documents one discovery reads.
const maxSitemaps = 64

// sitemap covers both <urlset> and <sitemapindex> documents.
type sitemap struct {
	Pages    []string `xml:"url>loc"`
	Children []string `xml:"sitemap>loc"`
}

// discoverPrecache walks the configured sitemaps breadth first and returns the
// same-origin request URIs worth precaching, in discovery order.
func (s *Service) discoverPrecache(ctx context.Context) (paths []string, ignored int, _ error) {
	visited := make(map[string]bool)
	found := make(map[string]bool)

	var todo []string
	for _, ref := range s.cfg.Cache.Sitemaps {
		if u, ok := s.resolve(ref); ok {
			todo = append(todo, u.String())
		}
	}

	for ; len(todo) > 0; todo = todo[1:] {
		if err := ctx.Err(); err != nil {
			return paths, ignored, err
		}
		target := todo[0]
		if visited[target] {
			continue
		}
		if len(visited) == maxSitemaps {
			s.log.Warn("sitemap limit reached", zap.Int("limit", maxSitemaps), zap.Int("skipped", len(todo)))
			break
		}
		visited[target] = true

		doc, err := s.readSitemap(ctx, target)
		if err != nil {
			return paths, ignored, fmt.Errorf("sitemap %s: %w", target, err)
		}
		for _, child := range doc.Children {
			if u, ok := s.resolve(child); ok {
				todo = append(todo, u.String())
			}
		}

		added := 0
		for _, loc := range doc.Pages {
			p, ok := s.pathFromLoc(loc)
			if !ok || s.bypassed(p) {
				ignored++
				continue
			}
			if found[p] {
				continue
			}
			found[p] = true
			paths = append(paths, p)
			added++
		}
		s.log.Debug("sitemap read", zap.String("sitemap", target), zap.Int("pages", len(doc.Pages)), zap.Int("added", added))
	}
	return paths, ignored, nil
}

func (s *Service) bypassed(path string) bool {
	r := s.pickRule(path)
	return r != nil && r.Bypass
}

// resolve interprets ref relative to the origin.
func (s *Service) resolve(ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	if !u.IsAbs() && !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return s.origin.ResolveReference(u), true
}

// readSitemap fetches one sitemap document through the origin client.
// Gzipped documents are detected by suffix or magic bytes, since the
// transport may or may not have decoded them already.
func (s *Service) readSitemap(ctx context.Context, target string) (sitemap, error) {
	ent, _, err := s.roundTripURL(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return sitemap{}, err
	}
	if ent.Status/100 != 2 {
		snippet := ent.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return sitemap{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(snippet)))
	}

	body := ent.Body
	if isGzip(target, body) {
		if zr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if plain, err := io.ReadAll(zr); err == nil {
				body = plain
			}
			_ = zr.Close()
		}
	}

	var doc sitemap
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemap{}, err
	}
	return doc, nil
}

func isGzip(target string, body []byte) bool {
	if strings.HasSuffix(strings.ToLower(target), ".gz") {
		return true
	}
	return len(body) > 1 && body[0] == 0x1f && body[1] == 0x8b
}

// pathFromLoc turns a sitemap <loc> into a request URI. Locations on another
// host are rejected: this edge can never serve them.
func (s *Service) pathFromLoc(loc string) (string, bool) {
	u, ok := s.resolve(loc)
	if !ok || !s.sameOrigin(u.Scheme, u.Host) {
		return "", false
	}
	return u.RequestURI(), true
}
