package verifyedge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Install fetches every resource from the origin and stores them as
// generation tag in one atomic write. Any failed fetch aborts the install and
// leaves the current generation untouched. Unless manual activation is
// configured the new generation is activated right away.
func (s *Service) Install(ctx context.Context, tag string, resources []string) error {
	s.log.Info("installing cache generation", zap.String("generation", tag), zap.Int("resources", len(resources)))

	entries := make(map[string]CacheEntry, len(resources))
	for _, res := range resources {
		if err := ctx.Err(); err != nil {
			return &InstallError{Tag: tag, Resource: res, Err: err}
		}
		ent, err := s.roundTrip(ctx, http.MethodGet, res, nil, nil)
		if err != nil {
			return &InstallError{Tag: tag, Resource: res, Err: err}
		}
		if ent.Status < 200 || ent.Status >= 300 {
			return &InstallError{Tag: tag, Resource: res, Status: ent.Status}
		}
		entries[res] = ent
	}

	if err := s.assets.StoreGeneration(tag, entries); err != nil {
		return &InstallError{Tag: tag, Resource: "store", Err: err}
	}
	s.log.Info("cache generation installed", zap.String("generation", tag))

	if s.cfg.Cache.ManualActivation && s.assets.Current() != "" && s.assets.Current() != tag {
		if prev := s.Waiting(); prev != "" && prev != tag {
			s.discard(prev)
		}
		s.setWaiting(tag)
		s.log.Info("cache generation waiting for activation", zap.String("generation", tag))
		return nil
	}
	return s.Activate(tag)
}

// Activate makes tag current and purges every other generation. Requests
// started afterwards are served from tag without a restart.
func (s *Service) Activate(tag string) error {
	retired, err := s.assets.Activate(tag)
	if err != nil {
		return fmt.Errorf("activate %q: %w", tag, err)
	}
	s.waitMu.Lock()
	if s.waiting == tag {
		s.waiting = ""
	}
	s.waitMu.Unlock()
	for _, old := range retired {
		s.log.Info("deleted old cache generation", zap.String("generation", old))
	}
	s.log.Info("cache generation active", zap.String("generation", tag))
	return nil
}

// SkipWaiting activates the generation that is installed and waiting, if any.
// It reports the activated tag.
func (s *Service) SkipWaiting() (string, error) {
	tag := s.Waiting()
	if tag == "" {
		return "", nil
	}
	if err := s.Activate(tag); err != nil {
		return "", err
	}
	return tag, nil
}

// Waiting returns the installed generation awaiting activation, or "".
func (s *Service) Waiting() string {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waiting
}

// discard drops an installed generation that will never be activated.
func (s *Service) discard(tag string) {
	if err := s.assets.Discard(tag); err != nil {
		s.log.Warn("discard cache generation", zap.String("generation", tag), zap.Error(err))
		return
	}
	s.log.Info("discarded cache generation", zap.String("generation", tag))
}

// discardStale drops installed generations left by earlier versions. Only
// the active generation and keep survive.
func (s *Service) discardStale(keep string) {
	gens, err := s.assets.Generations()
	if err != nil {
		s.log.Warn("list cache generations", zap.Error(err))
		return
	}
	cur := s.assets.Current()
	for _, g := range gens {
		if g.Tag != keep && g.Tag != cur {
			s.discard(g.Tag)
		}
	}
}

func (s *Service) setWaiting(tag string) {
	s.waitMu.Lock()
	s.waiting = tag
	s.waitMu.Unlock()
}

// precacheList is the configured resource list extended with sitemap
// discovered paths.
func (s *Service) precacheList(ctx context.Context) []string {
	list := append([]string(nil), s.cfg.Cache.Precache...)
	if len(s.cfg.Cache.Sitemaps) == 0 {
		return list
	}
	found, ignored, err := s.discoverPrecache(ctx)
	if err != nil {
		s.log.Warn("precache discovery failed", zap.Error(err))
		return list
	}
	s.log.Info("precache discovery", zap.Int("found", len(found)), zap.Int("ignored", ignored))
	seen := make(map[string]struct{}, len(list))
	for _, p := range list {
		seen[p] = struct{}{}
	}
	for _, p := range found {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		list = append(list, p)
	}
	return list
}

// startup brings the configured generation up. An existing active generation
// with the same tag is reused as is.
func (s *Service) startup(ctx context.Context) error {
	tag := s.cfg.Cache.Version
	cur := s.assets.Current()
	s.discardStale(tag)

	if cur == tag {
		s.log.Info("cache generation already active", zap.String("generation", tag))
		return nil
	}
	if meta, ok, err := s.assets.Generation(tag); err == nil && ok && meta.State == genInstalled && s.cfg.Cache.ManualActivation && cur != "" {
		s.setWaiting(tag)
		s.log.Info("cache generation waiting for activation", zap.String("generation", tag))
		return nil
	}

	ictx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	err := s.Install(ictx, tag, s.precacheList(ictx))
	if err == nil {
		return nil
	}
	if cur != "" {
		s.log.Error("cache install failed, keeping previous generation",
			zap.String("generation", tag),
			zap.String("serving", cur),
			zap.Error(err),
		)
		return nil
	}
	if s.cfg.Cache.RequireInstall {
		return err
	}
	s.log.Error("cache install failed, serving without a cache generation", zap.Error(err))
	return nil
}

// CacheSize is the number of tracked precache resource paths.
func (s *Service) CacheSize() int {
	return len(s.cfg.Cache.Precache)
}

// Health answers the status query.
func (s *Service) Health() HealthStatus {
	return HealthStatus{IsOnline: s.Online(), CacheSize: s.CacheSize()}
}
