package verifyedge

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// statsCollector counts responses by how the edge produced them (the
// X-Verifyedge kind) and tracks body sizes.
type statsCollector struct {
	mu       sync.Mutex
	byKind   map[string]uint64
	count    uint64
	bytes    uint64
	smallest uint64
	largest  uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{byKind: make(map[string]uint64)}
}

func (s *statsCollector) Observe(kind string, size int) {
	n := uint64(0)
	if size > 0 {
		n = uint64(size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind[kind]++
	if s.count == 0 || n < s.smallest {
		s.smallest = n
	}
	if n > s.largest {
		s.largest = n
	}
	s.count++
	s.bytes += n
}

type statsSnapshot struct {
	Responses uint64
	Bytes     uint64
	Min       uint64
	Max       uint64
	Avg       uint64
	ByKind    map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := statsSnapshot{
		Responses: s.count,
		Bytes:     s.bytes,
		Min:       s.smallest,
		Max:       s.largest,
		ByKind:    make(map[string]uint64, len(s.byKind)),
	}
	if s.count > 0 {
		snap.Avg = s.bytes / s.count
	}
	for k, v := range s.byKind {
		snap.ByKind[k] = v
	}
	return snap
}

// kinds renders ByKind as "hit=3 miss=1" in stable order.
func (ss statsSnapshot) kinds() string {
	keys := make([]string, 0, len(ss.ByKind))
	for k := range ss.ByKind {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatCount(ss.ByKind[k]))
	}
	return b.String()
}

// observe is a no-op unless stats logging is configured.
func (s *Service) observe(kind string, size int) {
	if s.stats != nil && kind != "" {
		s.stats.Observe(kind, size)
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	gen := s.assets.Current()
	pending, synced, err := s.queue.Counts()
	if err != nil {
		s.log.Warn("queue counts", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("generation", gen),
		zap.Int("cached_paths", s.assets.KeyCount(gen)),
		zap.String("ram", formatBytes(s.ram.CostAdded())),
		zap.String("disk", formatBytes(uint64(s.assets.TotalSize()))),
		zap.Int("pending", pending),
		zap.Int("synced", synced),
		zap.Bool("online", s.Online()),
		zap.Uint64("responses", ss.Responses),
		zap.String("by_kind", ss.kinds()),
		zap.String("resp_min", formatBytes(ss.Min)),
		zap.String("resp_avg", formatBytes(ss.Avg)),
		zap.String("resp_max", formatBytes(ss.Max)),
	}
	if m, ok := processMemory(); ok {
		fields = append(fields, zap.String("rss", formatBytes(m.RSS)))
		if m.Anon > 0 {
			fields = append(fields,
				zap.String("rss_anon", formatBytes(m.Anon)),
				zap.String("rss_file_clean", formatBytes(m.FileClean)),
			)
		}
	}
	s.log.Info("stats", fields...)
}

// memUsage is process memory in bytes. Zero fields were unavailable.
type memUsage struct {
	RSS       uint64
	Anon      uint64
	FileClean uint64
}
