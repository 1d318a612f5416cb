package verifyedge

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultCacheVersion = "academia-validator-v1.0"
	defaultOfflinePage  = "/offline.html"
	defaultVerifyPath   = "/api/verify"
	defaultVerifyField  = "certificate"
	defaultMaxUpload    = "16mb"

	// SyncTagVerifications is the background sync tag that triggers a drain.
	SyncTagVerifications = "background-sync-verifications"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"VERIFYEDGE_PORT"`
		Origin string `yaml:"origin" env:"VERIFYEDGE_ORIGIN"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path" env:"VERIFYEDGE_STORAGE_PATH"`
		RAM  struct {
			Max string `yaml:"max" env:"VERIFYEDGE_RAM_MAX"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max" env:"VERIFYEDGE_DISK_MAX"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Cache struct {
		Version     string   `yaml:"version" env:"VERIFYEDGE_CACHE_VERSION"`
		Precache    []string `yaml:"precache" env:"VERIFYEDGE_PRECACHE" envSeparator:","`
		OfflinePage string   `yaml:"offlinePage" env:"VERIFYEDGE_OFFLINE_PAGE"`
		// ManualActivation keeps a freshly installed generation waiting until
		// a SKIP_WAITING message arrives.
		ManualActivation bool     `yaml:"manualActivation" env:"VERIFYEDGE_MANUAL_ACTIVATION"`
		RequireInstall   bool     `yaml:"requireInstall" env:"VERIFYEDGE_REQUIRE_INSTALL"`
		Sitemaps         []string `yaml:"sitemaps" env:"VERIFYEDGE_SITEMAPS" envSeparator:","`
	} `yaml:"cache"`

	Verify struct {
		Path      string `yaml:"path" env:"VERIFYEDGE_VERIFY_PATH"`
		Field     string `yaml:"field" env:"VERIFYEDGE_VERIFY_FIELD"`
		MaxUpload string `yaml:"maxUpload" env:"VERIFYEDGE_MAX_UPLOAD"`
	} `yaml:"verify"`

	Queue struct {
		SyncedRetention string `yaml:"syncedRetention" env:"VERIFYEDGE_SYNCED_RETENTION"`
	} `yaml:"queue"`

	Sync struct {
		Periodic   string `yaml:"periodic" env:"VERIFYEDGE_SYNC_PERIODIC"`
		ProbePath  string `yaml:"probePath" env:"VERIFYEDGE_PROBE_PATH"`
		ProbeEvery string `yaml:"probeEvery" env:"VERIFYEDGE_PROBE_EVERY"`
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level" env:"VERIFYEDGE_LOG_LEVEL"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"VERIFYEDGE_LOG_STATS_EVERY"`
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`

	// compiled
	ramMaxBytes        int64
	diskMaxBytes       int64
	maxUploadBytes     int64
	syncedRetentionDur time.Duration
	periodicDur        time.Duration
	probeEveryDur      time.Duration
	logStatsEveryDur   time.Duration
}

type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// LoadConfig reads the YAML file at path, applies VERIFYEDGE_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	var err error
	if cfg.ramMaxBytes, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMaxBytes, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = defaultCacheVersion
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = defaultOfflinePage
	}
	if !strings.HasPrefix(cfg.Cache.OfflinePage, "/") {
		return fmt.Errorf("cache.offlinePage must start with /, got %q", cfg.Cache.OfflinePage)
	}
	cfg.Cache.Precache = normalizePrecache(cfg.Cache.Precache, cfg.Cache.OfflinePage)

	if cfg.Verify.Path == "" {
		cfg.Verify.Path = defaultVerifyPath
	}
	if !strings.HasPrefix(cfg.Verify.Path, "/") {
		return fmt.Errorf("verify.path must start with /, got %q", cfg.Verify.Path)
	}
	if cfg.Verify.Field == "" {
		cfg.Verify.Field = defaultVerifyField
	}
	if cfg.Verify.MaxUpload == "" {
		cfg.Verify.MaxUpload = defaultMaxUpload
	}
	if cfg.maxUploadBytes, err = parseBytes(cfg.Verify.MaxUpload); err != nil {
		return fmt.Errorf("verify.maxUpload: %w", err)
	}
	if cfg.maxUploadBytes == 0 {
		return fmt.Errorf("verify.maxUpload: must be greater than zero")
	}

	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"queue.syncedRetention", cfg.Queue.SyncedRetention, &cfg.syncedRetentionDur},
		{"sync.periodic", cfg.Sync.Periodic, &cfg.periodicDur},
		{"sync.probeEvery", cfg.Sync.ProbeEvery, &cfg.probeEveryDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return nil
}

// normalizePrecache trims, dedups and guarantees the offline page is part of
// every generation.
func normalizePrecache(list []string, offlinePage string) []string {
	seen := make(map[string]struct{}, len(list)+1)
	out := make([]string, 0, len(list)+1)
	for _, p := range list {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if _, ok := seen[offlinePage]; !ok {
		out = append(out, offlinePage)
	}
	return out
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
