package verifyedge

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger emits at most one warning per interval and counts what it
// swallowed in between.
type rateLimitedLogger struct {
	log *zap.Logger

	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	l.log.Warn(msg, fields...)
}
