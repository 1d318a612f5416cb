package verifyedge

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger at the given level
// ("debug", "info", "warn", "error"; empty means info).
func NewLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
