package verifyedge

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// parseBytes accepts sizes such as "512mb", "64 MiB" or "1g". An empty string
// means unlimited and yields 0.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative size %q", s)
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(v), nil
}

func formatBytes(b uint64) string {
	return humanize.IBytes(b)
}

func formatCount(n uint64) string {
	return humanize.Comma(int64(n))
}
