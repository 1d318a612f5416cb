//go:build linux

package verifyedge

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processMemory reads resident memory from /proc. ok is false when /proc is
// unavailable or unparsable.
func processMemory() (m memUsage, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return memUsage{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return memUsage{}, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return memUsage{}, false
	}
	m.RSS = pages * uint64(os.Getpagesize())

	// smaps_rollup splits RSS into anonymous (heap, ristretto) and file-backed
	// (leveldb mmaps) pages. Older kernels lack it; RSS alone is still useful.
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return m, true
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		fs := strings.Fields(rest)
		if len(fs) == 0 {
			continue
		}
		kb, err := strconv.ParseUint(fs[0], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Anonymous":
			m.Anon = kb * 1024
		case "Shared_Clean", "Private_Clean":
			m.FileClean += kb * 1024
		}
	}
	return m, true
}
