// Package telemetry collects a small host snapshot for roles that opt
// into the basic telemetry prompt block.
package telemetry

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Snapshot is one point-in-time reading. RAM fields are nil on
// platforms without /proc/meminfo.
type Snapshot struct {
	TS         float64 `json:"ts"`
	PID        int     `json:"pid"`
	Platform   string  `json:"platform"`
	Go         string  `json:"go"`
	RAMTotalMB *int64  `json:"ram_total_mb"`
	RAMAvailMB *int64  `json:"ram_avail_mb"`
}

const meminfoPath = "/proc/meminfo"

// Collect takes a snapshot of the current process and host.
func Collect() Snapshot {
	snap := Snapshot{
		TS:       float64(time.Now().UnixNano()) / 1e9,
		PID:      os.Getpid(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Go:       runtime.Version(),
	}
	if runtime.GOOS == "linux" {
		snap.RAMTotalMB, snap.RAMAvailMB = readMeminfoMB(meminfoPath)
	}
	return snap
}

// readMeminfoMB pulls MemTotal and MemAvailable out of a
// /proc/meminfo-style file. Unreadable files or missing lines leave the
// corresponding value nil.
func readMeminfoMB(path string) (total, avail *int64) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}
	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = meminfoLineMB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			avail = meminfoLineMB(line)
		}
		if total != nil && avail != nil {
			break
		}
	}
	return total, avail
}

func meminfoLineMB(line string) *int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil
	}
	mb := kb / 1024
	return &mb
}

// RenderBlock formats the snapshot as the prompt block inserted for
// roles with basic telemetry enabled.
func (s Snapshot) RenderBlock() string {
	lines := []string{
		"=== TELEMETRY (basic) ===",
		"ts: " + strconv.FormatFloat(s.TS, 'f', -1, 64),
		fmt.Sprintf("pid: %d", s.PID),
		"platform: " + s.Platform,
		"go: " + s.Go,
		"ram_total_mb: " + renderMB(s.RAMTotalMB),
		"ram_avail_mb: " + renderMB(s.RAMAvailMB),
		"=== END TELEMETRY ===",
	}
	return strings.Join(lines, "\n")
}

func renderMB(v *int64) string {
	if v == nil {
		return "unknown"
	}
	return strconv.FormatInt(*v, 10)
}
