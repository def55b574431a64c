package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

const (
	minCacheMB = 8
	maxCacheMB = 1024
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if !strings.HasPrefix(line, "MemAvailable:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return kb / 1024, nil
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// CacheBudgetMB picks a block cache size of 1/16 of available memory,
// clamped to [8, 1024] MB. Unknown memory yields the minimum.
func CacheBudgetMB() int64 {
	avail, err := GetSystemMemory()
	if err != nil {
		return minCacheMB
	}
	return clampCache(avail / 16)
}

func clampCache(mb int64) int64 {
	switch {
	case mb < minCacheMB:
		return minCacheMB
	case mb > maxCacheMB:
		return maxCacheMB
	default:
		return mb
	}
}
