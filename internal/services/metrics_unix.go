//go:build unix

package services

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// SampleProcess reads RSS from /proc on Linux (peak RSS elsewhere) and CPU
// time from getrusage.
func SampleProcess() (ResourceSample, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return ResourceSample{}, fmt.Errorf("getrusage: %w", err)
	}

	cpuNanos := ru.Utime.Nano() + ru.Stime.Nano()
	sample := ResourceSample{CPUMillis: float64(cpuNanos) / 1e6}

	if rss, err := residentBytes(); err == nil {
		sample.MemoryMB = float64(rss) / (1024 * 1024)
	} else {
		maxRSS := int64(ru.Maxrss)
		// Linux reports kilobytes, the BSDs and macOS bytes.
		if runtime.GOOS == "linux" {
			maxRSS *= 1024
		}
		sample.MemoryMB = float64(maxRSS) / (1024 * 1024)
	}
	return sample, nil
}

func residentBytes() (int64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format %q", string(data))
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm: %w", err)
	}
	return pages * int64(os.Getpagesize()), nil
}
