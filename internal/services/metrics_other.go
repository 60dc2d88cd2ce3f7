//go:build !unix

package services

import (
	"runtime"
	"time"
)

var processStart = time.Now()

// SampleProcess falls back to Go runtime statistics where getrusage is
// unavailable. CPU is approximated by wall time since start.
func SampleProcess() (ResourceSample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceSample{
		MemoryMB:  float64(ms.Sys) / (1024 * 1024),
		CPUMillis: float64(time.Since(processStart).Milliseconds()),
	}, nil
}
