// Package resource models compute-resource requests and the deterministic
// adjustment policy applied when a task instance fails on a resource limit.
package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ComputeResources is one resource request as submitted to a scheduler queue.
// Memory is held in bytes and runtime in seconds so that scaling arithmetic
// is unit-free.
type ComputeResources struct {
	MemoryBytes    int64  `json:"memory_bytes"`
	RuntimeSeconds int64  `json:"runtime_seconds"`
	Cores          int    `json:"cores"`
	Queue          string `json:"queue"`
}

// QueueLimits bounds what a scheduler queue accepts. A zero limit means the
// dimension is unbounded on that queue.
type QueueLimits struct {
	Name              string `json:"name"`
	MaxMemoryBytes    int64  `json:"max_memory_bytes"`
	MaxRuntimeSeconds int64  `json:"max_runtime_seconds"`
	MaxCores          int    `json:"max_cores"`
}

// Fits reports whether the request is admissible on the queue.
func (q QueueLimits) Fits(r ComputeResources) bool {
	if q.MaxMemoryBytes > 0 && r.MemoryBytes > q.MaxMemoryBytes {
		return false
	}
	if q.MaxRuntimeSeconds > 0 && r.RuntimeSeconds > q.MaxRuntimeSeconds {
		return false
	}
	if q.MaxCores > 0 && r.Cores > q.MaxCores {
		return false
	}
	return true
}

// Clamp caps the request at the queue limits without changing the queue name.
func (q QueueLimits) Clamp(r ComputeResources) ComputeResources {
	if q.MaxMemoryBytes > 0 && r.MemoryBytes > q.MaxMemoryBytes {
		r.MemoryBytes = q.MaxMemoryBytes
	}
	if q.MaxRuntimeSeconds > 0 && r.RuntimeSeconds > q.MaxRuntimeSeconds {
		r.RuntimeSeconds = q.MaxRuntimeSeconds
	}
	if q.MaxCores > 0 && r.Cores > q.MaxCores {
		r.Cores = q.MaxCores
	}
	return r
}

// ParseMemory converts a user-supplied memory string into bytes. Accepted
// forms: bare integers (gibibytes, the scheduler convention), "4G", "4GB",
// "4GiB", "512M", "512MiB", "1T". Single-letter and two-letter SI suffixes
// are read as their binary counterparts: users writing "4G" on an HPC
// cluster mean 4GiB, and treating both spellings identically keeps the
// retry ladder reproducible regardless of spelling.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory specification")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n * humanize.GiByte, nil
	}

	normalized := normalizeMemorySuffix(s)
	bytes, err := humanize.ParseBytes(normalized)
	if err != nil {
		return 0, fmt.Errorf("unparseable memory specification %q: %w", s, err)
	}
	return int64(bytes), nil
}

// normalizeMemorySuffix rewrites decimal suffixes to binary ones so "4G",
// "4GB" and "4GiB" all parse to the same byte count.
func normalizeMemorySuffix(s string) string {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, unit := range []string{"K", "M", "G", "T", "P"} {
		if strings.HasSuffix(upper, unit+"B") && !strings.HasSuffix(upper, "IB") {
			return strings.TrimSuffix(upper, unit+"B") + unit + "iB"
		}
		if strings.HasSuffix(upper, unit) {
			return strings.TrimSuffix(upper, unit) + unit + "iB"
		}
	}
	return s
}

// FormatMemory renders bytes back into the binary form used in logs and
// API responses.
func FormatMemory(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
