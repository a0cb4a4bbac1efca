package observability

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUSampler reports advisory-only CPU utilization for the /metrics
// endpoint. It prefers cgroup v2/v1 CPU accounting when running in a
// container and falls back to gopsutil's host-wide sampling otherwise.
// Grounded on the teacher's cgroup.go memory-limit detection and
// internal/single/platform's ContainerCPU, narrowed from a connection-limit
// input into a pure observability signal: per spec.md's ambient-stack rule
// it never gates connection acceptance or publishing.
type CPUSampler struct {
	mu           sync.Mutex
	cgroupCPUMax string // "" if not running under a detectable cgroup
	lastUsageUs  uint64
	lastSampleAt time.Time
	log          zerolog.Logger
}

// NewCPUSampler probes for cgroup v2/v1 CPU accounting files.
func NewCPUSampler(log zerolog.Logger) *CPUSampler {
	s := &CPUSampler{log: log, lastSampleAt: time.Now()}
	if _, err := os.Stat("/sys/fs/cgroup/cpu.stat"); err == nil {
		s.cgroupCPUMax = "v2"
	} else if _, err := os.Stat("/sys/fs/cgroup/cpuacct/cpuacct.usage"); err == nil {
		s.cgroupCPUMax = "v1"
	}
	return s
}

// Sample returns the current CPU usage percentage (0-100).
func (s *CPUSampler) Sample() float64 {
	switch s.cgroupCPUMax {
	case "v2":
		if pct, ok := s.sampleCgroupV2(); ok {
			return pct
		}
	case "v1":
		if pct, ok := s.sampleCgroupV1(); ok {
			return pct
		}
	}
	return s.sampleGopsutil()
}

func (s *CPUSampler) sampleCgroupV2() (float64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/cpu.stat")
	if err != nil {
		return 0, false
	}
	var usageUs uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				usageUs = v
			}
		}
	}
	return s.deltaPercent(usageUs)
}

func (s *CPUSampler) sampleCgroupV1() (float64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/cpuacct/cpuacct.usage")
	if err != nil {
		return 0, false
	}
	nanos, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return s.deltaPercent(nanos / 1000)
}

func (s *CPUSampler) deltaPercent(usageUs uint64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastSampleAt).Microseconds()
	if s.lastUsageUs == 0 || elapsed <= 0 {
		s.lastUsageUs = usageUs
		s.lastSampleAt = now
		return 0, true
	}
	deltaUsage := float64(usageUs - s.lastUsageUs)
	pct := (deltaUsage / float64(elapsed)) * 100
	s.lastUsageUs = usageUs
	s.lastSampleAt = now
	if pct < 0 {
		return 0, true
	}
	return pct, true
}

func (s *CPUSampler) sampleGopsutil() float64 {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		s.log.Debug().Err(err).Msg("cpu sampler: gopsutil fallback failed")
		return 0
	}
	return percentages[0]
}
