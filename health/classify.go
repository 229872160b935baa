package health

import (
	"fmt"
	"sort"
)

// classify derives the status of s. Critical conditions are checked first;
// every condition that holds is listed in the reasons.
func classify(s Snapshot, cfg Config) (Status, []string) {
	var critical, degraded []string

	if n := len(s.Stalled); n > 0 {
		critical = append(critical, fmt.Sprintf("%d stalled task(s)", n))
	}
	if mem := s.Resources.MemoryRSS; mem.Known {
		switch {
		case mem.Value > cfg.MemoryHardBytes:
			critical = append(critical, fmt.Sprintf("memory %s above hard limit %s",
				formatBytes(mem.Value), formatBytes(cfg.MemoryHardBytes)))
		case mem.Value > cfg.MemorySoftBytes:
			degraded = append(degraded, fmt.Sprintf("memory %s above soft limit %s",
				formatBytes(mem.Value), formatBytes(cfg.MemorySoftBytes)))
		}
	}

	keys := make([]string, 0, len(s.BlockingCallsByKey))
	for k := range s.BlockingCallsByKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if n := s.BlockingCallsByKey[k]; n > cfg.ThrottleHardThreshold {
			critical = append(critical, fmt.Sprintf("key %s throttled %d times in a row", k, n))
		}
	}

	if s.FailedTasks > cfg.FailedSoftThreshold {
		degraded = append(degraded, fmt.Sprintf("%d task(s) failed in the last %s",
			s.FailedTasks, cfg.FailureWindow))
	}

	switch {
	case len(critical) > 0:
		return StatusCritical, append(critical, degraded...)
	case len(degraded) > 0:
		return StatusDegraded, degraded
	default:
		return StatusHealthy, nil
	}
}

func formatBytes(b uint64) string {
	const mib = 1 << 20
	return fmt.Sprintf("%.1fMiB", float64(b)/mib)
}
