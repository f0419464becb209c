package sandboxrt

import (
	"context"
	"runtime"
	"time"
)

// ResourceLimiter samples elapsed wall time and heap growth while a step
// runs and enforces a breach as cooperative cancellation first, then a hard
// kill after a grace period (spec §4.4, §5: "cooperative first ... then
// hard ... after a grace period").
type ResourceLimiter struct {
	maxWallTime  time.Duration
	maxHeapBytes uint64
	graceTime    time.Duration
}

// NewResourceLimiter builds a ResourceLimiter from a step's resource limits.
// A zero maxHeapBytes disables the heap check.
func NewResourceLimiter(maxWallTime time.Duration, maxHeapBytes uint64, grace time.Duration) *ResourceLimiter {
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	return &ResourceLimiter{maxWallTime: maxWallTime, maxHeapBytes: maxHeapBytes, graceTime: grace}
}

// Watch runs until ctx is done or a breach occurs, invoking onCooperative
// once when a limit is first crossed and onHard if the watched operation
// hasn't stopped graceTime later. It returns when ctx is Done, so callers
// should run it in its own goroutine alongside the bounded operation.
func (r *ResourceLimiter) Watch(ctx context.Context, onCooperative, onHard func()) {
	start := time.Now()
	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var breached bool
	var breachedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if breached {
				if time.Since(breachedAt) >= r.graceTime {
					onHard()
					return
				}
				continue
			}
			if r.maxWallTime > 0 && time.Since(start) >= r.maxWallTime {
				breached, breachedAt = true, time.Now()
				onCooperative()
				continue
			}
			if r.maxHeapBytes > 0 {
				var cur runtime.MemStats
				runtime.ReadMemStats(&cur)
				if cur.HeapAlloc > baseline.HeapAlloc && cur.HeapAlloc-baseline.HeapAlloc >= r.maxHeapBytes {
					breached, breachedAt = true, time.Now()
					onCooperative()
				}
			}
		}
	}
}
