package metrics

import (
	"runtime"
	"time"
)

// CollectRuntime starts a background sampler that exports Go runtime
// stats as gauges under the given prefix. It never stops; call it once
// per process.
func (r *Registry) CollectRuntime(prefix string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	goroutines := r.Gauge(prefix+"_goroutines", "Number of goroutines")
	heapAlloc := r.Gauge(prefix+"_heap_alloc_bytes", "Bytes of allocated heap objects")
	heapObjects := r.Gauge(prefix+"_heap_objects", "Number of allocated heap objects")
	gcRuns := r.Gauge(prefix+"_gc_runs_total", "Completed GC cycles")
	pauseTotal := r.Gauge(prefix+"_gc_pause_total_ns", "Cumulative GC pause time")

	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(int64(runtime.NumGoroutine()))
		heapAlloc.Set(int64(ms.HeapAlloc))
		heapObjects.Set(int64(ms.HeapObjects))
		gcRuns.Set(int64(ms.NumGC))
		pauseTotal.Set(int64(ms.PauseTotalNs))
	}

	sample()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			sample()
		}
	}()
}
