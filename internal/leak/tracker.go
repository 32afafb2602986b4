package leak

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Tracker observes one resource between allocation and release.
type Tracker struct {
	d        *Detector
	resource string
	level    Level
	created  string
	cleanup  runtime.Cleanup
	closed   atomic.Bool

	mu      sync.Mutex
	records []string
	dropped int
}

// Record appends an access record carrying hint. Only Advanced and Paranoid
// trackers keep records; the oldest record is discarded past the target.
func (t *Tracker) Record(hint any) {
	if t == nil || t.level < Advanced || t.closed.Load() {
		return
	}
	rec := stack(2)
	if hint != nil {
		rec = fmt.Sprintf("\tHint: %v\n%s", hint, rec)
	}
	t.mu.Lock()
	if len(t.records) >= t.d.targetRecords {
		copy(t.records, t.records[1:])
		t.records = t.records[:len(t.records)-1]
		t.dropped++
	}
	t.records = append(t.records, rec)
	t.mu.Unlock()
}

// Close stops tracking. It reports true only for the first call.
func (t *Tracker) Close() bool {
	if t == nil || !t.closed.CompareAndSwap(false, true) {
		return false
	}
	t.cleanup.Stop()
	return true
}

// Closed reports whether Close has run (or the leak already fired).
func (t *Tracker) Closed() bool {
	return t == nil || t.closed.Load()
}

// leaked runs on the runtime cleanup goroutine once the tracked object is unreachable.
func (t *Tracker) leaked() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	r := Report{
		Resource: t.resource,
		Created:  t.created,
		Records:  append([]string(nil), t.records...),
		Dropped:  t.dropped,
	}
	t.mu.Unlock()
	t.d.report(r)
}
