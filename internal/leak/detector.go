// Package leak reports buffers that were garbage-collected without being released.
//
// Detection is a sampling diagnostic built on runtime.AddCleanup. It never affects
// allocator correctness: a tracker that fires only logs a report (the leaked memory
// is not reclaimed), and a tracker that is closed normally costs one atomic swap.
// Releasing buffers on every exit path (defer buf.Release()) is the actual safety
// mechanism; this package exists to find the places where that was forgotten.
package leak

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	// DefaultSamplingInterval tracks one in this many buffers at Simple/Advanced.
	DefaultSamplingInterval = 128

	// DefaultTargetRecords bounds the access records kept per tracker.
	DefaultTargetRecords = 4

	maxStackDepth = 16
)

// Report describes one leaked resource.
type Report struct {
	Resource string   // kind of leaked object, e.g. "pooled heap buffer"
	Created  string   // allocation stack; empty at Simple
	Records  []string // most recent access records, oldest first
	Dropped  int      // records discarded to honour the target
}

// String renders the report in a multi-line, human-readable form.
func (r Report) String() string {
	var sb strings.Builder
	sb.WriteString("LEAK: ")
	sb.WriteString(r.Resource)
	sb.WriteString(" was garbage-collected before Release() was called.")
	if r.Created == "" && len(r.Records) == 0 {
		sb.WriteString(" Enable advanced leak detection to see where it was allocated.")
		return sb.String()
	}
	for i := len(r.Records) - 1; i >= 0; i-- {
		sb.WriteString("\nRecent access #")
		sb.WriteString(strconv.Itoa(len(r.Records) - i))
		sb.WriteString(":\n")
		sb.WriteString(r.Records[i])
	}
	if r.Created != "" {
		sb.WriteString("\nCreated at:\n")
		sb.WriteString(r.Created)
	}
	if r.Dropped > 0 {
		sb.WriteString("\n")
		sb.WriteString(strconv.Itoa(r.Dropped))
		sb.WriteString(" leak records were discarded.")
	}
	return sb.String()
}

// Options configures a Detector.
type Options struct {
	Level            Level
	SamplingInterval int // 0 means DefaultSamplingInterval
	TargetRecords    int // 0 means DefaultTargetRecords
	Logger           *slog.Logger
	OnLeak           func(Report) // optional listener, called after logging
}

// Detector creates trackers and emits reports.
type Detector struct {
	level            atomic.Int32
	samplingInterval int
	targetRecords    int
	logger           *slog.Logger
	onLeak           func(Report)
	reported         atomic.Int64
}

// New returns a detector configured by opts.
func New(opts Options) *Detector {
	d := &Detector{
		samplingInterval: opts.SamplingInterval,
		targetRecords:    opts.TargetRecords,
		logger:           opts.Logger,
		onLeak:           opts.OnLeak,
	}
	if d.samplingInterval <= 0 {
		d.samplingInterval = DefaultSamplingInterval
	}
	if d.targetRecords <= 0 {
		d.targetRecords = DefaultTargetRecords
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d.level.Store(int32(opts.Level))
	return d
}

// Level returns the active detection level.
func (d *Detector) Level() Level { return Level(d.level.Load()) }

// SetLevel changes the level for trackers created from now on.
func (d *Detector) SetLevel(l Level) { d.level.Store(int32(l)) }

// Reported returns the number of leak reports emitted so far.
func (d *Detector) Reported() int64 { return d.reported.Load() }

func (d *Detector) sampled(l Level) bool {
	if l >= Paranoid || d.samplingInterval <= 1 {
		return true
	}
	return rand.IntN(d.samplingInterval) == 0
}

// Track starts observing obj. It returns nil when the level is Disabled or obj was
// not sampled; every Tracker method accepts a nil receiver. The tracker must not
// hold a reference to obj, otherwise obj would never become unreachable.
func Track[T any](d *Detector, obj *T, resource string) *Tracker {
	if d == nil {
		return nil
	}
	l := d.Level()
	if l == Disabled || !d.sampled(l) {
		return nil
	}
	t := &Tracker{d: d, resource: resource, level: l}
	if l >= Advanced {
		t.created = stack(3)
	}
	t.cleanup = runtime.AddCleanup(obj, (*Tracker).leaked, t)
	return t
}

func (d *Detector) report(r Report) {
	d.reported.Add(1)
	d.logger.Error("LEAK: buffer was garbage-collected before Release() was called",
		slog.String("resource", r.Resource),
		slog.Int("records", len(r.Records)),
		slog.Int("dropped", r.Dropped),
		slog.String("detail", r.String()))
	if d.onLeak != nil {
		func() {
			// Listener faults must not escape onto the cleanup goroutine.
			defer func() { _ = recover() }()
			d.onLeak(r)
		}()
	}
}

func stack(skip int) string {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			sb.WriteString("\t")
			sb.WriteString(f.Function)
			sb.WriteString("\n\t\t")
			sb.WriteString(f.File)
			sb.WriteString(":")
			sb.WriteString(strconv.Itoa(f.Line))
			sb.WriteString("\n")
		}
		if !more {
			break
		}
	}
	return sb.String()
}
