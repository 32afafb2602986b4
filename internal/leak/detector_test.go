package leak

import (
	"bytes"
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type probe struct {
	payload [64]byte
}

// trackAndDrop allocates a probe, tracks it and lets it become unreachable.
func trackAndDrop(d *Detector) *Tracker {
	p := &probe{}
	p.payload[0] = 1
	return Track(d, p, "probe")
}

// trackAndClose allocates a probe and closes its tracker before dropping it.
func trackAndClose(d *Detector) {
	p := &probe{}
	t := Track(d, p, "probe")
	t.Close()
}

func collectUntil(t *testing.T, ch <-chan Report, want int, wait time.Duration) []Report {
	t.Helper()
	var got []Report
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) && len(got) < want {
		runtime.GC()
		select {
		case r := <-ch:
			got = append(got, r)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return got
}

func TestParanoidReportsLeakOnce(t *testing.T) {
	ch := make(chan Report, 8)
	var logs bytes.Buffer
	d := New(Options{
		Level:  Paranoid,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
		OnLeak: func(r Report) { ch <- r },
	})

	tr := trackAndDrop(d)
	require.NotNil(t, tr)
	tr.Record("first read")
	tr = nil

	reports := collectUntil(t, ch, 1, 5*time.Second)
	require.Len(t, reports, 1)
	require.Equal(t, "probe", reports[0].Resource)
	require.NotEmpty(t, reports[0].Created)
	require.Len(t, reports[0].Records, 1)
	require.Contains(t, reports[0].Records[0], "first read")
	require.Contains(t, logs.String(), "LEAK")

	// No second report for the same object.
	extra := collectUntil(t, ch, 1, 200*time.Millisecond)
	require.Empty(t, extra)
	require.EqualValues(t, 1, d.Reported())
}

func TestSimpleWithFullSamplingReportsWithoutRecords(t *testing.T) {
	ch := make(chan Report, 8)
	d := New(Options{Level: Simple, SamplingInterval: 1, OnLeak: func(r Report) { ch <- r }})

	tr := trackAndDrop(d)
	require.NotNil(t, tr)
	tr.Record("ignored at simple")
	tr = nil

	reports := collectUntil(t, ch, 1, 5*time.Second)
	require.Len(t, reports, 1)
	require.Empty(t, reports[0].Created)
	require.Empty(t, reports[0].Records)
	require.Contains(t, reports[0].String(), "Enable advanced leak detection")
}

func TestClosedTrackerNeverReports(t *testing.T) {
	ch := make(chan Report, 8)
	d := New(Options{Level: Paranoid, OnLeak: func(r Report) { ch <- r }})

	for range 10 {
		trackAndClose(d)
	}
	got := collectUntil(t, ch, 1, 300*time.Millisecond)
	require.Empty(t, got)
	require.Zero(t, d.Reported())
}

func TestDisabledTracksNothing(t *testing.T) {
	d := New(Options{Level: Disabled})
	p := &probe{}
	tr := Track(d, p, "probe")
	require.Nil(t, tr)

	// nil trackers are inert
	tr.Record("x")
	require.False(t, tr.Close())
	require.True(t, tr.Closed())
}

func TestCloseOnce(t *testing.T) {
	d := New(Options{Level: Paranoid})
	p := &probe{}
	tr := Track(d, p, "probe")
	require.True(t, tr.Close())
	require.False(t, tr.Close())
	require.True(t, tr.Closed())
	runtime.KeepAlive(p)
}

func TestRecordsAreBounded(t *testing.T) {
	d := New(Options{Level: Paranoid, TargetRecords: 2})
	p := &probe{}
	tr := Track(d, p, "probe")
	for i := range 5 {
		tr.Record(i)
	}
	tr.mu.Lock()
	require.Len(t, tr.records, 2)
	require.Equal(t, 3, tr.dropped)
	require.True(t, strings.Contains(tr.records[1], "Hint: 4"))
	tr.mu.Unlock()
	tr.Close()
	runtime.KeepAlive(p)
}

func TestListenerPanicIsContained(t *testing.T) {
	d := New(Options{Level: Paranoid, OnLeak: func(Report) { panic("boom") }})
	require.NotPanics(t, func() { d.report(Report{Resource: "probe"}) })
	require.EqualValues(t, 1, d.Reported())
}

func TestSamplingInterval(t *testing.T) {
	d := New(Options{Level: Simple, SamplingInterval: 1 << 30})
	tracked := 0
	keep := make([]*probe, 0, 100)
	for range 100 {
		p := &probe{}
		keep = append(keep, p)
		if tr := Track(d, p, "probe"); tr != nil {
			tracked++
			tr.Close()
		}
	}
	require.Less(t, tracked, 3)
	runtime.KeepAlive(keep)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"disabled": Disabled,
		"SIMPLE":   Simple,
		"Advanced": Advanced,
		"paranoid": Paranoid,
		"3":        Paranoid,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
		if in == strings.ToLower(in) && in != "3" {
			require.Equal(t, in, got.String())
		}
	}
	_, err := ParseLevel("loud")
	require.ErrorIs(t, err, ErrUnknownLevel)
}
