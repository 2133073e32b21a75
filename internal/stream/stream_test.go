package stream

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/puzed/openpull-node/internal/entry"
)

type collector struct {
	mu      sync.Mutex
	entries []entry.LogEntry
}

func (c *collector) submit(e entry.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *collector) snapshot() []entry.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entry.LogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestForwardStreamsDefaultSeverities(t *testing.T) {
	c := &collector{}
	ic := New(c.submit)

	stdout := strings.NewReader("hello\nworld\n")
	stderr := strings.NewReader("bang\n")
	ic.ForwardStreams(stdout, stderr)

	waitFor(t, func() bool { return len(c.snapshot()) == 3 })

	var infoCount, errorCount int
	for _, e := range c.snapshot() {
		switch e.Type {
		case entry.SeverityInfo:
			infoCount++
		case entry.SeverityError:
			errorCount++
		}
	}
	if infoCount != 2 || errorCount != 1 {
		t.Errorf("infoCount=%d errorCount=%d, want 2,1", infoCount, errorCount)
	}
}

func TestForwardStreamsSkipsLoopGuardMarkers(t *testing.T) {
	c := &collector{}
	ic := New(c.submit)

	stdout := strings.NewReader("normal line\n[OpenPull diagnostic\nDEBUG: chatter\nanother\n")
	ic.ForwardStreams(stdout, nil)

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })

	for _, e := range c.snapshot() {
		if strings.Contains(e.Message, markerOpenPull) || strings.Contains(e.Message, markerDebug) {
			t.Errorf("marker line leaked through: %+v", e)
		}
	}
}

func TestForwardMirrorsWritesUnchanged(t *testing.T) {
	c := &collector{}
	ic := New(c.submit)

	var underlying bytes.Buffer
	tee, _, cleanup := ic.Forward(&underlying, nil)
	defer cleanup()

	tee.Write([]byte("line one\nline two\n"))

	if underlying.String() != "line one\nline two\n" {
		t.Errorf("underlying = %q, want unchanged mirror", underlying.String())
	}
	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
}

func TestForwardFlushesPartialLineOnCleanup(t *testing.T) {
	c := &collector{}
	ic := New(c.submit)

	var underlying bytes.Buffer
	tee, _, cleanup := ic.Forward(&underlying, nil)

	tee.Write([]byte("no trailing newline"))
	if len(c.snapshot()) != 0 {
		t.Fatalf("partial line submitted before flush: %v", c.snapshot())
	}

	cleanup()
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
	if c.snapshot()[0].Message != "no trailing newline" {
		t.Errorf("flushed message = %q", c.snapshot()[0].Message)
	}
}

// TestRecursionGuardDropsReentrantSubmit covers invariant 8: a submission
// triggered from inside another submission on the same Interceptor is
// dropped, not queued or re-entered.
func TestRecursionGuardDropsReentrantSubmit(t *testing.T) {
	var ic *Interceptor
	var reentrantCount int
	var calls int

	ic = New(func(e entry.LogEntry) {
		calls++
		if calls == 1 {
			// Attempt a nested submission while the first is in flight.
			ic.processLine("nested", entry.SeverityInfo)
			reentrantCount = calls
			_ = reentrantCount
		}
	})

	ic.processLine("outer", entry.SeverityInfo)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (reentrant submit must be dropped)", calls)
	}
}
