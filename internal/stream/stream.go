// Package stream taps child-process and host-process output streams,
// line-splits and parses them via the entry package, and submits the
// results through a caller-supplied Submitter — typically delivery.Submit.
//
// There is no global writer patching here: Forward hands back typed tee
// writers the caller substitutes in place of its own stdout/stderr, and
// ForwardStreams simply reads from whatever readers the caller owns.
package stream

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/puzed/openpull-node/internal/entry"
)

const (
	markerOpenPull = "[OpenPull"
	markerDebug    = "DEBUG:"
)

// Submitter receives one parsed entry at a time.
type Submitter func(entry.LogEntry)

// Interceptor holds the recursion guard for one Manager's worth of stream
// taps. The guard is per-Interceptor, not process-wide: a submission in
// progress on one Interceptor never blocks an unrelated one.
type Interceptor struct {
	submit Submitter

	mu         sync.Mutex
	submitting bool
}

// New returns an Interceptor that forwards parsed entries to submit.
func New(submit Submitter) *Interceptor {
	return &Interceptor{submit: submit}
}

// guardedSubmit drops the entry if a submission is already in flight on
// this Interceptor — this is what stops the delivery layer's own
// diagnostic output, if it were looped back through a tap, from
// re-triggering itself.
func (ic *Interceptor) guardedSubmit(e entry.LogEntry) {
	ic.mu.Lock()
	if ic.submitting {
		ic.mu.Unlock()
		return
	}
	ic.submitting = true
	ic.mu.Unlock()

	defer func() {
		ic.mu.Lock()
		ic.submitting = false
		ic.mu.Unlock()
	}()

	ic.submit(e)
}

func shouldSkip(line string) bool {
	return strings.Contains(line, markerOpenPull) || strings.Contains(line, markerDebug)
}

func (ic *Interceptor) processLine(line string, defaultSeverity entry.Severity) {
	if shouldSkip(line) {
		return
	}
	e := entry.ParseLine(line, defaultSeverity)
	if e.Message == "" {
		return
	}
	ic.guardedSubmit(e)
}

// ForwardStreams attaches to a child process's stdout/stderr, line-splitting
// each and submitting with default severity info (stdout) or error
// (stderr). Each stream is read on its own goroutine; ForwardStreams
// returns immediately, matching the source's subscribe-and-return shape.
func (ic *Interceptor) ForwardStreams(stdout, stderr io.Reader) {
	if stdout != nil {
		go ic.scan(stdout, entry.SeverityInfo)
	}
	if stderr != nil {
		go ic.scan(stderr, entry.SeverityError)
	}
}

func (ic *Interceptor) scan(r io.Reader, defaultSeverity entry.Severity) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ic.processLine(scanner.Text(), defaultSeverity)
	}
}

// teeWriter mirrors every write to the underlying writer unchanged, then
// line-splits the written bytes and submits each complete line as it
// accumulates.
type teeWriter struct {
	ic              *Interceptor
	underlying      io.Writer
	defaultSeverity entry.Severity

	mu  sync.Mutex
	buf []byte
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.underlying.Write(p)

	w.mu.Lock()
	w.buf = append(w.buf, p...)
	for {
		idx := indexNewline(w.buf)
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.mu.Unlock()
		w.ic.processLine(line, w.defaultSeverity)
		w.mu.Lock()
	}
	w.mu.Unlock()

	return n, err
}

// flush submits any buffered partial line — the tail of a write that never
// saw a trailing newline — so it isn't silently lost when the tap is torn
// down.
func (w *teeWriter) flush() {
	w.mu.Lock()
	rest := string(w.buf)
	w.buf = nil
	w.mu.Unlock()
	if strings.TrimSpace(rest) != "" {
		w.ic.processLine(rest, w.defaultSeverity)
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// Forward wraps stdout/stderr in tee writers: the host's output still
// reaches its original destination, and every line is additionally parsed
// and submitted. The returned cleanup func flushes any trailing partial
// line on each tap; callers restore their own writer variables since
// nothing global was patched.
func (ic *Interceptor) Forward(stdout, stderr io.Writer) (io.Writer, io.Writer, func()) {
	var outW, errW io.Writer = stdout, stderr
	var tw, ew *teeWriter

	if stdout != nil {
		tw = &teeWriter{ic: ic, underlying: stdout, defaultSeverity: entry.SeverityInfo}
		outW = tw
	}
	if stderr != nil {
		ew = &teeWriter{ic: ic, underlying: stderr, defaultSeverity: entry.SeverityError}
		errW = ew
	}

	cleanup := func() {
		if tw != nil {
			tw.flush()
		}
		if ew != nil {
			ew.flush()
		}
	}
	return outW, errW, cleanup
}
