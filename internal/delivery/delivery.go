// Package delivery owns the retention-bounded log buffer and the fan-out of
// entries to open reader data channels. It is the sole owner of the buffer;
// nothing outside this package mutates it.
package delivery

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/puzed/openpull-node/internal/connstring"
	"github.com/puzed/openpull-node/internal/entry"
	"github.com/puzed/openpull-node/internal/obslog"
	"github.com/puzed/openpull-node/internal/rtc"
)

// Retention is the fixed window (§4.5): entries older than this are evicted
// on every insert and every read.
const Retention = 60 * time.Second

// Delivery buffers recently submitted entries and broadcasts them to every
// open reader channel. The buffer itself is private; callers only see it
// through Snapshot.
type Delivery struct {
	mu   sync.Mutex
	buf  []entry.BufferedEntry
	rtcm *rtc.Manager
	now  func() time.Time
}

// New returns a Delivery that broadcasts through rtcm's open connections.
// rtcm.OnOpen is wired to replay the current snapshot to the newly opened
// channel.
func New(rtcm *rtc.Manager) *Delivery {
	d := &Delivery{
		rtcm: rtcm,
		now:  time.Now,
	}
	rtcm.OnOpen = d.onConnectionOpen
	return d
}

// Submit appends e to the retention buffer unconditionally and broadcasts it
// to every open reader channel. Safe for concurrent use.
func (d *Delivery) Submit(e entry.LogEntry) {
	d.mu.Lock()
	d.buf = append(d.buf, entry.BufferedEntry{Entry: e, EnqueuedAt: d.now()})
	d.purgeLocked()
	size := len(d.buf)
	d.mu.Unlock()

	obslog.Debug("delivery: entry buffered", "bufferSize", humanize.Comma(int64(size)))
	d.broadcast(e)
}

// Snapshot returns a non-destructive copy of the current buffer, in enqueue
// order, after purging anything past the retention window.
func (d *Delivery) Snapshot() []entry.LogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked()

	out := make([]entry.LogEntry, len(d.buf))
	for i, b := range d.buf {
		out[i] = b.Entry
	}
	return out
}

// purgeLocked trims every entry older than Retention from the front of the
// buffer. Callers must hold d.mu. Enqueue order equals arrival order, so
// eviction is a prefix trim.
func (d *Delivery) purgeLocked() {
	now := d.now()
	cut := 0
	for cut < len(d.buf) && now.Sub(d.buf[cut].EnqueuedAt) >= Retention {
		cut++
	}
	if cut == 0 {
		return
	}
	if cut == len(d.buf) {
		oldest := d.buf[0].EnqueuedAt
		obslog.Debug("delivery: buffer fully evicted", "oldestAge", humanize.Time(oldest))
	}
	d.buf = append(d.buf[:0:0], d.buf[cut:]...)
}

// broadcast serializes e once and sends it to every currently open reader
// connection. A per-channel send failure is logged and does not affect the
// connection's lifecycle; teardown is driven only by signaling/state
// transitions.
func (d *Delivery) broadcast(e entry.LogEntry) {
	conns := d.rtcm.Connections()
	if len(conns) == 0 {
		return
	}

	data, err := e.MarshalJSON()
	if err != nil {
		obslog.Warn("delivery: marshal entry failed", "error", err)
		return
	}

	for _, c := range conns {
		if c.Role != connstring.RoleReader || c.State() != rtc.StateOpen {
			continue
		}
		dc := c.DataChannel()
		if dc == nil {
			continue
		}
		if err := dc.Send(data); err != nil {
			obslog.Warn("delivery: send failed", "peer", c.PeerID, "error", err)
		}
	}
}

// onConnectionOpen replays the current buffer snapshot to peerID's data
// channel. Wired to rtc.Manager.OnOpen, which fires for any opened channel
// regardless of role; the replay is sent only when the peer's role is
// reader, the same filter broadcast applies, so a non-reader peer receives
// nothing.
func (d *Delivery) onConnectionOpen(peerID string) {
	var conn *rtc.Connection
	for _, c := range d.rtcm.Connections() {
		if c.PeerID == peerID {
			conn = c
			break
		}
	}
	if conn == nil || conn.Role != connstring.RoleReader {
		return
	}
	dc := conn.DataChannel()
	if dc == nil {
		return
	}

	snapshot := d.Snapshot()
	for _, e := range snapshot {
		data, err := e.MarshalJSON()
		if err != nil {
			continue
		}
		if err := dc.Send(data); err != nil {
			obslog.Warn("delivery: replay send failed", "peer", peerID, "error", err)
			return
		}
	}
}
