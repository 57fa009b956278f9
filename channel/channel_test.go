package channel

import (
	"sync"
	"testing"

	"github.com/orlink/chanproto/cell"
)

// testCell returns an arbitrary non-padding fixed cell for use in tests
// that only care whether a write made it to the transport.
func testCell(t *testing.T, ch *Channel) cell.Cell {
	t.Helper()
	return cell.NewFixedCell(ch.NextCircID(), cell.CmdCreate)
}

// fixedRng hands out a deterministic circID seed so tests are reproducible.
type fixedRng struct{ v uint32 }

func (r fixedRng) Uint15() (uint32, error) { return r.v & 0x7FFF, nil }

// fakeClock lets tests control timestamp_last_added_nonpadding precisely.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = v
}

// fakeTransport is an in-memory Transport recording every cell it is
// asked to write, optionally failing writes on demand.
type fakeTransport struct {
	mu       sync.Mutex
	written  []cell.Cell
	closed   bool
	freed    bool
	failNext bool
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) WriteCell(c cell.Cell) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext {
		t.failNext = false
		return errTransportFailure
	}
	cp := make(cell.Cell, len(c))
	copy(cp, c)
	t.written = append(t.written, cp)
	return nil
}

func (t *fakeTransport) WriteVarCell(c cell.Cell) error {
	return t.WriteCell(c)
}

func (t *fakeTransport) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freed = true
}

func (t *fakeTransport) Written() []cell.Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]cell.Cell, len(t.written))
	copy(out, t.written)
	return out
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errTransportFailure = fakeErr("simulated transport write failure")

// fakeCircuits records every call made to it, for assertions in tests that
// exercise open-time actions and close-time teardown.
type fakeCircuits struct {
	mu             sync.Mutex
	unlinked       []int
	doneOK         []bool
	notifiedOpen   int
}

func (f *fakeCircuits) UnlinkAllFromChannel(ch *Channel, reason int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinked = append(f.unlinked, reason)
}

func (f *fakeCircuits) NChanDone(ch *Channel, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneOK = append(f.doneOK, ok)
}

func (f *fakeCircuits) NotifyOpen(ch *Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiedOpen++
}

func newTestChannel(reg *Registry, opts ...Option) (*Channel, *fakeTransport) {
	tr := &fakeTransport{}
	ch := New(reg, fixedRng{v: 1}, opts...)
	ch.SetTransport(tr)
	return ch, tr
}
