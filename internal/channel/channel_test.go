package channel

import (
	"net"
	"testing"
	"time"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/protocol"
)

func mustID(t *testing.T) ids.ID {
	t.Helper()
	id, err := ids.New()
	if err != nil {
		t.Fatalf("ids.New: %v", err)
	}
	return id
}

func TestRegistryInsertDuplicateFails(t *testing.T) {
	r := NewRegistry()
	id := mustID(t)
	c := New(id, protocol.ProtoTCP, SideOpener)
	if err := r.Insert(c); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := r.Insert(c); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegistryLookupMissing(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup(mustID(t)); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryLookupAfterDropIsNotFound(t *testing.T) {
	r := NewRegistry()
	id := mustID(t)
	c := New(id, protocol.ProtoTCP, SideOpener)
	r.Insert(c)
	r.Drop(id)
	if _, err := r.Lookup(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after drop, got %v", err)
	}
}

func TestRegistryDropIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := mustID(t)
	c := New(id, protocol.ProtoTCP, SideOpener)
	r.Insert(c)
	r.Drop(id)
	r.Drop(id) // must not panic or error
	if c.State() != StateClosed {
		t.Fatalf("expected channel closed, got %s", c.State())
	}
}

func TestChannelLifecycle(t *testing.T) {
	c := New(mustID(t), protocol.ProtoTCP, SideResponder)
	if c.State() != StateOpening {
		t.Fatalf("expected Opening, got %s", c.State())
	}
	a, b := net.Pipe()
	defer b.Close()
	c.MarkOpen(a)
	if c.State() != StateOpen {
		t.Fatalf("expected Open, got %s", c.State())
	}
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", c.State())
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() closed")
	}
}

func TestInboxOverflowDropsNewest(t *testing.T) {
	c := New(mustID(t), protocol.ProtoTCP, SideOpener)
	defer c.Close()

	for i := 0; i < InboxCapacity; i++ {
		if err := c.PushInbox(&protocol.DataFrame{}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := c.PushInbox(&protocol.DataFrame{}); err != ErrBackpressure {
		t.Fatalf("expected ErrBackpressure on overflow, got %v", err)
	}
}

func TestFastOpenBufferFlushesInOrder(t *testing.T) {
	c := New(mustID(t), protocol.ProtoTCP, SideResponder)
	defer c.Close()

	c.EnableFastOpen()
	if !c.BufferFastOpen([]byte("a")) {
		t.Fatal("expected buffering while fast-open active")
	}
	if !c.BufferFastOpen([]byte("b")) {
		t.Fatal("expected buffering while fast-open active")
	}

	var written []byte
	sink := &sliceWriter{dst: &written}
	if err := c.FlushFastOpen(sink); err != nil {
		t.Fatalf("FlushFastOpen: %v", err)
	}
	if string(written) != "ab" {
		t.Fatalf("expected flush order 'ab', got %q", written)
	}

	// Buffering should be disabled after flush.
	if c.BufferFastOpen([]byte("c")) {
		t.Fatal("expected buffering disabled after flush")
	}
}

type sliceWriter struct {
	dst *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.dst = append(*w.dst, p...)
	return len(p), nil
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		r.Insert(New(mustID(t), protocol.ProtoTCP, SideOpener))
	}
	r.CloseAll()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry after CloseAll, got %d", r.Count())
	}
}

func TestSweeperClosesIdleChannels(t *testing.T) {
	r := NewRegistry()
	id := mustID(t)
	c := New(id, protocol.ProtoTCP, SideOpener)
	r.Insert(c)

	// Force the channel to look idle.
	c.lastActivity.Store(time.Now().Add(-1 * time.Hour).UnixNano())

	s := NewSweeper(r, 10*time.Millisecond, time.Millisecond, nil)
	s.sweepOnce()

	if c.State() != StateClosed {
		t.Fatalf("expected sweeper to close idle channel, got %s", c.State())
	}
}
