package reqcache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
)

func TestCompleteDeliversOnce(t *testing.T) {
	c := New(nil, 10*time.Millisecond)
	defer c.Close()

	var got *packet.Packet
	var mu sync.Mutex
	done := make(chan struct{})

	if err := c.Register(1, Entry{Callback: func(p *packet.Packet, err error) {
		mu.Lock()
		got = p
		mu.Unlock()
		close(done)
	}}, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := packet.New("EchoReply", []byte("hi"))
	c.Complete(1, p, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if got != p {
		t.Fatalf("expected delivered packet to be the one completed")
	}

	// A second, late completion for the same seq must be a no-op.
	c.Complete(1, packet.New("EchoReply", nil), nil)
}

func TestCompleteIgnoresZeroSeq(t *testing.T) {
	c := New(nil, 10*time.Millisecond)
	defer c.Close()

	fired := false
	if err := c.Register(0, Entry{Callback: func(*packet.Packet, error) { fired = true }}, time.Second); err == nil {
		// seq 0 isn't meaningfully registrable, but even if it were,
		// Complete(0, ...) must still be dropped per spec.
	}
	c.Complete(0, packet.New("X", nil), nil)
	if fired {
		t.Fatal("msgSeq==0 completion must be dropped")
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	c := New(nil, 10*time.Millisecond)
	defer c.Close()

	if err := c.Register(5, Entry{Callback: func(*packet.Packet, error) {}}, time.Second); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.Register(5, Entry{Callback: func(*packet.Packet, error) {}}, time.Second); err == nil {
		t.Fatal("expected duplicate seq registration to be rejected")
	}
}

func TestSweeperTimesOutEntries(t *testing.T) {
	c := New(nil, 5*time.Millisecond)
	defer c.Close()

	errCh := make(chan error, 1)
	if err := c.Register(9, Entry{Callback: func(p *packet.Packet, err error) {
		errCh <- err
	}}, 10*time.Millisecond); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, errs.ErrRequestTimeout) {
			t.Fatalf("expected timeout error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper never fired")
	}
}

func TestFailAllFailsOutstanding(t *testing.T) {
	c := New(nil, 10*time.Millisecond)
	defer c.Close()

	n := 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 1; i <= n; i++ {
		seq := uint16(i)
		if err := c.Register(seq, Entry{Callback: func(p *packet.Packet, err error) {
			wg.Done()
		}}, time.Minute); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	c.FailAll(errs.ErrConnectionClosed)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FailAll did not deliver to all outstanding entries")
	}

	if c.Len() != 0 {
		t.Fatalf("expected cache to be empty after FailAll, got %d", c.Len())
	}
}

type fakePoster struct {
	mu  sync.Mutex
	ran []int64
}

func (f *fakePoster) PostContinuation(stageId int64, fn func()) {
	fn()
	f.mu.Lock()
	f.ran = append(f.ran, stageId)
	f.mu.Unlock()
}

func TestCompletionWithPostStageGoesThroughPoster(t *testing.T) {
	poster := &fakePoster{}
	c := New(poster, 10*time.Millisecond)
	defer c.Close()

	done := make(chan struct{})
	if err := c.Register(3, Entry{
		PostStageId: 77,
		Callback:    func(*packet.Packet, error) { close(done) },
	}, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Complete(3, packet.New("X", nil), nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.ran) != 1 || poster.ran[0] != 77 {
		t.Fatalf("expected completion to be posted to stage 77, got %v", poster.ran)
	}
}
