package stage

import (
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/reqcache"
)

func newTestStage(t *testing.T) *Stage {
	cache := reqcache.New(nil, time.Hour)
	t.Cleanup(func() { cache.Close() })

	mgr := NewManager(Config{
		NodeId:         "node-a",
		Cache:          cache,
		Sessions:       &fakeMarker{},
		Node:           &fakeNode{nodeId: "node-a"},
		Directory:      fakeDirectory{},
		Clients:        &fakeSessions{},
		RequestTimeout: time.Second,
		ComputeWorkers: 1,
	}, map[string]Factory{"t": func() UserStage { return &echoStage{created: make(chan struct{}), dispatched: make(chan string, 1)} }})

	st, err := mgr.GetOrCreate("t", 1, nil)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return st
}

func TestCountTimerFiresExactlyCountTimes(t *testing.T) {
	st := newTestStage(t)

	var mu sync.Mutex
	var ticks []int
	done := make(chan struct{})

	st.AddCountTimer(5*time.Millisecond, 5*time.Millisecond, 3, func(tick int) {
		mu.Lock()
		ticks = append(ticks, tick)
		n := len(ticks)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("count timer never reached 3 ticks")
	}

	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 3 {
		t.Fatalf("expected exactly 3 ticks, got %d: %v", len(ticks), ticks)
	}
	for i, v := range ticks {
		if v != i+1 {
			t.Fatalf("expected monotonically increasing tick numbers, got %v", ticks)
		}
	}
}

func TestRepeatTimerCancelStopsFurtherTicks(t *testing.T) {
	st := newTestStage(t)

	var mu sync.Mutex
	count := 0
	seen3 := make(chan struct{})

	id := st.AddRepeatTimer(5*time.Millisecond, 5*time.Millisecond, func(tick int) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 3 {
			close(seen3)
		}
	})

	select {
	case <-seen3:
	case <-time.After(time.Second):
		t.Fatal("repeat timer never reached 3 ticks")
	}

	st.CancelTimer(id)

	mu.Lock()
	afterCancel := count
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != afterCancel {
		t.Fatalf("expected no further ticks after CancelTimer, went from %d to %d", afterCancel, count)
	}
}
