package play

import (
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/reqcache"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/sender"
	"github.com/playhouse-go/playhouse/internal/stage"
)

type fakeSessions struct {
	mu  sync.Mutex
	out []*packet.Packet
}

func (f *fakeSessions) SendToSession(sid int64, p *packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, p)
	return nil
}

func (f *fakeSessions) take() []*packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*packet.Packet(nil), f.out...)
}

type fakeNode struct{ nodeId string }

func (f *fakeNode) SendToNode(nodeId string, hdr route.Header, p *packet.Packet) error { return nil }
func (f *fakeNode) LocalNodeId() string                                               { return f.nodeId }

type fakeDirectory struct{}

func (fakeDirectory) Pick(serviceId uint16, key string) (string, error) { return "", nil }

type fakeMarker struct{}

func (fakeMarker) MarkAuthenticated(sid, stageId int64) {}

type joinAnyStage struct{}

func (joinAnyStage) OnCreate(st *stage.Stage, initPacket *packet.Packet) error { return nil }
func (joinAnyStage) OnPostCreate()                                            {}
func (joinAnyStage) NewActor() stage.UserActor                               { return joinAnyActor{} }
func (joinAnyStage) OnJoinStage(actor *stage.Actor) (bool, error) {
	actor.AccountId = actor.Sid
	return true, nil
}
func (joinAnyStage) OnPostJoinStage(actor *stage.Actor) {}
func (joinAnyStage) OnDispatch(actor *stage.Actor, p *packet.Packet, snd *sender.Sender) error {
	snd.Reply(packet.New("Ack", nil), 0)
	return nil
}
func (joinAnyStage) OnSystemDispatch(p *packet.Packet, snd *sender.Sender) error { return nil }
func (joinAnyStage) OnConnectionChanged(actor *stage.Actor, connected bool)      {}
func (joinAnyStage) OnDestroy()                                                 {}

type joinAnyActor struct{}

func (joinAnyActor) OnAuthenticate(actor *stage.Actor, authPacket *packet.Packet, snd *sender.Sender) error {
	return nil
}
func (joinAnyActor) OnPostAuthenticate(actor *stage.Actor) {}
func (joinAnyActor) OnDestroy(actor *stage.Actor)          {}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSessions) {
	t.Helper()
	sessions := &fakeSessions{}
	node := &fakeNode{nodeId: "node-a"}
	cache := reqcache.New(nil, time.Hour)
	t.Cleanup(func() { cache.Close() })

	mgr := stage.NewManager(stage.Config{
		NodeId:         "node-a",
		Cache:          cache,
		Sessions:       fakeMarker{},
		Node:           node,
		Directory:      fakeDirectory{},
		Clients:        sessions,
		RequestTimeout: time.Second,
		ComputeWorkers: 2,
	}, map[string]stage.Factory{"room": func() stage.UserStage { return joinAnyStage{} }})

	d := NewDispatcher(Config{
		NodeId:            "node-a",
		AuthenticateMsgId: "Authenticate",
		DefaultStageType:  "room",
		Stages:            mgr,
		Cache:             cache,
		Node:              node,
		Sessions:          sessions,
		Directory:         fakeDirectory{},
		RequestTimeout:    time.Second,
	})
	return d, sessions
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRouteClientPacketCreatesStageOnAuthenticate(t *testing.T) {
	d, sessions := newTestDispatcher(t)

	err := d.RouteClientPacket(11, 77, packet.New("Authenticate", nil).WithSeq(1), false)
	if err != nil {
		t.Fatalf("RouteClientPacket: %v", err)
	}

	waitFor(t, func() bool { return len(sessions.take()) == 1 })
	if _, ok := d.cfg.Stages.Get(77); !ok {
		t.Fatal("expected stage 77 to have been created")
	}
}

func TestRouteClientPacketStageNotFoundRepliesError(t *testing.T) {
	d, sessions := newTestDispatcher(t)

	err := d.RouteClientPacket(11, 999, packet.New("SomethingElse", nil).WithSeq(5), true)
	if err == nil {
		t.Fatal("expected StageNotFound error")
	}

	waitFor(t, func() bool { return len(sessions.take()) == 1 })
	got := sessions.take()[0]
	if got.ErrorCode == 0 {
		t.Fatalf("expected nonzero error code, got %+v", got)
	}
}

func TestRouteClientPacketDropsNotFoundWithoutSeq(t *testing.T) {
	d, sessions := newTestDispatcher(t)

	err := d.RouteClientPacket(11, 999, packet.New("SomethingElse", nil), true)
	if err == nil {
		t.Fatal("expected StageNotFound error")
	}

	time.Sleep(20 * time.Millisecond)
	if len(sessions.take()) != 0 {
		t.Fatal("expected no reply for a fire-and-forget message to a missing stage")
	}
}
