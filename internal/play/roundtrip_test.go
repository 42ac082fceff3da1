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

// capturingNode records every outbound RoutePacket header instead of
// discarding it, so a test can recover the msgSeq a Sender.RequestToStage
// registered and play a reply back in through RouteMeshPacket.
type capturingNode struct {
	nodeId string
	mu     sync.Mutex
	sent   []route.Header
}

func (c *capturingNode) SendToNode(nodeId string, hdr route.Header, p *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, hdr)
	return nil
}
func (c *capturingNode) LocalNodeId() string { return c.nodeId }

func (c *capturingNode) last() (route.Header, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return route.Header{}, false
	}
	return c.sent[len(c.sent)-1], true
}

// requesterStage issues a RequestToStage on the first non-authenticate
// dispatch and replies to the client once the completion runs.
type requesterStage struct{}

func (requesterStage) OnCreate(st *stage.Stage, initPacket *packet.Packet) error { return nil }
func (requesterStage) OnPostCreate()                                            {}
func (requesterStage) NewActor() stage.UserActor                                { return requesterActor{} }
func (requesterStage) OnJoinStage(actor *stage.Actor) (bool, error) {
	actor.AccountId = actor.Sid
	return true, nil
}
func (requesterStage) OnPostJoinStage(actor *stage.Actor) {}
func (requesterStage) OnDispatch(actor *stage.Actor, p *packet.Packet, snd *sender.Sender) error {
	sid := actor.Sid
	return snd.RequestToStage("node-b", 999, packet.New("Ping", nil), time.Second, func(reply *packet.Packet, err error) {
		if err != nil {
			snd.SendToClient(sid, packet.New("RequestFailed", nil))
			return
		}
		snd.SendToClient(sid, packet.New("RequestDone", reply.Payload))
	})
}
func (requesterStage) OnSystemDispatch(p *packet.Packet, snd *sender.Sender) error { return nil }
func (requesterStage) OnConnectionChanged(actor *stage.Actor, connected bool)      {}
func (requesterStage) OnDestroy()                                                 {}

type requesterActor struct{}

func (requesterActor) OnAuthenticate(actor *stage.Actor, authPacket *packet.Packet, snd *sender.Sender) error {
	return nil
}
func (requesterActor) OnPostAuthenticate(actor *stage.Actor) {}
func (requesterActor) OnDestroy(actor *stage.Actor)          {}

// TestRequestReplyRoundTripThroughMeshReply exercises the full path a
// cross-node RequestToStage takes: Sender registers the request in the
// Request Cache, the reply arrives as an ordinary inbound RoutePacket with
// IsReply set, and the dispatcher must complete the cache entry instead of
// routing it as a fresh request — the completion is posted back onto the
// originating stage's mailbox rather than invoked inline.
func TestRequestReplyRoundTripThroughMeshReply(t *testing.T) {
	sessions := &fakeSessions{}
	node := &capturingNode{nodeId: "node-a"}
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
	}, map[string]stage.Factory{"requester": func() stage.UserStage { return requesterStage{} }})
	cache.SetPoster(mgr)

	d := NewDispatcher(Config{
		NodeId:            "node-a",
		AuthenticateMsgId: "Authenticate",
		DefaultStageType:  "requester",
		Stages:            mgr,
		Cache:             cache,
		Node:              node,
		Sessions:          sessions,
		Directory:         fakeDirectory{},
		RequestTimeout:    time.Second,
	})

	// Authenticate sid 21 onto stage 80, creating it.
	if err := d.RouteClientPacket(21, 80, packet.New("Authenticate", nil).WithSeq(1), false); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	waitFor(t, func() bool { return len(sessions.take()) == 1 })

	// Dispatch the message that triggers the outbound RequestToStage. The
	// stage auto-acks Kickoff itself (OnDispatch returns before the
	// RequestToStage completion runs), so two session replies are expected
	// before the round trip's own push arrives.
	if err := d.RouteClientPacket(21, 80, packet.New("Kickoff", nil).WithSeq(2), true); err != nil {
		t.Fatalf("dispatch kickoff: %v", err)
	}
	waitFor(t, func() bool { return len(sessions.take()) == 2 })

	var reqHdr route.Header
	waitFor(t, func() bool {
		hdr, ok := node.last()
		if !ok || hdr.MsgId != "Ping" {
			return false
		}
		reqHdr = hdr
		return true
	})
	if reqHdr.MsgSeq == 0 {
		t.Fatal("expected RequestToStage to register a nonzero msgSeq")
	}

	// Play the reply back in exactly as the mesh transport would deliver
	// one: an inbound RoutePacket with IsReply set and the same msgSeq.
	replyHdr := route.Header{From: "node-b", MsgSeq: reqHdr.MsgSeq, IsReply: true, ErrorCode: 0}
	if err := d.RouteMeshPacket(replyHdr, packet.New("Ping", []byte("pong"))); err != nil {
		t.Fatalf("RouteMeshPacket reply: %v", err)
	}

	waitFor(t, func() bool { return len(sessions.take()) == 3 })
	got := sessions.take()[2]
	if got.MsgId != "RequestDone" {
		t.Fatalf("expected the stage's continuation to reply RequestDone, got %+v", got)
	}
	if string(got.Payload) != "pong" {
		t.Fatalf("expected the reply payload to survive the round trip, got %q", got.Payload)
	}
}
