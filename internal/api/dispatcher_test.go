package api

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/reqcache"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/sender"
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

type fakeStages struct{}

func (fakeStages) CreateStage(nodeId, stageType string, stageId int64, initPkt *packet.Packet) error {
	return nil
}
func (fakeStages) CloseStage(nodeId string, stageId int64) error { return nil }

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

func TestRouteMeshPacketInvokesHandlerAndReplies(t *testing.T) {
	sessions := &fakeSessions{}
	cache := reqcache.New(nil, time.Hour)
	t.Cleanup(func() { cache.Close() })

	d := NewDispatcher(Config{
		NodeId:         "api-1",
		Cache:          cache,
		Node:           &fakeNode{nodeId: "api-1"},
		Sessions:       sessions,
		Directory:      fakeDirectory{},
		Stages:         fakeStages{},
		RequestTimeout: time.Second,
		Handlers: map[string]Handler{
			"Lookup": func(p *packet.Packet, snd *sender.Sender) error {
				snd.Reply(packet.New("Lookup", []byte("ok")), 0)
				return nil
			},
		},
	})

	hdr := route.Header{From: "play-1", MsgId: "Lookup", MsgSeq: 9, Sid: 42}
	if err := d.RouteMeshPacket(hdr, packet.New("Lookup", nil).WithSeq(9)); err != nil {
		t.Fatalf("RouteMeshPacket: %v", err)
	}

	waitFor(t, func() bool { return len(sessions.take()) == 1 })
	got := sessions.take()[0]
	if string(got.Payload) != "ok" {
		t.Fatalf("expected handler reply payload, got %+v", got)
	}
}

func TestRouteMeshPacketUnknownMsgIdReplies(t *testing.T) {
	sessions := &fakeSessions{}
	cache := reqcache.New(nil, time.Hour)
	t.Cleanup(func() { cache.Close() })

	d := NewDispatcher(Config{
		NodeId:         "api-1",
		Cache:          cache,
		Node:           &fakeNode{nodeId: "api-1"},
		Sessions:       sessions,
		Directory:      fakeDirectory{},
		Stages:         fakeStages{},
		RequestTimeout: time.Second,
	})

	hdr := route.Header{From: "play-1", MsgId: "Missing", MsgSeq: 3, Sid: 42}
	err := d.RouteMeshPacket(hdr, packet.New("Missing", nil).WithSeq(3))
	if err == nil {
		t.Fatal("expected an error for an unregistered MsgId")
	}

	waitFor(t, func() bool { return len(sessions.take()) == 1 })
	if sessions.take()[0].ErrorCode == 0 {
		t.Fatal("expected a nonzero error code reply")
	}
}

func TestRouteMeshPacketReplyCompletesCacheInsteadOfDispatching(t *testing.T) {
	cache := reqcache.New(nil, time.Hour)
	t.Cleanup(func() { cache.Close() })

	d := NewDispatcher(Config{
		NodeId:         "api-1",
		Cache:          cache,
		Node:           &fakeNode{nodeId: "api-1"},
		Sessions:       &fakeSessions{},
		Directory:      fakeDirectory{},
		Stages:         fakeStages{},
		RequestTimeout: time.Second,
		Handlers: map[string]Handler{
			"Lookup": func(p *packet.Packet, snd *sender.Sender) error {
				t.Fatal("a reply frame must not re-invoke the request handler")
				return nil
			},
		},
	})

	done := make(chan struct{})
	var gotPayload []byte
	var gotErr error
	if err := cache.Register(11, reqcache.Entry{
		Callback: func(p *packet.Packet, err error) {
			gotPayload, gotErr = p.Payload, err
			close(done)
		},
	}, time.Second); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hdr := route.Header{From: "api-2", MsgId: "Lookup", MsgSeq: 11, IsReply: true}
	if err := d.RouteMeshPacket(hdr, packet.New("Lookup", []byte("result"))); err != nil {
		t.Fatalf("RouteMeshPacket: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reply never completed the registered cache entry")
	}
	if gotErr != nil {
		t.Fatalf("expected a nil error for a zero ErrorCode reply, got %v", gotErr)
	}
	if string(gotPayload) != "result" {
		t.Fatalf("expected the reply payload to reach the callback, got %q", gotPayload)
	}
}

func TestRouteMeshPacketHandlerPanicRepliesGenericError(t *testing.T) {
	sessions := &fakeSessions{}
	cache := reqcache.New(nil, time.Hour)
	t.Cleanup(func() { cache.Close() })

	d := NewDispatcher(Config{
		NodeId:         "api-1",
		Cache:          cache,
		Node:           &fakeNode{nodeId: "api-1"},
		Sessions:       sessions,
		Directory:      fakeDirectory{},
		Stages:         fakeStages{},
		RequestTimeout: time.Second,
		Handlers: map[string]Handler{
			"Boom": func(p *packet.Packet, snd *sender.Sender) error {
				panic(errors.New("boom"))
			},
		},
	})

	hdr := route.Header{From: "play-1", MsgId: "Boom", MsgSeq: 7, Sid: 1}
	_ = d.RouteMeshPacket(hdr, packet.New("Boom", nil).WithSeq(7))

	waitFor(t, func() bool { return len(sessions.take()) == 1 })
	if sessions.take()[0].ErrorCode == 0 {
		t.Fatal("expected a nonzero error code reply after a handler panic")
	}
}
