package quicmesh

import (
	"sync"
	"testing"
	"time"

	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/route"
)

type recordingInbound struct {
	mu  sync.Mutex
	got []route.Header
}

func (r *recordingInbound) RouteMeshPacket(hdr route.Header, p *packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, hdr)
	return nil
}

func (r *recordingInbound) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestQuicTransportDialAndSend(t *testing.T) {
	serverInbound := &recordingInbound{}
	server := New("server", serverInbound)
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	addr := server.listener.Addr().String()

	clientInbound := &recordingInbound{}
	client := New("client", clientInbound)
	defer client.Close()

	client.AddPeer("server", addr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := client.conns.Load("server"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	err := client.SendToNode("server", route.Header{From: "client", MsgId: "Ping", StageId: 1}, packet.New("Ping", []byte("hi")))
	if err != nil {
		t.Fatalf("SendToNode: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if serverInbound.len() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if serverInbound.len() == 0 {
		t.Fatal("server never received the sent packet")
	}
	if got := serverInbound.got[0].MsgId; got != "Ping" {
		t.Fatalf("expected MsgId Ping, got %s", got)
	}
}

func TestQuicSendToNodeUnreachable(t *testing.T) {
	tr := New("solo", &recordingInbound{})
	defer tr.Close()

	err := tr.SendToNode("nobody", route.Header{MsgId: "Ping"}, packet.New("Ping", nil))
	if err == nil {
		t.Fatal("expected an error sending to an unknown node")
	}
}

func TestQuicSendToNodeLocalLoopsBack(t *testing.T) {
	inbound := &recordingInbound{}
	tr := New("self", inbound)
	defer tr.Close()

	if err := tr.SendToNode("self", route.Header{MsgId: "Ping"}, packet.New("Ping", nil)); err != nil {
		t.Fatalf("SendToNode: %v", err)
	}
	if inbound.len() != 1 {
		t.Fatalf("expected local loopback to reach inbound directly, got %d deliveries", inbound.len())
	}
}
