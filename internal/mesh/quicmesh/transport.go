// Package quicmesh is an alternative Mesh Transport backend built on
// QUIC instead of raw TCP: each outbound RoutePacket opens its own
// stream, sends one length-prefixed frame, and half-closes, letting the
// QUIC library handle stream multiplexing instead of the
// single-writer-goroutine-per-TCP-connection approach of the default
// transport. Peers are dialed with a full handshake (no 0-RTT). It
// implements the same sender.NodeSender surface as mesh.Transport, so
// either one can be handed to components that take a NodeSender.
package quicmesh

import (
	"context"
	"sync"
	"time"

	"github.com/lucas-clemente/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/route"
)

const (
	keepAlivePeriod = 1 * time.Second
	dialIdleTimeout = 10 * time.Second
	dialTimeout     = 5 * time.Second
)

// Inbound is the local dispatcher surface decoded packets are handed to.
type Inbound interface {
	RouteMeshPacket(hdr route.Header, p *packet.Packet) error
}

// Transport is a QUIC-backed mesh endpoint, addressed and used exactly
// like mesh.Transport.
type Transport struct {
	nodeId   string
	inbound  Inbound
	listener quic.Listener

	conns sync.Map // nodeId -> quic.Connection

	stopSyn chan struct{}
}

func New(nodeId string, inbound Inbound) *Transport {
	return &Transport{nodeId: nodeId, inbound: inbound, stopSyn: make(chan struct{})}
}

func (t *Transport) LocalNodeId() string { return t.nodeId }

// Listen starts accepting peer QUIC connections on addr.
func (t *Transport) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, listenerTLSConfig(), quicConfig())
	if err != nil {
		return errs.Transport("quicmesh listen failed", err)
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-t.stopSyn:
				return
			default:
			}
			log.WithError(err).Warn("quicmesh accept failed")
			continue
		}
		go t.handshakeAccepted(conn)
	}
}

// handshakeAccepted reads the hello frame off the first stream the
// dialer opens, learning its node-id before tracking the connection.
func (t *Transport) handshakeAccepted(conn quic.Connection) {
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		return
	}
	hdr, _, err := readStreamFrame(stream)
	if err != nil || hdr.MsgId != helloMsgId {
		_ = conn.CloseWithError(1, "bad handshake")
		return
	}

	t.conns.Store(hdr.From, conn)
	log.WithField("peer", hdr.From).Info("quicmesh peer connected (inbound)")
	t.serveStreams(hdr.From, conn)
}

// AddPeer dials nodeId and keeps redialing on disconnect until Close.
func (t *Transport) AddPeer(nodeId, addr string) {
	go t.maintainPeer(nodeId, addr)
}

func (t *Transport) maintainPeer(nodeId, addr string) {
	backoff := 200 * time.Millisecond
	for {
		select {
		case <-t.stopSyn:
			return
		default:
		}

		conn, err := quic.DialAddr(addr, dialerTLSConfig(), quicConfig())
		if err != nil {
			log.WithField("peer", nodeId).WithError(err).Debug("quicmesh dial failed, backing off")
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		if err := t.sendHello(conn); err != nil {
			_ = conn.CloseWithError(0, "hello failed")
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = 200 * time.Millisecond
		t.conns.Store(nodeId, conn)
		log.WithField("peer", nodeId).Info("quicmesh peer connected (outbound)")
		t.serveStreams(nodeId, conn)
		t.conns.CompareAndDelete(nodeId, conn)

		select {
		case <-t.stopSyn:
			return
		default:
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > 30*time.Second {
		return 30 * time.Second
	}
	return next
}

func (t *Transport) sendHello(conn quic.Connection) error {
	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return err
	}
	defer stream.Close()
	return writeStreamFrame(stream, route.Header{From: t.nodeId, MsgId: helloMsgId}, nil)
}

// serveStreams accepts every stream the peer opens until the
// connection drops; each stream carries exactly one frame.
func (t *Transport) serveStreams(nodeId string, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			t.conns.CompareAndDelete(nodeId, conn)
			return
		}
		go t.handleStream(stream)
	}
}

func (t *Transport) handleStream(stream quic.Stream) {
	hdr, payload, err := readStreamFrame(stream)
	if err != nil {
		return
	}
	p := &packet.Packet{
		MsgId:     hdr.MsgId,
		Payload:   payload,
		Seq:       hdr.MsgSeq,
		StageId:   hdr.StageId,
		ErrorCode: hdr.ErrorCode,
	}
	if err := t.inbound.RouteMeshPacket(hdr, p); err != nil {
		log.WithField("msgId", hdr.MsgId).WithError(err).Debug("quicmesh dispatch failed")
	}
}

// SendToNode implements sender.NodeSender by opening a fresh stream per
// message; local-node sends loop back in-process.
func (t *Transport) SendToNode(nodeId string, hdr route.Header, p *packet.Packet) error {
	if nodeId == "" || nodeId == t.nodeId {
		return t.inbound.RouteMeshPacket(hdr, p)
	}

	v, ok := t.conns.Load(nodeId)
	if !ok {
		return errs.ErrNodeUnreachable
	}
	conn := v.(quic.Connection)

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return errs.Transport("quicmesh open stream failed", err)
	}
	defer stream.Close()

	if err := writeStreamFrame(stream, hdr, p.Payload); err != nil {
		return errs.Protocol("encoding quicmesh frame", err)
	}
	return nil
}

// Close tears down the listener and every tracked connection.
func (t *Transport) Close() error {
	close(t.stopSyn)
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.conns.Range(func(_, v interface{}) bool {
		_ = v.(quic.Connection).CloseWithError(0, "shutting down")
		return true
	})
	return nil
}
