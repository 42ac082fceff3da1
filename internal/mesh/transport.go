// Package mesh implements the Mesh Transport: a long-lived, full-duplex
// TCP connection to each peer node, addressed by node-id, with bounded
// exponential backoff on reconnect and at-most-once delivery per
// connection — the mesh never retries across a disconnect, leaving
// outstanding Request Cache entries to time out or surface
// ConnectionClosed.
package mesh

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/mesh/relay"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/route"
)

// helloMsgId is the first frame sent on a freshly dialed connection, so
// the accepting side learns which node-id is calling without a separate
// handshake protocol.
const helloMsgId = "@MeshHello@"

// relayMsgId wraps a frame that must be forwarded through an
// intermediate node to reach a peer this node has no direct connection
// to, per the relay table's computed next hop.
const relayMsgId = "@MeshRelay@"

// Inbound is the local dispatcher (Play or API) surface the transport
// delivers decoded RoutePackets to.
type Inbound interface {
	RouteMeshPacket(hdr route.Header, p *packet.Packet) error
}

// Transport is one node's mesh endpoint: it accepts inbound peer
// connections and proactively dials configured peers, exposing
// sender.NodeSender to the rest of the node.
type Transport struct {
	nodeId   string
	inbound  Inbound
	listener net.Listener

	peers sync.Map // nodeId -> *peerConn
	relay *relay.Table

	dialTimeout   time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	outboundQueue int

	stopSyn chan struct{}
}

// Config bundles Transport's tunables.
type Config struct {
	NodeId        string
	Inbound       Inbound
	DialTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	OutboundQueue int
}

func New(cfg Config) *Transport {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = 200 * time.Millisecond
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.OutboundQueue == 0 {
		cfg.OutboundQueue = 1024
	}
	return &Transport{
		nodeId:        cfg.NodeId,
		inbound:       cfg.Inbound,
		dialTimeout:   cfg.DialTimeout,
		reconnectBase: cfg.ReconnectBase,
		reconnectMax:  cfg.ReconnectMax,
		outboundQueue: cfg.OutboundQueue,
		stopSyn:       make(chan struct{}),
	}
}

// LocalNodeId implements sender.NodeSender.
func (t *Transport) LocalNodeId() string { return t.nodeId }

// SetRelay attaches a relay.Table this transport consults for nodes it
// has no direct connection to. Without one, SendToNode to a non-peer
// simply fails with ErrNodeUnreachable.
func (t *Transport) SetRelay(r *relay.Table) { t.relay = r }

// linkStateMsgId carries one node's direct-peer costs to every other
// live peer, so each node can build a full picture of the mesh and
// compute next hops for nodes it isn't directly connected to.
const linkStateMsgId = "@MeshLinkState@"

// StartLinkStateFlood periodically broadcasts this node's direct-peer
// costs to every connected peer and recomputes the relay table,
// mirroring the teacher's periodic DTLSR peer-data broadcast. Returns
// a stop function.
func (t *Transport) StartLinkStateFlood(interval time.Duration) func() {
	if t.relay == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.stopSyn:
				return
			case <-ticker.C:
				t.broadcastLinkState()
				t.relay.Recompute()
			}
		}
	}()
	return func() { close(stop) }
}

func (t *Transport) broadcastLinkState() {
	payload, err := encodeLinkState(t.relay.Snapshot())
	if err != nil {
		log.WithError(err).Debug("Mesh link state encode failed")
		return
	}
	hdr := route.Header{From: t.nodeId, MsgId: linkStateMsgId}
	t.peers.Range(func(_, v interface{}) bool {
		frame, err := encodeFrame(hdr, payload)
		if err == nil {
			_ = sendFrame(v.(*peerConn), frame)
		}
		return true
	})
}

// Listen starts accepting peer connections on addr.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Transport("mesh listen failed", err)
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopSyn:
				return
			default:
			}
			log.WithError(err).Warn("Mesh accept failed")
			continue
		}
		go t.handleAccepted(conn)
	}
}

func (t *Transport) handleAccepted(conn net.Conn) {
	hdr, _, err := readFrame(conn)
	if err != nil || hdr.MsgId != helloMsgId {
		log.WithError(err).Debug("Mesh peer dropped before handshake")
		_ = conn.Close()
		return
	}

	pc := t.registerConn(hdr.From, conn)
	log.WithField("peer", hdr.From).Info("Mesh peer connected (inbound)")
	if t.relay != nil {
		t.relay.SetDirectPeer(hdr.From, 1)
	}
	pc.readLoop(t)
	t.peers.CompareAndDelete(hdr.From, pc)
	if t.relay != nil {
		t.relay.RemoveDirectPeer(hdr.From)
	}
}

// AddPeer dials nodeId at addr and keeps the connection alive, with
// bounded exponential backoff on every redial.
func (t *Transport) AddPeer(nodeId, addr string) {
	go t.maintainPeer(nodeId, addr)
}

func (t *Transport) maintainPeer(nodeId, addr string) {
	backoff := t.reconnectBase

	for {
		select {
		case <-t.stopSyn:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
		if err != nil {
			log.WithField("peer", nodeId).WithError(err).Debug("Mesh dial failed, backing off")
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, t.reconnectMax)
			continue
		}

		if err := writeFrame(conn, route.Header{From: t.nodeId, MsgId: helloMsgId}, nil); err != nil {
			_ = conn.Close()
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, t.reconnectMax)
			continue
		}

		backoff = t.reconnectBase
		pc := t.registerConn(nodeId, conn)
		log.WithField("peer", nodeId).Info("Mesh peer connected (outbound)")
		if t.relay != nil {
			t.relay.SetDirectPeer(nodeId, 1)
		}
		pc.readLoop(t)
		t.peers.CompareAndDelete(nodeId, pc)
		if t.relay != nil {
			t.relay.RemoveDirectPeer(nodeId)
		}

		select {
		case <-t.stopSyn:
			return
		default:
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func (t *Transport) registerConn(nodeId string, conn net.Conn) *peerConn {
	pc := &peerConn{
		conn:     conn,
		outbound: make(chan []byte, t.outboundQueue),
		stop:     make(chan struct{}),
	}
	if old, loaded := t.peers.Swap(nodeId, pc); loaded {
		old.(*peerConn).close()
	}
	go pc.writeLoop()
	return pc
}

// SendToNode implements sender.NodeSender. Sending to the local node is a
// direct in-process handoff, never a loopback dial.
func (t *Transport) SendToNode(nodeId string, hdr route.Header, p *packet.Packet) error {
	if nodeId == "" || nodeId == t.nodeId {
		return t.inbound.RouteMeshPacket(hdr, p)
	}

	if v, ok := t.peers.Load(nodeId); ok {
		frame, err := encodeFrame(hdr, p.Payload)
		if err != nil {
			return errs.Protocol("encoding mesh frame", err)
		}
		return sendFrame(v.(*peerConn), frame)
	}

	if t.relay == nil {
		return errs.ErrNodeUnreachable
	}
	hop, ok := t.relay.NextHop(nodeId)
	if !ok {
		return errs.ErrNodeUnreachable
	}
	v, ok := t.peers.Load(hop)
	if !ok {
		return errs.ErrNodeUnreachable
	}

	relayPayload, err := encodeRelayEnvelope(nodeId, hdr, p.Payload)
	if err != nil {
		return errs.Protocol("encoding mesh relay envelope", err)
	}
	frame, err := encodeFrame(route.Header{From: t.nodeId, MsgId: relayMsgId}, relayPayload)
	if err != nil {
		return errs.Protocol("encoding mesh frame", err)
	}
	return sendFrame(v.(*peerConn), frame)
}

func sendFrame(pc *peerConn, frame []byte) error {
	select {
	case pc.outbound <- frame:
		return nil
	default:
		return errs.ErrBackpressure
	}
}

// Close tears down every peer connection and stops accepting new ones.
func (t *Transport) Close() error {
	close(t.stopSyn)
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.peers.Range(func(_, v interface{}) bool {
		v.(*peerConn).close()
		return true
	})
	return nil
}

// peerConn is one live connection; writes are serialized through the
// single writeLoop goroutine per the "one writer per connection"
// invariant — no additional locking is needed for that guarantee.
type peerConn struct {
	conn     net.Conn
	outbound chan []byte
	stop     chan struct{}
	once     sync.Once
}

func (pc *peerConn) writeLoop() {
	for {
		select {
		case frame := <-pc.outbound:
			if _, err := pc.conn.Write(frame); err != nil {
				pc.close()
				return
			}
		case <-pc.stop:
			return
		}
	}
}

func (pc *peerConn) readLoop(t *Transport) {
	for {
		hdr, payload, err := readFrame(pc.conn)
		if err != nil {
			pc.close()
			return
		}

		if hdr.MsgId == relayMsgId {
			t.handleRelayFrame(payload)
			continue
		}
		if hdr.MsgId == linkStateMsgId {
			if t.relay != nil {
				if peers, err := decodeLinkState(payload); err == nil {
					t.relay.Ingest(hdr.From, peers)
				}
			}
			continue
		}

		p := &packet.Packet{
			MsgId:     hdr.MsgId,
			Payload:   payload,
			Seq:       hdr.MsgSeq,
			StageId:   hdr.StageId,
			ErrorCode: hdr.ErrorCode,
		}
		if err := t.inbound.RouteMeshPacket(hdr, p); err != nil {
			log.WithField("msgId", hdr.MsgId).WithError(err).Debug("Mesh dispatch failed")
		}
	}
}

// handleRelayFrame unwraps a forwarded envelope: deliver locally if
// this node is the final destination, otherwise forward it one more
// hop along the route the relay table computed.
func (t *Transport) handleRelayFrame(payload []byte) {
	finalDest, innerHdr, innerPayload, err := decodeRelayEnvelope(payload)
	if err != nil {
		log.WithError(err).Debug("Mesh relay envelope malformed")
		return
	}

	if finalDest == t.nodeId {
		p := &packet.Packet{
			MsgId:     innerHdr.MsgId,
			Payload:   innerPayload,
			Seq:       innerHdr.MsgSeq,
			StageId:   innerHdr.StageId,
			ErrorCode: innerHdr.ErrorCode,
		}
		if err := t.inbound.RouteMeshPacket(innerHdr, p); err != nil {
			log.WithField("msgId", innerHdr.MsgId).WithError(err).Debug("Mesh relay dispatch failed")
		}
		return
	}

	if err := t.SendToNode(finalDest, innerHdr, packet.New(innerHdr.MsgId, innerPayload)); err != nil {
		log.WithField("dest", finalDest).WithError(err).Debug("Mesh relay forward failed")
	}
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		close(pc.stop)
		_ = pc.conn.Close()
	})
}

// encodeFrame/decodeFrame frame a RouteHeader and its payload as
// Length(4,LE) || CBOR-Header || payload. The header is self-delimiting
// CBOR, so no separate header-length field is needed: whatever the reader
// leaves unconsumed is the payload.
func encodeFrame(hdr route.Header, payload []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := hdr.MarshalCbor(&body); err != nil {
		return nil, err
	}
	body.Write(payload)

	var frame bytes.Buffer
	if err := binary.Write(&frame, binary.LittleEndian, uint32(body.Len())); err != nil {
		return nil, err
	}
	frame.Write(body.Bytes())
	return frame.Bytes(), nil
}

// encodeRelayEnvelope wraps hdr/payload addressed at finalDest as
// Length(1,LE-as-byte) || finalDest || CBOR-Header || payload, the same
// self-delimiting-CBOR trick as encodeFrame for the inner header.
func encodeRelayEnvelope(finalDest string, hdr route.Header, payload []byte) ([]byte, error) {
	if len(finalDest) > 255 {
		return nil, errs.Protocol("relay destination too long", nil)
	}

	var body bytes.Buffer
	body.WriteByte(byte(len(finalDest)))
	body.WriteString(finalDest)
	if err := hdr.MarshalCbor(&body); err != nil {
		return nil, err
	}
	body.Write(payload)
	return body.Bytes(), nil
}

func decodeRelayEnvelope(payload []byte) (string, route.Header, []byte, error) {
	if len(payload) < 1 {
		return "", route.Header{}, nil, io.ErrUnexpectedEOF
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return "", route.Header{}, nil, io.ErrUnexpectedEOF
	}
	finalDest := string(payload[1 : 1+n])

	br := bytes.NewReader(payload[1+n:])
	var hdr route.Header
	if err := hdr.UnmarshalCbor(br); err != nil {
		return "", route.Header{}, nil, err
	}
	inner := make([]byte, br.Len())
	_, _ = io.ReadFull(br, inner)
	return finalDest, hdr, inner, nil
}

// encodeLinkState/decodeLinkState serialize a node's direct-peer cost
// map as Count(2,LE) || (Len(1) || name || Cost(8,LE))*.
func encodeLinkState(peers map[string]int64) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(peers))); err != nil {
		return nil, err
	}
	for name, cost := range peers {
		if len(name) > 255 {
			return nil, errs.Protocol("link state peer name too long", nil)
		}
		buf.WriteByte(byte(len(name)))
		buf.WriteString(name)
		if err := binary.Write(&buf, binary.LittleEndian, cost); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeLinkState(payload []byte) (map[string]int64, error) {
	r := bytes.NewReader(payload)
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	out := make(map[string]int64, count)
	for i := uint16(0); i < count; i++ {
		l, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		name := make([]byte, l)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		var cost int64
		if err := binary.Read(r, binary.LittleEndian, &cost); err != nil {
			return nil, err
		}
		out[string(name)] = cost
	}
	return out, nil
}

func writeFrame(w io.Writer, hdr route.Header, payload []byte) error {
	frame, err := encodeFrame(hdr, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func readFrame(r io.Reader) (route.Header, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return route.Header{}, nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return route.Header{}, nil, err
	}

	br := bytes.NewReader(body)
	var hdr route.Header
	if err := hdr.UnmarshalCbor(br); err != nil {
		return route.Header{}, nil, err
	}
	payload := make([]byte, br.Len())
	_, _ = io.ReadFull(br, payload)
	return hdr, payload, nil
}
