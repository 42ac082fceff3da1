// Package sender implements the Sender capability object: the single
// handle user handler code holds to talk back to a client, to another
// stage, to a service, or to the node mesh directly, in both fire-and-
// forget and request/reply (callback or promise) form.
//
// Sender depends on narrow interfaces rather than the stage or mesh
// packages directly, so it can be constructed both inside a stage handler
// (where an awaited request yields the owning stage's turn) and inside a
// stateless API request handler (where there is no stage to suspend).
package sender

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/reqcache"
	"github.com/playhouse-go/playhouse/internal/route"
)

// NodeSender delivers a RoutePacket to a node, resolving "local node" to an
// in-process handoff rather than a real mesh dial.
type NodeSender interface {
	SendToNode(nodeId string, hdr route.Header, p *packet.Packet) error
	LocalNodeId() string
}

// ClientSessions delivers a reply/push packet straight to a connected
// client session, bypassing the mesh entirely.
type ClientSessions interface {
	SendToSession(sid int64, p *packet.Packet) error
}

// ServiceDirectory resolves a logical service id to a concrete node per the
// Server Info Center's configured selection policy.
type ServiceDirectory interface {
	Pick(serviceId uint16, key string) (nodeId string, err error)
}

// StageCreator lets handler code spin up or tear down stages, including on
// remote nodes.
type StageCreator interface {
	CreateStage(nodeId string, stageType string, stageId int64, initPkt *packet.Packet) error
	CloseStage(nodeId string, stageId int64) error
}

// Cache is the Request Cache surface the Sender registers pending replies
// against.
type Cache interface {
	Register(seq uint16, entry reqcache.Entry, timeout time.Duration) error
}

// Awaiter parks the calling goroutine until wake fires. A stage-bound
// Awaiter also yields the stage's turn while parked, so other mailbox
// messages can run; a stateless Awaiter just blocks.
type Awaiter interface {
	Suspend(wake <-chan struct{})
}

// Deps bundles everything a Sender needs beyond the request it is
// answering.
type Deps struct {
	Node      NodeSender
	Sessions  ClientSessions
	Directory ServiceDirectory
	Stages    StageCreator
	Cache     Cache
}

// Sender is constructed fresh per inbound request/dispatch and is not safe
// to retain past the handler invocation it was built for, except across an
// awaited RequestXAsync call within the same invocation.
type Sender struct {
	deps    Deps
	hdr     route.Header
	awaiter Awaiter

	// postStageId is attached to every Request* registration this Sender
	// makes, so replies land back on the owning stage's mailbox. Zero for
	// stateless (API dispatcher) senders.
	postStageId int64

	requestTimeout time.Duration
	replied        atomic.Bool
}

// New builds a Sender for an inbound request described by hdr. postStageId
// is the stageId completions should be posted to (0 for stateless
// senders); awaiter governs how RequestXAsync parks.
func New(deps Deps, hdr route.Header, postStageId int64, awaiter Awaiter, requestTimeout time.Duration) *Sender {
	return &Sender{
		deps:           deps,
		hdr:            hdr,
		awaiter:        awaiter,
		postStageId:    postStageId,
		requestTimeout: requestTimeout,
	}
}

// Header returns the inbound request's route header, for handlers that
// need to inspect From/AccountId/Sid directly.
func (s *Sender) Header() route.Header { return s.hdr }

// Replied reports whether Reply has already been sent for this request.
func (s *Sender) Replied() bool { return s.replied.Load() }

// Reply answers the request this Sender was built for. A second call, or a
// call when the request carried msgSeq == 0, is a silent no-op — callers
// never need to track whether they already replied defensively.
func (s *Sender) Reply(p *packet.Packet, errorCode uint16) {
	if s.hdr.MsgSeq == 0 {
		return
	}
	if !s.replied.CompareAndSwap(false, true) {
		return
	}

	if p == nil {
		p = packet.NewError(s.hdr.MsgId, errorCode)
	} else {
		p.ErrorCode = errorCode
	}
	p.Seq = s.hdr.MsgSeq

	if s.hdr.Sid != 0 {
		if err := s.deps.Sessions.SendToSession(s.hdr.Sid, p); err != nil {
			log.WithError(err).WithField("sid", s.hdr.Sid).Debug("reply to client session failed")
		}
		return
	}

	replyHdr := s.hdr.Reply(errorCode)
	if err := s.deps.Node.SendToNode(s.hdr.From, replyHdr, p); err != nil {
		log.WithError(err).WithField("node", s.hdr.From).Debug("reply to origin node failed")
	}
}

// SendToClient pushes p directly to a connected client session, with no
// request/reply correlation.
func (s *Sender) SendToClient(sid int64, p *packet.Packet) error {
	return s.deps.Sessions.SendToSession(sid, p)
}

// SendToStage fires p at stageId on nodeId with no reply expected.
func (s *Sender) SendToStage(nodeId string, stageId int64, p *packet.Packet) error {
	return s.route(nodeId, stageId, 0, p, 0)
}

// SendToApi fires p at whichever node the directory picks to host
// serviceId, with no reply expected.
func (s *Sender) SendToApi(serviceId uint16, key string, p *packet.Packet) error {
	nodeId, err := s.deps.Directory.Pick(serviceId, key)
	if err != nil {
		return err
	}
	return s.route(nodeId, 0, serviceId, p, 0)
}

// SendToSystem fires p at nodeId's system handler, with no reply expected.
func (s *Sender) SendToSystem(nodeId string, p *packet.Packet) error {
	hdr := route.Header{From: s.deps.Node.LocalNodeId(), MsgId: p.MsgId, IsSystem: true}
	return s.deps.Node.SendToNode(nodeId, hdr, p)
}

// RequestToStage sends p to stageId on nodeId and invokes cb when the
// reply lands, or on timeout/cancellation.
func (s *Sender) RequestToStage(nodeId string, stageId int64, p *packet.Packet, timeout time.Duration, cb func(*packet.Packet, error)) error {
	return s.request(nodeId, stageId, 0, p, timeout, cb)
}

// RequestToApi resolves serviceId via the directory and requests it.
func (s *Sender) RequestToApi(serviceId uint16, key string, p *packet.Packet, timeout time.Duration, cb func(*packet.Packet, error)) error {
	nodeId, err := s.deps.Directory.Pick(serviceId, key)
	if err != nil {
		return err
	}
	return s.request(nodeId, 0, serviceId, p, timeout, cb)
}

// RequestToSystem requests nodeId's system handler directly.
func (s *Sender) RequestToSystem(nodeId string, p *packet.Packet, timeout time.Duration, cb func(*packet.Packet, error)) error {
	return s.request(nodeId, 0, 0, p, timeout, cb)
}

// RequestToStageAsync is the promise-form counterpart of RequestToStage:
// it suspends the caller (yielding the owning stage's turn, if any) until
// the reply arrives or the request times out.
func (s *Sender) RequestToStageAsync(nodeId string, stageId int64, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	return s.requestAsync(nodeId, stageId, 0, p, timeout)
}

// RequestToApiAsync is the promise-form counterpart of RequestToApi.
func (s *Sender) RequestToApiAsync(serviceId uint16, key string, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	nodeId, err := s.deps.Directory.Pick(serviceId, key)
	if err != nil {
		return nil, err
	}
	return s.requestAsync(nodeId, 0, serviceId, p, timeout)
}

// RequestToSystemAsync is the promise-form counterpart of RequestToSystem.
func (s *Sender) RequestToSystemAsync(nodeId string, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	return s.requestAsync(nodeId, 0, 0, p, timeout)
}

// CreateStage asks nodeId to instantiate a stage of stageType bound to
// stageId.
func (s *Sender) CreateStage(nodeId string, stageType string, stageId int64, initPkt *packet.Packet) error {
	return s.deps.Stages.CreateStage(nodeId, stageType, stageId, initPkt)
}

// CloseStage asks nodeId to tear down stageId after draining its mailbox.
func (s *Sender) CloseStage(nodeId string, stageId int64) error {
	return s.deps.Stages.CloseStage(nodeId, stageId)
}

func (s *Sender) route(nodeId string, stageId int64, serviceId uint16, p *packet.Packet, seq uint16) error {
	hdr := route.Header{
		From:      s.deps.Node.LocalNodeId(),
		MsgId:     p.MsgId,
		MsgSeq:    seq,
		ServiceId: serviceId,
		StageId:   stageId,
	}
	return s.deps.Node.SendToNode(nodeId, hdr, p)
}

func (s *Sender) request(nodeId string, stageId int64, serviceId uint16, p *packet.Packet, timeout time.Duration, cb func(*packet.Packet, error)) error {
	if timeout <= 0 {
		timeout = s.requestTimeout
	}
	seq := nextSeq()
	if err := s.deps.Cache.Register(seq, reqcache.Entry{
		Callback:    cb,
		PostStageId: s.postStageId,
		Sid:         s.hdr.Sid,
	}, timeout); err != nil {
		return err
	}
	return s.route(nodeId, stageId, serviceId, p, seq)
}

func (s *Sender) requestAsync(nodeId string, stageId int64, serviceId uint16, p *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	wake := make(chan struct{}, 1)
	var resultP *packet.Packet
	var resultErr error

	err := s.request(nodeId, stageId, serviceId, p, timeout, func(reply *packet.Packet, err error) {
		resultP, resultErr = reply, err
		wake <- struct{}{}
	})
	if err != nil {
		return nil, err
	}

	s.awaiter.Suspend(wake)
	return resultP, resultErr
}

// seqCounter is a process-wide msgSeq generator. msgSeq only needs to be unique
// among requests in flight at once, so wraparound at 65536 is fine; the
// Request Cache rejects a collision against a still-outstanding entry.
var seqCounter uint32

func nextSeq() uint16 {
	for {
		n := atomic.AddUint32(&seqCounter, 1)
		if v := uint16(n); v != 0 {
			return v
		}
	}
}

// DirectAwaiter is the Awaiter used by stateless senders (the API
// dispatcher's per-request handlers): there is no stage turn to yield, so
// awaiting a promise-form request just blocks the request's own goroutine.
type DirectAwaiter struct{}

func (DirectAwaiter) Suspend(wake <-chan struct{}) { <-wake }
