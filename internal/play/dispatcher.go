// Package play implements the Play Dispatcher: the single entry point that
// routes an inbound RoutePacket, whether it arrived from a client session
// or from a peer node over the mesh, to the correct stage mailbox, to a
// reserved system-message handler, or to stage creation.
package play

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/reqcache"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/sender"
	"github.com/playhouse-go/playhouse/internal/stage"
)

// SystemHandler answers a reserved system MsgId. Registered handlers run
// off any particular stage's executor — they are for node-wide concerns
// (health probes, remote stage lifecycle), not per-stage state.
type SystemHandler func(p *packet.Packet, snd *sender.Sender) error

// Config bundles everything the Dispatcher needs to resolve and route a
// packet.
type Config struct {
	NodeId            string
	AuthenticateMsgId string
	// CreateMsgId is the MsgId that, addressed at a stageId with no stage
	// yet existing, triggers creation of DefaultStageType. Left empty, it
	// defaults to AuthenticateMsgId, matching the common case where the
	// first client message both authenticates and bootstraps its stage.
	CreateMsgId      string
	DefaultStageType string

	Stages    *stage.Manager
	Cache     *reqcache.Cache
	Node      sender.NodeSender
	Sessions  sender.ClientSessions
	Directory sender.ServiceDirectory

	RequestTimeout time.Duration
	SystemHandlers map[string]SystemHandler
}

// Dispatcher is the Play Dispatcher.
type Dispatcher struct {
	cfg            Config
	systemHandlers map[string]SystemHandler
}

// NewDispatcher builds a Dispatcher. The reserved stage.CreateStageMsgId /
// stage.CloseStageMsgId system handlers are always registered, serving
// remote stage lifecycle requests issued through a Sender's
// CreateStage/CloseStage; cfg.SystemHandlers may add application ones
// (e.g. @Debug@).
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.CreateMsgId == "" {
		cfg.CreateMsgId = cfg.AuthenticateMsgId
	}

	d := &Dispatcher{cfg: cfg, systemHandlers: map[string]SystemHandler{}}
	for k, v := range cfg.SystemHandlers {
		d.systemHandlers[k] = v
	}
	d.systemHandlers[stage.CreateStageMsgId] = d.handleRemoteCreate
	d.systemHandlers[stage.CloseStageMsgId] = d.handleRemoteClose
	return d
}

// RouteClientPacket implements session.Router.
func (d *Dispatcher) RouteClientPacket(sid int64, stageId int64, p *packet.Packet, authenticated bool) error {
	hdr := route.Header{
		From:    d.cfg.NodeId,
		MsgId:   p.MsgId,
		MsgSeq:  p.Seq,
		StageId: stageId,
		Sid:     sid,
	}
	return d.route(hdr, p)
}

// RouteMeshPacket is called by the mesh transport for an inbound
// RoutePacket from a peer node.
func (d *Dispatcher) RouteMeshPacket(hdr route.Header, p *packet.Packet) error {
	return d.route(hdr, p)
}

func (d *Dispatcher) route(hdr route.Header, p *packet.Packet) error {
	if hdr.IsReply {
		d.cfg.Cache.Complete(hdr.MsgSeq, p, errs.FromCode(errs.Code(hdr.ErrorCode)))
		return nil
	}

	if handler, ok := d.systemHandlers[p.MsgId]; ok {
		return d.dispatchSystem(handler, hdr, p)
	}

	if hdr.StageId == 0 {
		defer p.Dispose()
		if hdr.MsgSeq != 0 {
			d.replyNotFound(hdr)
		}
		return errs.ErrStageNotFound
	}

	if st, ok := d.cfg.Stages.Get(hdr.StageId); ok {
		st.HandleRoute(hdr, p, d.cfg.AuthenticateMsgId)
		return nil
	}

	if p.MsgId == d.cfg.CreateMsgId {
		created, err := d.cfg.Stages.GetOrCreate(d.cfg.DefaultStageType, hdr.StageId, p)
		if err != nil {
			log.WithField("stageId", hdr.StageId).WithError(err).Debug("Stage creation failed")
			defer p.Dispose()
			if hdr.MsgSeq != 0 {
				d.replyNotFound(hdr)
			}
			return err
		}
		created.HandleRoute(hdr, p, d.cfg.AuthenticateMsgId)
		return nil
	}

	defer p.Dispose()
	if hdr.MsgSeq != 0 {
		d.replyNotFound(hdr)
	}
	return errs.ErrStageNotFound
}

func (d *Dispatcher) dispatchSystem(handler SystemHandler, hdr route.Header, p *packet.Packet) error {
	defer p.Dispose()
	snd := d.newSender(hdr)

	if err := handler(p, snd); err != nil {
		log.WithField("msgId", p.MsgId).WithError(err).Debug("System handler failed")
		if !snd.Replied() {
			snd.Reply(nil, uint16(errs.CodeHandlerError))
		}
		return err
	}
	if !snd.Replied() {
		snd.Reply(packet.New(p.MsgId, nil), uint16(errs.CodeOK))
	}
	return nil
}

func (d *Dispatcher) replyNotFound(hdr route.Header) {
	snd := d.newSender(hdr)
	snd.Reply(nil, uint16(errs.CodeStageNotFound))
}

func (d *Dispatcher) newSender(hdr route.Header) *sender.Sender {
	return sender.New(d.senderDeps(), hdr, 0, sender.DirectAwaiter{}, d.cfg.RequestTimeout)
}

func (d *Dispatcher) senderDeps() sender.Deps {
	return sender.Deps{
		Node:      d.cfg.Node,
		Sessions:  d.cfg.Sessions,
		Directory: d.cfg.Directory,
		Stages:    d.cfg.Stages,
		Cache:     d.cfg.Cache,
	}
}

func (d *Dispatcher) handleRemoteCreate(p *packet.Packet, snd *sender.Sender) error {
	stageType, initPayload, ok := stage.DecodeCreateEnvelope(p.Payload)
	if !ok {
		return errs.Protocol("malformed create-stage envelope", nil)
	}
	_, err := d.cfg.Stages.GetOrCreate(stageType, snd.Header().StageId, packet.New(stage.CreateStageMsgId, initPayload))
	return err
}

func (d *Dispatcher) handleRemoteClose(_ *packet.Packet, snd *sender.Sender) error {
	return d.cfg.Stages.Close(snd.Header().StageId)
}
