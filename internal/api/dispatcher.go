// Package api implements the API Dispatcher: a stateless per-request
// handler surface for API-type nodes. Unlike the Play Dispatcher there
// is no stage and no mailbox — every inbound RoutePacket spawns its own
// independent task against a fresh Sender, bounded only by an optional
// compute pool.
package api

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/reqcache"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/sender"
)

// Handler answers one request MsgId. It runs on its own goroutine, with
// no ordering guarantee relative to any other call, including a second
// call for the same MsgId.
type Handler func(p *packet.Packet, snd *sender.Sender) error

// Pool bounds the number of concurrently running handler tasks. Handed
// in by whatever compute pool the node's stage.Manager already uses;
// nil means unbounded fan-out.
type Pool interface {
	Submit(fn func())
}

// Config bundles everything the Dispatcher needs to resolve and run a
// request.
type Config struct {
	NodeId string

	Cache     *reqcache.Cache
	Node      sender.NodeSender
	Sessions  sender.ClientSessions
	Directory sender.ServiceDirectory
	Stages    sender.StageCreator

	RequestTimeout time.Duration
	Pool           Pool
	Handlers       map[string]Handler
}

// Dispatcher is the API Dispatcher.
type Dispatcher struct {
	cfg      Config
	handlers map[string]Handler
}

func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{cfg: cfg, handlers: map[string]Handler{}}
	for k, v := range cfg.Handlers {
		d.handlers[k] = v
	}
	return d
}

// RouteMeshPacket is called by the mesh transport for an inbound
// RoutePacket from a peer node; this is the API Dispatcher's only
// inbound surface, since API nodes never accept client sessions
// directly (they are addressed via serverinfo.Registry.Pick from a
// Play stage's Sender.RequestToApi/SendToApi).
func (d *Dispatcher) RouteMeshPacket(hdr route.Header, p *packet.Packet) error {
	if hdr.IsReply {
		d.cfg.Cache.Complete(hdr.MsgSeq, p, errs.FromCode(errs.Code(hdr.ErrorCode)))
		return nil
	}

	handler, ok := d.handlers[p.MsgId]
	if !ok {
		defer p.Dispose()
		if hdr.MsgSeq != 0 {
			d.reply(hdr, nil, uint16(errs.CodeStageNotFound))
		}
		return errs.ErrStageNotFound
	}

	run := func() { d.invoke(handler, hdr, p) }
	if d.cfg.Pool != nil {
		d.cfg.Pool.Submit(run)
	} else {
		go run()
	}
	return nil
}

func (d *Dispatcher) invoke(handler Handler, hdr route.Header, p *packet.Packet) {
	defer p.Dispose()
	snd := d.newSender(hdr)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errs.Handler("api handler panicked", nil)
				log.WithField("msgId", p.MsgId).WithField("panic", r).Error("API handler panic")
			}
		}()
		return handler(p, snd)
	}()

	if err != nil {
		log.WithField("msgId", p.MsgId).WithError(err).Debug("API handler failed")
		if !snd.Replied() && hdr.MsgSeq != 0 {
			snd.Reply(nil, uint16(errs.CodeHandlerError))
		}
	}
}

func (d *Dispatcher) reply(hdr route.Header, p *packet.Packet, errorCode uint16) {
	d.newSender(hdr).Reply(p, errorCode)
}

func (d *Dispatcher) newSender(hdr route.Header) *sender.Sender {
	deps := sender.Deps{
		Node:      d.cfg.Node,
		Sessions:  d.cfg.Sessions,
		Directory: d.cfg.Directory,
		Stages:    d.cfg.Stages,
		Cache:     d.cfg.Cache,
	}
	return sender.New(deps, hdr, 0, sender.DirectAwaiter{}, d.cfg.RequestTimeout)
}
