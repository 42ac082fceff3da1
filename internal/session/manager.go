package session

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// Router is the Play Dispatcher's surface as seen by the Session Manager:
// route a decoded client packet into the owning stage's mailbox (creating
// the stage first if this is the configured authenticate/create message),
// and reply directly to a session when routing itself fails (e.g.
// StageNotFound before any stage exists to reply through).
type Router interface {
	RouteClientPacket(sid int64, stageId int64, p *packet.Packet, authenticated bool) error
}

// Manager binds authenticated sessions to exactly one stage and enforces
// the unauthenticated-session restriction (§4.3).
type Manager struct {
	authenticateMsgId string
	heartbeatTimeout  time.Duration

	router Router

	sessions sync.Map // sid -> *Session
	sidGen   int64

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewManager creates a Session Manager. sidGen is shared with the transport
// listeners so sids stay process-unique across all of them.
func NewManager(authenticateMsgId string, heartbeatTimeout time.Duration, router Router) *Manager {
	m := &Manager{
		authenticateMsgId: authenticateMsgId,
		heartbeatTimeout:  heartbeatTimeout,
		router:            router,
		stopSyn:           make(chan struct{}),
		stopAck:           make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SidGenerator exposes the shared sid counter for transport listeners.
func (m *Manager) SidGenerator() *int64 { return &m.sidGen }

func (m *Manager) OnSessionOpen(s *Session) {
	m.sessions.Store(s.Sid, s)
	log.WithField("sid", s.Sid).WithField("remote", s.RemoteAddr).Info("Session opened")
}

func (m *Manager) OnSessionClose(s *Session, reason error) {
	m.sessions.Delete(s.Sid)
	log.WithField("sid", s.Sid).WithError(reason).Info("Session closed")
}

// OnFrame is called by a transport listener for every decoded inbound
// packet. Heartbeats are handled here directly; everything else is gated
// by the authentication invariant and handed to the Router.
func (m *Manager) OnFrame(s *Session, p *packet.Packet, serviceId uint16) {
	if p.MsgId == HeartbeatMsgId {
		return
	}

	if !s.Authenticated() && p.MsgId != m.authenticateMsgId {
		log.WithField("sid", s.Sid).WithField("msgId", p.MsgId).Warn(
			"Rejecting message from unauthenticated session")
		if p.Seq != 0 {
			errPkt := &packet.Packet{MsgId: p.MsgId, Seq: p.Seq, ErrorCode: uint16(errs.CodeNotAuthenticated)}
			if frame, err := wire.EncodeServerFrame(errPkt, 0); err == nil {
				_ = s.Enqueue(frame)
			}
		}
		return
	}

	// An authenticated session is permanently bound to the stage it joined;
	// further messages ignore whatever stageId the frame carries. An
	// unauthenticated session has no binding yet, so the frame's own
	// stageId names the stage the client is trying to join.
	targetStage := s.StageId()
	if !s.Authenticated() {
		targetStage = p.StageId
	}

	if err := m.router.RouteClientPacket(s.Sid, targetStage, p, s.Authenticated()); err != nil {
		log.WithField("sid", s.Sid).WithError(err).Debug("Routing failed")
	}
}

// MarkAuthenticated is invoked by the stage runtime after OnAuthenticate
// succeeds for this sid.
func (m *Manager) MarkAuthenticated(sid int64, stageId int64) {
	if v, ok := m.sessions.Load(sid); ok {
		s := v.(*Session)
		s.MarkAuthenticated()
		s.BindStage(stageId)
	}
}

// Get returns the live session for sid, if still connected.
func (m *Manager) Get(sid int64) (*Session, bool) {
	v, ok := m.sessions.Load(sid)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// SendToSession implements sender.ClientSessions: encode p as a
// server->client frame and enqueue it on sid's session, if still
// connected. A disconnected sid sends nothing and returns
// errs.ErrConnectionClosed; the Sender only logs that error, matching its
// own "best effort, no guaranteed delivery" reply semantics.
func (m *Manager) SendToSession(sid int64, p *packet.Packet) error {
	s, ok := m.Get(sid)
	if !ok {
		return errs.ErrConnectionClosed
	}
	return s.EncodeAndEnqueue(p, func(p *packet.Packet) ([]byte, error) {
		return wire.EncodeServerFrame(p, 0)
	})
}

// sweepLoop closes sessions idle past the heartbeat timeout.
func (m *Manager) sweepLoop() {
	defer close(m.stopAck)

	ticker := time.NewTicker(m.heartbeatTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSyn:
			return
		case <-ticker.C:
			m.sessions.Range(func(_, v interface{}) bool {
				s := v.(*Session)
				if s.IdleFor() > m.heartbeatTimeout {
					s.Close(errs.ErrHeartbeatTimeout)
				}
				return true
			})
		}
	}
}

// Close stops the heartbeat sweeper and closes every live session.
func (m *Manager) Close() error {
	close(m.stopSyn)
	<-m.stopAck

	m.sessions.Range(func(_, v interface{}) bool {
		v.(*Session).Close(errs.ErrConnectionClosed)
		return true
	})
	return nil
}

// HeartbeatMsgId is the reserved message id exchanged by sessions to prove
// liveness (§4.2, §4.10).
const HeartbeatMsgId = "@Heart@Beat@"
