// Package session holds the per-connection Session state: authentication,
// stage binding, heartbeat tracking and a bounded outbound frame queue. A
// Session is transport-agnostic — it is fed frames by whichever listener
// (TCP, TLS, WebSocket, WSS) accepted the connection.
package session

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
)

// Kind identifies which listener produced a Session.
type Kind int

const (
	KindTCP Kind = iota
	KindTLS
	KindWS
	KindWSS
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindTLS:
		return "tls"
	case KindWS:
		return "ws"
	case KindWSS:
		return "wss"
	default:
		return "unknown"
	}
}

// Conn is the minimal transport surface a Session needs: push an encoded
// frame out, and close the underlying connection. TCP/TLS and WebSocket
// listeners each supply their own implementation.
type Conn interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Session is a live client connection, identified by a process-unique sid.
type Session struct {
	Sid           int64
	RemoteAddr    string
	Kind          Kind
	conn          Conn
	sendQueueCap  int

	stageId       atomic.Int64
	authenticated atomic.Bool
	lastHeartbeat atomic.Int64 // unix nano

	outbound chan []byte
	closed   atomic.Bool
	closeCh  chan struct{}

	onClose func(s *Session)
}

// New creates a Session bound to conn, with an outbound queue of depth
// sendQueueCap. The outbound pump goroutine is started immediately.
func New(sid int64, remoteAddr string, kind Kind, conn Conn, sendQueueCap int, onClose func(*Session)) *Session {
	s := &Session{
		Sid:          sid,
		RemoteAddr:   remoteAddr,
		Kind:         kind,
		conn:         conn,
		sendQueueCap: sendQueueCap,
		outbound:     make(chan []byte, sendQueueCap),
		closeCh:      make(chan struct{}),
		onClose:      onClose,
	}
	s.lastHeartbeat.Store(time.Now().UnixNano())
	go s.pump()
	return s
}

func (s *Session) log() *log.Entry {
	return log.WithFields(log.Fields{
		"sid":    s.Sid,
		"remote": s.RemoteAddr,
		"kind":   s.Kind.String(),
	})
}

// pump drains the outbound queue into the connection. A write failure
// closes the session: per §4.9's back-pressure rule, overflow closes the
// session rather than blocking the producer.
func (s *Session) pump() {
	for {
		select {
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteFrame(frame); err != nil {
				s.log().WithError(err).Debug("Write failed, closing session")
				s.Close(errs.ErrConnectionClosed)
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Enqueue pushes an already-encoded frame to the session's outbound queue.
// Returns errs.ErrBackpressure (and closes the session) if the queue is
// full, matching §4.9: "overflow closes the session with
// BackpressureExceeded".
func (s *Session) Enqueue(frame []byte) error {
	if s.closed.Load() {
		return errs.ErrConnectionClosed
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		s.Close(errs.ErrBackpressure)
		return errs.ErrBackpressure
	}
}

// StageId returns the stage this session is bound to, 0 if unbound.
func (s *Session) StageId() int64 { return s.stageId.Load() }

// BindStage binds this session to a stage.
func (s *Session) BindStage(stageId int64) { s.stageId.Store(stageId) }

// Authenticated reports whether OnAuthenticate has succeeded for this
// session.
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// MarkAuthenticated flips the session to authenticated.
func (s *Session) MarkAuthenticated() { s.authenticated.Store(true) }

// TouchHeartbeat records inbound traffic, resetting the idle clock.
func (s *Session) TouchHeartbeat() { s.lastHeartbeat.Store(time.Now().UnixNano()) }

// IdleFor reports how long it has been since the last inbound traffic.
func (s *Session) IdleFor() time.Duration {
	last := time.Unix(0, s.lastHeartbeat.Load())
	return time.Since(last)
}

// Closed reports whether Close has already run.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close tears down the session exactly once. reason is written only to the
// session's debug log; onClose receives the session alone, so the reason
// is not passed on to it.
func (s *Session) Close(reason error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.closeCh)
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
	s.log().WithError(reason).Debug("Session closed")
}

// EncodeAndEnqueue is a convenience used by callers holding a *packet.Packet
// rather than a pre-encoded frame; encode is supplied by the caller (the
// wire package) to avoid an import cycle.
func (s *Session) EncodeAndEnqueue(p *packet.Packet, encode func(*packet.Packet) ([]byte, error)) error {
	frame, err := encode(p)
	if err != nil {
		return err
	}
	return s.Enqueue(frame)
}
