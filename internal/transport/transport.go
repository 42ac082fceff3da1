// Package transport accepts inbound client connections across TCP, TLS,
// WebSocket and WSS listeners and turns each into a transport-agnostic
// session.Session. Every listener speaks the same binary frame (no
// base64 for WebSocket — the binary body is carried directly, per §4.2).
package transport

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
	"github.com/playhouse-go/playhouse/internal/session"
	"github.com/playhouse-go/playhouse/internal/wire"
)

// Handler is invoked by a listener for every accepted session and for every
// decoded inbound packet. It is typically the Session Manager.
type Handler interface {
	OnSessionOpen(s *session.Session)
	OnSessionClose(s *session.Session, reason error)
	OnFrame(s *session.Session, p *packet.Packet, serviceId uint16)
}

// Listener is one bound endpoint (TCP, TLS, WS or WSS). All listeners share
// the stopSyn/stopAck shutdown handshake.
type Listener struct {
	addr     string
	kind     session.Kind
	tlsConf  *tls.Config
	handler  Handler
	limits   wire.Limits
	sendCap  int
	sidGen   *int64

	tcpLn    net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewTCP creates a plain-TCP listener.
func NewTCP(addr string, handler Handler, limits wire.Limits, sendCap int, sidGen *int64) *Listener {
	return &Listener{addr: addr, kind: session.KindTCP, handler: handler, limits: limits, sendCap: sendCap, sidGen: sidGen,
		stopSyn: make(chan struct{}), stopAck: make(chan struct{})}
}

// NewTLS creates a TCP+TLS listener.
func NewTLS(addr string, tlsConf *tls.Config, handler Handler, limits wire.Limits, sendCap int, sidGen *int64) *Listener {
	return &Listener{addr: addr, kind: session.KindTLS, tlsConf: tlsConf, handler: handler, limits: limits, sendCap: sendCap, sidGen: sidGen,
		stopSyn: make(chan struct{}), stopAck: make(chan struct{})}
}

// NewWS creates a binary WebSocket listener at path "/ws" on addr.
func NewWS(addr string, handler Handler, limits wire.Limits, sendCap int, sidGen *int64) *Listener {
	return &Listener{addr: addr, kind: session.KindWS, handler: handler, limits: limits, sendCap: sendCap, sidGen: sidGen,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		stopSyn:  make(chan struct{}), stopAck: make(chan struct{})}
}

// NewWSS creates a TLS-terminated WebSocket listener.
func NewWSS(addr string, tlsConf *tls.Config, handler Handler, limits wire.Limits, sendCap int, sidGen *int64) *Listener {
	l := NewWS(addr, handler, limits, sendCap, sidGen)
	l.kind = session.KindWSS
	l.tlsConf = tlsConf
	return l
}

func (l *Listener) log() *log.Entry {
	return log.WithFields(log.Fields{"addr": l.addr, "kind": l.kind.String()})
}

func (l *Listener) nextSid() int64 {
	return atomic.AddInt64(l.sidGen, 1)
}

// Start begins accepting connections. It returns once the listener socket
// is bound; acceptance runs in a background goroutine.
func (l *Listener) Start() error {
	switch l.kind {
	case session.KindTCP, session.KindTLS:
		return l.startStream()
	case session.KindWS, session.KindWSS:
		return l.startHTTP()
	default:
		return fmt.Errorf("transport: unknown listener kind %v", l.kind)
	}
}

func (l *Listener) startStream() error {
	var ln net.Listener
	var err error
	if l.kind == session.KindTLS {
		ln, err = tls.Listen("tcp", l.addr, l.tlsConf)
	} else {
		ln, err = net.Listen("tcp", l.addr)
	}
	if err != nil {
		return err
	}
	l.tcpLn = ln

	go func() {
		for {
			select {
			case <-l.stopSyn:
				close(l.stopAck)
				return
			default:
			}

			c, err := ln.Accept()
			if err != nil {
				select {
				case <-l.stopSyn:
					close(l.stopAck)
					return
				default:
					l.log().WithError(err).Warn("Accept failed")
					continue
				}
			}
			go l.serveStreamConn(c)
		}
	}()

	return nil
}

// streamConn adapts a net.Conn to session.Conn by framing each write with
// its length prefix (already applied by the wire encoder, so WriteFrame is
// a plain write here).
type streamConn struct{ c net.Conn }

func (s streamConn) WriteFrame(frame []byte) error {
	_, err := s.c.Write(frame)
	return err
}
func (s streamConn) Close() error { return s.c.Close() }

func (l *Listener) serveStreamConn(c net.Conn) {
	sid := l.nextSid()
	sc := streamConn{c}
	sess := session.New(sid, c.RemoteAddr().String(), l.kind, sc, l.sendCap, func(s *session.Session) {
		l.handler.OnSessionClose(s, errs.ErrConnectionClosed)
	})
	l.handler.OnSessionOpen(sess)

	defer sess.Close(errs.ErrConnectionClosed)

	buf := make([]byte, 0, 64*1024)
	reader := io.Reader(c)
	for {
		length, err := wire.ReadLength(reader)
		if err != nil {
			return
		}
		if length > l.limits.MaxFrameBytes {
			l.log().WithField("length", length).Warn("Oversize frame, closing connection")
			return
		}

		if cap(buf) < int(length) {
			buf = make([]byte, length)
		}
		body := buf[:length]
		if _, err := io.ReadFull(reader, body); err != nil {
			return
		}

		sess.TouchHeartbeat()

		p, serviceId, err := wire.DecodeClientFrame(body, l.limits)
		if err != nil {
			l.log().WithError(err).WithField("sid", sid).Warn("Decode failed, closing connection")
			return
		}

		l.handler.OnFrame(sess, p, serviceId)
	}
}

func (l *Listener) startHTTP() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.serveWS)
	srv := &http.Server{Addr: l.addr, Handler: mux}
	l.httpSrv = srv

	var ln net.Listener
	var err error
	if l.kind == session.KindWSS {
		ln, err = tls.Listen("tcp", l.addr, l.tlsConf)
	} else {
		ln, err = net.Listen("tcp", l.addr)
	}
	if err != nil {
		return err
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log().WithError(err).Warn("WebSocket listener stopped")
		}
		close(l.stopAck)
	}()

	go func() {
		<-l.stopSyn
		_ = srv.Close()
	}()

	return nil
}

// wsConn adapts a *websocket.Conn to session.Conn, writing each frame as a
// single binary message (no base64, per §4.2).
type wsConn struct{ c *websocket.Conn }

func (w wsConn) WriteFrame(frame []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, frame)
}
func (w wsConn) Close() error { return w.c.Close() }

func (l *Listener) serveWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		l.log().WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sid := l.nextSid()
	wc := wsConn{conn}
	sess := session.New(sid, conn.RemoteAddr().String(), l.kind, wc, l.sendCap, func(s *session.Session) {
		l.handler.OnSessionClose(s, errs.ErrConnectionClosed)
	})
	l.handler.OnSessionOpen(sess)
	defer sess.Close(errs.ErrConnectionClosed)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			l.log().WithField("msgType", msgType).Warn("Non-binary WebSocket frame, ignoring")
			continue
		}
		if uint32(len(data)) > l.limits.MaxFrameBytes {
			l.log().Warn("Oversize WebSocket frame, closing connection")
			return
		}

		sess.TouchHeartbeat()

		// WebSocket messages are already length-delimited by the
		// protocol, but the body still carries the 4-byte length
		// prefix used by the stream transports for symmetry; strip it.
		body := data
		if len(data) >= 4 {
			r := bytes.NewReader(data[:4])
			if n, err := wire.ReadLength(r); err == nil && int(n) == len(data)-4 {
				body = data[4:]
			}
		}

		p, serviceId, err := wire.DecodeClientFrame(body, l.limits)
		if err != nil {
			l.log().WithError(err).Warn("Decode failed, closing connection")
			return
		}

		l.handler.OnFrame(sess, p, serviceId)
	}
}

// Stop closes the listener and waits for its accept loop to exit.
func (l *Listener) Stop() error {
	close(l.stopSyn)
	if l.tcpLn != nil {
		_ = l.tcpLn.Close()
	}
	if l.httpSrv != nil {
		_ = l.httpSrv.Close()
	}

	select {
	case <-l.stopAck:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("transport: listener %s did not stop within grace period", l.addr)
	}
	return nil
}
