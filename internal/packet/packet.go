// Package packet defines the opaque message unit that flows through the
// whole routing fabric: a textual MsgId, an owned payload buffer, a
// correlation sequence, a destination stage id and an error code. The
// packet's payload format is deliberately opaque to this package — callers
// own serialization.
package packet

import (
	"fmt"
	"sync/atomic"
)

// Packet is the unit every component passes along: codec, mailbox, outbound
// queue and user code each take ownership of it for exactly one turn.
type Packet struct {
	MsgId     string
	Payload   []byte
	Seq       uint16
	StageId   int64
	ErrorCode uint16

	disposed int32
}

// New creates a Packet. Payload may be nil/empty.
func New(msgId string, payload []byte) *Packet {
	return &Packet{MsgId: msgId, Payload: payload}
}

// NewError creates a zero-payload error Packet, the shape of a valid error
// reply per the wire contract (§6: "a nonzero code with an empty payload is
// a valid error reply").
func NewError(msgId string, code uint16) *Packet {
	return &Packet{MsgId: msgId, ErrorCode: code}
}

// WithSeq returns a shallow copy carrying seq, used when a Packet built by
// user code is handed to the reply/request plumbing.
func (p *Packet) WithSeq(seq uint16) *Packet {
	cp := *p
	cp.Seq = seq
	return &cp
}

// WithStage returns a shallow copy addressed at stageId.
func (p *Packet) WithStage(stageId int64) *Packet {
	cp := *p
	cp.StageId = stageId
	return &cp
}

// Dispose marks the packet consumed. It is safe to call exactly once per
// packet; a second call is a use/double-dispose bug and panics in builds
// that opt into strict mode via PanicOnDoubleDispose.
func (p *Packet) Dispose() {
	if !atomic.CompareAndSwapInt32(&p.disposed, 0, 1) {
		if PanicOnDoubleDispose {
			panic(fmt.Sprintf("packet: double dispose of msgId=%q seq=%d", p.MsgId, p.Seq))
		}
		return
	}
	p.Payload = nil
}

// IsDisposed reports whether Dispose has already run; use-after-dispose
// reads should check this in tests and assertions.
func (p *Packet) IsDisposed() bool {
	return atomic.LoadInt32(&p.disposed) != 0
}

// PanicOnDoubleDispose gates strict double-dispose detection. Off by
// default so production builds degrade to a no-op rather than crash a
// stage; test code sets it true to catch ownership bugs.
var PanicOnDoubleDispose = false

// String implements a compact debug representation, echoing the model
// codebase's Stringer-per-message-type convention.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet(msgId=%q, seq=%d, stageId=%d, errorCode=%d, payloadLen=%d)",
		p.MsgId, p.Seq, p.StageId, p.ErrorCode, len(p.Payload))
}
