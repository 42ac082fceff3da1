// Package route defines the Route Header: the out-of-band envelope attached
// to every mesh hop and every stage-dispatch hop, and its CBOR wire
// encoding between mesh peers.
package route

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Header is the envelope carried alongside a packet's payload on every mesh
// or dispatch hop.
type Header struct {
	From      string
	MsgId     string
	MsgSeq    uint16
	ServiceId uint16
	StageId   int64
	AccountId int64
	Sid       int64
	IsReply   bool
	ErrorCode uint16
	IsSystem  bool
}

// NoReply reports whether this header expects no correlated completion.
func (h Header) NoReply() bool { return h.MsgSeq == 0 }

// Reply builds the header for a reply to this header's request: sets the
// reply bit and the error code, and copies every other field (including
// the correlation seq and AccountId) unchanged. The request cache keys
// replies purely by MsgSeq.
func (h Header) Reply(errorCode uint16) Header {
	return Header{
		From:      h.From,
		MsgId:     h.MsgId,
		MsgSeq:    h.MsgSeq,
		ServiceId: h.ServiceId,
		StageId:   h.StageId,
		AccountId: h.AccountId,
		Sid:       h.Sid,
		IsReply:   true,
		ErrorCode: errorCode,
		IsSystem:  h.IsSystem,
	}
}

func (h Header) String() string {
	return fmt.Sprintf(
		"Header(from=%s, msgId=%q, msgSeq=%d, serviceId=%d, stageId=%d, accountId=%d, sid=%d, isReply=%t, errorCode=%d, isSystem=%t)",
		h.From, h.MsgId, h.MsgSeq, h.ServiceId, h.StageId, h.AccountId, h.Sid, h.IsReply, h.ErrorCode, h.IsSystem)
}

// flags bits, matching §6: "flags-byte {bit0=isReply, bit1=isSystem}".
const (
	flagIsReply  = 1 << 0
	flagIsSystem = 1 << 1
)

// MarshalCbor encodes the header as a fixed-order CBOR array: from, msgId,
// msgSeq, serviceId, stageId, accountId, sid, errorCode, flags-byte. This is
// the compact tag-length-value scheme the wire contract in §6 allows, bit-
// stable between peers built from the same schema.
func (h *Header) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(9, w); err != nil {
		return err
	}

	fields := []struct {
		write func() error
	}{
		{func() error { return cboring.WriteTextString(h.From, w) }},
		{func() error { return cboring.WriteTextString(h.MsgId, w) }},
		{func() error { return cboring.WriteUInt(uint64(h.MsgSeq), w) }},
		{func() error { return cboring.WriteUInt(uint64(h.ServiceId), w) }},
		{func() error { return writeInt64(h.StageId, w) }},
		{func() error { return writeInt64(h.AccountId, w) }},
		{func() error { return writeInt64(h.Sid, w) }},
		{func() error { return cboring.WriteUInt(uint64(h.ErrorCode), w) }},
		{func() error { return cboring.WriteUInt(uint64(h.flagsByte()), w) }},
	}

	for _, f := range fields {
		if err := f.write(); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor decodes a Header written by MarshalCbor.
func (h *Header) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 9 {
		return fmt.Errorf("route: header expected array length 9, got %d", n)
	}

	if h.From, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	if h.MsgId, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	seq, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.MsgSeq = uint16(seq)

	svc, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.ServiceId = uint16(svc)

	if h.StageId, err = readInt64(r); err != nil {
		return err
	}
	if h.AccountId, err = readInt64(r); err != nil {
		return err
	}
	if h.Sid, err = readInt64(r); err != nil {
		return err
	}

	code, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.ErrorCode = uint16(code)

	flags, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	h.IsReply = flags&flagIsReply != 0
	h.IsSystem = flags&flagIsSystem != 0

	return nil
}

func (h Header) flagsByte() uint8 {
	var b uint8
	if h.IsReply {
		b |= flagIsReply
	}
	if h.IsSystem {
		b |= flagIsSystem
	}
	return b
}

// writeInt64/readInt64 zig-zag encode signed ids (stageId/accountId/sid can
// be negative as sentinels) through cboring's unsigned primitive.
func writeInt64(v int64, w io.Writer) error {
	return cboring.WriteUInt(zigzagEncode(v), w)
}

func readInt64(r io.Reader) (int64, error) {
	u, err := cboring.ReadUInt(r)
	if err != nil {
		return 0, err
	}
	return zigzagDecode(u), nil
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
