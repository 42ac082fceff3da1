// Package wire implements the length-prefixed binary client frame: encode
// and decode for both directions, bounds checks against a configurable
// frame-size ceiling, an xz compression envelope bounded against
// decompression-bomb expansion, and a crc16 integrity trailer.
//
// Client -> server: Length(4,LE) || ServiceId(2) || MsgIdLen(1) || MsgId(N)
//                    || MsgSeq(2) || StageId(8) || Body(...) || CRC16(2)
// Server -> client adds ErrorCode(2) || OriginalSize(4) between StageId and
// Body; OriginalSize 0 means the body is not compressed.
//
// Length excludes the 4-byte length prefix itself but includes the trailing
// CRC16, matching the model codebase's own convention of the length field
// covering "everything after itself".
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/howeyc/crc16"
	"github.com/ulikunitz/xz"

	"github.com/playhouse-go/playhouse/internal/errs"
	"github.com/playhouse-go/playhouse/internal/packet"
)

// Limits bounds a single codec instance's frame acceptance.
type Limits struct {
	MaxFrameBytes         uint32
	MaxDecompressionRatio uint32
}

// DefaultLimits matches the specification's stated defaults (16 MiB frames,
// 100x decompression ratio ceiling).
func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 16 * 1024 * 1024, MaxDecompressionRatio: 100}
}

const (
	lengthPrefixSize = 4
	crcSize          = 2
	// compressThreshold is the body size above which EncodeServerFrame
	// opportunistically xz-compresses; small frames aren't worth it.
	compressThreshold = 512
)

// DecodeClientFrame parses one client->server frame whose body (everything
// after the length prefix) is exactly frameBody. MsgIdLen is validated to be
// within [1,255] by construction (it is a single byte read as-is).
func DecodeClientFrame(frameBody []byte, limits Limits) (*packet.Packet, uint16, error) {
	if uint32(len(frameBody))+lengthPrefixSize > limits.MaxFrameBytes {
		return nil, 0, errs.ErrOversizeFrame
	}

	r := bytes.NewReader(frameBody)

	var serviceId uint16
	if err := binary.Read(r, binary.LittleEndian, &serviceId); err != nil {
		return nil, 0, errs.Protocol("decoding serviceId", err)
	}

	msgIdLen, err := r.ReadByte()
	if err != nil {
		return nil, 0, errs.Protocol("decoding msgIdLen", err)
	}
	if msgIdLen == 0 {
		return nil, 0, errs.Protocol("msgIdLen must be >= 1", nil)
	}

	msgIdBytes := make([]byte, msgIdLen)
	if _, err := io.ReadFull(r, msgIdBytes); err != nil {
		return nil, 0, errs.Protocol("decoding msgId", err)
	}

	var seq uint16
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return nil, 0, errs.Protocol("decoding msgSeq", err)
	}

	var stageId int64
	if err := binary.Read(r, binary.LittleEndian, &stageId); err != nil {
		return nil, 0, errs.Protocol("decoding stageId", err)
	}

	bodyWithCrc := frameBody[len(frameBody)-r.Len():]
	if len(bodyWithCrc) < crcSize {
		return nil, 0, errs.Protocol("frame too short for CRC trailer", nil)
	}
	body := bodyWithCrc[:len(bodyWithCrc)-crcSize]
	wantCrc := binary.LittleEndian.Uint16(bodyWithCrc[len(bodyWithCrc)-crcSize:])
	if gotCrc := crc16.ChecksumCCITTFalse(frameBody[:len(frameBody)-crcSize]); gotCrc != wantCrc {
		return nil, 0, errs.Protocol("CRC16 mismatch", nil)
	}

	p := &packet.Packet{
		MsgId:   string(msgIdBytes),
		Payload: append([]byte(nil), body...),
		Seq:     seq,
		StageId: stageId,
	}
	return p, serviceId, nil
}

// EncodeClientFrame writes a client->server frame, including the length
// prefix, for p addressed at serviceId.
func EncodeClientFrame(p *packet.Packet, serviceId uint16) ([]byte, error) {
	if len(p.MsgId) == 0 || len(p.MsgId) > 255 {
		return nil, errs.Protocol(fmt.Sprintf("msgId length %d out of [1,255]", len(p.MsgId)), nil)
	}

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, serviceId)
	body.WriteByte(byte(len(p.MsgId)))
	body.WriteString(p.MsgId)
	binary.Write(&body, binary.LittleEndian, p.Seq)
	binary.Write(&body, binary.LittleEndian, p.StageId)
	body.Write(p.Payload)

	crc := crc16.ChecksumCCITTFalse(body.Bytes())

	var frame bytes.Buffer
	binary.Write(&frame, binary.LittleEndian, uint32(body.Len()+crcSize))
	frame.Write(body.Bytes())
	binary.Write(&frame, binary.LittleEndian, crc)

	return frame.Bytes(), nil
}

// DecodeServerFrame parses one server->client frame body, validating the
// decompression ratio before inflating OriginalSize-tagged bodies.
func DecodeServerFrame(frameBody []byte, limits Limits) (*packet.Packet, uint16, error) {
	if uint32(len(frameBody))+lengthPrefixSize > limits.MaxFrameBytes {
		return nil, 0, errs.ErrOversizeFrame
	}

	r := bytes.NewReader(frameBody)

	var serviceId uint16
	if err := binary.Read(r, binary.LittleEndian, &serviceId); err != nil {
		return nil, 0, errs.Protocol("decoding serviceId", err)
	}

	msgIdLen, err := r.ReadByte()
	if err != nil || msgIdLen == 0 {
		return nil, 0, errs.Protocol("decoding msgIdLen", err)
	}
	msgIdBytes := make([]byte, msgIdLen)
	if _, err := io.ReadFull(r, msgIdBytes); err != nil {
		return nil, 0, errs.Protocol("decoding msgId", err)
	}

	var seq uint16
	var stageId int64
	var errorCode uint16
	var originalSize uint32
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return nil, 0, errs.Protocol("decoding msgSeq", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &stageId); err != nil {
		return nil, 0, errs.Protocol("decoding stageId", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &errorCode); err != nil {
		return nil, 0, errs.Protocol("decoding errorCode", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &originalSize); err != nil {
		return nil, 0, errs.Protocol("decoding originalSize", err)
	}

	rest := frameBody[len(frameBody)-r.Len():]
	if len(rest) < crcSize {
		return nil, 0, errs.Protocol("frame too short for CRC trailer", nil)
	}
	compressed := rest[:len(rest)-crcSize]
	wantCrc := binary.LittleEndian.Uint16(rest[len(rest)-crcSize:])
	if gotCrc := crc16.ChecksumCCITTFalse(frameBody[:len(frameBody)-crcSize]); gotCrc != wantCrc {
		return nil, 0, errs.Protocol("CRC16 mismatch", nil)
	}

	var body []byte
	if originalSize == 0 {
		body = append([]byte(nil), compressed...)
	} else {
		if limits.MaxDecompressionRatio > 0 && len(compressed) > 0 {
			// Integer division rounds down, so a ratio that is fractionally
			// over the ceiling can slip past this check; the exact inflated
			// size is checked against originalSize below regardless.
			ratio := originalSize / uint32(len(compressed))
			if ratio > limits.MaxDecompressionRatio {
				return nil, 0, errs.ErrDecompressionBomb
			}
		}

		xr, err := xz.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, 0, errs.Protocol("opening xz stream", err)
		}
		buf := make([]byte, 0, originalSize)
		limited := io.LimitReader(xr, int64(limits.MaxDecompressionRatio)*int64(len(compressed))+int64(originalSize)+1)
		inflated, err := io.ReadAll(limited)
		if err != nil {
			return nil, 0, errs.Protocol("inflating xz stream", err)
		}
		if uint32(len(inflated)) != originalSize {
			return nil, 0, errs.ErrDecompressionBomb
		}
		body = append(buf, inflated...)
	}

	p := &packet.Packet{
		MsgId:     string(msgIdBytes),
		Payload:   body,
		Seq:       seq,
		StageId:   stageId,
		ErrorCode: errorCode,
	}
	return p, serviceId, nil
}

// EncodeServerFrame writes a server->client frame for p. Bodies larger than
// compressThreshold are opportunistically xz-compressed; OriginalSize is 0
// when no compression was applied.
func EncodeServerFrame(p *packet.Packet, serviceId uint16) ([]byte, error) {
	if len(p.MsgId) == 0 || len(p.MsgId) > 255 {
		return nil, errs.Protocol(fmt.Sprintf("msgId length %d out of [1,255]", len(p.MsgId)), nil)
	}

	body := p.Payload
	var originalSize uint32
	if len(body) > compressThreshold {
		var buf bytes.Buffer
		xw, err := xz.NewWriter(&buf)
		if err == nil {
			if _, werr := xw.Write(body); werr == nil && xw.Close() == nil && buf.Len() < len(body) {
				originalSize = uint32(len(body))
				body = buf.Bytes()
			}
		}
	}

	var frameBody bytes.Buffer
	binary.Write(&frameBody, binary.LittleEndian, serviceId)
	frameBody.WriteByte(byte(len(p.MsgId)))
	frameBody.WriteString(p.MsgId)
	binary.Write(&frameBody, binary.LittleEndian, p.Seq)
	binary.Write(&frameBody, binary.LittleEndian, p.StageId)
	binary.Write(&frameBody, binary.LittleEndian, p.ErrorCode)
	binary.Write(&frameBody, binary.LittleEndian, originalSize)
	frameBody.Write(body)

	crc := crc16.ChecksumCCITTFalse(frameBody.Bytes())

	var frame bytes.Buffer
	binary.Write(&frame, binary.LittleEndian, uint32(frameBody.Len()+crcSize))
	frame.Write(frameBody.Bytes())
	binary.Write(&frame, binary.LittleEndian, crc)

	return frame.Bytes(), nil
}

// ReadLength reads the 4-byte little-endian length prefix from r.
func ReadLength(r io.Reader) (uint32, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return 0, err
	}
	return length, nil
}
