package quicmesh

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/playhouse-go/playhouse/internal/route"
)

// helloMsgId is the first frame a dialer sends on a freshly opened
// stream, so the accepting side learns the caller's node-id.
const helloMsgId = "@MeshHello@"

// writeStreamFrame/readStreamFrame use the same self-delimiting-CBOR
// framing as the TCP mesh transport: Length(4,LE) || CBOR-Header ||
// payload.
func writeStreamFrame(w io.Writer, hdr route.Header, payload []byte) error {
	var body bytes.Buffer
	if err := hdr.MarshalCbor(&body); err != nil {
		return err
	}
	body.Write(payload)

	if err := binary.Write(w, binary.LittleEndian, uint32(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func readStreamFrame(r io.Reader) (route.Header, []byte, error) {
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
