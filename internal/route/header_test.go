package route

import (
	"bytes"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	cases := []Header{
		{},
		{
			From: "node-1", MsgId: "EchoRequest", MsgSeq: 42, ServiceId: 7,
			StageId: -1, AccountId: 1000001, Sid: 55, IsReply: false,
			ErrorCode: 0, IsSystem: false,
		},
		{
			From: "node-2", MsgId: "@Heart@Beat@", MsgSeq: 0, ServiceId: 0,
			StageId: -9999999999, AccountId: -1, Sid: -1, IsReply: true,
			ErrorCode: 4001, IsSystem: true,
		},
	}

	for _, h := range cases {
		var buf bytes.Buffer
		if err := h.MarshalCbor(&buf); err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var out Header
		if err := out.UnmarshalCbor(&buf); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}

		if out != h {
			t.Fatalf("roundtrip mismatch: got %+v, want %+v", out, h)
		}
	}
}

func TestHeaderReply(t *testing.T) {
	req := Header{From: "node-1", MsgId: "Foo", MsgSeq: 9, ServiceId: 1, StageId: 5, Sid: 3}
	rep := req.Reply(0)

	if !rep.IsReply {
		t.Fatal("expected reply header to set IsReply")
	}
	if rep.MsgSeq != req.MsgSeq {
		t.Fatalf("expected seq to be preserved, got %d", rep.MsgSeq)
	}
}
