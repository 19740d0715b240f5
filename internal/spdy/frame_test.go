package spdy

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestHeaderBlockAddMergesDuplicates(t *testing.T) {
	hb := HeaderBlock{}
	hb.Add("Set-Cookie", "a=1")
	hb.Add("set-cookie", "b=2")
	hb.Add("Host", "example.com")

	if got := hb["set-cookie"]; got != "a=1\x00b=2" {
		t.Errorf("merged value = %q, want %q", got, "a=1\x00b=2")
	}
	if got := hb.Get("SET-COOKIE"); got != "a=1" {
		t.Errorf("Get returned %q, want first value %q", got, "a=1")
	}
	if got := hb.Get("host"); got != "example.com" {
		t.Errorf("Get(host) = %q, want %q", got, "example.com")
	}
	if got := hb.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
}

func TestHeaderBlockSerializedForm(t *testing.T) {
	hb := HeaderBlock{}
	hb.Add("b", "2")
	hb.Add("a", "1")

	raw, err := hb.appendSerialized(nil)
	if err != nil {
		t.Fatalf("appendSerialized: %v", err)
	}
	want := []byte{
		0x00, 0x02, // pair count
		0x00, 0x01, 'a', 0x00, 0x01, '1',
		0x00, 0x01, 'b', 0x00, 0x01, '2',
	}
	if !bytes.Equal(raw, want) {
		t.Errorf("serialized form = %x, want %x", raw, want)
	}
}

func TestHeaderBlockSerializeRejectsEmptyName(t *testing.T) {
	hb := HeaderBlock{"": "value"}
	if _, err := hb.appendSerialized(nil); err == nil {
		t.Fatal("expected error for empty header name")
	}
}

func TestParseFrameHeader(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want FrameHeader
	}{
		{
			name: "control frame",
			buf:  []byte{0x80, 0x02, 0x00, 0x06, 0x00, 0x00, 0x00, 0x04},
			want: FrameHeader{Control: true, Version: 2, Type: TypePing, Length: 4},
		},
		{
			name: "data frame with fin",
			buf:  []byte{0x00, 0x00, 0x00, 0x07, 0x01, 0x00, 0x00, 0x05},
			want: FrameHeader{StreamID: 7, Flags: FlagFin, Length: 5},
		},
		{
			name: "data frame clears reserved bit",
			buf:  []byte{0x7f, 0xff, 0xff, 0xff, 0x00, 0x12, 0x34, 0x56},
			want: FrameHeader{StreamID: MaxStreamID, Length: 0x123456},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseFrameHeader(tc.buf); got != tc.want {
				t.Errorf("parseFrameHeader = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestAppendControlHeaderLayout(t *testing.T) {
	buf := appendControlHeader(nil, TypeGoAway, 0, 4)
	if len(buf) != FrameHeaderLen {
		t.Fatalf("header length = %d, want %d", len(buf), FrameHeaderLen)
	}
	first := binary.BigEndian.Uint16(buf[0:2])
	if first&controlBit == 0 {
		t.Error("control bit not set")
	}
	if v := first &^ controlBit; v != Version {
		t.Errorf("version = %d, want %d", v, Version)
	}
	if typ := binary.BigEndian.Uint16(buf[2:4]); ControlType(typ) != TypeGoAway {
		t.Errorf("type = %d, want %d", typ, TypeGoAway)
	}
}
