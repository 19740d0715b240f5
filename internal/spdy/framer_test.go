package spdy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

type dataEvent struct {
	streamID uint32
	data     []byte
	fin      bool
}

// captureVisitor records everything a Framer emits.
type captureVisitor struct {
	frames []ControlFrame
	data   []dataEvent
}

func (v *captureVisitor) OnControlFrame(frame ControlFrame) {
	v.frames = append(v.frames, frame)
}

func (v *captureVisitor) OnStreamData(streamID uint32, data []byte, fin bool) {
	v.data = append(v.data, dataEvent{streamID: streamID, data: append([]byte(nil), data...), fin: fin})
}

func newTestFramer(t *testing.T, v Visitor, max uint32) *Framer {
	t.Helper()
	f, err := NewFramer(v, max)
	if err != nil {
		t.Fatalf("NewFramer: %v", err)
	}
	return f
}

func testControlFrames() []ControlFrame {
	return []ControlFrame{
		&SynStreamFrame{
			StreamID: 1,
			Priority: 2,
			Flags:    FlagFin,
			Headers:  HeaderBlock{"method": "GET", "url": "/", "version": "HTTP/1.1"},
		},
		&SynReplyFrame{
			StreamID: 1,
			Headers:  HeaderBlock{"status": "200 OK", "version": "HTTP/1.1"},
		},
		&HeadersFrame{
			StreamID: 1,
			Headers:  HeaderBlock{"x-trailer": "done"},
		},
		&RstStreamFrame{StreamID: 3, Status: StatusRefusedStream},
		&SettingsFrame{Entries: []SettingEntry{
			{ID: SettingMaxConcurrentStreams, Flags: 0, Value: 100},
			{ID: SettingRoundTripTime, Flags: 1, Value: 42},
		}},
		&NoopFrame{},
		&PingFrame{ID: 1},
		&GoAwayFrame{LastAcceptedStreamID: 5},
		&WindowUpdateFrame{StreamID: 1, Delta: 65536},
	}
}

func TestControlFrameRoundTrip(t *testing.T) {
	sink := &captureVisitor{}
	encoder := newTestFramer(t, &captureVisitor{}, 0)
	decoder := newTestFramer(t, sink, 0)

	frames := testControlFrames()
	for _, frame := range frames {
		buf, err := encoder.EncodeControlFrame(frame)
		if err != nil {
			t.Fatalf("encode %T: %v", frame, err)
		}
		n, err := decoder.Feed(buf)
		if err != nil {
			t.Fatalf("feed %T: %v", frame, err)
		}
		if n != len(buf) {
			t.Fatalf("feed %T consumed %d of %d bytes", frame, n, len(buf))
		}
	}

	if len(sink.frames) != len(frames) {
		t.Fatalf("decoded %d frames, want %d", len(sink.frames), len(frames))
	}
	for i, want := range frames {
		if !reflect.DeepEqual(sink.frames[i], want) {
			t.Errorf("frame %d = %+v, want %+v", i, sink.frames[i], want)
		}
	}
}

func TestFeedOneByteAtATime(t *testing.T) {
	sink := &captureVisitor{}
	encoder := newTestFramer(t, &captureVisitor{}, 0)
	decoder := newTestFramer(t, sink, 0)

	frames := testControlFrames()
	var wire []byte
	for _, frame := range frames {
		buf, err := encoder.EncodeControlFrame(frame)
		if err != nil {
			t.Fatalf("encode %T: %v", frame, err)
		}
		wire = append(wire, buf...)
	}

	for i := range wire {
		if _, err := decoder.Feed(wire[i : i+1]); err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
	}
	if len(sink.frames) != len(frames) {
		t.Fatalf("decoded %d frames, want %d", len(sink.frames), len(frames))
	}
	for i, want := range frames {
		if !reflect.DeepEqual(sink.frames[i], want) {
			t.Errorf("frame %d = %+v, want %+v", i, sink.frames[i], want)
		}
	}
}

func TestDataFrameDecode(t *testing.T) {
	sink := &captureVisitor{}
	encoder := newTestFramer(t, &captureVisitor{}, 0)
	decoder := newTestFramer(t, sink, 0)

	payload := []byte("hello, stream")
	buf, err := encoder.EncodeDataFrame(&DataFrame{StreamID: 7, Flags: FlagFin, Data: payload})
	if err != nil {
		t.Fatalf("EncodeDataFrame: %v", err)
	}
	if _, err := decoder.Feed(buf); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	if len(sink.data) != 1 {
		t.Fatalf("got %d data events, want 1", len(sink.data))
	}
	ev := sink.data[0]
	if ev.streamID != 7 || !ev.fin || !bytes.Equal(ev.data, payload) {
		t.Errorf("data event = %+v, want stream 7, fin, %q", ev, payload)
	}
}

func TestZeroLengthDataFrameSignalsFin(t *testing.T) {
	sink := &captureVisitor{}
	decoder := newTestFramer(t, sink, 0)

	buf := appendDataHeader(nil, 9, 0, 0)
	if _, err := decoder.Feed(buf); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(sink.data) != 1 {
		t.Fatalf("got %d data events, want 1", len(sink.data))
	}
	if ev := sink.data[0]; ev.streamID != 9 || !ev.fin || len(ev.data) != 0 {
		t.Errorf("data event = %+v, want empty fin for stream 9", ev)
	}
}

func TestDataFrameSplitAcrossFeeds(t *testing.T) {
	sink := &captureVisitor{}
	encoder := newTestFramer(t, &captureVisitor{}, 0)
	decoder := newTestFramer(t, sink, 0)

	buf, err := encoder.EncodeDataFrame(&DataFrame{StreamID: 3, Flags: FlagFin, Data: []byte("abcdef")})
	if err != nil {
		t.Fatalf("EncodeDataFrame: %v", err)
	}
	mid := FrameHeaderLen + 3
	if _, err := decoder.Feed(buf[:mid]); err != nil {
		t.Fatalf("Feed first half: %v", err)
	}
	if _, err := decoder.Feed(buf[mid:]); err != nil {
		t.Fatalf("Feed second half: %v", err)
	}

	var got []byte
	sawFin := false
	for _, ev := range sink.data {
		got = append(got, ev.data...)
		sawFin = sawFin || ev.fin
	}
	if !bytes.Equal(got, []byte("abcdef")) || !sawFin {
		t.Errorf("reassembled %q (fin=%v), want %q with fin", got, sawFin, "abcdef")
	}
	// fin must only be reported on the final chunk
	for _, ev := range sink.data[:len(sink.data)-1] {
		if ev.fin {
			t.Error("fin reported before the final chunk")
		}
	}
}

func TestRejectsUnknownControlType(t *testing.T) {
	decoder := newTestFramer(t, &captureVisitor{}, 0)
	buf := appendControlHeader(nil, ControlType(0x0a), 0, 0)

	_, err := decoder.Feed(buf)
	var se *SessionError
	if !errors.As(err, &se) || se.Code != ErrCodeUnknownControlType {
		t.Fatalf("Feed error = %v, want ErrCodeUnknownControlType", err)
	}
	// The framer is latched: later feeds return the same error.
	if _, err2 := decoder.Feed([]byte{0}); !errors.Is(err2, err) {
		t.Errorf("second Feed error = %v, want latched %v", err2, err)
	}
}

func TestRejectsUnsupportedVersion(t *testing.T) {
	decoder := newTestFramer(t, &captureVisitor{}, 0)
	buf := make([]byte, FrameHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], controlBit|3)
	binary.BigEndian.PutUint16(buf[2:4], uint16(TypePing))
	buf[7] = 4

	_, err := decoder.Feed(buf)
	var se *SessionError
	if !errors.As(err, &se) || se.Code != ErrCodeUnsupportedVersion {
		t.Fatalf("Feed error = %v, want ErrCodeUnsupportedVersion", err)
	}
}

func TestRejectsOversizedControlFrame(t *testing.T) {
	decoder := newTestFramer(t, &captureVisitor{}, 16)
	buf := appendControlHeader(nil, TypeSynStream, 0, 17)

	_, err := decoder.Feed(buf)
	var se *SessionError
	if !errors.As(err, &se) || se.Code != ErrCodeControlFrameTooLarge {
		t.Fatalf("Feed error = %v, want ErrCodeControlFrameTooLarge", err)
	}
}

func TestRejectsMalformedSettingsCount(t *testing.T) {
	decoder := newTestFramer(t, &captureVisitor{}, 0)
	// Declares 2 entries but carries 1.
	payload := make([]byte, 4+8)
	binary.BigEndian.PutUint32(payload[0:4], 2)
	buf := appendControlHeader(nil, TypeSettings, 0, uint32(len(payload)))
	buf = append(buf, payload...)

	_, err := decoder.Feed(buf)
	var se *SessionError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidControlFrame {
		t.Fatalf("Feed error = %v, want ErrCodeInvalidControlFrame", err)
	}
}

func TestRejectsDuplicateHeaderNamesOnWire(t *testing.T) {
	compressor, err := newHeaderCompressor()
	if err != nil {
		t.Fatalf("newHeaderCompressor: %v", err)
	}
	// Two pairs with the same name, which Add could never produce.
	var raw []byte
	raw = binary.BigEndian.AppendUint16(raw, 2)
	for _, pair := range [][2]string{{"dup", "1"}, {"dup", "2"}} {
		raw = binary.BigEndian.AppendUint16(raw, uint16(len(pair[0])))
		raw = append(raw, pair[0]...)
		raw = binary.BigEndian.AppendUint16(raw, uint16(len(pair[1])))
		raw = append(raw, pair[1]...)
	}
	block, err := compressor.compress(raw)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	payload := make([]byte, 6, 6+len(block))
	binary.BigEndian.PutUint32(payload[0:4], 1)
	payload = append(payload, block...)
	buf := appendControlHeader(nil, TypeSynReply, 0, uint32(len(payload)))
	buf = append(buf, payload...)

	decoder := newTestFramer(t, &captureVisitor{}, 0)
	_, err = decoder.Feed(buf)
	var se *SessionError
	if !errors.As(err, &se) || se.Code != ErrCodeDecompressionFailure {
		t.Fatalf("Feed error = %v, want ErrCodeDecompressionFailure", err)
	}
}

func TestEncodeSynStreamRequiresStreamID(t *testing.T) {
	encoder := newTestFramer(t, &captureVisitor{}, 0)
	_, err := encoder.EncodeControlFrame(&SynStreamFrame{StreamID: 0})
	if err == nil {
		t.Fatal("expected error for stream id 0")
	}
}
