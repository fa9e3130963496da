package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

// firstMsg is a setup payload as sent by a Tomahawk peer.
const firstMsg = `{"conntype":"accept-offer","key":"whitelist","port":50210,"nodeid":"e5bb2a2c-3d0b-4b6f-9b0e-8e1f3d6a1c11","controlid":"e5bb2a2c-3d0b-4b6f-9b0e-8e1f3d6a1c11"}`

func TestEncode_Layout(t *testing.T) {
	frame := Encode(FlagJSON, []byte(firstMsg))

	if len(frame) != HeaderSize+len(firstMsg) {
		t.Fatalf("len(frame) = %d, want %d", len(frame), HeaderSize+len(firstMsg))
	}
	if got := binary.BigEndian.Uint32(frame[:LengthPrefixSize]); got != uint32(len(firstMsg)) {
		t.Errorf("length field = %d, want %d", got, len(firstMsg))
	}
	if got := Flag(frame[LengthPrefixSize]); got != FlagJSON {
		t.Errorf("flag byte = %v, want %v", got, FlagJSON)
	}
	if got := string(frame[HeaderSize:]); got != firstMsg {
		t.Errorf("body = %q, want %q", got, firstMsg)
	}
}

func TestRoundTrip(t *testing.T) {
	bodies := [][]byte{
		nil,
		{},
		[]byte("{}"),
		[]byte(firstMsg),
		bytes.Repeat([]byte{0x00, 0xff}, 40000),
	}
	flags := []Flag{FlagRaw, FlagJSON, FlagJSON | FlagCompressed, FlagPing, FlagSetup, FlagMsgpack, FlagJSON | FlagFragment}

	for _, body := range bodies {
		for _, flag := range flags {
			frame := Encode(flag, body)

			h, err := DecodeHeader(frame)
			if err != nil {
				t.Fatalf("DecodeHeader(flag=%v, len=%d) failed: %v", flag, len(body), err)
			}
			if h.Length != uint32(len(body)) {
				t.Errorf("Length = %d, want %d", h.Length, len(body))
			}
			if h.Flag != flag {
				t.Errorf("Flag = %v, want %v", h.Flag, flag)
			}

			got, err := ExtractBody(frame)
			if err != nil {
				t.Fatalf("ExtractBody(flag=%v, len=%d) failed: %v", flag, len(body), err)
			}
			if !bytes.Equal(got, body) {
				t.Errorf("ExtractBody returned %d bytes, want %d", len(got), len(body))
			}
		}
	}
}

func TestDecodeHeader_HeaderOnly(t *testing.T) {
	// The header alone is enough to learn the body length.
	frame := Encode(FlagJSON, []byte(firstMsg))

	h, err := DecodeHeader(frame[:HeaderSize])
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if int(h.Length) != len(firstMsg) {
		t.Errorf("Length = %d, want %d", h.Length, len(firstMsg))
	}
	if h.FrameSize() != len(frame) {
		t.Errorf("FrameSize() = %d, want %d", h.FrameSize(), len(frame))
	}
}

func TestDecodeHeader_Incomplete(t *testing.T) {
	frame := Encode(FlagJSON, []byte(firstMsg))

	for n := 0; n < HeaderSize; n++ {
		h, err := DecodeHeader(frame[:n])
		if err == nil {
			t.Fatalf("DecodeHeader(%d bytes) expected error", n)
		}
		if !IsIncomplete(err) {
			t.Errorf("DecodeHeader(%d bytes) error = %v, want incomplete", n, err)
		}
		if IsMalformed(err) {
			t.Errorf("incomplete header must not be malformed")
		}
		if h != (Header{}) {
			t.Errorf("DecodeHeader(%d bytes) returned partial header %+v", n, h)
		}
	}
}

func TestExtractBody_Incomplete(t *testing.T) {
	frame := Encode(FlagJSON, []byte(firstMsg))

	for _, n := range []int{HeaderSize, HeaderSize + 1, len(frame) - 1} {
		body, err := ExtractBody(frame[:n])
		if err == nil {
			t.Fatalf("ExtractBody(%d bytes) expected error", n)
		}
		var frameErr *FrameError
		if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorIncompleteBody {
			t.Errorf("ExtractBody(%d bytes) error = %v, want incomplete body", n, err)
		}
		if body != nil {
			t.Errorf("ExtractBody(%d bytes) returned partial body", n)
		}
	}
}

func TestExtractBody_IgnoresTrailingBytes(t *testing.T) {
	frame := Encode(FlagJSON, []byte(`{"a":1}`))
	frame = append(frame, Encode(FlagPing, nil)...)

	body, err := ExtractBody(frame)
	if err != nil {
		t.Fatalf("ExtractBody failed: %v", err)
	}
	if string(body) != `{"a":1}` {
		t.Errorf("body = %q, want %q", body, `{"a":1}`)
	}
}

func TestDecodeHeader_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		header   []byte
		wantKind FrameErrorKind
	}{
		{
			name:     "oversized length",
			header:   header(MaxBodySize+1, FlagJSON),
			wantKind: FrameErrorTooLarge,
		},
		{
			name:     "max uint32 length",
			header:   header(0xFFFFFFFF, FlagJSON),
			wantKind: FrameErrorTooLarge,
		},
		{
			name:     "zero flag",
			header:   header(2, 0),
			wantKind: FrameErrorBadFlag,
		},
		{
			name:     "json and msgpack",
			header:   header(2, FlagJSON|FlagMsgpack),
			wantKind: FrameErrorBadFlag,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.header)
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %T: %v", err, err)
			}
			if frameErr.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", frameErr.Kind, tt.wantKind)
			}
			if !IsMalformed(err) {
				t.Error("expected malformed")
			}
			if IsIncomplete(err) {
				t.Error("malformed must not be incomplete")
			}
		})
	}
}

func TestDecodeHeader_MaxBodySizeAccepted(t *testing.T) {
	h, err := DecodeHeader(header(MaxBodySize, FlagRaw))
	if err != nil {
		t.Fatalf("DecodeHeader failed at exact limit: %v", err)
	}
	if h.Length != MaxBodySize {
		t.Errorf("Length = %d, want %d", h.Length, MaxBodySize)
	}
}

func TestFlag_String(t *testing.T) {
	if got := (FlagJSON | FlagCompressed).String(); got != "json|compressed" {
		t.Errorf("String() = %q, want %q", got, "json|compressed")
	}
	if got := Flag(0).String(); got != "flag(0)" {
		t.Errorf("String() = %q, want %q", got, "flag(0)")
	}
}

func TestReader_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(FlagSetup, []byte("ok")))
	buf.Write(Encode(FlagJSON, []byte(firstMsg)))
	buf.Write(Encode(FlagPing, nil))

	r := NewReader(&buf)
	want := []Frame{
		{Flag: FlagSetup, Body: []byte("ok")},
		{Flag: FlagJSON, Body: []byte(firstMsg)},
		{Flag: FlagPing, Body: []byte{}},
	}
	for i, w := range want {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame failed: %v", i, err)
		}
		if got.Flag != w.Flag {
			t.Errorf("frame %d: Flag = %v, want %v", i, got.Flag, w.Flag)
		}
		if !bytes.Equal(got.Body, w.Body) {
			t.Errorf("frame %d: Body = %q, want %q", i, got.Body, w.Body)
		}
	}

	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after last frame, got %v", err)
	}
}

func TestReader_OneByteAtATime(t *testing.T) {
	frame := Encode(FlagJSON, []byte(firstMsg))
	r := NewReader(iotest.OneByteReader(bytes.NewReader(frame)))

	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(got.Body) != firstMsg {
		t.Errorf("Body = %q, want %q", got.Body, firstMsg)
	}
}

func TestReader_TruncatedStream(t *testing.T) {
	frame := Encode(FlagJSON, []byte(firstMsg))
	r := NewReader(bytes.NewReader(frame[:len(frame)-3]))

	_, err := r.ReadFrame()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReader_MalformedStream(t *testing.T) {
	r := NewReader(bytes.NewReader(header(MaxBodySize+10, FlagJSON)))

	_, err := r.ReadFrame()
	if !IsMalformed(err) {
		t.Errorf("expected malformed error, got %v", err)
	}
}

func TestReader_BodyNotAliased(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(FlagRaw, []byte("first")))
	buf.Write(Encode(FlagRaw, []byte("second")))

	r := NewReader(&buf)
	first, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(first.Body) != "first" {
		t.Errorf("first body mutated to %q", first.Body)
	}
}

func TestWriter_WriteFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteFrame(FlagJSON, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	body, err := ExtractBody(buf.Bytes())
	if err != nil {
		t.Fatalf("ExtractBody failed: %v", err)
	}
	if string(body) != `{"type":"ping"}` {
		t.Errorf("body = %q", body)
	}
}

func TestFrameError_Message(t *testing.T) {
	_, err := DecodeHeader([]byte{0, 0})
	if err == nil || !strings.Contains(err.Error(), "header needs 5 bytes") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func header(length uint32, flag Flag) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf, length)
	buf[LengthPrefixSize] = byte(flag)
	return buf
}
