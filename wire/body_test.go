package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type testMessage struct {
	Type      string `json:"type" msgpack:"type"`
	Statement string `json:"statement,omitempty" msgpack:"statement,omitempty"`
	Kind      int    `json:"kind,omitempty" msgpack:"kind,omitempty"`
}

func TestMarshal_JSON(t *testing.T) {
	flag, body, err := Marshal(testMessage{Type: "evaluate", Statement: "resolver.init()"}, BodyOptions{})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if flag != FlagJSON {
		t.Errorf("flag = %v, want %v", flag, FlagJSON)
	}
	if !strings.Contains(string(body), `"statement":"resolver.init()"`) {
		t.Errorf("body = %s", body)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	long := strings.Repeat("resolver.resolve('qid','artist','album','track');", 200)
	tests := []struct {
		name     string
		opts     BodyOptions
		msg      testMessage
		wantFlag Flag
	}{
		{"json", BodyOptions{Encoding: EncodingJSON}, testMessage{Type: "callback", Kind: 5}, FlagJSON},
		{"msgpack", BodyOptions{Encoding: EncodingMsgpack}, testMessage{Type: "callback", Kind: 5}, FlagMsgpack},
		{"json below threshold", BodyOptions{CompressThreshold: 1024}, testMessage{Type: "ping"}, FlagJSON},
		{"json compressed", BodyOptions{CompressThreshold: 1024}, testMessage{Type: "evaluate", Statement: long}, FlagJSON | FlagCompressed},
		{"msgpack compressed", BodyOptions{Encoding: EncodingMsgpack, CompressThreshold: 64}, testMessage{Type: "evaluate", Statement: long}, FlagMsgpack | FlagCompressed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag, body, err := Marshal(tt.msg, tt.opts)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if flag != tt.wantFlag {
				t.Errorf("flag = %v, want %v", flag, tt.wantFlag)
			}

			// Through the frame codec and back.
			frame, _, err := DecodeFrame(Encode(flag, body))
			if err != nil {
				t.Fatalf("DecodeFrame failed: %v", err)
			}

			var got testMessage
			if err := Unmarshal(frame, &got); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got != tt.msg {
				t.Errorf("got %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestMarshal_CompressionShrinksRepetitiveBody(t *testing.T) {
	msg := testMessage{Type: "evaluate", Statement: strings.Repeat("a", 10000)}
	_, body, err := Marshal(msg, BodyOptions{CompressThreshold: 1})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(body) >= 10000 {
		t.Errorf("compressed body is %d bytes, expected far fewer", len(body))
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"invalid json", Frame{Flag: FlagJSON, Body: []byte("{not json")}},
		{"raw body", Frame{Flag: FlagRaw, Body: []byte("ok")}},
		{"truncated compressed", Frame{Flag: FlagJSON | FlagCompressed, Body: []byte{0, 0}}},
		{"bad zlib", Frame{Flag: FlagJSON | FlagCompressed, Body: []byte{0, 0, 0, 4, 1, 2, 3, 4}}},
		{"oversized uncompressed", Frame{Flag: FlagJSON | FlagCompressed, Body: []byte{0xff, 0xff, 0xff, 0xff}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg testMessage
			err := Unmarshal(tt.frame, &msg)
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %v", err)
			}
			if frameErr.Kind != FrameErrorDecode {
				t.Errorf("Kind = %v, want %v", frameErr.Kind, FrameErrorDecode)
			}
		})
	}
}

func TestDecompress_SizeMismatch(t *testing.T) {
	compressed, err := compress([]byte("hello"))
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	// Lie about the uncompressed size.
	compressed[3] = 9

	if _, err := decompress(compressed); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		input   string
		want    Encoding
		wantErr bool
	}{
		{"", EncodingJSON, false},
		{"json", EncodingJSON, false},
		{"msgpack", EncodingMsgpack, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEncoding(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEncoding(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseEncoding(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompress_PrefixIsUncompressedLength(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	compressed, err := compress(payload)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if got := int(compressed[2])<<8 | int(compressed[3]); got != 300 {
		t.Errorf("size prefix = %d, want 300", got)
	}
}
