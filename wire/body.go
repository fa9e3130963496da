package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the structured body encoding.
type Encoding string

// Supported body encodings.
const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding parses an encoding name. Empty selects JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("invalid encoding: %q (must be json or msgpack)", s)
	}
}

// Flag returns the frame flag for this encoding.
func (e Encoding) Flag() Flag {
	if e == EncodingMsgpack {
		return FlagMsgpack
	}
	return FlagJSON
}

// BodyOptions controls how Marshal builds a body.
type BodyOptions struct {
	// Encoding is the structured encoding (default JSON).
	Encoding Encoding
	// CompressThreshold compresses bodies of at least this many bytes.
	// Zero disables compression.
	CompressThreshold int
}

// Marshal encodes v as a frame body and returns the flag to send it with.
// Compressed bodies use the qCompress layout: 4-byte big-endian
// uncompressed length followed by a zlib stream.
func Marshal(v any, opts BodyOptions) (Flag, []byte, error) {
	var (
		body []byte
		err  error
	)
	flag := opts.Encoding.Flag()
	if flag == FlagMsgpack {
		body, err = msgpack.Marshal(v)
	} else {
		body, err = json.Marshal(v)
	}
	if err != nil {
		return 0, nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode body", Err: err}
	}

	if opts.CompressThreshold > 0 && len(body) >= opts.CompressThreshold {
		compressed, err := compress(body)
		if err != nil {
			return 0, nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to compress body", Err: err}
		}
		return flag | FlagCompressed, compressed, nil
	}
	return flag, body, nil
}

// Unmarshal decodes a frame body into v according to the frame flag.
func Unmarshal(frame Frame, v any) error {
	body := frame.Body
	if frame.Flag.Has(FlagCompressed) {
		var err error
		body, err = decompress(body)
		if err != nil {
			return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decompress body", Err: err}
		}
	}

	switch {
	case frame.Flag.Has(FlagMsgpack):
		if err := msgpack.Unmarshal(body, v); err != nil {
			return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode msgpack body", Err: err}
		}
	case frame.Flag.Has(FlagJSON):
		if err := json.Unmarshal(body, v); err != nil {
			return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode json body", Err: err}
		}
	default:
		return &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("frame %s carries no structured body", frame.Flag),
		}
	}
	return nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var size [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	buf.Write(size[:])

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(body []byte) ([]byte, error) {
	if len(body) < LengthPrefixSize {
		return nil, fmt.Errorf("compressed body shorter than size prefix")
	}
	want := binary.BigEndian.Uint32(body[:LengthPrefixSize])
	if want > MaxBodySize {
		return nil, fmt.Errorf("uncompressed size %d exceeds maximum %d", want, MaxBodySize)
	}

	zr, err := zlib.NewReader(bytes.NewReader(body[LengthPrefixSize:]))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	out, err := io.ReadAll(io.LimitReader(zr, int64(want)+1))
	if err != nil {
		return nil, err
	}
	if uint32(len(out)) != want {
		return nil, fmt.Errorf("uncompressed size %d, header declared %d", len(out), want)
	}
	return out, nil
}
