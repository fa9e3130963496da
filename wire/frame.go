// Package wire implements the Msg frame codec used on remote resolver links.
//
// Frame layout:
//
//	+----------------+----------+---------------------+
//	| length (4B,BE) | flag(1B) | body (length bytes) |
//	+----------------+----------+---------------------+
//
// length counts body bytes only. The header size is fixed, so a reader can
// learn how many bytes to wait for from the first HeaderSize bytes alone.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame size constants.
const (
	// LengthPrefixSize is the size of the length field in bytes.
	LengthPrefixSize = 4
	// HeaderSize is the size of the length field plus the flag byte.
	HeaderSize = LengthPrefixSize + 1
	// MaxBodySize is the largest body a peer may declare (16 MiB).
	MaxBodySize = 16 * 1024 * 1024
)

// Flag is the one-byte frame flag. Values follow the Tomahawk Msg flags.
type Flag byte

// Frame flags. Flags combine as a bitmask (e.g. FlagJSON|FlagCompressed).
const (
	FlagRaw        Flag = 1
	FlagJSON       Flag = 2
	FlagFragment   Flag = 4
	FlagCompressed Flag = 8
	FlagDBOp       Flag = 16
	FlagPing       Flag = 32
	FlagMsgpack    Flag = 64
	FlagSetup      Flag = 128
)

// Has returns true if every bit of other is set in f.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// Valid returns true if the flag is usable: non-zero, and naming at most
// one structured body encoding.
func (f Flag) Valid() bool {
	if f == 0 {
		return false
	}
	return !(f.Has(FlagJSON) && f.Has(FlagMsgpack))
}

func (f Flag) String() string {
	names := []struct {
		flag Flag
		name string
	}{
		{FlagRaw, "raw"},
		{FlagJSON, "json"},
		{FlagFragment, "fragment"},
		{FlagCompressed, "compressed"},
		{FlagDBOp, "dbop"},
		{FlagPing, "ping"},
		{FlagMsgpack, "msgpack"},
		{FlagSetup, "setup"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.flag) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return fmt.Sprintf("flag(%d)", byte(f))
	}
	return out
}

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorIncompleteHeader means fewer than HeaderSize bytes are buffered.
	FrameErrorIncompleteHeader FrameErrorKind = iota
	// FrameErrorIncompleteBody means the body has not fully arrived.
	FrameErrorIncompleteBody
	// FrameErrorTooLarge means the declared length exceeds MaxBodySize.
	FrameErrorTooLarge
	// FrameErrorBadFlag means the flag byte is not a usable flag.
	FrameErrorBadFlag
	// FrameErrorDecode means the body could not be decoded.
	FrameErrorDecode
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorIncompleteHeader:
		return "incomplete_header"
	case FrameErrorIncompleteBody:
		return "incomplete_body"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorBadFlag:
		return "bad_flag"
	case FrameErrorDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsIncomplete returns true if more bytes must be buffered before retrying.
// Incomplete frames are never fatal.
func (e *FrameError) IsIncomplete() bool {
	return e.Kind == FrameErrorIncompleteHeader || e.Kind == FrameErrorIncompleteBody
}

// IsMalformed returns true if the stream producing the frame can no longer
// be trusted and should be dropped.
func (e *FrameError) IsMalformed() bool {
	return e.Kind == FrameErrorTooLarge || e.Kind == FrameErrorBadFlag
}

// IsIncomplete returns true if err is an incomplete-frame error.
func IsIncomplete(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsIncomplete()
	}
	return false
}

// IsMalformed returns true if err is a malformed-frame error.
func IsMalformed(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsMalformed()
	}
	return false
}

// Header is the decoded fixed-size frame header.
type Header struct {
	// Length is the body length in bytes.
	Length uint32
	// Flag is the frame flag.
	Flag Flag
}

// FrameSize returns the full frame size (header plus body).
func (h Header) FrameSize() int {
	return HeaderSize + int(h.Length)
}

// Frame is a decoded frame.
type Frame struct {
	Flag Flag
	Body []byte
}

// Encode builds a frame from flag and body.
// The result is exactly HeaderSize+len(body) bytes.
func Encode(flag Flag, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	buf[LengthPrefixSize] = byte(flag)
	copy(buf[HeaderSize:], body)
	return buf
}

// DecodeHeader decodes the header from the first HeaderSize bytes of buf.
// The body does not need to have arrived.
//
// Errors:
//   - *FrameError with Kind=FrameErrorIncompleteHeader: buffer shorter than HeaderSize
//   - *FrameError with Kind=FrameErrorTooLarge: declared length over MaxBodySize
//   - *FrameError with Kind=FrameErrorBadFlag: unusable flag byte
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &FrameError{
			Kind: FrameErrorIncompleteHeader,
			Msg:  fmt.Sprintf("header needs %d bytes, have %d", HeaderSize, len(buf)),
		}
	}

	h := Header{
		Length: binary.BigEndian.Uint32(buf[:LengthPrefixSize]),
		Flag:   Flag(buf[LengthPrefixSize]),
	}

	if h.Length > MaxBodySize {
		return Header{}, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("body size %d exceeds maximum %d", h.Length, MaxBodySize),
		}
	}
	if !h.Flag.Valid() {
		return Header{}, &FrameError{
			Kind: FrameErrorBadFlag,
			Msg:  fmt.Sprintf("unrecognized flag %d", byte(h.Flag)),
		}
	}

	return h, nil
}

// ExtractBody returns the body of the complete frame at the start of buf.
// Bytes past the end of the frame are ignored. The returned slice aliases buf.
func ExtractBody(buf []byte) ([]byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < h.FrameSize() {
		return nil, &FrameError{
			Kind: FrameErrorIncompleteBody,
			Msg:  fmt.Sprintf("body needs %d bytes, have %d", h.Length, len(buf)-HeaderSize),
		}
	}
	return buf[HeaderSize:h.FrameSize()], nil
}

// DecodeFrame decodes the complete frame at the start of buf and returns it
// with the number of bytes consumed.
func DecodeFrame(buf []byte) (Frame, int, error) {
	body, err := ExtractBody(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	return Frame{Flag: Flag(buf[LengthPrefixSize]), Body: body}, HeaderSize + len(body), nil
}
