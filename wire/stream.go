package wire

import (
	"errors"
	"io"
	"sync"
)

// readChunkSize is how many bytes Reader asks the underlying reader for
// per read call.
const readChunkSize = 32 * 1024

// Reader decodes frames from a byte stream.
// Partial frames are buffered until the rest arrives; a malformed header
// is returned as an error and the stream should be dropped.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader creates a frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads a single frame from the stream.
// The returned body is owned by the caller.
//
// Errors:
//   - io.EOF: stream ended on a frame boundary
//   - io.ErrUnexpectedEOF: stream ended mid-frame
//   - *FrameError with IsMalformed()==true: untrustworthy stream
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		frame, n, err := DecodeFrame(r.buf)
		if err == nil {
			body := make([]byte, len(frame.Body))
			copy(body, frame.Body)
			r.buf = r.buf[n:]
			return Frame{Flag: frame.Flag, Body: body}, nil
		}
		if !IsIncomplete(err) {
			return Frame{}, err
		}

		if readErr := r.fill(); readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if len(r.buf) == 0 {
					return Frame{}, io.EOF
				}
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, readErr
		}
	}
}

// Buffered returns the number of bytes read but not yet returned as frames.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := r.r.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	return err
}

// Writer encodes frames onto a byte stream.
// Safe for concurrent use; each frame is written with a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes and writes one frame.
func (w *Writer) WriteFrame(flag Flag, body []byte) error {
	if len(body) > MaxBodySize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  "refusing to write oversized frame",
		}
	}
	frame := Encode(flag, body)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(frame)
	return err
}
