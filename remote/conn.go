package remote

import (
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/resolvd/wire"
)

// Transport selects how frames travel.
type Transport string

// Supported transports.
const (
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "ws"
)

// ParseTransport parses a transport name. Empty selects TCP.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case "", TransportTCP:
		return TransportTCP, nil
	case TransportWebSocket:
		return TransportWebSocket, nil
	default:
		return "", fmt.Errorf("invalid transport: %q (must be tcp or ws)", s)
	}
}

// subprotocol is negotiated on websocket links.
const subprotocol = "resolvd.v1"

// frameConn moves whole frames.
type frameConn interface {
	ReadFrame() (wire.Frame, error)
	WriteFrame(flag wire.Flag, body []byte) error
	Close() error
}

// streamConn frames a byte stream. Partial frames are buffered by the
// reader until the rest arrives.
type streamConn struct {
	c net.Conn
	r *wire.Reader
	w *wire.Writer
}

func newStreamConn(c net.Conn) *streamConn {
	return &streamConn{c: c, r: wire.NewReader(c), w: wire.NewWriter(c)}
}

func (s *streamConn) ReadFrame() (wire.Frame, error) { return s.r.ReadFrame() }

func (s *streamConn) WriteFrame(flag wire.Flag, body []byte) error {
	return s.w.WriteFrame(flag, body)
}

func (s *streamConn) Close() error { return s.c.Close() }

// wsConn carries one frame per binary websocket message.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadFrame() (wire.Frame, error) {
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	if typ != websocket.BinaryMessage {
		return wire.Frame{}, &wire.FrameError{Kind: wire.FrameErrorBadFlag, Msg: "websocket message is not binary"}
	}
	frame, n, err := wire.DecodeFrame(data)
	if err != nil {
		if wire.IsIncomplete(err) {
			// A message is a whole frame; there is nothing more to wait for.
			return wire.Frame{}, &wire.FrameError{Kind: wire.FrameErrorDecode, Msg: "websocket message holds a partial frame"}
		}
		return wire.Frame{}, err
	}
	if n != len(data) {
		return wire.Frame{}, &wire.FrameError{
			Kind: wire.FrameErrorDecode,
			Msg:  fmt.Sprintf("websocket message carries %d trailing bytes", len(data)-n),
		}
	}
	return frame, nil
}

func (c *wsConn) WriteFrame(flag wire.Flag, body []byte) error {
	if len(body) > wire.MaxBodySize {
		return &wire.FrameError{Kind: wire.FrameErrorTooLarge, Msg: "refusing to write oversized frame"}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, wire.Encode(flag, body))
}

func (c *wsConn) Close() error { return c.ws.Close() }

// codec marshals messages with fixed body options.
type codec struct {
	conn frameConn
	opts wire.BodyOptions
}

func (c codec) send(m *Message) error {
	flag, body, err := wire.Marshal(m, c.opts)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(flag, body)
}

func (c codec) keepalive() error {
	return c.conn.WriteFrame(wire.FlagPing, nil)
}
