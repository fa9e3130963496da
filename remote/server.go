package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/resolvd/bridge"
	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/wire"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Sandbox creates the sandbox for each connection (required).
	Sandbox bridge.SandboxFactory
	// Encoding of outbound messages (default json).
	Encoding          wire.Encoding
	CompressThreshold int
	Logger            *log.Logger
	Collector         *metrics.Collector
}

// Server hosts one sandbox per connection.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader
}

// NewServer creates a server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Sandbox == nil {
		return nil, errors.New("remote: sandbox factory is required")
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}, nil
}

// Serve accepts stream connections on ln until ctx is done. It closes ln
// and waits for open sessions before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.opts.Logger.Info("remote server listening", map[string]any{"address": ln.Addr().String()})
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, newStreamConn(c), c.RemoteAddr().String())
		}()
	}
}

// ServeHTTP upgrades the request to a websocket session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	s.serveConn(r.Context(), &wsConn{ws: ws}, r.RemoteAddr)
}

func (s *Server) serveConn(ctx context.Context, conn frameConn, peer string) {
	logger := s.opts.Logger.With(map[string]any{"peer": peer})
	sess := &session{
		codec:  codec{conn: conn, opts: wire.BodyOptions{Encoding: s.opts.Encoding, CompressThreshold: s.opts.CompressThreshold}},
		logger: logger,
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sb, err := s.opts.Sandbox(sess)
	if err != nil {
		logger.Error("failed to create sandbox", map[string]any{"error": err.Error()})
		return
	}
	defer sb.Close()

	logger.Info("remote session started", nil)
	err = s.session(sess, sb)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
		logger.Info("remote session ended", nil)
	default:
		var frameErr *wire.FrameError
		if errors.As(err, &frameErr) {
			s.opts.Collector.IncFrameDecodeError()
		}
		logger.Warn("remote session dropped", map[string]any{"error": err.Error()})
	}
}

// session runs the read loop for one connection.
func (s *Server) session(sess *session, sb bridge.Sandbox) error {
	for {
		frame, err := sess.codec.conn.ReadFrame()
		if err != nil {
			return err
		}
		if isKeepalive(frame.Flag) {
			if err := sess.codec.keepalive(); err != nil {
				return err
			}
			continue
		}

		m, err := decodeMessage(frame)
		if err != nil {
			return err
		}
		switch m.Type {
		case TypeLoad:
			seq := m.Seq
			sb.Load(m.Document.bridge(), func(err error) {
				reply := &Message{Type: TypeLoaded, Seq: seq}
				if err != nil {
					reply.Error = err.Error()
				}
				sess.send(reply)
			})
		case TypeEvaluate:
			sb.Evaluate(m.Statement)
		case TypePing:
			sess.send(&Message{Type: TypePong, Seq: m.Seq})
		default:
			return &wire.FrameError{Kind: wire.FrameErrorDecode, Msg: fmt.Sprintf("unexpected %s message from client", m.Type)}
		}
	}
}

// session forwards sandbox callbacks to the client.
type session struct {
	codec  codec
	logger *log.Logger
}

func (s *session) CallIn(kind int, jsonText string, hadResult bool) {
	s.send(&Message{Type: TypeCallback, Kind: kind, Text: jsonText, HadResult: hadResult})
}

func (s *session) ConsoleMessage(message string, line int, source string) {
	s.send(&Message{Type: TypeConsole, Message: message, Line: line, Source: source})
}

func (s *session) send(m *Message) {
	if err := s.codec.send(m); err != nil {
		s.logger.Debug("dropped outbound message", map[string]any{
			"type":  string(m.Type),
			"error": err.Error(),
		})
	}
}
