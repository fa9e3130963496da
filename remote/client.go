package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/resolvd/bridge"
	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/wire"
)

// ErrClosed is reported for loads issued on, or pending at, a closed link.
var ErrClosed = errors.New("remote: link closed")

// Default client settings.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Options configures a client link.
type Options struct {
	// Address is host:port for tcp, or a ws:// URL.
	Address   string
	Transport Transport
	// Encoding of outbound messages (default json).
	Encoding wire.Encoding
	// CompressThreshold compresses outbound bodies of at least this many
	// bytes. Zero disables compression.
	CompressThreshold int
	DialTimeout       time.Duration
	// PingInterval between keepalives. Negative disables them.
	PingInterval time.Duration

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Client is a bridge.Sandbox whose script runs on a remote server. Load
// and Evaluate queue messages and return immediately; inbound callbacks
// reach the host from a single reader goroutine.
type Client struct {
	host      bridge.Host
	codec     codec
	logger    *log.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	queue   []*Message
	loads   map[uint64]func(error)
	seq     uint64
	closed  bool
	err     error
	wake    chan struct{}
	done    chan struct{}
	closing sync.Once
}

// Dial connects to a server and returns a client bound to host.
func Dial(ctx context.Context, opts Options, host bridge.Host) (*Client, error) {
	if opts.Address == "" {
		return nil, errors.New("remote: address is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var conn frameConn
	switch opts.Transport {
	case "", TransportTCP:
		var d net.Dialer
		c, err := d.DialContext(dialCtx, "tcp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
		}
		conn = newStreamConn(c)
	case TransportWebSocket:
		dialer := websocket.Dialer{Subprotocols: []string{subprotocol}}
		ws, _, err := dialer.DialContext(dialCtx, opts.Address, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
		}
		conn = &wsConn{ws: ws}
	default:
		return nil, fmt.Errorf("remote: unsupported transport %q", opts.Transport)
	}

	c := newClient(conn, opts, host)
	go c.readLoop()
	go c.writeLoop()
	if opts.PingInterval > 0 {
		go c.pingLoop(opts.PingInterval)
	}
	opts.Logger.Debug("remote link established", map[string]any{
		"address":   opts.Address,
		"transport": string(opts.Transport),
	})
	return c, nil
}

func newClient(conn frameConn, opts Options, host bridge.Host) *Client {
	return &Client{
		host:      host,
		codec:     codec{conn: conn, opts: wire.BodyOptions{Encoding: opts.Encoding, CompressThreshold: opts.CompressThreshold}},
		logger:    opts.Logger.With(map[string]any{"remote": opts.Address}),
		collector: opts.Collector,
		loads:     make(map[uint64]func(error)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Factory returns a sandbox factory that dials a new link per sandbox.
// ctx bounds the dial only.
func Factory(ctx context.Context, opts Options) bridge.SandboxFactory {
	return func(host bridge.Host) (bridge.Sandbox, error) {
		return Dial(ctx, opts, host)
	}
}

// Load sends doc to the server. done runs once the server reports the
// outcome, or with ErrClosed if the link goes down first.
func (c *Client) Load(doc bridge.Document, done func(error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go done(ErrClosed)
		return
	}
	c.seq++
	seq := c.seq
	c.loads[seq] = done
	c.mu.Unlock()

	c.enqueue(&Message{Type: TypeLoad, Seq: seq, Document: toDocument(doc)})
}

// Evaluate sends a statement. It is dropped if the link is closed.
func (c *Client) Evaluate(statement string) {
	c.enqueue(&Message{Type: TypeEvaluate, Statement: statement})
}

// Close shuts the link down. Pending loads complete with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed once the link is down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the link went down, or nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) enqueue(m *Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) shutdown(cause error) {
	c.closing.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		c.queue = nil
		loads := c.loads
		c.loads = make(map[uint64]func(error))
		c.mu.Unlock()

		_ = c.codec.conn.Close()
		close(c.done)

		if cause != nil {
			c.logger.Warn("remote link closed", map[string]any{"error": cause.Error()})
		}
		for _, done := range loads {
			done(ErrClosed)
		}
	})
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, m := range batch {
			if err := c.codec.send(m); err != nil {
				c.shutdown(fmt.Errorf("write %s: %w", m.Type, err))
				return
			}
		}
	}
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.enqueue(&Message{Type: TypePing})
		}
	}
}

func (c *Client) readLoop() {
	for {
		frame, err := c.codec.conn.ReadFrame()
		if err != nil {
			c.readFailed(err)
			return
		}
		if isKeepalive(frame.Flag) {
			continue
		}

		m, err := decodeMessage(frame)
		if err != nil {
			c.readFailed(err)
			return
		}
		if err := c.dispatch(m); err != nil {
			c.readFailed(err)
			return
		}
	}
}

func (c *Client) readFailed(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	var frameErr *wire.FrameError
	if errors.As(err, &frameErr) {
		c.collector.IncFrameDecodeError()
		c.logger.Error("frame decode error", map[string]any{"error": err.Error()})
	}
	if errors.Is(err, io.EOF) {
		err = ErrClosed
	}
	c.shutdown(err)
}

func (c *Client) dispatch(m *Message) error {
	switch m.Type {
	case TypeLoaded:
		c.mu.Lock()
		done, ok := c.loads[m.Seq]
		delete(c.loads, m.Seq)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("unexpected load acknowledgement", map[string]any{"seq": m.Seq})
			return nil
		}
		if m.Error != "" {
			done(errors.New(m.Error))
		} else {
			done(nil)
		}
	case TypeCallback:
		c.host.CallIn(m.Kind, m.Text, m.HadResult)
	case TypeConsole:
		c.host.ConsoleMessage(m.Message, m.Line, m.Source)
	case TypePong:
		c.logger.Debug("pong", nil)
	default:
		return &wire.FrameError{Kind: wire.FrameErrorDecode, Msg: fmt.Sprintf("unexpected %s message from server", m.Type)}
	}
	return nil
}

var _ bridge.Sandbox = (*Client)(nil)
