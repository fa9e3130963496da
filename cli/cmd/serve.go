package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/resolvd/iox"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/remote"
	"github.com/pithecene-io/resolvd/resolver"
	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/types"
	"github.com/pithecene-io/resolvd/wire"
)

const shutdownTimeout = 5 * time.Second

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Host remote sandboxes and/or resolve queries read as JSON lines",
		Description: "With --listen, serves script sandboxes to remote resolvd clients.\n" +
			"With --queries, loads the configured scripts and resolves one JSON query\n" +
			"per line ({\"qid\":..,\"artist\":..,\"track\":..} or {\"fulltext\":..}),\n" +
			"publishing results to the configured publishers.",
		Flags: append(scriptFlags(),
			&cli.StringFlag{Name: "listen", Usage: "Sandbox server address (host:port)"},
			&cli.StringFlag{Name: "transport", Usage: "Sandbox server transport: tcp, ws"},
			&cli.StringFlag{Name: "encoding", Usage: "Sandbox server encoding: json, msgpack"},
			&cli.IntFlag{Name: "compress-threshold", Usage: "Compress frames of at least this many bytes (0 = off)"},
			&cli.StringFlag{Name: "queries", Usage: "Read queries from this file, or - for stdin"},
			&cli.BoolFlag{Name: "watch", Usage: "Reload scripts when their files change"},
		),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if c.IsSet("listen") {
		cfg.Serve.Listen = c.String("listen")
	}
	if c.IsSet("transport") {
		cfg.Serve.Transport = c.String("transport")
	}
	if c.IsSet("encoding") {
		cfg.Serve.Encoding = c.String("encoding")
	}
	if c.IsSet("compress-threshold") {
		cfg.Serve.CompressThreshold = c.Int("compress-threshold")
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	queries := c.String("queries")
	if cfg.Serve.Listen == "" && queries == "" {
		return cli.Exit("nothing to serve: set --listen or --queries", exitFailure)
	}

	logger, err := newLogger(cfg, false)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer iox.DiscardErr(logger.Sync)

	ctx, cancel := signalContext()
	defer cancel()

	e := &env{cfg: cfg, logger: logger, collector: metrics.NewCollector()}
	errCh := make(chan error, 2)
	running := 0

	if cfg.Serve.Listen != "" {
		srv, err := remote.NewServer(e.serverOptions())
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		running++
		go func() { errCh <- e.runServer(ctx, srv) }()
	}
	if queries != "" {
		in, err := openQueries(queries)
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		defer in.Close()
		running++
		go func() { errCh <- e.runQueries(ctx, in, c.Duration("load-timeout")) }()
	}

	var firstErr error
	for range running {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	snap := e.collector.Snapshot()
	logger.Info("serve stopped", map[string]any{
		"resolves_completed": snap.ResolvesCompleted,
		"results_reported":   snap.ResultsReported,
		"batches_published":  snap.BatchesPublished,
		"frame_errors":       snap.FrameDecodeErrors,
	})
	if firstErr != nil {
		return cli.Exit(firstErr.Error(), exitFailure)
	}
	return nil
}

func (e *env) serverOptions() remote.ServerOptions {
	encoding, _ := wire.ParseEncoding(e.cfg.Serve.Encoding)
	return remote.ServerOptions{
		Sandbox:           e.localSandbox(),
		Encoding:          encoding,
		CompressThreshold: e.cfg.Serve.CompressThreshold,
		Logger:            e.logger,
		Collector:         e.collector,
	}
}

// runServer serves sandboxes until ctx is done.
func (e *env) runServer(ctx context.Context, srv *remote.Server) error {
	addr := e.cfg.Serve.Listen
	transport, _ := remote.ParseTransport(e.cfg.Serve.Transport)
	if transport == remote.TransportTCP {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return srv.Serve(ctx, ln)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	hs := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		// Sessions close their connections when ctx ends.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()

	e.logger.Info("remote server listening", map[string]any{
		"address":   ln.Addr().String(),
		"transport": string(transport),
	})
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openQueries(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open queries: %w", err)
	}
	return f, nil
}

// runQueries resolves one query per input line until the input ends or
// ctx is done.
func (e *env) runQueries(ctx context.Context, in io.Reader, loadTimeout time.Duration) error {
	pipeline, err := e.newPipeline(ctx)
	if err != nil {
		return fmt.Errorf("publishers: %w", err)
	}
	defer drain(pipeline, e.logger)

	var s sink.Sink = sink.Func(func(queryID string, results []types.Result) {
		e.logger.Info("results reported", map[string]any{"qid": queryID, "results": len(results)})
	})
	if pipeline != nil {
		s = sink.Tee(s, pipeline)
	}
	g, err := e.newRegistry(ctx, s)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(g)

	if e.cfg.Watch {
		go func() {
			if err := g.Watch(ctx); err != nil {
				e.logger.Warn("script watcher stopped", map[string]any{"error": err.Error()})
			}
		}()
	}
	awaitLoad(ctx, g, loadTimeout)

	lines, readErr := scanLines(ctx, in)
	dispatched := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				e.awaitIdle(ctx, g)
				if err := <-readErr; err != nil {
					return fmt.Errorf("read queries: %w", err)
				}
				e.logger.Sugar().Infof("query input exhausted after %d queries", dispatched)
				return nil
			}
			if e.dispatch(ctx, g, line) {
				dispatched++
			}
		}
	}
}

// dispatch resolves one query line and reports whether it was dispatched.
func (e *env) dispatch(ctx context.Context, g *resolver.Registry, line []byte) bool {
	var q types.Query
	if err := json.Unmarshal(line, &q); err != nil {
		e.logger.Warn("invalid query line", map[string]any{"error": err.Error()})
		return false
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	// Resolvers busy with the previous query would be skipped.
	e.awaitIdle(ctx, g)

	ids, err := g.Resolve(q)
	fields := map[string]any{"qid": q.ID, "resolvers": len(ids)}
	if err != nil {
		fields["error"] = err.Error()
		e.logger.Warn("query not fully dispatched", fields)
		return len(ids) > 0
	}
	e.logger.Info("query dispatched", fields)
	return true
}

// awaitIdle waits for in-flight resolves, bounded by the longest resolver
// timeout.
func (e *env) awaitIdle(ctx context.Context, g *resolver.Registry) {
	var ids []types.ResolverID
	for _, r := range g.List() {
		ids = append(ids, r.ID())
	}
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout(g, ids))
	defer cancel()
	_ = g.WaitIdle(ctx)
}

// scanLines feeds non-empty lines from r to the returned channel, which
// is closed at EOF or once ctx is done; the read error follows on the
// second channel.
func scanLines(ctx context.Context, r io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}
