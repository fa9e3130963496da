package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/resolvd/bridge"
	"github.com/pithecene-io/resolvd/cli/config"
	"github.com/pithecene-io/resolvd/lode"
	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/remote"
	"github.com/pithecene-io/resolvd/resolver"
	"github.com/pithecene-io/resolvd/sandbox"
	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/sink/redis"
	"github.com/pithecene-io/resolvd/sink/webhook"
	"github.com/pithecene-io/resolvd/wire"
)

const (
	defaultLoadTimeout = 15 * time.Second
	// defaultResolveTimeout applies when no resolver reports a timeout.
	defaultResolveTimeout = 10 * time.Second
	drainTimeout          = 10 * time.Second
)

// loadConfig reads --config, or ./resolvd.yaml when present, then applies
// flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("remote") {
		cfg.Remote.Address = c.String("remote")
	}
	if c.IsSet("remote-transport") {
		cfg.Remote.Transport = c.String("remote-transport")
	}
	if c.IsSet("remote-encoding") {
		cfg.Remote.Encoding = c.String("remote-encoding")
	}
	if scripts := c.StringSlice("script"); len(scripts) > 0 {
		onRemote := c.IsSet("remote")
		cfg.Scripts = make([]config.ScriptConfig, 0, len(scripts))
		for _, s := range scripts {
			cfg.Scripts = append(cfg.Scripts, config.ScriptConfig{Path: s, Remote: onRemote})
		}
	}
	if c.IsSet("watch") {
		cfg.Watch = c.Bool("watch")
	}
}

// newLogger builds the process logger. Interactive commands default to
// warn on a terminal so results are not buried in load chatter.
func newLogger(cfg *config.Config, interactive bool) (*log.Logger, error) {
	level := cfg.LogLevel
	if level == "" && interactive && isStderrTTY() {
		level = "warn"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewLogger(lvl), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// env carries what every command builds from the config.
type env struct {
	cfg       *config.Config
	logger    *log.Logger
	collector *metrics.Collector
}

func (e *env) localSandbox() bridge.SandboxFactory {
	return sandbox.Factory(sandbox.Options{EvalTimeout: e.cfg.Sandbox.EvalTimeout.Duration})
}

func (e *env) remoteSandbox(ctx context.Context) (bridge.SandboxFactory, error) {
	rc := e.cfg.Remote
	transport, err := remote.ParseTransport(rc.Transport)
	if err != nil {
		return nil, err
	}
	encoding, err := wire.ParseEncoding(rc.Encoding)
	if err != nil {
		return nil, err
	}
	return remote.Factory(ctx, remote.Options{
		Address:           rc.Address,
		Transport:         transport,
		Encoding:          encoding,
		CompressThreshold: rc.CompressThreshold,
		DialTimeout:       rc.DialTimeout.Duration,
		PingInterval:      rc.PingInterval.Duration,
		Logger:            e.logger,
		Collector:         e.collector,
	}), nil
}

// newRegistry adds every configured script. Loading continues in the
// background; see awaitLoad.
func (e *env) newRegistry(ctx context.Context, s sink.Sink) (*resolver.Registry, error) {
	if len(e.cfg.Scripts) == 0 {
		return nil, errors.New("no scripts configured (use --script or scripts: in resolvd.yaml)")
	}
	g := resolver.NewRegistry(resolver.RegistryConfig{
		Sandbox:   e.localSandbox(),
		Sink:      s,
		Logger:    e.logger,
		Collector: e.collector,
	})

	var onRemote bridge.SandboxFactory
	for _, sc := range e.cfg.Scripts {
		spec := resolver.ScriptSpec{Path: sc.Path}
		if sc.Remote {
			if onRemote == nil {
				f, err := e.remoteSandbox(ctx)
				if err != nil {
					_ = g.Close()
					return nil, err
				}
				onRemote = f
			}
			spec.Sandbox = onRemote
		}
		if _, err := g.Add(spec); err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("add %s: %w", sc.Path, err)
		}
	}
	return g, nil
}

// awaitLoad waits until every script is ready or failed. A timeout is
// not an error: slow scripts show up as loading.
func awaitLoad(ctx context.Context, g *resolver.Registry, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_ = g.WaitReady(ctx)
}

func (e *env) pipelineConfig() sink.PipelineConfig {
	return sink.PipelineConfig{
		QueueSize:      e.cfg.Pipeline.QueueSize,
		PublishTimeout: e.cfg.Pipeline.PublishTimeout.Duration,
		Logger:         e.logger,
		Collector:      e.collector,
	}
}

// newPipeline builds the configured publishers behind a pipeline.
// Returns nil when none are configured.
func (e *env) newPipeline(ctx context.Context) (*sink.Pipeline, error) {
	pubs, err := buildPublishers(ctx, e.cfg.Publishers, e.logger)
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return sink.NewPipeline(e.pipelineConfig(), pubs...), nil
}

// drain flushes pending batches before exit.
func drain(p *sink.Pipeline, logger *log.Logger) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		logger.Warn("pipeline drain failed", map[string]any{"error": err.Error()})
	}
}

func buildPublishers(ctx context.Context, cfg config.PublishersConfig, logger *log.Logger) ([]sink.Publisher, error) {
	var pubs []sink.Publisher
	fail := func(err error) ([]sink.Publisher, error) {
		for _, p := range pubs {
			_ = p.Close()
		}
		return nil, err
	}

	if r := cfg.Redis; r != nil {
		p, err := redis.New(redis.Config{
			URL:       r.URL,
			Channel:   r.Channel,
			Encoding:  r.Encoding,
			ResultTTL: r.ResultTTL.Duration,
			KeyPrefix: r.KeyPrefix,
			Timeout:   r.Timeout.Duration,
			Retries:   retries(r.Retries, redis.DefaultRetries),
		})
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if w := cfg.Webhook; w != nil {
		p, err := webhook.New(webhook.Config{
			URL:       w.URL,
			Headers:   w.Headers,
			SkipEmpty: w.SkipEmpty,
			Timeout:   w.Timeout.Duration,
			Retries:   retries(w.Retries, webhook.DefaultRetries),
		})
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	if a := cfg.Archive; a != nil {
		p, err := buildArchive(ctx, a, logger)
		if err != nil {
			return fail(err)
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}

func retries(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func buildArchive(ctx context.Context, a *config.ArchiveConfig, logger *log.Logger) (*lode.Archive, error) {
	source := a.Source
	if source == "" {
		source, _ = os.Hostname()
	}
	if source == "" {
		source = "resolvd"
	}
	cfg := lode.Config{Dataset: a.Dataset, Source: source, Logger: logger}

	switch a.Backend {
	case "", "fs":
		return lode.NewFS(cfg, a.Path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(a.Path)
		return lode.NewS3(ctx, cfg, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       a.Region,
			Endpoint:     a.Endpoint,
			UsePathStyle: a.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend: %s (must be fs or s3)", a.Backend)
	}
}
