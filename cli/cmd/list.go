package cmd

import (
	"context"
	"errors"
	"fmt"

	golode "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/resolvd/cli/render"
	"github.com/pithecene-io/resolvd/cli/tui"
	"github.com/pithecene-io/resolvd/iox"
	"github.com/pithecene-io/resolvd/lode"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/sink"
)

// listWarningThreshold is the number of rows above which we suggest --limit.
const listWarningThreshold = 100

// ListCommand returns the list command with subcommands.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List resolvers or archived results",
		Subcommands: []*cli.Command{
			listResolversCommand(),
			listResultsCommand(),
		},
	}
}

func listResolversCommand() *cli.Command {
	flags := append(scriptFlags(), OutputFlags()...)
	flags = append(flags,
		TUIFlag,
		&cli.BoolFlag{Name: "watch", Usage: "With --tui, reload scripts when their files change"},
	)
	return &cli.Command{
		Name:   "resolvers",
		Usage:  "Load the configured scripts and show their status",
		Flags:  flags,
		Action: listResolversAction,
	}
}

func listResolversAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	logger, err := newLogger(cfg, true)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer iox.DiscardErr(logger.Sync)

	ctx, cancel := signalContext()
	defer cancel()

	e := &env{cfg: cfg, logger: logger, collector: metrics.NewCollector()}
	g, err := e.newRegistry(ctx, sink.NewMemory())
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer iox.DiscardClose(g)

	if c.Bool("tui") {
		if cfg.Watch {
			go func() {
				if err := g.Watch(ctx); err != nil {
					logger.Warn("script watcher stopped", map[string]any{"error": err.Error()})
				}
			}()
		}
		if err := tui.Run(ctx, g); err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		return nil
	}

	awaitLoad(ctx, g, c.Duration("load-timeout"))
	return r.Render(g.Status())
}

func listResultsCommand() *cli.Command {
	return &cli.Command{
		Name:  "results",
		Usage: "Query the result archive",
		Flags: append([]cli.Flag{
			ConfigFlag,
			&cli.StringFlag{Name: "archive", Usage: "Archive path (directory, or bucket[/prefix] for s3)"},
			&cli.StringFlag{Name: "backend", Usage: "Archive backend: fs, s3"},
			&cli.StringFlag{Name: "dataset", Usage: "Dataset id"},
			&cli.StringFlag{Name: "region", Usage: "S3 region"},
			&cli.StringFlag{Name: "qid", Usage: "Filter by query id"},
			&cli.StringFlag{Name: "source", Usage: "Filter by source"},
			&cli.StringFlag{Name: "day", Usage: "Filter by day (YYYY-MM-DD)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of results (0 = no limit)"},
		}, OutputFlags()...),
		Action: listResultsAction,
	}
}

func listResultsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	var archive archiveTarget
	if a := cfg.Publishers.Archive; a != nil {
		archive = archiveTarget{
			backend:   a.Backend,
			path:      a.Path,
			dataset:   a.Dataset,
			region:    a.Region,
			endpoint:  a.Endpoint,
			pathStyle: a.S3PathStyle,
		}
	}
	if c.IsSet("archive") {
		archive.path = c.String("archive")
	}
	if c.IsSet("backend") {
		archive.backend = c.String("backend")
	}
	if c.IsSet("dataset") {
		archive.dataset = c.String("dataset")
	}
	if c.IsSet("region") {
		archive.region = c.String("region")
	}
	if archive.path == "" {
		return cli.Exit("no archive configured (use --archive or publishers.archive in resolvd.yaml)", exitFailure)
	}

	ctx, cancel := signalContext()
	defer cancel()

	ds, err := archive.open(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open archive: %v", err), exitFailure)
	}

	records, err := lode.QueryResults(ctx, ds, lode.ResultFilter{
		QueryID: c.String("qid"),
		Source:  c.String("source"),
		Day:     c.String("day"),
	})
	if err != nil && !errors.Is(err, lode.ErrNoResultsFound) {
		return fmt.Errorf("query archive: %w", err)
	}
	if records == nil {
		records = []map[string]any{}
	}

	if limit := c.Int("limit"); limit > 0 && len(records) > limit {
		records = records[:limit]
	} else if limit == 0 && len(records) > listWarningThreshold && isStderrTTY() {
		fmt.Fprintf(c.App.ErrWriter, "Warning: %d results returned. Use --limit to reduce output.\n", len(records))
	}
	return r.Render(records)
}

// archiveTarget locates an archive for reading.
type archiveTarget struct {
	backend   string
	path      string
	dataset   string
	region    string
	endpoint  string
	pathStyle bool
}

func (a archiveTarget) open(ctx context.Context) (golode.Dataset, error) {
	switch a.backend {
	case "", "fs":
		return lode.NewReadDatasetFS(a.dataset, a.path)
	case "s3":
		bucket, prefix := lode.ParseS3Path(a.path)
		return lode.NewReadDatasetS3(ctx, a.dataset, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       a.region,
			Endpoint:     a.endpoint,
			UsePathStyle: a.pathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend: %s (must be fs or s3)", a.backend)
	}
}
