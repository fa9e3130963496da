package cmd

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/resolvd/cli/render"
	"github.com/pithecene-io/resolvd/iox"
	"github.com/pithecene-io/resolvd/metrics"
	"github.com/pithecene-io/resolvd/resolver"
	"github.com/pithecene-io/resolvd/sink"
	"github.com/pithecene-io/resolvd/types"
)

// ResultRow is one resolved track as printed by resolve.
type ResultRow struct {
	Resolver string   `json:"resolver" yaml:"resolver"`
	Track    string   `json:"track" yaml:"track"`
	Artist   string   `json:"artist" yaml:"artist"`
	Album    string   `json:"album" yaml:"album"`
	URL      string   `json:"url" yaml:"url"`
	Bitrate  *int     `json:"bitrate,omitempty" yaml:"bitrate,omitempty"`
	Duration string   `json:"duration,omitempty" yaml:"duration,omitempty"`
	Score    *float64 `json:"score,omitempty" yaml:"score,omitempty"`

	weight int
}

// ResolveCommand returns the resolve command.
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a track with the configured scripts",
		ArgsUsage: "[full text query]",
		Flags: append(append(scriptFlags(), OutputFlags()...),
			&cli.StringFlag{Name: "artist", Usage: "Artist name"},
			&cli.StringFlag{Name: "album", Usage: "Album name"},
			&cli.StringFlag{Name: "track", Usage: "Track name"},
			&cli.StringFlag{Name: "qid", Usage: "Query id (default: random UUID)"},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for results (default: the largest resolver timeout)",
			},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not print the summary line"},
		),
		Action: resolveAction,
	}
}

func resolveAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	q := queryFromFlags(c)
	if err := q.Validate(); err != nil {
		return cli.Exit(err.Error(), exitFailure)
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
	pipeline, err := e.newPipeline(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("publishers: %v", err), exitFailure)
	}
	defer drain(pipeline, logger)

	mem := sink.NewMemory()
	var s sink.Sink = mem
	if pipeline != nil {
		s = sink.Tee(mem, pipeline)
	}
	g, err := e.newRegistry(ctx, s)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer iox.DiscardClose(g)

	awaitLoad(ctx, g, c.Duration("load-timeout"))
	for _, st := range g.Status() {
		if st.LoadError != "" {
			logger.Warn("script failed to load", map[string]any{"script": st.Path, "error": st.LoadError})
		}
	}

	ids, err := g.Resolve(q)
	if len(ids) == 0 {
		msg := "no resolver is available"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		return cli.Exit(msg, exitNoResolver)
	}
	if err != nil {
		logger.Warn("some resolvers rejected the query", map[string]any{"error": err.Error()})
	}

	timeout := c.Duration("timeout")
	if timeout <= 0 {
		timeout = resolveTimeout(g, ids)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	batches, waitErr := mem.Wait(waitCtx, q.ID, len(ids))
	waitCancel()

	rows := resultRows(g, batches)
	if !c.Bool("quiet") {
		fmt.Fprintf(c.App.ErrWriter, "qid=%s, resolvers=%d, answered=%d, results=%d",
			q.ID, len(ids), len(batches), len(rows))
		if waitErr != nil {
			fmt.Fprintf(c.App.ErrWriter, ", timed out after %s", timeout)
		}
		fmt.Fprintln(c.App.ErrWriter)
	}
	return r.Render(rows)
}

func queryFromFlags(c *cli.Context) types.Query {
	q := types.Query{
		ID:     c.String("qid"),
		Artist: c.String("artist"),
		Album:  c.String("album"),
		Track:  c.String("track"),
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.IsFullText() {
		q.FullText = strings.Join(c.Args().Slice(), " ")
	}
	return q
}

// resolveTimeout is the largest advisory timeout among the dispatched
// resolvers.
func resolveTimeout(g *resolver.Registry, ids []types.ResolverID) time.Duration {
	var longest time.Duration
	for _, id := range ids {
		if r, ok := g.Get(id); ok {
			longest = max(longest, r.Settings().Timeout)
		}
	}
	if longest <= 0 {
		return defaultResolveTimeout
	}
	return longest
}

// resultRows flattens batches, heaviest resolver first, then by score.
func resultRows(g *resolver.Registry, batches []*sink.Batch) []ResultRow {
	rows := make([]ResultRow, 0)
	for _, b := range batches {
		for _, res := range b.Results {
			row := ResultRow{
				Resolver: fmt.Sprintf("#%d", res.ResolverID),
				Track:    res.Track,
				Artist:   res.Artist,
				Album:    res.Album,
				URL:      res.URL,
				Bitrate:  res.Bitrate,
				Score:    res.Score,
			}
			if r, ok := g.Get(res.ResolverID); ok {
				row.Resolver = r.Name()
				row.weight = r.Settings().Weight
			}
			if res.Duration != nil {
				row.Duration = res.Duration.Round(time.Second).String()
			}
			rows = append(rows, row)
		}
	}
	slices.SortStableFunc(rows, func(a, b ResultRow) int {
		if c := cmp.Compare(b.weight, a.weight); c != 0 {
			return c
		}
		return cmp.Compare(score(b), score(a))
	})
	return rows
}

func score(r ResultRow) float64 {
	if r.Score == nil {
		return 0
	}
	return *r.Score
}
