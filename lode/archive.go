// Package lode archives published result batches in a Lode dataset.
//
// Each batch becomes one snapshot holding a batch summary record and one
// record per result, JSONL-encoded under a Hive layout of
// source/day/record_kind. Storage is the local filesystem or S3.
package lode

import (
	"context"
	"errors"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/sink"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "resolvd"

// Config configures an Archive.
type Config struct {
	// Dataset is the Lode dataset id (default "resolvd").
	Dataset string
	// Source partitions records by the host that produced them.
	Source string
	Logger *log.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Source == "" {
		return errors.New("archive source is required")
	}
	return nil
}

// Archive is a sink.Publisher that writes batches to a Lode dataset.
type Archive struct {
	config  Config
	dataset lode.Dataset

	mu     sync.Mutex
	closed bool
}

// New creates an archive over the given store factory.
// Use lode.NewMemoryFactory() for testing.
func New(cfg Config, factory lode.StoreFactory) (*Archive, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &Archive{config: cfg, dataset: ds}, nil
}

// NewFS creates an archive rooted at a local directory.
func NewFS(cfg Config, root string) (*Archive, error) {
	return New(cfg, lode.NewFSFactory(root))
}

// Publish writes one snapshot for the batch.
func (a *Archive) Publish(ctx context.Context, batch *sink.Batch) error {
	records := batchRecords(batch, a.config.Source)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("archive is closed")
	}
	if _, err := a.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return WrapWriteError(err, a.config.Dataset)
	}
	a.config.Logger.Debug("archived batch", map[string]any{
		"qid":     batch.QueryID,
		"records": len(records),
	})
	return nil
}

// Close stops further writes.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Dataset returns the underlying dataset for queries.
func (a *Archive) Dataset() lode.Dataset { return a.dataset }

var _ sink.Publisher = (*Archive)(nil)
