// Package redis publishes result batches over Redis pub/sub.
//
// Each batch is published as JSON (or msgpack) to a configurable channel.
// When ResultTTL is set, the latest batch per query is also stored under
// KeyPrefix+qid so late consumers can fetch it. Retries with exponential
// backoff on connection errors.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/resolvd/sink"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "resolvd:results"

// DefaultKeyPrefix prefixes per-query result keys.
const DefaultKeyPrefix = "resolvd:results:"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis publisher.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: resolvd:results).
	Channel string
	// Encoding is "json" (default) or "msgpack".
	Encoding string
	// ResultTTL stores each batch under KeyPrefix+qid for this long.
	// Zero disables storage.
	ResultTTL time.Duration
	// KeyPrefix prefixes stored batch keys (default: resolvd:results:).
	KeyPrefix string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Publisher publishes batches via Redis PUBLISH.
type Publisher struct {
	config Config
	client *goredis.Client
}

// New creates a Redis publisher from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	switch cfg.Encoding {
	case "":
		cfg.Encoding = "json"
	case "json", "msgpack":
	default:
		return nil, fmt.Errorf("redis publisher: invalid encoding %q (must be json or msgpack)", cfg.Encoding)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Publisher{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

func (p *Publisher) encode(batch *sink.Batch) ([]byte, error) {
	if p.config.Encoding == "msgpack" {
		return msgpack.Marshal(batch)
	}
	return json.Marshal(batch)
}

// Publish sends the batch to the configured channel.
// Retries with exponential backoff on failures.
func (p *Publisher) Publish(ctx context.Context, batch *sink.Batch) error {
	body, err := p.encode(batch)
	if err != nil {
		return fmt.Errorf("redis: encode batch: %w", err)
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + p.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		lastErr = p.send(publishCtx, batch.QueryID, body)
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

func (p *Publisher) send(ctx context.Context, queryID string, body []byte) error {
	if p.config.ResultTTL <= 0 {
		return p.client.Publish(ctx, p.config.Channel, body).Err()
	}
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, p.config.KeyPrefix+queryID, body, p.config.ResultTTL)
		pipe.Publish(ctx, p.config.Channel, body)
		return nil
	})
	return err
}

// Close releases publisher resources.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Verify Publisher implements the sink.Publisher interface.
var _ sink.Publisher = (*Publisher)(nil)
