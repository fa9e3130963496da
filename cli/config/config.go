package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/resolvd/log"
	"github.com/pithecene-io/resolvd/remote"
	"github.com/pithecene-io/resolvd/wire"
)

// Config represents a resolvd.yaml file.
// All values are optional; CLI flags override them.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Scripts are loaded in order. Relative paths resolve against the
	// directory holding the config file.
	Scripts []ScriptConfig `yaml:"scripts"`
	// Watch reloads scripts when their files change (serve only).
	Watch bool `yaml:"watch"`

	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Remote     RemoteConfig     `yaml:"remote"`
	Serve      ServeConfig      `yaml:"serve"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Publishers PublishersConfig `yaml:"publishers"`
}

// ScriptConfig is one resolver script.
type ScriptConfig struct {
	Path string `yaml:"path"`
	// Remote runs the script on the remote sandbox server instead of
	// in-process.
	Remote bool `yaml:"remote"`
}

// SandboxConfig configures the in-process sandbox.
type SandboxConfig struct {
	EvalTimeout Duration `yaml:"eval_timeout"`
}

// RemoteConfig locates a remote sandbox server.
type RemoteConfig struct {
	Address           string   `yaml:"address"`
	Transport         string   `yaml:"transport"`
	Encoding          string   `yaml:"encoding"`
	CompressThreshold int      `yaml:"compress_threshold"`
	DialTimeout       Duration `yaml:"dial_timeout"`
	PingInterval      Duration `yaml:"ping_interval"`
}

// ServeConfig configures resolvd serve.
type ServeConfig struct {
	Listen            string `yaml:"listen"`
	Transport         string `yaml:"transport"`
	Encoding          string `yaml:"encoding"`
	CompressThreshold int    `yaml:"compress_threshold"`
}

// PipelineConfig configures the publish pipeline.
type PipelineConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	PublishTimeout Duration `yaml:"publish_timeout"`
}

// PublishersConfig enables downstream publishers. Unset sections are off.
type PublishersConfig struct {
	Redis   *RedisConfig   `yaml:"redis,omitempty"`
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`
	Archive *ArchiveConfig `yaml:"archive,omitempty"`
}

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	URL       string   `yaml:"url"`
	Channel   string   `yaml:"channel,omitempty"`
	Encoding  string   `yaml:"encoding,omitempty"`
	ResultTTL Duration `yaml:"result_ttl,omitempty"`
	KeyPrefix string   `yaml:"key_prefix,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
	Retries   *int     `yaml:"retries,omitempty"`
}

// WebhookConfig configures the webhook publisher.
type WebhookConfig struct {
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	SkipEmpty bool              `yaml:"skip_empty,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
	Retries   *int              `yaml:"retries,omitempty"`
}

// ArchiveConfig configures the result archive.
type ArchiveConfig struct {
	Dataset string `yaml:"dataset"`
	Source  string `yaml:"source"`
	// Backend is fs (default) or s3.
	Backend string `yaml:"backend"`
	// Path is a directory for fs, or bucket[/prefix] for s3.
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Duration wraps time.Duration for YAML strings like "10s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Validate checks enumerated values and required fields.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for i, s := range c.Scripts {
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("scripts[%d]: path is required", i))
		}
		if s.Remote && c.Remote.Address == "" {
			errs = append(errs, fmt.Errorf("scripts[%d]: remote script requires remote.address", i))
		}
	}
	if _, err := remote.ParseTransport(c.Remote.Transport); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}
	if _, err := wire.ParseEncoding(c.Remote.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("remote: %w", err))
	}
	if _, err := remote.ParseTransport(c.Serve.Transport); err != nil {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}
	if _, err := wire.ParseEncoding(c.Serve.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}
	if r := c.Publishers.Redis; r != nil {
		if r.URL == "" {
			errs = append(errs, errors.New("publishers.redis: url is required"))
		}
		if r.Encoding != "" && r.Encoding != "json" && r.Encoding != "msgpack" {
			errs = append(errs, fmt.Errorf("publishers.redis: invalid encoding %q", r.Encoding))
		}
	}
	if w := c.Publishers.Webhook; w != nil && w.URL == "" {
		errs = append(errs, errors.New("publishers.webhook: url is required"))
	}
	if a := c.Publishers.Archive; a != nil {
		switch a.Backend {
		case "", "fs", "s3":
		default:
			errs = append(errs, fmt.Errorf("publishers.archive: invalid backend %q (must be fs or s3)", a.Backend))
		}
		if a.Path == "" {
			errs = append(errs, errors.New("publishers.archive: path is required"))
		}
	}
	return errors.Join(errs...)
}

// ScriptPaths returns the configured script paths in order.
func (c *Config) ScriptPaths() []string {
	paths := make([]string, len(c.Scripts))
	for i, s := range c.Scripts {
		paths[i] = s.Path
	}
	return paths
}
