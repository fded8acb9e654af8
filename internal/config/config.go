package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-sse-gateway/ssehttp"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration of the gateway. Environment variables
// are read first; an optional YAML file overrides them.
type Config struct {
	// Host is the bind address. ENV: GATEWAY_HOST
	Host string `env:"GATEWAY_HOST,default=localhost" yaml:"host"`
	// Port is the bind port. ENV: GATEWAY_PORT
	Port int `env:"GATEWAY_PORT,default=8931" yaml:"port"`
	// Path is the mount path. ENV: GATEWAY_PATH
	Path string `env:"GATEWAY_PATH,default=/mcp" yaml:"path"`
	// AllowedOrigins is ';'-separated in the environment.
	// ENV: GATEWAY_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"GATEWAY_ALLOWED_ORIGINS" yaml:"allowed_origins"`
	// KeepAlive enables comment frames on open streams. ENV: GATEWAY_KEEPALIVE
	KeepAlive time.Duration `env:"GATEWAY_KEEPALIVE" yaml:"keepalive"`
	// MaxBodyBytes bounds delivered messages. ENV: GATEWAY_MAX_BODY_BYTES
	MaxBodyBytes int64 `env:"GATEWAY_MAX_BODY_BYTES" yaml:"max_body_bytes"`

	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"sessions"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error. ENV: GATEWAY_LOG_LEVEL
	Level string `env:"GATEWAY_LOG_LEVEL,default=info" yaml:"level"`
	// Format is json or text. ENV: GATEWAY_LOG_FORMAT
	Format string `env:"GATEWAY_LOG_FORMAT,default=json" yaml:"format"`
}

type StoreConfig struct {
	// Host selects the outbound message host: memory or redis.
	// ENV: GATEWAY_SESSION_HOST
	Host string `env:"GATEWAY_SESSION_HOST,default=memory" yaml:"host"`
	// RedisAddr is used when Host is redis. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379" yaml:"redis_addr"`
	// KeyPrefix namespaces Redis keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=sse-gateway:sessions:" yaml:"key_prefix"`
}

// Load reads the environment and, when path is non-empty, overlays the YAML
// file at path. Environment references in the file (${VAR}) are expanded.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) == "" {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Path == "" {
		c.Path = ssehttp.DefaultPath
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Store.Host == "" {
		c.Store.Host = "memory"
	}
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with '/': %q", c.Path)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("keepalive must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text: %q", c.Log.Format)
	}
	switch c.Store.Host {
	case "memory", "redis":
	default:
		return fmt.Errorf("sessions host must be memory or redis: %q", c.Store.Host)
	}
	return nil
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// Gateway returns the listener configuration.
func (c *Config) Gateway() ssehttp.Config {
	return ssehttp.Config{
		Host:           c.Host,
		Port:           c.Port,
		Path:           c.Path,
		AllowedOrigins: append([]string(nil), c.AllowedOrigins...),
	}
}

// Options returns handler options derived from the configuration.
func (c *Config) Options() []ssehttp.Option {
	var opts []ssehttp.Option
	if c.KeepAlive > 0 {
		opts = append(opts, ssehttp.WithKeepAlive(c.KeepAlive))
	}
	if c.MaxBodyBytes > 0 {
		opts = append(opts, ssehttp.WithMaxBodyBytes(c.MaxBodyBytes))
	}
	return opts
}

// Watch reloads the file at path whenever it changes and passes every
// successfully loaded configuration to onChange. Invalid revisions are logged
// and skipped. Watch blocks until ctx is canceled.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch the directory: editors commonly replace the file instead of
	// writing it in place.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.reload.ok", slog.Int("allowed_origins", len(cfg.AllowedOrigins)))
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		}
	}
}
