// Package config loads the daemon configuration.
//
// Files are YAML. Every file is checked against an embedded CUE schema
// (schema.cue) which also supplies the defaults, so a missing or empty
// file yields a complete configuration. The schema is closed: unknown keys
// are rejected.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/fabric/internal/wire"
)

//go:embed schema.cue
var schemaSource []byte

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the validated daemon configuration.
type Config struct {
	// Channel is the local channel name, NFC-normalized.
	Channel string `json:"channel"`

	// Origin is announced to peers in the metadata of lifecycle signals.
	Origin string `json:"origin"`

	// Database is the SQLite file backing the mailbox and exchange.
	Database string `json:"database"`

	// Listen is the WebSocket listen address. Empty disables the listener.
	Listen string `json:"listen"`

	// AllowedOrigins lists browser origins accepted by the WebSocket
	// listener besides its own host. "*" accepts any origin.
	AllowedOrigins []string `json:"allowed_origins"`

	// MetricsListen serves /metrics when set.
	MetricsListen string `json:"metrics_listen"`

	RequestTimeout  Duration      `json:"request_timeout"`
	ProtocolVersion string        `json:"protocol_version"`
	LogLevel        string        `json:"log_level"`
	Peers           []Peer        `json:"peers"`
	Mailbox         Mailbox       `json:"mailbox"`
	SharedMemory    *SharedMemory `json:"shared_memory,omitempty"`
}

// Peer is a channel dialed over WebSocket at startup.
type Peer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Mailbox configures the pump that drains deferred messages.
type Mailbox struct {
	PollInterval    Duration `json:"poll_interval"`
	MaxRetries      int      `json:"max_retries"`
	ExpiresIn       Duration `json:"expires_in"`
	CleanupInterval Duration `json:"cleanup_interval"`
}

// SharedMemory configures an optional shared-memory link. Two daemons
// share a link by using the same path with opposite sides.
type SharedMemory struct {
	Path string `json:"path"`
	Size int    `json:"size"`
	Side string `json:"side"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := Parse(nil, nil)
	if err != nil {
		// The embedded schema is broken; tests catch this.
		panic(err)
	}
	return c
}

// Load reads path and applies overrides on top of it. Overrides are
// top-level keys as they appear in the file, typically set from flags. An
// empty path loads the defaults.
func Load(path string, overrides map[string]any) (*Config, error) {
	if path == "" {
		return Parse(nil, overrides)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	c, err := Parse(data, overrides)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse validates YAML data with overrides applied.
func Parse(data []byte, overrides map[string]any) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalid, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	for k, v := range overrides {
		raw[k] = v
	}

	out, err := validate(raw)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(out, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &c, nil
}

// validate unifies raw with #Config and returns the concrete result as
// JSON.
func validate(raw map[string]any) ([]byte, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, details(err))
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, details(err))
	}
	return out, nil
}

func details(err error) string {
	return strings.Join(strings.Fields(cueerrors.Details(err, nil)), " ")
}

func (c *Config) normalize() error {
	name, err := wire.ValidateName(c.Channel)
	if err != nil {
		return err
	}
	c.Channel = name

	seen := make(map[string]bool, len(c.Peers))
	for i := range c.Peers {
		n, err := wire.ValidateName(c.Peers[i].Name)
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if n == c.Channel {
			return fmt.Errorf("peers[%d]: %q is the local channel", i, n)
		}
		if seen[n] {
			return fmt.Errorf("peers[%d]: duplicate peer %q", i, n)
		}
		seen[n] = true
		c.Peers[i].Name = n
	}
	if c.Peers == nil {
		c.Peers = []Peer{}
	}
	return nil
}
