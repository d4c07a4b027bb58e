// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides configuration loading, validation and live
// reloading for the push notification services.
package config

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete service configuration.
type Config struct {
	Log      Log      `toml:"log" json:"log"`
	Server   Server   `toml:"server" json:"server"`
	Database string   `toml:"database" json:"database,omitempty"`
	Backup   Backup   `toml:"backup" json:"backup"`
	APNs     APNs     `toml:"apns" json:"apns"`
	Dispatch Dispatch `toml:"dispatch" json:"dispatch"`
	LockFile string   `toml:"lock_file" json:"lock_file,omitempty"`
}

// Log is the logging configuration.
type Log struct {
	Level     string `toml:"level" json:"level,omitempty"`
	AddSource bool   `toml:"add_source" json:"add_source,omitempty"`
}

// SlogLevel returns the slog.Level corresponding to the configured level
// name. An empty level is slog.LevelInfo.
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if l.Level == "" {
		return level
	}
	err := level.UnmarshalText([]byte(l.Level))
	if err != nil {
		// The level is validated when loaded.
		return slog.LevelInfo
	}
	return level
}

// Server is the token submission service configuration.
type Server struct {
	Addr    string   `toml:"addr" json:"addr,omitempty"`
	MaxBody int64    `toml:"max_body" json:"max_body,omitempty"`
	Timeout Duration `toml:"timeout" json:"timeout,omitempty"`
	TLS     TLS      `toml:"tls" json:"tls"`
}

// TLS holds paths to PEM encoded TLS material. When CAFile is set,
// clients must present a certificate signed by the CA.
type TLS struct {
	CAFile   string `toml:"ca_file" json:"ca_file,omitempty"`
	CertFile string `toml:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string `toml:"key_file" json:"key_file,omitempty"`
}

// Backup is the SQLite token store backup schedule. Backups are
// disabled when Interval is zero.
type Backup struct {
	Interval Duration `toml:"interval" json:"interval,omitempty"`
	// Pages is the number of pages copied in each
	// backup step. Zero copies the database in one step.
	Pages int      `toml:"pages" json:"pages,omitempty"`
	Sleep Duration `toml:"sleep" json:"sleep,omitempty"`
}

// APNs is the push gateway configuration.
type APNs struct {
	KeyFile     string `toml:"key_file" json:"key_file,omitempty"`
	KeyID       string `toml:"key_id" json:"key_id,omitempty"`
	TeamID      string `toml:"team_id" json:"team_id,omitempty"`
	Topic       string `toml:"topic" json:"topic,omitempty"`
	Development bool   `toml:"development" json:"development,omitempty"`
}

// Dispatch is the push dispatch configuration.
type Dispatch struct {
	// Filter is a CEL expression selecting
	// recipient tokens.
	Filter string `toml:"filter" json:"filter,omitempty"`
	// Payload is a CEL expression evaluating
	// to the notification payload object.
	Payload     string `toml:"payload" json:"payload,omitempty"`
	Concurrency int    `toml:"concurrency" json:"concurrency,omitempty"`
}

// Duration is a time.Duration that is decoded from a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Defaults.
const (
	DefaultAddr        = "localhost:8080"
	DefaultMaxBody     = 1 << 16
	DefaultTimeout     = Duration(10 * time.Second)
	DefaultDatabase    = "tokens.db"
	DefaultConcurrency = 4
	DefaultFilter      = "true"
	DefaultPayload     = `{"aps": {"content-available": 1}}`
)

// schema is the schema for a valid configuration.
const schema = `
{
	log?: {
		level?:      _#log_level
		add_source?: bool
	}
	server?: {
		addr?:     string
		max_body?: int & >=0
		timeout?:  string | int & >=0
		tls?: {
			ca_file?:   string
			cert_file?: string
			key_file?:  string
		}
	}
	database?: string
	backup?: {
		interval?: string | int & >=0
		pages?:    int & >=0 & <=2147483647
		sleep?:    string | int & >=0
	}
	apns?: {
		key_file?:    string
		key_id?:      =~"^[A-Z0-9]{10}$"
		team_id?:     =~"^[A-Z0-9]{10}$"
		topic?:       string
		development?: bool
	}
	dispatch?: {
		filter?:      string
		payload?:     string
		concurrency?: int & >=0 & <=64
	}
	lock_file?: string
}

_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
`

// Load reads, validates and applies defaults to the TOML configuration
// at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, _, err := parse(b)
	return cfg, err
}

// Default returns the default configuration.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// parse returns the validated configuration in b with defaults applied,
// and the configuration's semantic hash.
func parse(b []byte) (*Config, Sum, error) {
	var (
		cfg Config
		sum Sum
	)
	md, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&cfg)
	if err != nil {
		return nil, sum, err
	}
	if undec := md.Undecoded(); len(undec) != 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, sum, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	paths, err := Validate(schema, &cfg)
	if err != nil {
		return nil, sum, &ValidationError{Paths: paths, Err: err}
	}
	cfg.setDefaults()

	h := sha1.New()
	err = json.NewEncoder(h).Encode(cfg)
	if err != nil {
		return nil, sum, err
	}
	sum = Sum(h.Sum(nil))
	return &cfg, sum, nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.MaxBody == 0 {
		c.Server.MaxBody = DefaultMaxBody
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultTimeout
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = DefaultConcurrency
	}
	if c.Dispatch.Filter == "" {
		c.Dispatch.Filter = DefaultFilter
	}
	if c.Dispatch.Payload == "" {
		c.Dispatch.Payload = DefaultPayload
	}
}

// ValidationError is returned when a configuration does not conform to
// the configuration schema.
type ValidationError struct {
	// Paths holds the invalid field paths.
	Paths [][]string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Sum is a configuration hash.
type Sum [sha1.Size]byte

func (s Sum) String() string {
	return hex.EncodeToString(s[:])
}
