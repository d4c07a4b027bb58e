// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var loadTests = []struct {
	name      string
	config    string
	want      *Config
	wantPaths [][]string
	wantErr   bool
}{
	{
		name:   "empty",
		config: "",
		want: &Config{
			Server: Server{
				Addr:    DefaultAddr,
				MaxBody: DefaultMaxBody,
				Timeout: DefaultTimeout,
			},
			Database: DefaultDatabase,
			Dispatch: Dispatch{
				Filter:      DefaultFilter,
				Payload:     DefaultPayload,
				Concurrency: DefaultConcurrency,
			},
		},
	},
	{
		name: "complete",
		config: `
database = "postgres://localhost/tokens"
lock_file = "/tmp/sendpush.lock"

[backup]
interval = "24h"
pages = 100
sleep = "10ms"

[log]
level = "debug"
add_source = true

[server]
addr = ":9000"
max_body = 1024
timeout = "5s"

[server.tls]
cert_file = "server.pem"
key_file = "server-key.pem"

[apns]
key_file = "AuthKey.p8"
key_id = "ABCDE12345"
team_id = "TEAM123456"
topic = "org.example.app"
development = true

[dispatch]
filter = "registrations.exists(r, r.type == 'daily')"
payload = "{'aps': {'alert': 'hello'}}"
concurrency = 8
`,
		want: &Config{
			Log: Log{Level: "debug", AddSource: true},
			Server: Server{
				Addr:    ":9000",
				MaxBody: 1024,
				Timeout: Duration(5 * time.Second),
				TLS: TLS{
					CertFile: "server.pem",
					KeyFile:  "server-key.pem",
				},
			},
			Database: "postgres://localhost/tokens",
			Backup: Backup{
				Interval: Duration(24 * time.Hour),
				Pages:    100,
				Sleep:    Duration(10 * time.Millisecond),
			},
			APNs: APNs{
				KeyFile:     "AuthKey.p8",
				KeyID:       "ABCDE12345",
				TeamID:      "TEAM123456",
				Topic:       "org.example.app",
				Development: true,
			},
			Dispatch: Dispatch{
				Filter:      "registrations.exists(r, r.type == 'daily')",
				Payload:     "{'aps': {'alert': 'hello'}}",
				Concurrency: 8,
			},
			LockFile: "/tmp/sendpush.lock",
		},
	},
	{
		name: "bad_level",
		config: `
[log]
level = "verbose"
`,
		wantPaths: [][]string{{"log", "level"}},
		wantErr:   true,
	},
	{
		name: "bad_concurrency",
		config: `
[dispatch]
concurrency = 1000
`,
		wantPaths: [][]string{{"dispatch", "concurrency"}},
		wantErr:   true,
	},
	{
		name: "unknown_key",
		config: `
[server]
port = 80
`,
		wantErr: true,
	},
	{
		name:    "bad_toml",
		config:  `[log`,
		wantErr: true,
	},
}

func TestLoad(t *testing.T) {
	for _, test := range loadTests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			err := os.WriteFile(path, []byte(test.config), 0o644)
			if err != nil {
				t.Fatalf("unexpected error writing config: %v", err)
			}
			got, err := Load(path)
			if (err != nil) != test.wantErr {
				t.Fatalf("unexpected error: got:%v want error:%t", err, test.wantErr)
			}
			if test.wantPaths != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected validation error: got:%T", err)
				}
				if !cmp.Equal(test.wantPaths, verr.Paths) {
					t.Errorf("unexpected paths:\n--- want:\n+++ got:\n%s", cmp.Diff(test.wantPaths, verr.Paths))
				}
			}
			if !cmp.Equal(test.want, got) {
				t.Errorf("unexpected config:\n--- want:\n+++ got:\n%s", cmp.Diff(test.want, got))
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for _, test := range []struct {
		level string
		want  slog.Level
	}{
		{level: "", want: slog.LevelInfo},
		{level: "debug", want: slog.LevelDebug},
		{level: "WARN", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
	} {
		got := Log{Level: test.level}.SlogLevel()
		if got != test.want {
			t.Errorf("unexpected level for %q: got:%v want:%v", test.level, got, test.want)
		}
	}
}

func TestWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte("[log]\nlevel = \"info\"\n"), 0o644)
	if err != nil {
		t.Fatalf("unexpected error writing config: %v", err)
	}

	w, err := NewWatcher(path, -1, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		t.Fatalf("unexpected error starting watcher: %v", err)
	}
	defer w.Close()
	changes := make(chan Change)
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, changes) }()

	next := func() Change {
		t.Helper()
		select {
		case c := <-changes:
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for change")
			return Change{}
		}
	}

	// Unrelated files are ignored.
	err = os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0o644)
	if err != nil {
		t.Fatalf("unexpected error writing file: %v", err)
	}
	err = os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o644)
	if err != nil {
		t.Fatalf("unexpected error writing config: %v", err)
	}
	c := next()
	if c.Err != nil {
		t.Fatalf("unexpected error in change: %v", c.Err)
	}
	if c.Config.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("unexpected log level: got:%v want:%v", c.Config.Log.SlogLevel(), slog.LevelDebug)
	}

	err = os.WriteFile(path, []byte("[log]\nlevel = \"loud\"\n"), 0o644)
	if err != nil {
		t.Fatalf("unexpected error writing config: %v", err)
	}
	c = next()
	var verr *ValidationError
	if !errors.As(c.Err, &verr) {
		t.Errorf("expected validation error: got:%v", c.Err)
	}

	cancel()
	err = <-errc
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error from watcher: %v", err)
	}
}
