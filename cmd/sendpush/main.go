// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The sendpush executable sends push notifications to registered device
// tokens selected by the configured dispatch filter. It is intended to be
// run periodically and holds a lock to prevent overlapping runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gofrs/flock"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/apns"
	"github.com/kortschak/flipbook/internal/config"
	"github.com/kortschak/flipbook/internal/database"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/version"
	"github.com/kortschak/flipbook/internal/xdg"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

func main() { os.Exit(Main()) }

func Main() int {
	cfgPath := flag.String("config", "", "path to the TOML configuration file (default flipbook/config.toml in the user config directory if present)")
	dryRun := flag.Bool("dry_run", false, "evaluate the filter and payload without sending notifications")
	logging := flag.String("log", "", "logging level (debug, info, warn or error) overriding the configuration")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *v {
		err := version.Print(os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}
	if flag.NArg() != 0 {
		flag.Usage()
		return invocationError
	}

	var level slog.LevelVar
	if *logging != "" {
		err := level.UnmarshalText([]byte(*logging))
		if err != nil {
			flag.Usage()
			return invocationError
		}
	}

	if *cfgPath == "" {
		p, err := xdg.ConfigFile("flipbook", "config.toml")
		if err == nil {
			*cfgPath = p
		}
	}
	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			return invocationError
		}
	}
	if *logging == "" {
		level.Set(cfg.Log.SlogLevel())
	}
	log := slogext.New(os.Stderr, &level, slogext.NewAtomicBool(*lines || cfg.Log.AddSource))

	var sender apns.Sender
	if !*dryRun {
		var err error
		sender, err = newClient(cfg.APNs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid push configuration: %v\n", err)
			return invocationError
		}
	}

	lockFile := cfg.LockFile
	if lockFile == "" {
		var err error
		lockFile, err = xdg.RuntimeFile("flipbook", "sendpush.lock")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to find lock file location: %v\n", err)
			return internalError
		}
	}
	unlock, err := lock(lockFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	defer unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "failed to open store", slog.Any("error", err))
		return internalError
	}
	defer db.Close(context.Background())

	sum, err := run(ctx, db, sender, cfg.Dispatch, *dryRun, log)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "dispatch", slog.Any("error", err), slog.Any("summary", sum))
		return internalError
	}
	log.LogAttrs(ctx, slog.LevelInfo, "dispatch", slog.Bool("dry_run", *dryRun), slog.Any("summary", sum))
	return success
}

// newClient returns a push gateway client for the configuration.
func newClient(cfg config.APNs) (*apns.Client, error) {
	switch "" {
	case cfg.KeyFile:
		return nil, errors.New("missing key file")
	case cfg.Topic:
		return nil, errors.New("missing topic")
	}
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	signer, err := apns.NewSigner(key, cfg.KeyID, cfg.TeamID)
	if err != nil {
		return nil, err
	}
	gateway := apns.Production
	if cfg.Development {
		gateway = apns.Development
	}
	return apns.NewClient(gateway, cfg.Topic, signer), nil
}

// lock takes an exclusive lock on path, returning a function that
// releases the lock.
func lock(path string) (unlock func(), err error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("sendpush is already running: %s is locked", path)
	}
	return func() { fl.Unlock() }, nil
}

// run dispatches notifications to the tokens in db.
func run(ctx context.Context, db api.Store, sender apns.Sender, cfg config.Dispatch, dryRun bool, log *slog.Logger) (apns.Summary, error) {
	d, err := apns.NewDispatcher(db, sender, log, apns.Options{
		Filter:      cfg.Filter,
		Payload:     cfg.Payload,
		Concurrency: cfg.Concurrency,
		DryRun:      dryRun,
	})
	if err != nil {
		return apns.Summary{}, err
	}
	return d.Dispatch(ctx)
}
