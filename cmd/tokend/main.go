// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The tokend executable is a service that accepts push notification token
// registrations and device information and stores them for dispatch by
// sendpush.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/config"
	"github.com/kortschak/flipbook/internal/database"
	"github.com/kortschak/flipbook/internal/mtls"
	"github.com/kortschak/flipbook/internal/server"
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
	addSource := slogext.NewAtomicBool(*lines || cfg.Log.AddSource)
	log := slogext.New(os.Stderr, &level, addSource)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "failed to open store", slog.Any("error", err))
		return internalError
	}
	defer db.Close(context.Background())

	if cfg.Backup.Interval > 0 {
		stopBackups := backup(ctx, db, cfg.Backup, log.With(slog.String("component", "backup")))
		defer stopBackups()
	}

	if *cfgPath != "" {
		w, err := config.NewWatcher(*cfgPath, -1, log)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, "failed to watch configuration", slog.Any("error", err))
			return internalError
		}
		defer w.Close()
		go follow(ctx, w, &level, *logging != "", addSource, *lines, log)
	}

	tlsCfg, err := mtls.ServerConfig(mtls.Files{
		CA:   cfg.Server.TLS.CAFile,
		Cert: cfg.Server.TLS.CertFile,
		Key:  cfg.Server.TLS.KeyFile,
	})
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "failed to configure tls", slog.Any("error", err))
		return invocationError
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "failed to listen", slog.Any("error", err))
		return internalError
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.LogAttrs(ctx, slog.LevelInfo, "start",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", tlsCfg != nil),
		slog.Bool("mtls", tlsCfg != nil && tlsCfg.ClientCAs != nil),
		slog.String("database", database.Redact(cfg.Database)),
	)
	err = serve(ctx, ln, db, cfg, log)
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "web server", slog.Any("error", err))
		return internalError
	}
	log.LogAttrs(ctx, slog.LevelInfo, "exit")
	return success
}

// backup starts periodic backups of db if it supports them. The
// returned function stops the backups and waits for any backup in
// progress to complete.
func backup(ctx context.Context, db api.Store, cfg config.Backup, log *slog.Logger) (stop func()) {
	b, ok := db.(database.Backupper)
	if !ok {
		log.LogAttrs(ctx, slog.LevelWarn, "backups not supported by store", slog.String("type", fmt.Sprintf("%T", db)))
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		database.RunBackups(ctx, b, database.Schedule{
			Interval: time.Duration(cfg.Interval),
			Pages:    cfg.Pages,
			Sleep:    time.Duration(cfg.Sleep),
		}, log)
	}()
	return func() {
		cancel()
		<-done
	}
}

// serve serves the submission handler on ln until ctx is cancelled.
func serve(ctx context.Context, ln net.Listener, db api.Store, cfg *config.Config, log *slog.Logger) error {
	timeout := time.Duration(cfg.Server.Timeout)
	srv := &http.Server{
		Handler:           server.New(db, log, server.Options{MaxBody: cfg.Server.MaxBody}),
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(shutdown)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}

// follow applies logging configuration changes until ctx is cancelled.
// Level changes are ignored when the level was set on the command line,
// and source locations remain on when requested on the command line.
func follow(ctx context.Context, w *config.Watcher, level *slog.LevelVar, fixedLevel bool, addSource *atomic.Bool, lines bool, log *slog.Logger) {
	changes := make(chan config.Change)
	go func() {
		err := w.Run(ctx, changes)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.LogAttrs(ctx, slog.LevelError, "configuration watcher", slog.Any("error", err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			if c.Err != nil {
				log.LogAttrs(ctx, slog.LevelWarn, "invalid configuration change", slog.Any("change", c))
				continue
			}
			if !fixedLevel {
				level.Set(c.Config.Log.SlogLevel())
			}
			addSource.Store(lines || c.Config.Log.AddSource)
			log.LogAttrs(ctx, slog.LevelInfo, "configuration change applied", slog.String("level", level.Level().String()), slog.Bool("add_source", addSource.Load()))
		}
	}
}
