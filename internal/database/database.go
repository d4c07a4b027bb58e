// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package database opens the token store named by a database
// configuration and schedules store backups.
package database

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kortschak/flipbook/api"
	"github.com/kortschak/flipbook/internal/pgstore"
	"github.com/kortschak/flipbook/internal/store"
)

// IsPostgres returns whether name is a PostgreSQL connection URL.
func IsPostgres(name string) bool {
	return strings.HasPrefix(name, "postgres://") || strings.HasPrefix(name, "postgresql://")
}

// Open returns the store for the database name. PostgreSQL URLs open a
// PostgreSQL store, all other names are SQLite database paths.
func Open(ctx context.Context, name string) (api.Store, error) {
	if IsPostgres(name) {
		return pgstore.Open(ctx, name)
	}
	return store.Open(ctx, name)
}

// Redact returns name with any URL password removed.
func Redact(name string) string {
	u, err := url.Parse(name)
	if err != nil || u.Scheme == "" {
		return name
	}
	return u.Redacted()
}

// Backupper is a store that can write a backup of itself, returning the
// path of the backup.
type Backupper interface {
	Backup(ctx context.Context, pages int, sleep time.Duration) (string, error)
}

// Schedule is a periodic backup schedule.
type Schedule struct {
	// Interval is the time between backups.
	Interval time.Duration
	// Pages is the number of pages copied in each
	// backup step. Zero copies the database in
	// one step.
	Pages int
	// Sleep is the pause between backup steps.
	Sleep time.Duration
}

// RunBackups backs up db every s.Interval until ctx is cancelled,
// returning the context's error. Failed backups are logged and retried
// at the next interval.
func RunBackups(ctx context.Context, db Backupper, s Schedule, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		start := time.Now()
		path, err := db.Backup(ctx, s.Pages, s.Sleep)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.LogAttrs(ctx, slog.LevelWarn, "backup", slog.Any("error", err))
			continue
		}
		log.LogAttrs(ctx, slog.LevelInfo, "backup", slog.String("path", path), slog.Duration("duration", time.Since(start)))
	}
}
