// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store provides the token data storage layer using SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/url"
	"slices"
	"sync"
	"time"

	"modernc.org/sqlite"

	"github.com/kortschak/flipbook/api"
)

// DB is a persistent store.
type DB struct {
	name    string
	mu      sync.Mutex
	store   *sql.DB
	roStore *sql.DB

	bkMu sync.Mutex
}

var _ api.Store = (*DB)(nil)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func txDone(tx *sql.Tx, err *error) {
	if *err == nil {
		*err = tx.Commit()
	} else {
		*err = errors.Join(*err, tx.Rollback())
	}
}

// Open opens a DB, creating it if it does not exist. See
// https://pkg.go.dev/modernc.org/sqlite#Driver.Open for name handling
// details. Two connections to the database are created, one with mode=rwc
// and one with mode=ro. Any mode in the provided name will be ignored.
func Open(ctx context.Context, name string) (*DB, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, err
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, err
	}
	u.Scheme = "file"
	// URL URIs confuse SQLite. If the path is left in u.Path
	// the relative path is interpreted by SQLite as an absolute
	// path and will most likely end up being in a directory that
	// cannot be read or written to. This results in an "SQL logic
	// error: out of memory (1)".
	if u.Opaque == "" {
		u.Opaque = u.Path
		u.Path = ""
	}

	q.Set("mode", "rwc")
	u.RawQuery = q.Encode()
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, Schema)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	q.Set("mode", "ro")
	u.RawQuery = q.Encode()
	dbRO, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &DB{name: u.Opaque, store: db, roStore: dbRO}, nil
}

// Name returns the name of the database as provided to Open.
func (db *DB) Name() string {
	if db == nil {
		return ""
	}
	return db.name
}

// Backup creates a backup of the DB using the SQLite backup API, sleeping
// between each step of n pages. n must fit into an int32, and if it is zero or
// less, the full database will be backed up in a single step. It returns the
// path of the backup.
func (db *DB) Backup(ctx context.Context, n int, sleep time.Duration) (string, error) {
	if n > math.MaxInt32 {
		return "", fmt.Errorf("step size out of bounds: %d", n)
	}
	if n <= 0 {
		n = -1
	}

	conn, err := db.store.Conn(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	db.bkMu.Lock()
	defer db.bkMu.Unlock()
	dst := db.name + "_" + time.Now().In(time.UTC).Format("20060102150405")
	err = conn.Raw(func(driverConn any) error {
		type backupper interface {
			NewBackup(dst string) (*sqlite.Backup, error)
		}
		conn, ok := driverConn.(backupper)
		if !ok {
			return fmt.Errorf("driver does not support backup: %T", driverConn)
		}
		bck, err := conn.NewBackup(dst)
		if err != nil {
			return err
		}
		more := true
		for more {
			db.mu.Lock()
			more, err = bck.Step(int32(n))
			db.mu.Unlock()
			if err != nil {
				return err
			}
			if sleep <= 0 {
				continue
			}
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		return bck.Finish()
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

// Close closes the database.
func (db *DB) Close(_ context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return errors.Join(db.store.Close(), db.roStore.Close())
}

// Schema is the DB schema.
const Schema = `
create table if not exists registrations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	token      TEXT NOT NULL,
	type       TEXT NOT NULL,
	debug      INTEGER NOT NULL,
	start_date TEXT NOT NULL, -- YYYY-MM-DD
	end_date   TEXT NOT NULL  -- YYYY-MM-DD, exclusive
) STRICT;
create index if not exists registration_index_token ON registrations(token);
create table if not exists devices (
	ident      TEXT NOT NULL,
	os_version TEXT NOT NULL,
	app        TEXT NOT NULL,
	languages  TEXT NOT NULL,
	updated    TEXT NOT NULL, -- RFC3339 nano
	PRIMARY KEY (ident, app)
) STRICT;
pragma journal_mode=WAL;
`

const (
	DeleteToken        = `delete from registrations where token = ?`
	InsertRegistration = `insert into registrations(token, type, debug, start_date, end_date) values (?, ?, ?, ?, ?)`
)

// ReplaceToken replaces all the registrations for the token with the
// provided registration data within a single transaction.
// The SQL commands run are [DeleteToken] and [InsertRegistration].
func (db *DB) ReplaceToken(ctx context.Context, token string, debug bool, data map[string][]api.DateRange) (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.store.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txDone(tx, &err)
	_, err = tx.ExecContext(ctx, DeleteToken, token)
	if err != nil {
		return err
	}
	for _, typ := range slices.Sorted(maps.Keys(data)) {
		for _, r := range data[typ] {
			_, err = tx.ExecContext(ctx, InsertRegistration, token, typ, debug, r.Start.Format(api.DateLayout), r.End.Format(api.DateLayout))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteToken removes all the registrations for the token, returning the
// number of registrations removed.
// The SQL command run is [DeleteToken].
func (db *DB) DeleteToken(ctx context.Context, token string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.store.ExecContext(ctx, DeleteToken, token)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const ReplaceDevice = `insert into devices(ident, os_version, app, languages, updated) values (?, ?, ?, ?, ?)
	on conflict(ident, app) do update set
		os_version = excluded.os_version,
		languages = excluded.languages,
		updated = excluded.updated`

// ReplaceDevice inserts or replaces the device record for the device's
// ident and app.
// The SQL command run is [ReplaceDevice].
func (db *DB) ReplaceDevice(ctx context.Context, dev api.Device) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.store.ExecContext(ctx, ReplaceDevice, dev.Ident, dev.OSVersion, dev.App, dev.Languages, time.Now().Format(time.RFC3339Nano))
	return err
}

const Registrations = `select token, type, debug, start_date, end_date from registrations order by token, type, start_date, id`

// Registrations returns all the registrations in the store.
// The SQL command run is [Registrations].
func (db *DB) Registrations(ctx context.Context) ([]api.Registration, error) {
	return registrations(ctx, db.roStore)
}

func registrations(ctx context.Context, db querier) ([]api.Registration, error) {
	rows, err := db.QueryContext(ctx, Registrations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var regs []api.Registration
	for rows.Next() {
		var (
			r          api.Registration
			start, end string
		)
		err = rows.Scan(&r.Token, &r.Type, &r.Debug, &start, &end)
		if err != nil {
			return regs, err
		}
		r.Dates.Start, err = time.Parse(api.DateLayout, start)
		if err != nil {
			return regs, err
		}
		r.Dates.End, err = time.Parse(api.DateLayout, end)
		if err != nil {
			return regs, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Close()
}

const Tokens = `select distinct token from registrations order by token`

// Tokens returns the distinct tokens in the store in lexical order.
// The SQL command run is [Tokens].
func (db *DB) Tokens(ctx context.Context) ([]string, error) {
	rows, err := db.roStore.QueryContext(ctx, Tokens)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var tok string
		err = rows.Scan(&tok)
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Close()
}

const Devices = `select ident, os_version, app, languages from devices order by ident, app`

// Devices returns all the device records in the store.
// The SQL command run is [Devices].
func (db *DB) Devices(ctx context.Context) ([]api.Device, error) {
	rows, err := db.roStore.QueryContext(ctx, Devices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var devs []api.Device
	for rows.Next() {
		var d api.Device
		err = rows.Scan(&d.Ident, &d.OSVersion, &d.App, &d.Languages)
		if err != nil {
			return devs, err
		}
		devs = append(devs, d)
	}
	return devs, rows.Close()
}
