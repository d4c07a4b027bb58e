// Copyright ©2024 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pgstore provides a token data storage layer using PostgreSQL.
package pgstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kortschak/flipbook/api"
)

// DB is a persistent store.
type DB struct {
	name  string
	store *pgxpool.Pool
}

var _ api.Store = (*DB)(nil)

func txDone(ctx context.Context, tx pgx.Tx, err *error) {
	if *err == nil {
		*err = tx.Commit(ctx)
	} else {
		*err = errors.Join(*err, tx.Rollback(ctx))
	}
}

// Open opens a PostgresSQL DB. See [pgxpool.ParseConfig] for name handling
// details. If name does not include a password, the password is taken from
// $PGPASSWORD or from the user's .pgpass file.
func Open(ctx context.Context, name string) (*DB, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, err
	}
	if u.User == nil {
		return nil, fmt.Errorf("missing user info: %s", u.Redacted())
	}
	if _, ok := u.User.Password(); !ok {
		pgHost, pgPort, err := net.SplitHostPort(u.Host)
		if err != nil {
			return nil, err
		}
		userInfo, err := pgUserinfo(u.User.Username(), pgHost, pgPort, os.Getenv("PGPASSWORD"))
		if err != nil {
			return nil, err
		}
		u.User = userInfo
	}

	db, err := pgxpool.New(ctx, u.String())
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx, Schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	u.User = nil
	return &DB{name: u.String(), store: db}, nil
}

func pgUserinfo(pgUser, pgHost, pgPort, pgPassword string) (*url.Userinfo, error) {
	if pgPassword != "" {
		return url.UserPassword(pgUser, pgPassword), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not get home directory: %w", err)
	}
	pgpass, err := os.Open(filepath.Join(home, ".pgpass"))
	if err != nil {
		return nil, fmt.Errorf("could not open .pgpass: %w", err)
	}
	defer pgpass.Close()
	fi, err := pgpass.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat .pgpass: %v", err)
	}
	if fi.Mode()&0o077 != 0o000 {
		return nil, fmt.Errorf(".pgpass permissions too relaxed: %s", fi.Mode())
	}
	sc := bufio.NewScanner(pgpass)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parsePgPassLine(line)
		if err != nil {
			return nil, fmt.Errorf("could not parse .pgpass: %w", err)
		}
		if e.match(pgUser, pgHost, pgPort, "*") {
			return url.UserPassword(pgUser, e.password), nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("unexpected error reading .pgpass: %w", err)
	}
	return nil, errors.New("must have postgres password in $PGPASSWORD or .pgpass")
}

type pgPassEntry struct {
	host     string
	port     string
	database string
	user     string
	password string
}

func (e pgPassEntry) match(user, host, port, database string) bool {
	return user == e.user &&
		(host == e.host || e.host == "*") &&
		(port == e.port || e.port == "*") &&
		(database == e.database || e.database == "*")
}

func parsePgPassLine(text string) (pgPassEntry, error) {
	var (
		entry  pgPassEntry
		field  int
		last   int
		escape bool
	)
	for i, r := range text {
		switch r {
		case '\\':
			escape = !escape
			continue
		case ':':
			if escape {
				break
			}
			switch field {
			case 0:
				entry.host = text[last:i]
			case 1:
				entry.port = text[last:i]
			case 2:
				entry.database = text[last:i]
			case 3:
				entry.user = text[last:i]
			default:
				return entry, errors.New("too many fields")
			}
			last = i + 1
			field++
		}
		escape = false
	}
	entry.password = text[last:]
	return entry, nil
}

// Name returns the name of the database as provided to Open, without
// user information.
func (db *DB) Name() string {
	if db == nil {
		return ""
	}
	return db.name
}

// Close closes the database.
func (db *DB) Close(_ context.Context) error {
	db.store.Close()
	return nil
}

// Schema is the DB schema.
const Schema = `
create table if not exists registrations (
	id    SERIAL PRIMARY KEY,
	token TEXT NOT NULL,
	type  TEXT NOT NULL,
	debug BOOLEAN NOT NULL,
	dates DATERANGE NOT NULL
);
create index if not exists registration_index_token ON registrations(token);
create table if not exists devices (
	ident      TEXT NOT NULL,
	os_version TEXT NOT NULL,
	app        TEXT NOT NULL,
	languages  TEXT NOT NULL,
	updated    TIMESTAMP WITH TIME ZONE NOT NULL,
	PRIMARY KEY (ident, app)
);
`

const (
	DeleteToken        = `delete from registrations where token = $1`
	InsertRegistration = `insert into registrations(token, type, debug, dates) values ($1, $2, $3, daterange($4::date, $5::date, '[)'))`
)

// ReplaceToken replaces all the registrations for the token with the
// provided registration data within a single transaction.
// The SQL commands run are [DeleteToken] and [InsertRegistration].
func (db *DB) ReplaceToken(ctx context.Context, token string, debug bool, data map[string][]api.DateRange) (err error) {
	tx, err := db.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer txDone(ctx, tx, &err)
	_, err = tx.Exec(ctx, DeleteToken, token)
	if err != nil {
		return err
	}
	for _, typ := range slices.Sorted(maps.Keys(data)) {
		for _, r := range data[typ] {
			_, err = tx.Exec(ctx, InsertRegistration, token, typ, debug, r.Start, r.End)
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
	tag, err := db.store.Exec(ctx, DeleteToken, token)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const ReplaceDevice = `insert into devices(ident, os_version, app, languages, updated) values ($1, $2, $3, $4, $5)
	on conflict(ident, app) do update set
		os_version = excluded.os_version,
		languages = excluded.languages,
		updated = excluded.updated`

// ReplaceDevice inserts or replaces the device record for the device's
// ident and app.
// The SQL command run is [ReplaceDevice].
func (db *DB) ReplaceDevice(ctx context.Context, dev api.Device) error {
	_, err := db.store.Exec(ctx, ReplaceDevice, dev.Ident, dev.OSVersion, dev.App, dev.Languages, time.Now())
	return err
}

const Registrations = `select token, type, debug, dates::text from registrations order by token, type, lower(dates), id`

// Registrations returns all the registrations in the store.
// The SQL command run is [Registrations].
func (db *DB) Registrations(ctx context.Context) ([]api.Registration, error) {
	rows, err := db.store.Query(ctx, Registrations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var regs []api.Registration
	for rows.Next() {
		var (
			r     api.Registration
			dates string
		)
		err = rows.Scan(&r.Token, &r.Type, &r.Debug, &dates)
		if err != nil {
			return regs, err
		}
		r.Dates, err = api.ParseDateRange(dates)
		if err != nil {
			return regs, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}

const Tokens = `select distinct token from registrations order by token`

// Tokens returns the distinct tokens in the store in lexical order.
// The SQL command run is [Tokens].
func (db *DB) Tokens(ctx context.Context) ([]string, error) {
	rows, err := db.store.Query(ctx, Tokens)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const Devices = `select ident, os_version, app, languages from devices order by ident, app`

// Devices returns all the device records in the store.
// The SQL command run is [Devices].
func (db *DB) Devices(ctx context.Context) ([]api.Device, error) {
	rows, err := db.store.Query(ctx, Devices)
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
	return devs, rows.Err()
}
