// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist stores the synchronization watermark of one target
// directory.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// FileName is the database file created inside each target
	// directory.
	FileName = ".watermark.db"

	KeyLastSequence   = "last_sequence"
	KeyLastReceivedAt = "last_received_at"
)

var (
	// ErrDecrease is returned by Save when either watermark field
	// would move backwards.
	ErrDecrease = errors.New("attempt to decrease the watermark")

	createTableSql = []string{
		// The watermark table is a small key/value record.
		//
		// Field: key
		//
		//   One of KeyLastSequence or KeyLastReceivedAt.
		//
		// Field: value
		//
		//   last_sequence: the decimal sequence number of the
		//   last item persisted under the target directory.
		//
		//   last_received_at: the received time of the newest
		//   persisted item, RFC 3339 with nanoseconds, UTC.
		//
		// Notes:
		//
		// Both rows only ever increase.  They are written
		// together after a whole batch of items has been
		// persisted, never in the middle of one.
		`
CREATE TABLE IF NOT EXISTS watermark (
key TEXT NOT NULL PRIMARY KEY,
value TEXT NOT NULL
);`,
	}
)

// Watermark is the resumable cursor of a target directory.
type Watermark struct {
	// The sequence number of the last persisted item; zero when
	// nothing has been persisted yet.
	LastSequence int64

	// The received time of the newest persisted item; the zero
	// time when nothing has been persisted yet.
	LastReceivedAt time.Time
}

func (w Watermark) String() string {
	return fmt.Sprintf("sequence %d, received %s", w.LastSequence, w.LastReceivedAt.Format(time.RFC3339))
}

type DB struct {
	db   *sqlx.DB
	path string
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens, creating if needed, the watermark database of the
// target directory dir.
func Open(ctx context.Context, dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "Open(%q) failed: could not create directory", dir)
	}
	path := filepath.Join(dir, FileName)

	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  Only one engine may
	// use a directory at a time, so contention means misuse; fail
	// after 10 seconds instead of waiting.
	var busyTimeout = int(10*time.Second) / int(time.Millisecond)

	// Every Set must survive a crash right after it returns.
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_synchronous":  {"FULL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}
	db.SetMaxOpenConns(1)

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, path: path}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the database file name.
func (db *DB) Path() string {
	return db.path
}

func initSchema(ctx context.Context, db *sqlx.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Get returns the value stored under key.  ok is false when the key
// has never been set.
func (db *DB) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	const q = `SELECT value FROM watermark WHERE key = $1`
	if err := db.db.GetContext(ctx, &value, q, key); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil // a non-error
		}
		return "", false, errors.Wrapf(err, "db get %q failed", key)
	}
	return value, true, nil
}

// Set stores value under key.  The write is committed before Set
// returns.
func (db *DB) Set(ctx context.Context, key, value string) error {
	return set(ctx, db.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func set(ctx context.Context, e execer, key, value string) error {
	const q = `INSERT INTO watermark (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := e.ExecContext(ctx, q, key, value); err != nil {
		return errors.Wrapf(err, "db upsert %q failed", key)
	}
	return nil
}

// Load returns the stored watermark, or the zero Watermark for a
// directory that has never completed a batch.
func (db *DB) Load(ctx context.Context) (Watermark, error) {
	var w Watermark
	seq, ok, err := db.Get(ctx, KeyLastSequence)
	if err != nil {
		return w, err
	}
	if ok {
		if w.LastSequence, err = strconv.ParseInt(seq, 10, 64); err != nil {
			return w, errors.Wrapf(err, "corrupt %s %q", KeyLastSequence, seq)
		}
	}
	ts, ok, err := db.Get(ctx, KeyLastReceivedAt)
	if err != nil {
		return w, err
	}
	if ok {
		if w.LastReceivedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return w, errors.Wrapf(err, "corrupt %s %q", KeyLastReceivedAt, ts)
		}
	}
	return w, nil
}

// Save writes both fields of w in a single transaction.  It fails
// with ErrDecrease, writing nothing, if either field is lower than the
// stored one.
func (db *DB) Save(ctx context.Context, w Watermark) error {
	latest, err := db.Load(ctx)
	if err != nil {
		return err
	}
	if w.LastSequence < latest.LastSequence || w.LastReceivedAt.Before(latest.LastReceivedAt) {
		return errors.Wrapf(ErrDecrease, "stored %v, new %v", latest, w)
	}

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	if err := set(ctx, tx, KeyLastSequence, strconv.FormatInt(w.LastSequence, 10)); err != nil {
		return err
	}
	if err := set(ctx, tx, KeyLastReceivedAt, w.LastReceivedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}
