// Package sqlstore implements storage.Driver on top of a database/sql
// connection, building its queries with ent's dialect-aware SQL builder so
// the same code serves SQLite and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/idgen"
	"github.com/papercomputeco/sipfork/pkg/storage"
)

const (
	snapshotsTable = "fork_snapshots"
	keysTable      = "fork_keys"

	maxRetries = 3
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS fork_snapshots (
		id         TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fork_keys (
		fork_id  TEXT NOT NULL REFERENCES fork_snapshots(id) ON DELETE CASCADE,
		fork_key TEXT NOT NULL,
		PRIMARY KEY (fork_id, fork_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fork_keys_key ON fork_keys (fork_key)`,
}

// Driver stores snapshots as JSON rows, with their keys in a side table.
type Driver struct {
	db      *sql.DB
	dialect string
	ids     idgen.Generator
	now     func() time.Time
}

// New wraps db, creating the schema if needed. dialectName is one of
// ent's dialect.SQLite or dialect.Postgres.
func New(ctx context.Context, db *sql.DB, dialectName string) (*Driver, error) {
	switch dialectName {
	case dialect.SQLite, dialect.Postgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialectName)
	}

	d := &Driver{
		db:      db,
		dialect: dialectName,
		ids:     idgen.Default,
		now:     time.Now,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return d, nil
}

// DB returns the underlying connection.
func (d *Driver) DB() *sql.DB {
	return d.db
}

func (d *Driver) builder() *entsql.DialectBuilder {
	return entsql.Dialect(d.dialect)
}

func (d *Driver) Save(ctx context.Context, snap *fork.Snapshot) (string, error) {
	if snap == nil {
		return "", storage.ErrNilSnapshot
	}

	stored := *snap
	if stored.ID == "" {
		stored.ID = d.ids()
	}

	payload, err := storage.Encode(&stored)
	if err != nil {
		return "", err
	}

	upsert, upsertArgs := d.builder().Insert(snapshotsTable).
		Columns("id", "payload", "expires_at", "updated_at").
		Values(stored.ID, string(payload), unixMilli(stored.ExpiresAt), d.now().UnixMilli()).
		OnConflict(
			entsql.ConflictColumns("id"),
			entsql.ResolveWithNewValues(),
		).
		Query()

	clearKeys, clearArgs := d.builder().Delete(keysTable).
		Where(entsql.EQ("fork_id", stored.ID)).
		Query()

	var insertKeys string
	var insertArgs []any
	if len(stored.Keys) > 0 {
		ins := d.builder().Insert(keysTable).Columns("fork_id", "fork_key")
		for _, key := range dedupe(stored.Keys) {
			ins.Values(stored.ID, key)
		}
		insertKeys, insertArgs = ins.Query()
	}

	err = d.runTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert, upsertArgs...); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, clearKeys, clearArgs...); err != nil {
			return fmt.Errorf("clearing keys: %w", err)
		}
		if insertKeys != "" {
			if _, err := tx.ExecContext(ctx, insertKeys, insertArgs...); err != nil {
				return fmt.Errorf("writing keys: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return stored.ID, nil
}

func (d *Driver) Load(ctx context.Context, id string) (*fork.Snapshot, error) {
	query, args := d.builder().Select("payload").
		From(entsql.Table(snapshotsTable)).
		Where(entsql.EQ("id", id)).
		Query()

	var payload string
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	return storage.Decode([]byte(payload))
}

func (d *Driver) Delete(ctx context.Context, id string) error {
	clearKeys, keyArgs := d.builder().Delete(keysTable).
		Where(entsql.EQ("fork_id", id)).
		Query()
	del, delArgs := d.builder().Delete(snapshotsTable).
		Where(entsql.EQ("id", id)).
		Query()

	return d.runTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, clearKeys, keyArgs...); err != nil {
			return fmt.Errorf("deleting keys: %w", err)
		}

		res, err := tx.ExecContext(ctx, del, delArgs...)
		if err != nil {
			return fmt.Errorf("deleting snapshot: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deleting snapshot: %w", err)
		}
		if n == 0 {
			return storage.NotFoundError{ID: id}
		}
		return nil
	})
}

func (d *Driver) List(ctx context.Context) ([]storage.Entry, error) {
	query, args := d.builder().Select("id", "expires_at").
		From(entsql.Table(snapshotsTable)).
		OrderBy("id").
		Query()

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var entries []storage.Entry
	index := make(map[string]int)
	for rows.Next() {
		var (
			id        string
			expiresAt int64
		)
		if err := rows.Scan(&id, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		index[id] = len(entries)
		entries = append(entries, storage.Entry{ID: id, ExpiresAt: fromUnixMilli(expiresAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	keyQuery, keyArgs := d.builder().Select("fork_id", "fork_key").
		From(entsql.Table(keysTable)).
		OrderBy("fork_id", "fork_key").
		Query()

	keyRows, err := d.db.QueryContext(ctx, keyQuery, keyArgs...)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer keyRows.Close()

	for keyRows.Next() {
		var id, key string
		if err := keyRows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		if i, ok := index[id]; ok {
			entries[i].Keys = append(entries[i].Keys, key)
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	return entries, nil
}

func (d *Driver) Close() error {
	return d.db.Close()
}

// runTx runs fn in a transaction, retrying when SQLite reports the database
// as busy.
func (d *Driver) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	for i := range maxRetries {
		err := d.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == maxRetries-1 {
			return err
		}

		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-t.C:
		}
	}
	return errors.New("max retries exceeded")
}

func (d *Driver) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
