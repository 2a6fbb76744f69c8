// Package sqlstore implements store.Backend with a SQL database, having
// either the SQLite ("sqlite3") or PostgreSQL ("postgres") dialect.
//
// Scalars, hash maps, and ordered sets are rows of tables hwm_values,
// hwm_hashes, and hwm_zsets, which are created if they don't exist. Each key
// also has a row in hwm_versions which is incremented by each transaction
// writing the key. A transaction commits only if the version of each watched
// key is unchanged, which it verifies with a conditional UPDATE:
//
//	UPDATE hwm_versions SET version=version+1 WHERE key=$1 AND version=$2;
//
// and aborts if no row was affected.
//
// PostgreSQL publications are NOTIFY'd within the committing transaction,
// and are received through a LISTEN connection. SQLite publications are
// delivered in-process only, to PubSubs of the same Backend.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Registers "sqlite3".
	"github.com/pkg/errors"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/memstore"
)

// Backend is a store.Backend of a SQL database.
type Backend struct {
	DB *sql.DB

	dialect dialect
	dsn     string
	// hub delivers SQLite publications to PubSubs of this Backend.
	hub     *memstore.Store
	hubConn store.Conn
	// commitMu orders SQLite commits with their publications.
	commitMu sync.Mutex
}

// OpenSQLite opens (or creates) the SQLite database at |path|.
func OpenSQLite(ctx context.Context, path string) (*Backend, error) {
	var db, err = sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.WithMessagef(err, "opening sqlite database %s", path)
	}
	// SQLite permits a single writer. A single connection also serializes
	// the transactions of this process.
	db.SetMaxOpenConns(1)

	return newBackend(ctx, db, sqliteDialect, "")
}

// OpenPostgres opens the PostgreSQL database of |dsn|.
func OpenPostgres(ctx context.Context, dsn string) (*Backend, error) {
	var db, err = sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "opening postgres database")
	}
	return newBackend(ctx, db, postgresDialect, dsn)
}

func newBackend(ctx context.Context, db *sql.DB, d dialect, dsn string) (*Backend, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.WithMessagef(err, "creating %s schema", d.name)
		}
	}
	var b = &Backend{DB: db, dialect: d, dsn: dsn}
	if !d.notify {
		b.hub = memstore.New()
		b.hubConn, _ = b.hub.DialConn(ctx) // Fails only if the hub is failed.
	}
	return b, nil
}

// Close the Backend's database.
func (b *Backend) Close() error { return b.DB.Close() }

// DialConn returns a Conn of the Backend's database.
func (b *Backend) DialConn(ctx context.Context) (store.Conn, error) {
	if err := b.DB.PingContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "pinging %s", b.dialect.name)
	}
	return &Conn{reader: reader{q: b.DB}, b: b}, nil
}

// DialPubSub returns a PubSub of the Backend.
func (b *Backend) DialPubSub(ctx context.Context) (store.PubSub, error) {
	if b.hub != nil {
		return b.hub.DialPubSub(ctx)
	}
	var l, err = dialListener(ctx, b.dsn)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Conn is a store.Conn of a SQL database.
type Conn struct {
	reader
	b *Backend
}

func (c *Conn) Watch(ctx context.Context, fn func(store.Txn) error, keys ...string) error {
	var watched = make(map[string]int64, len(keys))
	for _, k := range keys {
		var version int64
		var err = c.b.DB.QueryRowContext(ctx,
			`SELECT version FROM hwm_versions WHERE key=$1;`, k).Scan(&version)
		if err != nil && err != sql.ErrNoRows {
			return errors.WithMessagef(err, "reading version of %q", k)
		}
		watched[k] = version
	}

	var t = &txn{reader: c.reader}
	if err := fn(t); err != nil {
		return err
	} else if len(t.ops) == 0 {
		return nil
	}

	if c.b.hub != nil {
		c.b.commitMu.Lock()
		defer c.b.commitMu.Unlock()
	}
	var tx, err = c.b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }() // No-op if committed.

	for _, k := range keys {
		if err = checkVersion(ctx, tx, k, watched[k], t.written[k]); err != nil {
			return err
		}
	}
	for k := range t.written {
		if _, ok := watched[k]; ok {
			continue // Bumped by checkVersion.
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO hwm_versions (key, version) VALUES ($1, 1)
			ON CONFLICT (key) DO UPDATE SET version = hwm_versions.version + 1;`, k); err != nil {
			return errors.WithMessagef(err, "updating version of %q", k)
		}
	}

	var published []store.Message
	for _, op := range t.ops {
		if op.publish != nil && c.b.hub != nil {
			published = append(published, *op.publish)
			continue
		}
		if _, err = tx.ExecContext(ctx, op.query, op.args...); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	for _, msg := range published {
		_ = c.b.hubConn.Publish(ctx, msg.Channel, msg.Payload)
	}
	return nil
}

// checkVersion verifies that |key| remains at |version|, incrementing it if
// the transaction writes |key|. It returns ErrTxnAborted if |key| changed.
func checkVersion(ctx context.Context, tx *sql.Tx, key string, version int64, written bool) error {
	var res sql.Result
	var err error

	switch {
	case version == 0 && written:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO hwm_versions (key, version) VALUES ($1, 1) ON CONFLICT (key) DO NOTHING;`, key)
	case version == 0:
		var n int64
		if err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM hwm_versions WHERE key=$1;`, key).Scan(&n); err == nil && n != 0 {
			return store.ErrTxnAborted
		}
		return err
	case written:
		res, err = tx.ExecContext(ctx, `
			UPDATE hwm_versions SET version=version+1 WHERE key=$1 AND version=$2;`, key, version)
	default:
		// Take a row lock, without changing the version.
		res, err = tx.ExecContext(ctx, `
			UPDATE hwm_versions SET version=version WHERE key=$1 AND version=$2;`, key, version)
	}

	var rowsAffected int64
	if err == nil {
		rowsAffected, err = res.RowsAffected()
	}
	if err != nil {
		return errors.WithMessagef(err, "checking version of %q", key)
	} else if rowsAffected == 0 {
		return store.ErrTxnAborted
	}
	return nil
}

func (c *Conn) Publish(ctx context.Context, channel, message string) error {
	if c.b.hub != nil {
		return c.b.hubConn.Publish(ctx, channel, message)
	}
	var _, err = c.b.DB.ExecContext(ctx, `SELECT pg_notify($1, $2);`, channel, message)
	return err
}

func (c *Conn) Close() error { return nil }

// txn stages writes as SQL statements.
type txn struct {
	reader
	ops     []op
	written map[string]bool
}

type op struct {
	query   string
	args    []interface{}
	publish *store.Message
}

func (t *txn) write(key, query string, args ...interface{}) {
	if t.written == nil {
		t.written = make(map[string]bool)
	}
	t.written[key] = true
	t.ops = append(t.ops, op{query: query, args: args})
}

func (t *txn) Set(key, value string) {
	t.write(key, `
		INSERT INTO hwm_values (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value;`, key, []byte(value))
}

func (t *txn) HSet(key, field, value string) {
	t.write(key, `
		INSERT INTO hwm_hashes (key, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = excluded.value;`, key, field, []byte(value))
}

func (t *txn) ZAdd(key string, score float64, member string) {
	t.write(key, `
		INSERT INTO hwm_zsets (key, member, score) VALUES ($1, $2, $3)
		ON CONFLICT (key, member) DO UPDATE SET score = excluded.score;`, key, member, score)
}

func (t *txn) Publish(channel, message string) {
	t.ops = append(t.ops, op{
		query:   `SELECT pg_notify($1, $2);`,
		args:    []interface{}{channel, message},
		publish: &store.Message{Channel: channel, Payload: message},
	})
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// reader implements store.Reader.
type reader struct {
	q queryer
}

func (r reader) Get(ctx context.Context, key string) (string, bool, error) {
	var b []byte
	var err = r.q.QueryRowContext(ctx, `SELECT value FROM hwm_values WHERE key=$1;`, key).Scan(&b)

	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (r reader) RangeByScore(ctx context.Context, key string, min, max store.Bound) ([]store.Member, error) {
	var query = `SELECT member, score FROM hwm_zsets WHERE key=$1`
	var args = []interface{}{key}

	if !min.IsInf() {
		args = append(args, min.Score)
		query += fmt.Sprintf(" AND score %s $%d", pick(min.Exclusive, ">", ">="), len(args))
	}
	if !max.IsInf() {
		args = append(args, max.Score)
		query += fmt.Sprintf(" AND score %s $%d", pick(max.Exclusive, "<", "<="), len(args))
	}
	return r.members(ctx, query+" ORDER BY score, member;", args...)
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func (r reader) RangeByRank(ctx context.Context, key string, start, stop int64) ([]store.Member, error) {
	var size int64
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hwm_zsets WHERE key=$1;`, key).Scan(&size); err != nil {
		return nil, err
	}
	var begin, end = store.RankWindow(start, stop, size)
	if begin >= end {
		return nil, nil
	}
	return r.members(ctx, `
		SELECT member, score FROM hwm_zsets WHERE key=$1
		ORDER BY score, member LIMIT $2 OFFSET $3;`, key, end-begin, begin)
}

func (r reader) members(ctx context.Context, query string, args ...interface{}) ([]store.Member, error) {
	var rows, err = r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Member
	for rows.Next() {
		var m store.Member
		if err = rows.Scan(&m.Name, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// maxHMGetFields bounds the bound parameters of a single HMGet query.
const maxHMGetFields = 500

func (r reader) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	var out = make(map[string]string, len(fields))

	for len(fields) != 0 {
		var n = len(fields)
		if n > maxHMGetFields {
			n = maxHMGetFields
		}
		var args = []interface{}{key}
		var params = make([]string, n)

		for i, f := range fields[:n] {
			args = append(args, f)
			params[i] = fmt.Sprintf("$%d", i+2)
		}
		var rows, err = r.q.QueryContext(ctx, fmt.Sprintf(
			`SELECT field, value FROM hwm_hashes WHERE key=$1 AND field IN (%s);`,
			strings.Join(params, ", ")), args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var field string
			var value []byte
			if err = rows.Scan(&field, &value); err != nil {
				rows.Close()
				return nil, err
			}
			out[field] = string(value)
		}
		if err = rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		fields = fields[n:]
	}
	return out, nil
}
