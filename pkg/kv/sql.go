package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect holds the statements one SQL database needs to act as a
// key-value store. Statements take the key first and the value second.
// lock, when set, serializes read-modify-write updates of one key even
// while its row does not exist.
type dialect struct {
	driver    string
	create    string
	lock      string
	get       string
	getLocked string
	upsert    string
	del       string
	keys      string
	flush     string
}

var dialects = map[string]dialect{
	"sqlite": {
		driver:    "sqlite",
		create:    `CREATE TABLE IF NOT EXISTS sage_kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`,
		get:       `SELECT v FROM sage_kv WHERE k = ?`,
		getLocked: `SELECT v FROM sage_kv WHERE k = ?`,
		upsert:    `INSERT INTO sage_kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		del:       `DELETE FROM sage_kv WHERE k = ?`,
		keys:      `SELECT k FROM sage_kv`,
		flush:     `DELETE FROM sage_kv`,
	},
	"mysql": {
		driver:    "mysql",
		create:    `CREATE TABLE IF NOT EXISTS sage_kv (k VARCHAR(255) PRIMARY KEY, v LONGTEXT NOT NULL)`,
		get:       `SELECT v FROM sage_kv WHERE k = ?`,
		getLocked: `SELECT v FROM sage_kv WHERE k = ? FOR UPDATE`,
		upsert:    `INSERT INTO sage_kv (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)`,
		del:       `DELETE FROM sage_kv WHERE k = ?`,
		keys:      `SELECT k FROM sage_kv`,
		flush:     `DELETE FROM sage_kv`,
	},
	"postgres": {
		driver:    "postgres",
		create:    `CREATE TABLE IF NOT EXISTS sage_kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`,
		lock:      `SELECT pg_advisory_xact_lock(hashtext($1))`,
		get:       `SELECT v FROM sage_kv WHERE k = $1`,
		getLocked: `SELECT v FROM sage_kv WHERE k = $1 FOR UPDATE`,
		upsert:    `INSERT INTO sage_kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		del:       `DELETE FROM sage_kv WHERE k = $1`,
		keys:      `SELECT k FROM sage_kv`,
		flush:     `DELETE FROM sage_kv`,
	},
}

type sqlDialer struct {
	dialect dialect
	opts    Options
}

// Dial opens the database named by host, a file path for sqlite and a
// DSN otherwise. port is ignored.
func (d *sqlDialer) Dial(ctx context.Context, host string, _ int) (Client, error) {
	dsn := host
	if d.dialect.driver == "sqlite" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open(d.dialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.dialect.driver, err)
	}
	if d.dialect.driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(d.opts.PoolSize)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, d.dialect.create); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing %s key-value table: %w", d.dialect.driver, err)
	}
	return &embeddedClient{st: &sqlStore{db: db, d: d.dialect}}, nil
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.d.get, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlStore) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.d.upsert, key, value)
	return err
}

func (s *sqlStore) del(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.del, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqlStore) flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.flush)
	return err
}

// updateAttempts bounds retries of an update that lost a deadlock.
const updateAttempts = 5

func (s *sqlStore) update(ctx context.Context, key string, fn func(string, bool) (string, bool, error)) error {
	var err error
	for range updateAttempts {
		if err = s.updateOnce(ctx, key, fn); !isDeadlock(err) {
			return err
		}
	}
	return err
}

// isDeadlock reports whether err is MySQL aborting a transaction to break
// a deadlock. Two locking reads of one absent key both take a gap lock,
// so one of the inserts that follow is aborted.
func isDeadlock(err error) bool {
	var merr *mysql.MySQLError
	return errors.As(err, &merr) && merr.Number == 1213
}

func (s *sqlStore) updateOnce(ctx context.Context, key string, fn func(string, bool) (string, bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.d.lock != "" {
		if _, err := tx.ExecContext(ctx, s.d.lock, key); err != nil {
			return err
		}
	}

	var old string
	exists := true
	err = tx.QueryRowContext(ctx, s.d.getLocked, key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return err
	}

	v, write, err := fn(old, exists)
	if err != nil || !write {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.upsert, key, v); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) close() error {
	return s.db.Close()
}
