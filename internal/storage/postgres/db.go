package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// DB wraps a Postgres connection pool shared by QueueStore, EpisodicStore,
// and SemanticStore. pgvectorAvailable is false when the pgvector extension
// could not be enabled; vector search then falls back to a brute-force
// cosine scan over the stored embedding bytes instead of failing startup.
type DB struct {
	conn              *sql.DB
	pgvectorAvailable bool
}

// Open connects to dsn, applies the idempotent schema and migrations, and
// returns a DB ready to back the three store implementations.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	d := &DB{conn: conn}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	if _, err := conn.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		log.Printf("postgres: pgvector extension not available (vector search degraded to brute-force scan): %v", err)
		d.pgvectorAvailable = false
	} else {
		d.pgvectorAvailable = true
	}

	if _, err := conn.Exec(MigrationFTS); err != nil {
		log.Printf("postgres: failed to apply FTS migration (lexical search degraded): %v", err)
	}

	if d.pgvectorAvailable {
		if _, err := conn.Exec(MigrationVectorIndexes); err != nil {
			log.Printf("postgres: failed to apply vector index migration (vector search degraded): %v", err)
		}
	}

	return d, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx, letting store methods
// issue statements without knowing whether an ambient transaction applies.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// queryer returns the *sql.Tx WithTx placed on ctx, or the pool itself if
// none. EpisodicStore and SemanticStore route every statement through this
// so that a WithTx caller spanning both stores gets one transaction.
func (d *DB) queryer(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.conn
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// WithTx runs fn with ctx carrying a fresh transaction; EpisodicStore and
// SemanticStore calls made with that ctx participate in it automatically.
// Commits iff fn returns nil, otherwise rolls back.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}
