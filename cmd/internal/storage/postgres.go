package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgQuerier is the subset of *pgxpool.Pool used by PostgresBackend.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBackend stores entries in a Postgres table, for kiosk-style
// deployments where several terminals share one persisted session store.
//
// Expected table (schema default "portalsync"):
//
//	CREATE TABLE portalsync.client_state (
//	    key        text PRIMARY KEY,
//	    payload    bytea NOT NULL,
//	    updated_at timestamptz NOT NULL
//	);
//
// Ownership model: the backend does NOT own the pool; the caller closes it.
type PostgresBackend struct {
	db     pgQuerier
	schema string
	now    func() time.Time
}

// PostgresOption configures PostgresBackend behavior.
type PostgresOption func(*PostgresBackend) error

// WithSchema sets the DB schema (default: "portalsync").
// The schema name is validated and quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("storage: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("storage: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// NewPostgresBackend constructs a Postgres-backed Backend.
func NewPostgresBackend(db pgQuerier, opts ...PostgresOption) (*PostgresBackend, error) {
	b := &PostgresBackend{
		db:     db,
		schema: "portalsync",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.db == nil {
		return nil, errors.New("storage: nil pool")
	}
	return b, nil
}

func (b *PostgresBackend) table() string {
	return pgIdent(b.schema, "client_state")
}

// Load reads the entry for key.
func (b *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := b.db.QueryRow(ctx, `SELECT payload FROM `+b.table()+` WHERE key = $1`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: select: %v", ErrUnavailable, err)
	}
	return payload, nil
}

// Save upserts the entry for key.
func (b *PostgresBackend) Save(ctx context.Context, key string, value []byte) error {
	_, err := b.db.Exec(ctx,
		`INSERT INTO `+b.table()+` (key, payload, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		key, value, b.now(),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the entry (idempotent).
func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM `+b.table()+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

var pgIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRe.MatchString(s)
}

func pgIdent(schema, table string) string {
	return `"` + schema + `"."` + table + `"`
}
