package pushagent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresIdentityTableName = "homepot_device_identity"
	postgresIdentityKey       = "default"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresIdentityBackend keeps the identity in a single-row table. The
// insert is ON CONFLICT DO NOTHING, so even two separate agent processes
// racing the first write converge on one committed id.
type PostgresIdentityBackend struct {
	dsn         string
	tableName   string
	identityKey string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresIdentityBackend(dsn string) (*PostgresIdentityBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresIdentityBackend{
		dsn:         dsn,
		tableName:   postgresIdentityTableName,
		identityKey: postgresIdentityKey,
		openDB:      sql.Open,
	}, nil
}

func (b *PostgresIdentityBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				identity_key TEXT PRIMARY KEY,
				device_id TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresIdentityBackend) Load(ctx context.Context) (string, error) {
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT device_id FROM %s WHERE identity_key = $1", postgresQuoteIdentifier(b.tableName))
	var id string
	err := b.db.QueryRowContext(ctx, query, b.identityKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *PostgresIdentityBackend) Save(ctx context.Context, id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (identity_key, device_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity_key) DO NOTHING`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, b.identityKey, strings.TrimSpace(id))
	return err
}

func (b *PostgresIdentityBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
