package cursorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx"
)

// DefaultTable is the table the postgres store keeps cursors in.
const DefaultTable = "ingester_cursor"

// Postgres keeps one cursor row per stream name, so several ingesters can
// share a database.
type Postgres struct {
	pool   *pgx.ConnPool
	table  string
	stream string
}

type PostgresConfig struct {
	// DSN is either a postgres:// URL or a key=value connection string.
	DSN string
	// Stream names the cursor row, typically the relay host.
	Stream string
	Table  string
	// MaxConnections defaults to 2.
	MaxConnections int
}

// OpenPostgres connects, verifies the connection and creates the cursor table
// if it does not exist.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres cursor store requires a DSN")
	}
	if cfg.Stream == "" {
		return nil, errors.New("postgres cursor store requires a stream name")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 2
	}

	conf, err := pgx.ParseConnectionString(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     conf,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pgx connection pool: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		stream: cfg.Stream,
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.ExecEx(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		stream TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, nil)
	if err != nil {
		return fmt.Errorf("creating cursor table: %w", err)
	}
	return nil
}

func (p *Postgres) GetCursor(ctx context.Context) (int64, bool, error) {
	ctx, span := tracer.Start(ctx, "PostgresGetCursor")
	defer span.End()

	var seq int64
	err := p.pool.QueryRowEx(ctx, `SELECT seq FROM `+p.table+` WHERE stream = $1`, nil, p.stream).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read cursor from postgres: %w", err)
	}
	return seq, true, nil
}

func (p *Postgres) SaveCursor(ctx context.Context, seq int64) error {
	ctx, span := tracer.Start(ctx, "PostgresSaveCursor")
	defer span.End()

	_, err := p.pool.ExecEx(ctx, `INSERT INTO `+p.table+` (stream, seq, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (stream) DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`,
		nil, p.stream, seq)
	if err != nil {
		return fmt.Errorf("failed to write cursor to postgres: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
