package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"castle-stream/internal/castle"
)

// Postgres is a best-effort audit sink: every released record is inserted
// into a `released_records` table as a JSONB blob plus a received_at
// timestamp. It never blocks the engine on schema mismatches beyond the
// single insert call; callers typically wrap it in a Fanout so an insert
// error is logged rather than returned to the engine. A slow or
// unreachable database still delays each release while Emit runs.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres dials dsn and verifies connectivity with a ping.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// InitSchema creates the released_records table if it does not exist.
func (p *Postgres) InitSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS released_records (
		id BIGSERIAL PRIMARY KEY,
		record JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`
	_, err := p.pool.Exec(ctx, ddl)
	return err
}

func (p *Postgres) Emit(ctx context.Context, out castle.Output) error {
	blob, err := json.Marshal(out)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO released_records (record, received_at) VALUES ($1, $2)`
	_, err = p.pool.Exec(ctx, stmt, blob, time.Now())
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
