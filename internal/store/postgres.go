package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/salvo/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    reg_state   TEXT NOT NULL,
    spec        TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    stopped_at  TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS block_stats (
    id                          BIGSERIAL PRIMARY KEY,
    block_id                    TEXT NOT NULL,
    intended_load               BIGINT NOT NULL,
    intended_registration_load  BIGINT NOT NULL,
    attempted_connections       BIGINT NOT NULL,
    active_connections          BIGINT NOT NULL,
    successful_connections      BIGINT NOT NULL,
    unsuccessful_connections    BIGINT NOT NULL,
    aborted_connections         BIGINT NOT NULL,
    registration_attempts       BIGINT NOT NULL,
    registration_successes      BIGINT NOT NULL,
    registration_failures       BIGINT NOT NULL,
    response_time_min_ms        BIGINT NOT NULL,
    response_time_max_ms        BIGINT NOT NULL,
    response_time_cumulative_ms BIGINT NOT NULL,
    response_time_avg_ms        DOUBLE PRECISION NOT NULL,
    updated_at                  TIMESTAMPTZ NOT NULL
)`,
	createStatsIndex,
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateBlock(ctx context.Context, b *model.Block) error {
	spec, err := encodeSpec(b.Spec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO blocks (`+blockColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.Name, b.Status, b.RegState, spec, b.CreatedAt, b.StartedAt, b.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBlocks(ctx context.Context, limit, offset int) ([]*model.Block, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM blocks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count blocks: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+blockColumns+` FROM blocks ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*model.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, total, nil
}

func (s *PostgresStore) UpdateBlockStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var query string
	args := []any{status, id}
	switch status {
	case model.StatusRunning:
		query = "UPDATE blocks SET status = $1, started_at = $3, stopped_at = NULL WHERE id = $2"
		args = append(args, now)
	case model.StatusStopped:
		query = "UPDATE blocks SET status = $1, stopped_at = $3 WHERE id = $2"
		args = append(args, now)
	default:
		query = "UPDATE blocks SET status = $1 WHERE id = $2"
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update block status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateRegState(ctx context.Context, id, state string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE blocks SET reg_state = $1 WHERE id = $2", state, id)
	if err != nil {
		return fmt.Errorf("update reg state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM block_stats WHERE block_id = $1", id); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM blocks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, blockID string, st model.Stats) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO block_stats (block_id, `+statsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		blockID, int64(st.IntendedLoad), int64(st.IntendedRegistrationLoad),
		int64(st.AttemptedConnections), int64(st.ActiveConnections), int64(st.SuccessfulConnections),
		int64(st.UnsuccessfulConnections), int64(st.AbortedConnections),
		int64(st.RegistrationAttempts), int64(st.RegistrationSuccesses), int64(st.RegistrationFailures),
		int64(st.ResponseTimeMinMS), int64(st.ResponseTimeMaxMS), int64(st.ResponseTimeCumulativeMS),
		st.ResponseTimeAvgMS, st.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, blockID string) (*model.Stats, error) {
	var r statsRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+statsColumns+` FROM block_stats WHERE block_id = $1 ORDER BY id DESC LIMIT 1`, blockID,
	).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	st := r.stats()
	return &st, nil
}

func (s *PostgresStore) ClearSnapshots(ctx context.Context, blockID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM block_stats WHERE block_id = $1", blockID); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}
