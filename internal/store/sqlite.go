package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/salvo/internal/model"

	_ "modernc.org/sqlite"
)

const createBlocksTable = `
CREATE TABLE IF NOT EXISTS blocks (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    reg_state   TEXT NOT NULL,
    spec        TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    stopped_at  DATETIME
)`

const createStatsTable = `
CREATE TABLE IF NOT EXISTS block_stats (
    id                          INTEGER PRIMARY KEY AUTOINCREMENT,
    block_id                    TEXT NOT NULL,
    intended_load               INTEGER NOT NULL,
    intended_registration_load  INTEGER NOT NULL,
    attempted_connections       INTEGER NOT NULL,
    active_connections          INTEGER NOT NULL,
    successful_connections      INTEGER NOT NULL,
    unsuccessful_connections    INTEGER NOT NULL,
    aborted_connections         INTEGER NOT NULL,
    registration_attempts       INTEGER NOT NULL,
    registration_successes      INTEGER NOT NULL,
    registration_failures       INTEGER NOT NULL,
    response_time_min_ms        INTEGER NOT NULL,
    response_time_max_ms        INTEGER NOT NULL,
    response_time_cumulative_ms INTEGER NOT NULL,
    response_time_avg_ms        REAL NOT NULL,
    updated_at                  DATETIME NOT NULL
)`

const createStatsIndex = `CREATE INDEX IF NOT EXISTS idx_block_stats_block ON block_stats (block_id, id)`

const blockColumns = `id, name, status, reg_state, spec, created_at, started_at, stopped_at`

const statsColumns = `intended_load, intended_registration_load,
	attempted_connections, active_connections, successful_connections,
	unsuccessful_connections, aborted_connections,
	registration_attempts, registration_successes, registration_failures,
	response_time_min_ms, response_time_max_ms, response_time_cumulative_ms,
	response_time_avg_ms, updated_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createBlocksTable, createStatsTable, createStatsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateBlock inserts a new block record.
func (s *SQLiteStore) CreateBlock(ctx context.Context, b *model.Block) error {
	spec, err := encodeSpec(b.Spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blocks (`+blockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Status, b.RegState, spec, b.CreatedAt, b.StartedAt, b.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (*model.Block, error) {
	b := &model.Block{}
	var spec string
	if err := row.Scan(&b.ID, &b.Name, &b.Status, &b.RegState, &spec, &b.CreatedAt, &b.StartedAt, &b.StoppedAt); err != nil {
		return nil, err
	}
	if err := decodeSpec(spec, &b.Spec); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBlock retrieves a block by ID.
func (s *SQLiteStore) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	b, err := scanBlock(s.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return b, nil
}

// ListBlocks returns a page of blocks ordered by created_at DESC, along with
// the total count.
func (s *SQLiteStore) ListBlocks(ctx context.Context, limit, offset int) ([]*model.Block, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count blocks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
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

// UpdateBlockStatus sets the status of a block. Running stamps started_at and
// stopped stamps stopped_at.
func (s *SQLiteStore) UpdateBlockStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	switch status {
	case model.StatusRunning:
		result, err = s.db.ExecContext(ctx,
			"UPDATE blocks SET status = ?, started_at = ?, stopped_at = NULL WHERE id = ?", status, now, id)
	case model.StatusStopped:
		result, err = s.db.ExecContext(ctx,
			"UPDATE blocks SET status = ?, stopped_at = ? WHERE id = ?", status, now, id)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE blocks SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update block status: %w", err)
	}
	return checkAffected(result)
}

// UpdateRegState records the registration state of a block.
func (s *SQLiteStore) UpdateRegState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE blocks SET reg_state = ? WHERE id = ?", state, id)
	if err != nil {
		return fmt.Errorf("update reg state: %w", err)
	}
	return checkAffected(result)
}

// DeleteBlock removes a block and its snapshots.
func (s *SQLiteStore) DeleteBlock(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM block_stats WHERE block_id = ?", id); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM blocks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveSnapshot appends a stats snapshot for a block.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, blockID string, st model.Stats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO block_stats (block_id, `+statsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blockID, st.IntendedLoad, st.IntendedRegistrationLoad,
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

// LatestSnapshot returns the most recent snapshot of a block.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, blockID string) (*model.Stats, error) {
	var r statsRow
	err := s.db.QueryRowContext(ctx,
		`SELECT `+statsColumns+` FROM block_stats WHERE block_id = ? ORDER BY id DESC LIMIT 1`, blockID,
	).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	st := r.stats()
	return &st, nil
}

// ClearSnapshots deletes every snapshot of a block.
func (s *SQLiteStore) ClearSnapshots(ctx context.Context, blockID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM block_stats WHERE block_id = ?", blockID); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// statsRow is the scan target shared by both backends. Counters are stored
// as signed 64-bit integers.
type statsRow struct {
	intended, intendedReg                           int64
	attempted, active, successful, unsuccessful     int64
	aborted, regAttempts, regSuccesses, regFailures int64
	rtMin, rtMax, rtCumulative                      int64
	rtAvg                                           float64
	updatedAt                                       time.Time
}

func (r *statsRow) dest() []any {
	return []any{
		&r.intended, &r.intendedReg,
		&r.attempted, &r.active, &r.successful, &r.unsuccessful, &r.aborted,
		&r.regAttempts, &r.regSuccesses, &r.regFailures,
		&r.rtMin, &r.rtMax, &r.rtCumulative, &r.rtAvg, &r.updatedAt,
	}
}

func (r *statsRow) stats() model.Stats {
	return model.Stats{
		IntendedLoad:             uint32(r.intended),
		IntendedRegistrationLoad: uint32(r.intendedReg),
		AttemptedConnections:     uint64(r.attempted),
		ActiveConnections:        uint64(r.active),
		SuccessfulConnections:    uint64(r.successful),
		UnsuccessfulConnections:  uint64(r.unsuccessful),
		AbortedConnections:       uint64(r.aborted),
		RegistrationAttempts:     uint64(r.regAttempts),
		RegistrationSuccesses:    uint64(r.regSuccesses),
		RegistrationFailures:     uint64(r.regFailures),
		ResponseTimeMinMS:        uint64(r.rtMin),
		ResponseTimeMaxMS:        uint64(r.rtMax),
		ResponseTimeCumulativeMS: uint64(r.rtCumulative),
		ResponseTimeAvgMS:        r.rtAvg,
		UpdatedAt:                r.updatedAt,
	}
}
