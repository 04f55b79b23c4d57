package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_pcs_engine/internal/domain"
)

const (
	statusOpen   = "open"
	statusHalted = "halted"
	statusClosed = "closed"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			original_size REAL NOT NULL,
			remaining_size REAL NOT NULL,
			entry_price REAL NOT NULL,
			entry_time DATETIME NOT NULL,
			current_stage INTEGER NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE TABLE IF NOT EXISTS stage_executions (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			stage INTEGER NOT NULL,
			step INTEGER NOT NULL DEFAULT 0,
			order_id TEXT,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			reason TEXT,
			executed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_executions_position ON stage_executions(position_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// PositionRepository Implementation

func positionStatus(pos *domain.Position) string {
	switch {
	case pos.Halted:
		return statusHalted
	case !pos.IsOpen():
		return statusClosed
	default:
		return statusOpen
	}
}

func (s *SQLiteStore) upsertPosition(ctx context.Context, pos *domain.Position, status string) error {
	state, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", pos.ID, err)
	}
	query := `INSERT INTO positions (id, exchange, symbol, side, original_size, remaining_size, entry_price, entry_time, current_stage, realized_pnl, status, state, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  remaining_size=excluded.remaining_size,
			  current_stage=excluded.current_stage,
			  realized_pnl=excluded.realized_pnl,
			  status=excluded.status,
			  state=excluded.state,
			  updated_at=excluded.updated_at`
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = pos.EntryTime
	}
	_, err = s.db.ExecContext(ctx, query,
		pos.ID, pos.Exchange, pos.Symbol, string(pos.Side), pos.OriginalSize, pos.RemainingSize,
		pos.EntryPrice, pos.EntryTime, int(pos.CurrentStage), pos.RealizedPnL, status, string(state), updated)
	return err
}

func (s *SQLiteStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	return s.upsertPosition(ctx, pos, positionStatus(pos))
}

// ArchivePosition stores the final state and removes the position from the open set.
func (s *SQLiteStore) ArchivePosition(ctx context.Context, pos *domain.Position) error {
	return s.upsertPosition(ctx, pos, statusClosed)
}

func decodePosition(state string) (*domain.Position, error) {
	var p domain.Position
	if err := json.Unmarshal([]byte(state), &p); err != nil {
		return nil, err
	}
	if p.Stages == nil {
		p.Stages = make(map[domain.Stage]*domain.StageRecord)
	}
	return &p, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM positions WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodePosition(state)
}

// ListOpenPositions returns open and halted positions, oldest entry first.
func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT state FROM positions WHERE status IN (?, ?) ORDER BY entry_time, id`
	rows, err := s.db.QueryContext(ctx, query, statusOpen, statusHalted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		p, err := decodePosition(state)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ExecutionJournal Implementation

func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	query := `INSERT INTO stage_executions (id, position_id, symbol, stage, step, order_id, side, order_type, quantity, price, realized_pnl, reason, executed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.PositionID, rec.Symbol, int(rec.Stage), rec.Step, rec.OrderID, string(rec.Side),
		string(rec.OrderType), rec.Quantity, rec.Price, rec.RealizedPnL, rec.Reason, rec.ExecutedAt)
	return err
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, positionID string) ([]*domain.ExecutionRecord, error) {
	query := `SELECT id, position_id, symbol, stage, step, order_id, side, order_type, quantity, price, realized_pnl, reason, executed_at
			  FROM stage_executions WHERE position_id = ? ORDER BY executed_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var stage int
		var side, orderType string
		var orderID, reason sql.NullString
		if err := rows.Scan(&r.ID, &r.PositionID, &r.Symbol, &stage, &r.Step, &orderID, &side, &orderType,
			&r.Quantity, &r.Price, &r.RealizedPnL, &reason, &r.ExecutedAt); err != nil {
			return nil, err
		}
		r.Stage = domain.Stage(stage)
		r.Side = domain.OrderSide(side)
		r.OrderType = domain.OrderType(orderType)
		r.OrderID = orderID.String
		r.Reason = reason.String
		out = append(out, &r)
	}
	return out, rows.Err()
}
