package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/model"
)

type ReplenishmentStore struct {
	q Querier
}

func NewReplenishmentStore(q Querier) *ReplenishmentStore {
	return &ReplenishmentStore{q: q}
}

// WithTx returns a copy of the store bound to tx.
func (s *ReplenishmentStore) WithTx(tx *sql.Tx) *ReplenishmentStore {
	return &ReplenishmentStore{q: tx}
}

// RequestFilter narrows List. Zero values match everything.
type RequestFilter struct {
	Status      model.RequestStatus
	RequesterID int64
}

func scanRequest(scanner interface{ Scan(...any) error }) (*model.ReplenishmentRequest, error) {
	var r model.ReplenishmentRequest
	var decidedAt sql.NullTime
	var decidedBy sql.NullInt64
	err := scanner.Scan(&r.ID, &r.RequesterID, &r.Quantity, &r.Status, &r.CreatedAt, &decidedAt, &decidedBy)
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	if decidedBy.Valid {
		r.DecidedBy = &decidedBy.Int64
	}
	return &r, nil
}

const requestCols = `id, requester_id, quantity, status, created_at, decided_at, decided_by`

// Create opens a PENDING request. A requester that already has one gets
// apperr.ErrRequestAlreadyPending.
func (s *ReplenishmentStore) Create(ctx context.Context, requesterID int64, quantity int, now time.Time) (*model.ReplenishmentRequest, error) {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO replenishment_requests (requester_id, quantity, status, created_at) VALUES (?, ?, 'PENDING', ?)`,
		requesterID, quantity, now.UTC(),
	)
	if IsUniqueViolation(err) {
		return nil, apperr.ErrRequestAlreadyPending
	}
	if err != nil {
		return nil, fmt.Errorf("insert replenishment request: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ReplenishmentStore) GetByID(ctx context.Context, id int64) (*model.ReplenishmentRequest, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+requestCols+` FROM replenishment_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get replenishment request: %w", err)
	}
	return r, nil
}

// Decide moves a PENDING request to status. It reports false if the request
// does not exist or was already decided.
func (s *ReplenishmentStore) Decide(ctx context.Context, id int64, status model.RequestStatus, adminID int64, now time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE replenishment_requests SET status = ?, decided_at = ?, decided_by = ?
		 WHERE id = ? AND status = 'PENDING'`,
		string(status), now.UTC(), adminID, id,
	)
	if err != nil {
		return false, fmt.Errorf("decide replenishment request: %w", err)
	}
	return affected(result)
}

// List returns requests matching f, newest first.
func (s *ReplenishmentStore) List(ctx context.Context, f RequestFilter) ([]model.ReplenishmentRequest, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RequesterID != 0 {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	query := `SELECT ` + requestCols + ` FROM replenishment_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list replenishment requests: %w", err)
	}
	defer rows.Close()

	requests := []model.ReplenishmentRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replenishment request: %w", err)
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}
