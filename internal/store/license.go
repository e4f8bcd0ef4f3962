package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/model"
)

// keyAttempts bounds regeneration when a random key collides with an
// existing one.
const keyAttempts = 3

type LicenseStore struct {
	q Querier
}

func NewLicenseStore(q Querier) *LicenseStore {
	return &LicenseStore{q: q}
}

// WithTx returns a copy of the store bound to tx.
func (s *LicenseStore) WithTx(tx *sql.Tx) *LicenseStore {
	return &LicenseStore{q: tx}
}

// NewLicense describes one license of a minted batch.
type NewLicense struct {
	OwnerID    int64
	Capacity   int
	PriceCents int64
	ExpiresAt  *time.Time
	Source     model.LicenseSource
	RequestID  *int64
}

// NewSeat is the redemption record written when a seat is claimed.
type NewSeat struct {
	EndUserID int64
	Name      string
	Email     string
	Phone     string
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var expiresAt sql.NullTime
	var requestID sql.NullInt64
	err := scanner.Scan(
		&l.ID, &l.Key, &l.OwnerID, &l.Capacity, &l.UsageCount, &l.Status,
		&expiresAt, &l.PriceCents, &l.Source, &requestID, &l.Version,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		l.ExpiresAt = &expiresAt.Time
	}
	if requestID.Valid {
		l.RequestID = &requestID.Int64
	}
	l.Seats = []model.Seat{}
	return &l, nil
}

const licenseCols = `id, key, owner_id, capacity, usage_count, status, expires_at, price_cents, source, request_id, version, created_at, updated_at`

func scanSeat(scanner interface{ Scan(...any) error }) (*model.Seat, error) {
	var seat model.Seat
	err := scanner.Scan(
		&seat.ID, &seat.LicenseID, &seat.EndUserID, &seat.Name, &seat.Email,
		&seat.Phone, &seat.ActivatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &seat, nil
}

const seatCols = `id, license_id, end_user_id, name, email, phone, activated_at`

// GenerateKey creates a license key in the format LIC-XXXX-XXXX-XXXX-XXXX.
func GenerateKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("LIC-%s-%s-%s-%s", h[0:4], h[4:8], h[8:12], h[12:16]), nil
}

// CreateBatch inserts count licenses sharing the same parameters, each with a
// fresh key. Run it inside a transaction so a failure mid-batch leaves nothing
// behind.
func (s *LicenseStore) CreateBatch(ctx context.Context, nl NewLicense, count int, now time.Time) ([]model.License, error) {
	licenses := make([]model.License, 0, count)
	for i := 0; i < count; i++ {
		l, err := s.create(ctx, nl, now)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, *l)
	}
	return licenses, nil
}

func (s *LicenseStore) create(ctx context.Context, nl NewLicense, now time.Time) (*model.License, error) {
	now = now.UTC()
	status := model.DeriveStatus(0, nl.Capacity, nl.ExpiresAt, now)
	for attempt := 0; attempt < keyAttempts; attempt++ {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		result, err := s.q.ExecContext(ctx,
			`INSERT INTO licenses (key, owner_id, capacity, usage_count, status, expires_at, price_cents, source, request_id, version, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, 1, ?, ?)`,
			key, nl.OwnerID, nl.Capacity, string(status), nullTime(nl.ExpiresAt),
			nl.PriceCents, string(nl.Source), nullInt64(nl.RequestID), now, now,
		)
		if IsUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert license: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		return s.GetByID(ctx, id)
	}
	return nil, apperr.ErrDuplicateKey
}

func (s *LicenseStore) GetByID(ctx context.Context, id int64) (*model.License, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	return s.scanOne(ctx, row)
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*model.License, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+licenseCols+` FROM licenses WHERE key = ?`, strings.ToUpper(strings.TrimSpace(key)))
	return s.scanOne(ctx, row)
}

func (s *LicenseStore) scanOne(ctx context.Context, row *sql.Row) (*model.License, error) {
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	seats, err := s.ListSeats(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	l.Seats = seats
	return l, nil
}

// ListByOwner returns every license owned by ownerID with its seats, oldest
// first.
func (s *LicenseStore) ListByOwner(ctx context.Context, ownerID int64) ([]model.License, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+licenseCols+` FROM licenses WHERE owner_id = ? ORDER BY id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []model.License
	index := make(map[int64]int)
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		index[l.ID] = len(licenses)
		licenses = append(licenses, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(licenses) == 0 {
		return licenses, nil
	}

	seatRows, err := s.q.QueryContext(ctx,
		`SELECT s.id, s.license_id, s.end_user_id, s.name, s.email, s.phone, s.activated_at
		 FROM license_seats s JOIN licenses l ON l.id = s.license_id
		 WHERE l.owner_id = ? ORDER BY s.id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list owner seats: %w", err)
	}
	defer seatRows.Close()

	for seatRows.Next() {
		seat, err := scanSeat(seatRows)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		if i, ok := index[seat.LicenseID]; ok {
			licenses[i].Seats = append(licenses[i].Seats, *seat)
		}
	}
	return licenses, seatRows.Err()
}

// ClaimSeat consumes one seat of license id if it still has capacity and has
// not expired at now. It reports false when the guard rejected the write.
func (s *LicenseStore) ClaimSeat(ctx context.Context, id int64, now time.Time) (bool, error) {
	now = now.UTC()
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET
			usage_count = usage_count + 1,
			status = CASE WHEN usage_count + 1 >= capacity THEN 'USED' ELSE 'PARTIALLY_USED' END,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND usage_count < capacity AND (expires_at IS NULL OR expires_at > ?)`,
		now, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim seat: %w", err)
	}
	return affected(result)
}

// ClaimFirstSeat is ClaimSeat restricted to a license nobody has redeemed yet.
func (s *LicenseStore) ClaimFirstSeat(ctx context.Context, id int64, now time.Time) (bool, error) {
	now = now.UTC()
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET
			usage_count = usage_count + 1,
			status = CASE WHEN usage_count + 1 >= capacity THEN 'USED' ELSE 'PARTIALLY_USED' END,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND usage_count = 0 AND usage_count < capacity AND (expires_at IS NULL OR expires_at > ?)`,
		now, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim first seat: %w", err)
	}
	return affected(result)
}

// AddSeat records a redemption. A second seat for the same email on the same
// license is rejected by the unique index and reported as a conflict.
func (s *LicenseStore) AddSeat(ctx context.Context, licenseID int64, ns NewSeat, now time.Time) (*model.Seat, error) {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO license_seats (license_id, end_user_id, name, email, phone, activated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		licenseID, ns.EndUserID, ns.Name, NormalizeEmail(ns.Email), ns.Phone, now.UTC(),
	)
	if IsUniqueViolation(err) {
		return nil, apperr.ErrLicenseNotAvailable.WithMessage("seat already recorded for this email")
	}
	if err != nil {
		return nil, fmt.Errorf("insert seat: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.q.QueryRowContext(ctx, `SELECT `+seatCols+` FROM license_seats WHERE id = ?`, id)
	seat, err := scanSeat(row)
	if err != nil {
		return nil, fmt.Errorf("get seat: %w", err)
	}
	return seat, nil
}

// GetSeat returns the seat for email on license licenseID, or nil.
func (s *LicenseStore) GetSeat(ctx context.Context, licenseID int64, email string) (*model.Seat, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+seatCols+` FROM license_seats WHERE license_id = ? AND email = ?`,
		licenseID, NormalizeEmail(email),
	)
	seat, err := scanSeat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get seat: %w", err)
	}
	return seat, nil
}

func (s *LicenseStore) ListSeats(ctx context.Context, licenseID int64) ([]model.Seat, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+seatCols+` FROM license_seats WHERE license_id = ? ORDER BY id ASC`,
		licenseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	defer rows.Close()

	seats := []model.Seat{}
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		seats = append(seats, *seat)
	}
	return seats, rows.Err()
}
