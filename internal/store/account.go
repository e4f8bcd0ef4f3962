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

type AccountStore struct {
	q Querier
}

func NewAccountStore(q Querier) *AccountStore {
	return &AccountStore{q: q}
}

// WithTx returns a copy of the store bound to tx.
func (s *AccountStore) WithTx(tx *sql.Tx) *AccountStore {
	return &AccountStore{q: tx}
}

// NewAccount carries the fields written when an account is created.
type NewAccount struct {
	Name          string
	Email         string
	Phone         string
	PasswordHash  string
	PasswordPlain *string
	Role          model.Role
	OwnerMasterID *int64
	Active        bool
	ExpiryDate    *time.Time
	IsDemo        bool
}

// NormalizeEmail is the canonical form stored in accounts.email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var plain sql.NullString
	var owner sql.NullInt64
	var expiry sql.NullTime
	var active, demo int
	err := scanner.Scan(
		&a.ID, &a.Name, &a.Email, &a.Phone, &a.PasswordHash, &plain, &a.Role, &owner,
		&active, &expiry, &demo, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if plain.Valid {
		a.PasswordPlain = &plain.String
	}
	if owner.Valid {
		a.OwnerMasterID = &owner.Int64
	}
	if expiry.Valid {
		a.ExpiryDate = &expiry.Time
	}
	a.Active = active != 0
	a.IsDemo = demo != 0
	return &a, nil
}

const accountCols = `id, name, email, phone, password_hash, password_plain, role, owner_master_id, active, expiry_date, is_demo, created_at, updated_at`

// Create inserts an account. A taken email yields apperr.ErrDuplicateEmail.
func (s *AccountStore) Create(ctx context.Context, na NewAccount, now time.Time) (*model.Account, error) {
	now = now.UTC()
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO accounts (name, email, phone, password_hash, password_plain, role, owner_master_id, active, expiry_date, is_demo, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		na.Name, NormalizeEmail(na.Email), na.Phone, na.PasswordHash, na.PasswordPlain, string(na.Role),
		nullInt64(na.OwnerMasterID), boolInt(na.Active), nullTime(na.ExpiryDate), boolInt(na.IsDemo), now, now,
	)
	if IsUniqueViolation(err) {
		return nil, apperr.ErrDuplicateEmail
	}
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// InsertIfAbsent inserts the account unless the email is already taken and
// returns whichever row now owns the email. created is false when another
// writer got there first.
func (s *AccountStore) InsertIfAbsent(ctx context.Context, na NewAccount, now time.Time) (a *model.Account, created bool, err error) {
	now = now.UTC()
	email := NormalizeEmail(na.Email)
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO accounts (name, email, phone, password_hash, password_plain, role, owner_master_id, active, expiry_date, is_demo, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		na.Name, email, na.Phone, na.PasswordHash, na.PasswordPlain, string(na.Role),
		nullInt64(na.OwnerMasterID), boolInt(na.Active), nullTime(na.ExpiryDate), boolInt(na.IsDemo), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert account if absent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	a, err = s.GetByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, fmt.Errorf("account %q vanished after insert", email)
	}
	return a, n == 1, nil
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, NormalizeEmail(email))
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// ListPartners returns the partner resellers attached to masterID.
func (s *AccountStore) ListPartners(ctx context.Context, masterID int64) ([]model.Account, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE owner_master_id = ? ORDER BY id ASC`,
		masterID,
	)
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SetActive flips the active flag. It reports false if no such account exists.
func (s *AccountStore) SetActive(ctx context.Context, id int64, active bool, now time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("set account active: %w", err)
	}
	return affected(result)
}

// SetExpiry replaces the subscription horizon; nil clears it.
func (s *AccountStore) SetExpiry(ctx context.Context, id int64, expiry *time.Time, now time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE accounts SET expiry_date = ?, updated_at = ? WHERE id = ?`,
		nullTime(expiry), now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("set account expiry: %w", err)
	}
	return affected(result)
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
