package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/database"
	"github.com/dukerupert/resellr/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createAccount(t *testing.T, as *AccountStore, email string, role model.Role, owner *int64) *model.Account {
	t.Helper()
	a, err := as.Create(context.Background(), NewAccount{
		Name:          email,
		Email:         email,
		PasswordHash:  "hash",
		Role:          role,
		OwnerMasterID: owner,
		Active:        true,
	}, testNow)
	if err != nil {
		t.Fatalf("create account %s: %v", email, err)
	}
	return a
}

func TestAccountCreate(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	plain := "s3cret"

	a, err := as.Create(context.Background(), NewAccount{
		Name:          "Mara",
		Email:         "  Mara@Example.COM ",
		PasswordHash:  "hash",
		PasswordPlain: &plain,
		Role:          model.RoleMasterReseller,
		Active:        true,
	}, testNow)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if a.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if a.Email != "mara@example.com" {
		t.Errorf("email = %q, want %q", a.Email, "mara@example.com")
	}
	if a.Role != model.RoleMasterReseller {
		t.Errorf("role = %q, want %q", a.Role, model.RoleMasterReseller)
	}
	if !a.Active {
		t.Error("expected account to be active")
	}
	if a.PasswordPlain == nil || *a.PasswordPlain != plain {
		t.Errorf("password plain = %v, want %q", a.PasswordPlain, plain)
	}
	if a.OwnerMasterID != nil {
		t.Errorf("owner master = %v, want nil", *a.OwnerMasterID)
	}
}

func TestAccountCreateDuplicateEmail(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	createAccount(t, as, "dup@example.com", model.RoleMasterReseller, nil)

	_, err := as.Create(context.Background(), NewAccount{
		Name: "Other", Email: "DUP@example.com", PasswordHash: "x", Role: model.RoleEndUser, Active: true,
	}, testNow)
	if !errors.Is(err, apperr.ErrDuplicateEmail) {
		t.Fatalf("err = %v, want ErrDuplicateEmail", err)
	}
}

func TestAccountPartnerRequiresOwner(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))

	_, err := as.Create(context.Background(), NewAccount{
		Name: "P", Email: "p@example.com", PasswordHash: "x", Role: model.RolePartnerReseller, Active: true,
	}, testNow)
	if err == nil {
		t.Fatal("expected check constraint error for partner without owner")
	}
}

func TestAccountInsertIfAbsent(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	ctx := context.Background()
	na := NewAccount{Name: "Eve", Email: "eve@example.com", PasswordHash: "h1", Role: model.RoleEndUser, Active: true}

	first, created, err := as.InsertIfAbsent(ctx, na, testNow)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created {
		t.Error("first insert: created = false, want true")
	}

	na.Name = "Someone Else"
	na.PasswordHash = "h2"
	second, created, err := as.InsertIfAbsent(ctx, na, testNow)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Error("second insert: created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("id = %d, want %d", second.ID, first.ID)
	}
	if second.Name != "Eve" || second.PasswordHash != "h1" {
		t.Errorf("existing account was overwritten: %+v", second)
	}
}

func TestAccountGetNotFound(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))

	a, err := as.GetByID(context.Background(), 9999)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil, got %+v", a)
	}
	a, err = as.GetByEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil, got %+v", a)
	}
}

func TestAccountListPartners(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	m := createAccount(t, as, "m@example.com", model.RoleMasterReseller, nil)
	other := createAccount(t, as, "m2@example.com", model.RoleMasterReseller, nil)
	createAccount(t, as, "p1@example.com", model.RolePartnerReseller, &m.ID)
	createAccount(t, as, "p2@example.com", model.RolePartnerReseller, &m.ID)
	createAccount(t, as, "p3@example.com", model.RolePartnerReseller, &other.ID)

	partners, err := as.ListPartners(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("list partners: %v", err)
	}
	if len(partners) != 2 {
		t.Fatalf("len = %d, want 2", len(partners))
	}
	for _, p := range partners {
		if p.OwnerMasterID == nil || *p.OwnerMasterID != m.ID {
			t.Errorf("partner %s owner = %v, want %d", p.Email, p.OwnerMasterID, m.ID)
		}
	}
}

func TestAccountSetActiveAndExpiry(t *testing.T) {
	as := NewAccountStore(setupTestDB(t))
	ctx := context.Background()
	a := createAccount(t, as, "x@example.com", model.RoleMasterReseller, nil)

	ok, err := as.SetActive(ctx, a.ID, false, testNow)
	if err != nil || !ok {
		t.Fatalf("set active: ok=%v err=%v", ok, err)
	}
	expiry := testNow.Add(30 * 24 * time.Hour)
	ok, err = as.SetExpiry(ctx, a.ID, &expiry, testNow)
	if err != nil || !ok {
		t.Fatalf("set expiry: ok=%v err=%v", ok, err)
	}

	got, err := as.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Error("expected account to be inactive")
	}
	if got.ExpiryDate == nil || !got.ExpiryDate.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", got.ExpiryDate, expiry)
	}

	ok, err = as.SetActive(ctx, 9999, true, testNow)
	if err != nil {
		t.Fatalf("set active missing: %v", err)
	}
	if ok {
		t.Error("expected false for missing account")
	}
}
