package auth

import (
	"context"
	"testing"

	"github.com/dukerupert/resellr/internal/model"
)

func TestWithPrincipalAndFromContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{AccountID: 1, Role: model.RoleMasterReseller})
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected Principal in context")
	}
	if got.AccountID != 1 {
		t.Errorf("AccountID = %d, want 1", got.AccountID)
	}
	if got.Role != model.RoleMasterReseller {
		t.Errorf("Role = %q, want %q", got.Role, model.RoleMasterReseller)
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected false for missing Principal")
	}
}

func TestAccountID(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Principal{AccountID: 7})
	if AccountID(ctx) != 7 {
		t.Errorf("AccountID = %d, want 7", AccountID(ctx))
	}
	if AccountID(context.Background()) != 0 {
		t.Error("expected 0 for missing context")
	}
}

func TestIsAdmin(t *testing.T) {
	if !IsAdmin(WithPrincipal(context.Background(), Principal{Role: model.RoleAdmin})) {
		t.Error("expected IsAdmin = true for admin role")
	}
	if IsAdmin(WithPrincipal(context.Background(), Principal{Role: model.RolePartnerReseller})) {
		t.Error("expected IsAdmin = false for partner role")
	}
	if IsAdmin(context.Background()) {
		t.Error("expected IsAdmin = false for missing context")
	}
}
