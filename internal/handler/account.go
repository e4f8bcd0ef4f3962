package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/credential"
	"github.com/dukerupert/resellr/internal/directory"
	"github.com/dukerupert/resellr/internal/model"
)

type AccountHandler struct {
	dir    *directory.Service
	logger *slog.Logger
}

func NewAccountHandler(dir *directory.Service, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{dir: dir, logger: logger}
}

type createResellerRequest struct {
	Name          string     `json:"name" validate:"required,max=200"`
	Email         string     `json:"email" validate:"required,email"`
	Phone         string     `json:"phone" validate:"max=50"`
	Credential    string     `json:"credential" validate:"omitempty,min=8,max=72"`
	Role          model.Role `json:"role" validate:"required,oneof=MASTER_RESELLER PARTNER_RESELLER"`
	OwnerMasterID *int64     `json:"ownerMasterId" validate:"omitempty,gt=0"`
	IsDemo        bool       `json:"isDemo"`
}

type createResellerResponse struct {
	Account    *model.Account `json:"account"`
	Credential string         `json:"credential,omitempty"`
}

// CreateReseller opens a master or partner reseller account. A credential is
// generated and returned when none is supplied.
func (h *AccountHandler) CreateReseller(w http.ResponseWriter, r *http.Request) {
	var req createResellerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var generated string
	if req.Credential == "" {
		c, err := credential.Generate()
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		req.Credential, generated = c, c
	}

	a, err := h.dir.CreateReseller(r.Context(), directory.NewReseller{
		Name:          req.Name,
		Email:         req.Email,
		Phone:         req.Phone,
		Credential:    req.Credential,
		Role:          req.Role,
		OwnerMasterID: req.OwnerMasterID,
		IsDemo:        req.IsDemo,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, createResellerResponse{Account: a, Credential: generated})
}

// Me returns the caller's own account.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	a, err := h.dir.Get(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"account": a})
}

// AdminGet returns the admin view of an account, escrow included.
func (h *AccountHandler) AdminGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	view, err := h.dir.AdminView(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"account": view})
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *AccountHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req setActiveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.dir.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"account": a})
}

type setExpiryRequest struct {
	ExpiryDate *time.Time `json:"expiryDate"`
}

// SetExpiry sets or, with a null expiryDate, clears the account's horizon.
func (h *AccountHandler) SetExpiry(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req setExpiryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	a, err := h.dir.TouchExpiry(r.Context(), id, req.ExpiryDate)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"account": a})
}

// ListPartners lists the partners of a master. Masters may only list their
// own partners.
func (h *AccountHandler) ListPartners(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !auth.IsAdmin(r.Context()) && id != auth.AccountID(r.Context()) {
		writeError(w, r, h.logger, apperr.ErrForbidden)
		return
	}
	partners, err := h.dir.ListPartners(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"partners": partners})
}
