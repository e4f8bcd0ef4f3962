package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/ledger"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/provisioning"
)

type LicenseHandler struct {
	ledger *ledger.Service
	logger *slog.Logger
}

func NewLicenseHandler(l *ledger.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{ledger: l, logger: logger}
}

type activateRequest struct {
	LicenseKey   string `json:"licenseKey" validate:"required"`
	EndUserEmail string `json:"endUserEmail" validate:"required,email"`
	EndUserName  string `json:"endUserName" validate:"max=200"`
	EndUserPhone string `json:"endUserPhone" validate:"max=50"`
}

// Activate consumes a seat of one of the caller's licenses for an end user.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.ledger.Activate(r.Context(), ledger.ActivateParams{
		LicenseKey: req.LicenseKey,
		OwnerID:    auth.AccountID(r.Context()),
		Email:      req.EndUserEmail,
		Name:       req.EndUserName,
		Phone:      req.EndUserPhone,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}

type partnerRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"max=50"`
}

type redeemRequest struct {
	LicenseKey      string         `json:"licenseKey" validate:"required"`
	MasterAccountID int64          `json:"masterAccountId" validate:"gte=0"`
	Partner         partnerRequest `json:"partner"`
}

// Redeem spends a master's single-seat license to open a partner reseller.
func (h *LicenseHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	self := auth.AccountID(r.Context())
	if req.MasterAccountID == 0 {
		req.MasterAccountID = self
	}
	if req.MasterAccountID != self {
		writeError(w, r, h.logger, apperr.ErrForbidden.WithMessage("masterAccountId must be the caller"))
		return
	}

	red, err := h.ledger.RedeemForNewReseller(r.Context(), req.LicenseKey, req.MasterAccountID, ledger.NewPartner{
		Name:  req.Partner.Name,
		Email: req.Partner.Email,
		Phone: req.Partner.Phone,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, red)
}

// List returns licenses of one owner. Resellers see only their own; admins
// must name the owner.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := parseIDQuery(r, "owner")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if !auth.IsAdmin(r.Context()) {
		self := auth.AccountID(r.Context())
		if owner != 0 && owner != self {
			writeError(w, r, h.logger, apperr.ErrForbidden)
			return
		}
		owner = self
	} else if owner == 0 {
		writeError(w, r, h.logger, apperr.Invalid("owner is required"))
		return
	}

	status := model.LicenseStatus(strings.ToUpper(r.URL.Query().Get("status")))
	licenses, err := h.ledger.ListByOwner(r.Context(), owner, status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if licenses == nil {
		licenses = []model.License{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"licenses": licenses})
}

// Get returns a license by key.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.ledger.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !auth.IsAdmin(r.Context()) && l.OwnerID != auth.AccountID(r.Context()) {
		writeError(w, r, h.logger, apperr.ErrLicenseForbidden)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"license": l})
}

type mintRequest struct {
	OwnerAccountID int64      `json:"ownerAccountId" validate:"required,gt=0"`
	Count          int        `json:"count" validate:"required,gt=0"`
	Capacity       int        `json:"capacity" validate:"required,gt=0"`
	PriceCents     int64      `json:"priceCents" validate:"gte=0"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// Mint bulk-creates licenses for a reseller.
func (h *LicenseHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	minted, err := h.ledger.Mint(r.Context(), req.OwnerAccountID, provisioning.MintParams{
		Count:      req.Count,
		Capacity:   req.Capacity,
		PriceCents: req.PriceCents,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"licenses": minted})
}
