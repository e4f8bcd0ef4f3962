package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/replenishment"
	"github.com/dukerupert/resellr/internal/store"
)

type ReplenishmentHandler struct {
	svc    *replenishment.Service
	logger *slog.Logger
}

func NewReplenishmentHandler(svc *replenishment.Service, logger *slog.Logger) *ReplenishmentHandler {
	return &ReplenishmentHandler{svc: svc, logger: logger}
}

type createRequestBody struct {
	Quantity  int   `json:"quantity" validate:"gte=0"`
	AccountID int64 `json:"accountId" validate:"gte=0"`
}

// Create opens a replenishment request for the caller. Admins file on behalf
// of a reseller by naming accountId.
func (h *ReplenishmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequestBody
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	requester := auth.AccountID(r.Context())
	if auth.IsAdmin(r.Context()) {
		if req.AccountID == 0 {
			writeError(w, r, h.logger, apperr.Invalid("accountId is required"))
			return
		}
		requester = req.AccountID
	} else if req.AccountID != 0 && req.AccountID != requester {
		writeError(w, r, h.logger, apperr.ErrForbidden)
		return
	}

	created, err := h.svc.Request(r.Context(), requester, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"request": created})
}

type decisionBody struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
}

// Decide approves or rejects a pending request.
func (h *ReplenishmentHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req decisionBody
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	admin := auth.AccountID(r.Context())
	var d *replenishment.Decision
	if req.Decision == "approve" {
		d, err = h.svc.Approve(r.Context(), id, admin)
	} else {
		d, err = h.svc.Reject(r.Context(), id, admin)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// List returns requests; non-admins only see their own.
func (h *ReplenishmentHandler) List(w http.ResponseWriter, r *http.Request) {
	requester, err := parseIDQuery(r, "requester")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !auth.IsAdmin(r.Context()) {
		self := auth.AccountID(r.Context())
		if requester != 0 && requester != self {
			writeError(w, r, h.logger, apperr.ErrForbidden)
			return
		}
		requester = self
	}

	requests, err := h.svc.List(r.Context(), store.RequestFilter{
		Status:      model.RequestStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		RequesterID: requester,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if requests == nil {
		requests = []model.ReplenishmentRequest{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"requests": requests})
}

func (h *ReplenishmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !auth.IsAdmin(r.Context()) && req.RequesterID != auth.AccountID(r.Context()) {
		writeError(w, r, h.logger, apperr.ErrRequestNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"request": req})
}
