package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/directory"
)

type AuthHandler struct {
	dir      *directory.Service
	verifier *auth.TokenVerifier
	ttl      time.Duration
	logger   *slog.Logger
}

func NewAuthHandler(dir *directory.Service, verifier *auth.TokenVerifier, ttl time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{dir: dir, verifier: verifier, ttl: ttl, logger: logger}
}

type tokenRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Credential string `json:"credential" validate:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	AccountID int64     `json:"accountId"`
	Role      string    `json:"role"`
}

// Token exchanges an email and credential for a bearer token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	a, err := h.dir.VerifyCredential(r.Context(), req.Email, req.Credential)
	if err != nil {
		h.logger.Warn("token request rejected", "remote", r.RemoteAddr)
		writeError(w, r, h.logger, err)
		return
	}
	now := h.dir.Now()
	if !a.Active || a.Expired(now) {
		writeError(w, r, h.logger, apperr.ErrAccountInactive)
		return
	}

	p := auth.Principal{AccountID: a.ID, Role: a.Role}
	tok, err := h.verifier.Sign(p, h.ttl, now)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tokenResponse{
		Token:     tok,
		ExpiresAt: now.Add(h.ttl),
		AccountID: a.ID,
		Role:      string(a.Role),
	})
}
