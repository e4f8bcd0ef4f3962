// Package replenishment runs the request/approve workflow through which
// resellers obtain new license capacity.
package replenishment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/directory"
	"github.com/dukerupert/resellr/internal/ledger"
	"github.com/dukerupert/resellr/internal/metrics"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/provisioning"
	"github.com/dukerupert/resellr/internal/store"
	"github.com/dukerupert/resellr/internal/websocket"
)

type Service struct {
	runner   *store.TxRunner
	requests *store.ReplenishmentStore
	accounts *store.AccountStore
	dir      *directory.Service
	ledger   *ledger.Service
	events   websocket.Broadcaster
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Service)

func WithEvents(b websocket.Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(runner *store.TxRunner, dir *directory.Service, l *ledger.Service, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		runner:   runner,
		requests: store.NewReplenishmentStore(runner.DB()),
		accounts: store.NewAccountStore(runner.DB()),
		dir:      dir,
		ledger:   l,
		events:   websocket.Discard,
		logger:   logger.With("component", "replenishment"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.dir.Now()
}

// Decision is the outcome of Approve.
type Decision struct {
	Request  *model.ReplenishmentRequest `json:"request"`
	Licenses []model.License             `json:"mintedLicenses,omitempty"`
}

// Request opens a replenishment request for accountID. A quantity of zero
// asks for the default amount.
func (s *Service) Request(ctx context.Context, accountID int64, quantity int) (*model.ReplenishmentRequest, error) {
	qty, err := provisioning.ReplenishmentQuantity(quantity)
	if err != nil {
		return nil, err
	}
	var r *model.ReplenishmentRequest
	err = s.runner.InTx(ctx, func(tx *sql.Tx) error {
		requester, err := s.accounts.WithTx(tx).GetByID(ctx, accountID)
		if err != nil {
			return err
		}
		if err := directory.CheckReseller(requester, s.now()); err != nil {
			return err
		}
		r, err = s.requests.WithTx(tx).Create(ctx, accountID, qty, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("replenishment requested", "request_id", r.ID, "requester_id", accountID, "quantity", qty)
	s.events.Broadcast(websocket.NewEvent(websocket.EntityRequest, "created", r.ID, accountID, map[string]any{
		"quantity": qty,
	}))
	return r, nil
}

// Approve marks a pending request approved and mints its licenses in the
// same transaction. A request that is no longer pending mints nothing.
func (s *Service) Approve(ctx context.Context, requestID, adminID int64) (*Decision, error) {
	var d *Decision
	err := s.runner.InTx(ctx, func(tx *sql.Tx) error {
		requests := s.requests.WithTx(tx)
		if err := s.decide(ctx, requests, requestID, model.RequestApproved, adminID); err != nil {
			return err
		}
		r, err := requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		minted, err := s.ledger.MintForRequestTx(ctx, tx, r)
		if err != nil {
			return err
		}
		d = &Decision{Request: r, Licenses: minted}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("replenishment approved", "request_id", requestID, "admin_id", adminID, "minted", len(d.Licenses))
	s.announce(d.Request, "approved")
	s.ledger.AnnounceMinted(d.Licenses)
	return d, nil
}

// Reject marks a pending request rejected.
func (s *Service) Reject(ctx context.Context, requestID, adminID int64) (*Decision, error) {
	var r *model.ReplenishmentRequest
	err := s.runner.InTx(ctx, func(tx *sql.Tx) error {
		requests := s.requests.WithTx(tx)
		if err := s.decide(ctx, requests, requestID, model.RequestRejected, adminID); err != nil {
			return err
		}
		var err error
		r, err = requests.GetByID(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("replenishment rejected", "request_id", requestID, "admin_id", adminID)
	s.announce(r, "rejected")
	return &Decision{Request: r}, nil
}

func (s *Service) decide(ctx context.Context, requests *store.ReplenishmentStore, id int64, status model.RequestStatus, adminID int64) error {
	ok, err := requests.Decide(ctx, id, status, adminID, s.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	existing, err := requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperr.ErrRequestNotFound
	}
	return apperr.ErrRequestNotPending.WithMessage(fmt.Sprintf("replenishment request was already %s", existing.Status))
}

func (s *Service) announce(r *model.ReplenishmentRequest, action string) {
	if s.metrics != nil {
		s.metrics.RequestDecisions.WithLabelValues(action).Inc()
	}
	s.events.Broadcast(websocket.NewEvent(websocket.EntityRequest, action, r.ID, r.RequesterID, map[string]any{
		"quantity": r.Quantity,
	}))
}

// Get returns the request with id.
func (s *Service) Get(ctx context.Context, id int64) (*model.ReplenishmentRequest, error) {
	r, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.ErrRequestNotFound
	}
	return r, nil
}

// List returns requests matching f, newest first.
func (s *Service) List(ctx context.Context, f store.RequestFilter) ([]model.ReplenishmentRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Invalid(fmt.Sprintf("unknown status %q", f.Status))
	}
	return s.requests.List(ctx, f)
}
