// Package ledger records license capacity and its consumption. Every change
// to a license's usage is a single guarded UPDATE inside a transaction.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/directory"
	"github.com/dukerupert/resellr/internal/metrics"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/provisioning"
	"github.com/dukerupert/resellr/internal/store"
	"github.com/dukerupert/resellr/internal/websocket"
)

type Service struct {
	runner   *store.TxRunner
	licenses *store.LicenseStore
	accounts *store.AccountStore
	dir      *directory.Service
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

// NewService builds a ledger on runner. Account lookups and end-user
// creation go through dir, whose clock the ledger shares.
func NewService(runner *store.TxRunner, dir *directory.Service, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		runner:   runner,
		licenses: store.NewLicenseStore(runner.DB()),
		accounts: store.NewAccountStore(runner.DB()),
		dir:      dir,
		events:   websocket.Discard,
		logger:   logger.With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.dir.Now()
}

// NormalizeKey returns the canonical form of a license key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ActivateParams identifies the license, its owner and the end user taking a
// seat.
type ActivateParams struct {
	LicenseKey string
	OwnerID    int64
	Email      string
	Name       string
	Phone      string
}

// ActivationResult is returned by Activate. Credential is set only when the
// end-user account was created by this call. Replayed reports that a seat for
// the same email already existed and no capacity was consumed.
type ActivationResult struct {
	License    *model.License `json:"license"`
	Account    *model.Account `json:"endUserAccount"`
	Credential string         `json:"credential,omitempty"`
	Replayed   bool           `json:"replayed"`
}

// Activate consumes one seat of the license for an end user, creating the
// end user if needed. Activating the same (license, email) pair again
// returns the existing seat.
func (s *Service) Activate(ctx context.Context, p ActivateParams) (*ActivationResult, error) {
	res, err := s.activate(ctx, p)
	if s.metrics != nil {
		result := metrics.ResultActivated
		switch {
		case err != nil:
			result = metrics.ResultRejected
		case res.Replayed:
			result = metrics.ResultReplayed
		}
		s.metrics.Activations.WithLabelValues(result).Inc()
	}
	if err != nil {
		s.logger.Debug("activation rejected", "owner_id", p.OwnerID, "error", err)
	}
	return res, err
}

func (s *Service) activate(ctx context.Context, p ActivateParams) (*ActivationResult, error) {
	key := NormalizeKey(p.LicenseKey)
	if key == "" {
		return nil, apperr.Invalid("license key is required")
	}
	email := store.NormalizeEmail(p.Email)

	// Reject early without generating a credential.
	if _, _, err := s.checkActivation(ctx, s.licenses, s.accounts, key, p.OwnerID, email, s.now()); err != nil {
		return nil, err
	}
	draft, err := s.dir.DraftEndUser(ctx, p.Email, p.Name, p.Phone)
	if err != nil {
		return nil, err
	}

	var res *ActivationResult
	var created *directory.Created
	err = s.runner.InTx(ctx, func(tx *sql.Tx) error {
		res, created = nil, nil
		now := s.now()
		licenses := s.licenses.WithTx(tx)
		accounts := s.accounts.WithTx(tx)

		l, seat, err := s.checkActivation(ctx, licenses, accounts, key, p.OwnerID, draft.Email, now)
		if err != nil {
			return err
		}
		if seat != nil {
			a, err := accounts.GetByID(ctx, seat.EndUserID)
			if err != nil {
				return err
			}
			l.Refresh(now)
			res = &ActivationResult{License: l, Account: a, Replayed: true}
			return nil
		}

		c, wasCreated, err := s.dir.FindOrCreateEndUserTx(ctx, tx, draft, l.ExpiresAt)
		if err != nil {
			return err
		}
		ok, err := licenses.ClaimSeat(ctx, l.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrCapacityExhausted
		}
		name := draft.Name
		if name == "" {
			name = c.Account.Name
		}
		if _, err := licenses.AddSeat(ctx, l.ID, store.NewSeat{
			EndUserID: c.Account.ID,
			Name:      name,
			Email:     draft.Email,
			Phone:     draft.Phone,
		}, now); err != nil {
			return err
		}

		updated, err := licenses.GetByID(ctx, l.ID)
		if err != nil {
			return err
		}
		updated.Refresh(now)
		res = &ActivationResult{License: updated, Account: c.Account, Credential: c.Credential}
		if wasCreated {
			created = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created != nil {
		s.dir.Announce(ctx, created)
	}
	if !res.Replayed {
		s.logger.Info("license activated",
			"license_id", res.License.ID,
			"owner_id", res.License.OwnerID,
			"end_user_id", res.Account.ID,
			"usage", res.License.UsageCount,
			"capacity", res.License.Capacity,
		)
		s.events.Broadcast(websocket.NewEvent(websocket.EntityLicense, "activated", res.License.ID, res.License.OwnerID, map[string]any{
			"key":         res.License.Key,
			"end_user_id": res.Account.ID,
			"status":      res.License.Status,
		}))
	}
	return res, nil
}

// checkActivation applies the activation preconditions in order: license
// exists, belongs to ownerID, owner may redeem, then either an existing seat
// for email (replay) or an unexpired license with spare capacity.
func (s *Service) checkActivation(ctx context.Context, licenses *store.LicenseStore, accounts *store.AccountStore, key string, ownerID int64, email string, now time.Time) (*model.License, *model.Seat, error) {
	l, err := licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if l == nil {
		return nil, nil, apperr.ErrLicenseNotFound
	}
	if l.OwnerID != ownerID {
		return nil, nil, apperr.ErrLicenseForbidden
	}
	owner, err := accounts.GetByID(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if err := directory.CheckReseller(owner, now); err != nil {
		return nil, nil, err
	}

	if email != "" {
		seat, err := licenses.GetSeat(ctx, l.ID, email)
		if err != nil {
			return nil, nil, err
		}
		if seat != nil {
			return l, seat, nil
		}
	}
	if l.Expired(now) {
		return nil, nil, apperr.ErrLicenseExpired
	}
	if l.UsageCount >= l.Capacity {
		return nil, nil, apperr.ErrCapacityExhausted
	}
	return l, nil, nil
}

// NewPartner describes the partner reseller created by RedeemForNewReseller.
type NewPartner struct {
	Name  string
	Email string
	Phone string
}

// Redemption is the outcome of RedeemForNewReseller.
type Redemption struct {
	Partner *model.Account `json:"account"`
	License *model.License `json:"license"`
}

// RedeemForNewReseller spends a master's single-seat license to open a
// partner reseller under that master. The partner's credential is the
// license key. The partner, its welcome batch and the seat are written in
// one transaction.
func (s *Service) RedeemForNewReseller(ctx context.Context, licenseKey string, masterID int64, np NewPartner) (*Redemption, error) {
	red, err := s.redeem(ctx, licenseKey, masterID, np)
	if s.metrics != nil {
		result := metrics.ResultActivated
		if err != nil {
			result = metrics.ResultRejected
		}
		s.metrics.Redemptions.WithLabelValues(result).Inc()
	}
	return red, err
}

func (s *Service) redeem(ctx context.Context, licenseKey string, masterID int64, np NewPartner) (*Redemption, error) {
	key := NormalizeKey(licenseKey)
	if key == "" {
		return nil, apperr.Invalid("license key is required")
	}
	draft, err := s.dir.DraftReseller(directory.NewReseller{
		Name:          np.Name,
		Email:         np.Email,
		Phone:         np.Phone,
		Credential:    key,
		Role:          model.RolePartnerReseller,
		OwnerMasterID: &masterID,
	})
	if err != nil {
		return nil, err
	}

	var red *Redemption
	var created *directory.Created
	err = s.runner.InTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		licenses := s.licenses.WithTx(tx)
		accounts := s.accounts.WithTx(tx)

		master, err := accounts.GetByID(ctx, masterID)
		if err != nil {
			return err
		}
		if master == nil || master.Role != model.RoleMasterReseller || !master.Active || master.Expired(now) {
			return apperr.ErrInvalidHierarchy.WithMessage("redeeming account is not an active master reseller")
		}

		l, err := licenses.GetByKey(ctx, key)
		if err != nil {
			return err
		}
		if l == nil {
			return apperr.ErrLicenseNotFound
		}
		if l.OwnerID != masterID {
			return apperr.ErrLicenseNotAvailable.WithMessage("license does not belong to the redeeming account")
		}
		l.Refresh(now)
		if l.Status != model.LicenseAvailable || l.Capacity != provisioning.ResellerSeedCapacity {
			return apperr.ErrLicenseNotAvailable
		}

		c, err := s.dir.CreateResellerTx(ctx, tx, draft)
		if err != nil {
			return err
		}
		ok, err := licenses.ClaimFirstSeat(ctx, l.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrLicenseNotAvailable
		}
		if _, err := licenses.AddSeat(ctx, l.ID, store.NewSeat{
			EndUserID: c.Account.ID,
			Name:      c.Account.Name,
			Email:     c.Account.Email,
			Phone:     c.Account.Phone,
		}, now); err != nil {
			return err
		}

		updated, err := licenses.GetByID(ctx, l.ID)
		if err != nil {
			return err
		}
		updated.Refresh(now)
		red = &Redemption{Partner: c.Account, License: updated}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("license redeemed for partner",
		"license_id", red.License.ID,
		"master_id", masterID,
		"partner_id", red.Partner.ID,
	)
	s.dir.Announce(ctx, created)
	s.events.Broadcast(websocket.NewEvent(websocket.EntityLicense, "redeemed", red.License.ID, masterID, map[string]any{
		"key":        red.License.Key,
		"partner_id": red.Partner.ID,
	}))
	return red, nil
}

// Mint issues a batch of licenses to a reseller on an administrator's behalf.
func (s *Service) Mint(ctx context.Context, ownerID int64, p provisioning.MintParams) ([]model.License, error) {
	if err := provisioning.ValidateMint(p, s.now()); err != nil {
		return nil, err
	}
	var minted []model.License
	err := s.runner.InTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		owner, err := s.accounts.WithTx(tx).GetByID(ctx, ownerID)
		if err != nil {
			return err
		}
		if err := directory.CheckReseller(owner, now); err != nil {
			return err
		}
		minted, err = s.licenses.WithTx(tx).CreateBatch(ctx, store.NewLicense{
			OwnerID:    ownerID,
			Capacity:   p.Capacity,
			PriceCents: p.PriceCents,
			ExpiresAt:  p.ExpiresAt,
			Source:     model.SourceAdmin,
		}, p.Count, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("licenses minted", "owner_id", ownerID, "count", len(minted), "capacity", p.Capacity)
	s.AnnounceMinted(minted)
	return minted, nil
}

// MintForRequestTx mints the replenishment batch for an approved request
// inside tx. The caller announces the licenses once tx commits.
func (s *Service) MintForRequestTx(ctx context.Context, tx *sql.Tx, r *model.ReplenishmentRequest) ([]model.License, error) {
	batch := provisioning.ReplenishmentBatch(r.Quantity)
	requestID := r.ID
	minted, err := s.licenses.WithTx(tx).CreateBatch(ctx, store.NewLicense{
		OwnerID:   r.RequesterID,
		Capacity:  batch.Capacity,
		Source:    model.SourceReplenishment,
		RequestID: &requestID,
	}, batch.Count, s.now())
	if err != nil {
		return nil, fmt.Errorf("mint replenishment batch: %w", err)
	}
	return minted, nil
}

// AnnounceMinted publishes events and counters for committed licenses.
func (s *Service) AnnounceMinted(minted []model.License) {
	for _, l := range minted {
		s.events.Broadcast(websocket.NewEvent(websocket.EntityLicense, "minted", l.ID, l.OwnerID, map[string]any{
			"key":    l.Key,
			"source": l.Source,
		}))
		if s.metrics != nil {
			s.metrics.LicensesMinted.WithLabelValues(string(l.Source)).Inc()
		}
	}
}

// Get returns the license with key, its status derived as of now.
func (s *Service) Get(ctx context.Context, key string) (*model.License, error) {
	l, err := s.licenses.GetByKey(ctx, NormalizeKey(key))
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, apperr.ErrLicenseNotFound
	}
	l.Refresh(s.now())
	return l, nil
}

// ListByOwner returns ownerID's licenses, optionally only those currently in
// status.
func (s *Service) ListByOwner(ctx context.Context, ownerID int64, status model.LicenseStatus) ([]model.License, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Invalid(fmt.Sprintf("unknown status %q", status))
	}
	all, err := s.licenses.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]model.License, 0, len(all))
	for i := range all {
		all[i].Refresh(now)
		if status == "" || all[i].Status == status {
			out = append(out, all[i])
		}
	}
	return out, nil
}
