// Package directory owns accounts: roles, the master to partner link, and
// the active/expiry flags that gate what an account may do.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/credential"
	"github.com/dukerupert/resellr/internal/metrics"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/provisioning"
	"github.com/dukerupert/resellr/internal/store"
	"github.com/dukerupert/resellr/internal/websocket"
)

const mailTimeout = 10 * time.Second

// CredentialMailer delivers a new account's credential out of band.
type CredentialMailer interface {
	Configured() bool
	SendCredentials(ctx context.Context, to, name string, role model.Role, credential string) error
}

type Service struct {
	runner   *store.TxRunner
	accounts *store.AccountStore
	hasher   *credential.Hasher
	escrow   bool
	events   websocket.Broadcaster
	metrics  *metrics.Metrics
	mailer   CredentialMailer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEscrow controls whether plaintext credentials are kept for admins.
func WithEscrow(on bool) Option {
	return func(s *Service) { s.escrow = on }
}

func WithEvents(b websocket.Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithMailer(m CredentialMailer) Option {
	return func(s *Service) { s.mailer = m }
}

func NewService(runner *store.TxRunner, hasher *credential.Hasher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		runner:   runner,
		accounts: store.NewAccountStore(runner.DB()),
		hasher:   hasher,
		escrow:   true,
		events:   websocket.Discard,
		logger:   logger.With("component", "directory"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Created describes an account that was just inserted. Credential is the
// plaintext credential, available only at creation time.
type Created struct {
	Account    *model.Account
	Credential string
	Welcome    []model.License
}

// CheckReseller verifies that a may own and redeem licenses at now.
func CheckReseller(a *model.Account, now time.Time) error {
	if a == nil {
		return apperr.ErrForbidden.WithMessage("account does not exist")
	}
	if !a.Role.IsReseller() {
		return apperr.ErrNotReseller
	}
	if !a.Active || a.Expired(now) {
		return apperr.ErrAccountInactive
	}
	return nil
}

func validateEmail(email string) (string, error) {
	email = store.NormalizeEmail(email)
	if email == "" {
		return "", apperr.Invalid("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Invalid(fmt.Sprintf("invalid email %q", email))
	}
	return email, nil
}

// EndUserDraft is an end user prepared outside a transaction. The credential
// is generated and hashed up front so the write lock is never held across
// bcrypt.
type EndUserDraft struct {
	Email      string
	Name       string
	Phone      string
	credential string
	hash       string
}

// DraftEndUser validates the end-user fields and, unless the email already
// belongs to an account, prepares a fresh credential.
func (s *Service) DraftEndUser(ctx context.Context, email, name, phone string) (*EndUserDraft, error) {
	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}
	d := &EndUserDraft{Email: email, Name: strings.TrimSpace(name), Phone: strings.TrimSpace(phone)}
	existing, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return d, nil
	}
	if err := s.prepareCredential(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) prepareCredential(d *EndUserDraft) error {
	c, err := credential.Generate()
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(c)
	if err != nil {
		return err
	}
	d.credential = c
	d.hash = hash
	return nil
}

// FindOrCreateEndUserTx returns the account for d.Email, creating an END_USER
// account when none exists. An existing account is returned untouched,
// whatever its role. expiry is applied only to a new account.
func (s *Service) FindOrCreateEndUserTx(ctx context.Context, tx *sql.Tx, d *EndUserDraft, expiry *time.Time) (*Created, bool, error) {
	accounts := s.accounts.WithTx(tx)
	if d.hash == "" {
		existing, err := accounts.GetByEmail(ctx, d.Email)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return &Created{Account: existing}, false, nil
		}
		if err := s.prepareCredential(d); err != nil {
			return nil, false, err
		}
	}

	na := store.NewAccount{
		Name:         d.Name,
		Email:        d.Email,
		Phone:        d.Phone,
		PasswordHash: d.hash,
		Role:         model.RoleEndUser,
		Active:       true,
		ExpiryDate:   expiry,
	}
	if s.escrow {
		plain := d.credential
		na.PasswordPlain = &plain
	}
	a, created, err := accounts.InsertIfAbsent(ctx, na, s.Now())
	if err != nil {
		return nil, false, err
	}
	if !created {
		return &Created{Account: a}, false, nil
	}
	return &Created{Account: a, Credential: d.credential}, true, nil
}

// FindOrCreateEndUser is idempotent on email. The credential is returned
// only when the account was created by this call.
func (s *Service) FindOrCreateEndUser(ctx context.Context, email, name, phone string) (*model.Account, bool, string, error) {
	d, err := s.DraftEndUser(ctx, email, name, phone)
	if err != nil {
		return nil, false, "", err
	}
	var c *Created
	var created bool
	err = s.runner.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, created, err = s.FindOrCreateEndUserTx(ctx, tx, d, nil)
		return err
	})
	if err != nil {
		return nil, false, "", err
	}
	if created {
		s.Announce(ctx, c)
	}
	return c.Account, created, c.Credential, nil
}

// NewReseller describes a reseller account to create.
type NewReseller struct {
	Name          string
	Email         string
	Phone         string
	Credential    string
	Role          model.Role
	OwnerMasterID *int64
	IsDemo        bool
}

// ResellerDraft is a validated NewReseller with its credential hashed.
type ResellerDraft struct {
	NewReseller
	hash string
}

// DraftReseller validates nr and hashes its credential.
func (s *Service) DraftReseller(nr NewReseller) (*ResellerDraft, error) {
	email, err := validateEmail(nr.Email)
	if err != nil {
		return nil, err
	}
	nr.Email = email
	nr.Name = strings.TrimSpace(nr.Name)
	if nr.Name == "" {
		return nil, apperr.Invalid("name is required")
	}
	if nr.Credential == "" {
		return nil, apperr.Invalid("credential is required")
	}
	if !nr.Role.Valid() {
		return nil, apperr.Invalid(fmt.Sprintf("unknown role %q", nr.Role))
	}
	hash, err := s.hasher.Hash(nr.Credential)
	if err != nil {
		return nil, err
	}
	return &ResellerDraft{NewReseller: nr, hash: hash}, nil
}

// CreateResellerTx validates the hierarchy, inserts the reseller and mints
// its welcome batch inside tx.
func (s *Service) CreateResellerTx(ctx context.Context, tx *sql.Tx, d *ResellerDraft) (*Created, error) {
	now := s.Now()
	accounts := s.accounts.WithTx(tx)

	switch d.Role {
	case model.RoleMasterReseller:
		if d.OwnerMasterID != nil {
			return nil, apperr.ErrInvalidHierarchy.WithMessage("a master reseller cannot have an owner")
		}
	case model.RolePartnerReseller:
		if d.OwnerMasterID == nil {
			return nil, apperr.ErrInvalidHierarchy.WithMessage("a partner reseller requires an owning master")
		}
		owner, err := accounts.GetByID(ctx, *d.OwnerMasterID)
		if err != nil {
			return nil, err
		}
		if owner == nil || owner.Role != model.RoleMasterReseller {
			return nil, apperr.ErrInvalidHierarchy.WithMessage("owner is not a master reseller")
		}
		if !owner.Active || owner.Expired(now) {
			return nil, apperr.ErrInvalidHierarchy.WithMessage("owning master is not active")
		}
	default:
		return nil, apperr.ErrInvalidHierarchy.WithMessage(fmt.Sprintf("role %s is not a reseller role", d.Role))
	}

	na := store.NewAccount{
		Name:          d.Name,
		Email:         d.Email,
		Phone:         d.Phone,
		PasswordHash:  d.hash,
		Role:          d.Role,
		OwnerMasterID: d.OwnerMasterID,
		Active:        true,
		IsDemo:        d.IsDemo,
	}
	if s.escrow {
		plain := d.Credential
		na.PasswordPlain = &plain
	}
	a, err := accounts.Create(ctx, na, now)
	if err != nil {
		return nil, err
	}

	batch := provisioning.WelcomeBatch(a.Role)
	welcome, err := store.NewLicenseStore(tx).CreateBatch(ctx, store.NewLicense{
		OwnerID:  a.ID,
		Capacity: batch.Capacity,
		Source:   model.SourceWelcome,
	}, batch.Count, now)
	if err != nil {
		return nil, fmt.Errorf("mint welcome batch: %w", err)
	}
	return &Created{Account: a, Credential: d.Credential, Welcome: welcome}, nil
}

// CreateReseller creates a master or partner reseller together with its
// welcome batch.
func (s *Service) CreateReseller(ctx context.Context, nr NewReseller) (*model.Account, error) {
	d, err := s.DraftReseller(nr)
	if err != nil {
		return nil, err
	}
	var c *Created
	err = s.runner.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.CreateResellerTx(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("reseller created", "account_id", c.Account.ID, "role", c.Account.Role, "welcome", len(c.Welcome))
	s.Announce(ctx, c)
	return c.Account, nil
}

// EnsureAdmin creates the bootstrap administrator if no account holds email.
// An existing account is left as is.
func (s *Service) EnsureAdmin(ctx context.Context, email, name, cred string) (*model.Account, error) {
	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}
	existing, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if cred == "" {
		return nil, apperr.Invalid("admin credential is required")
	}
	hash, err := s.hasher.Hash(cred)
	if err != nil {
		return nil, err
	}
	var a *model.Account
	err = s.runner.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, _, err = s.accounts.WithTx(tx).InsertIfAbsent(ctx, store.NewAccount{
			Name:         name,
			Email:        email,
			PasswordHash: hash,
			Role:         model.RoleAdmin,
			Active:       true,
		}, s.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("admin account ensured", "account_id", a.ID)
	return a, nil
}

// Announce publishes the side effects of a committed account creation:
// events, counters and the credential mail.
func (s *Service) Announce(ctx context.Context, c *Created) {
	a := c.Account
	var owner int64
	if a.OwnerMasterID != nil {
		owner = *a.OwnerMasterID
	}
	s.events.Broadcast(websocket.NewEvent(websocket.EntityAccount, "created", a.ID, owner, map[string]any{
		"role": a.Role,
	}))
	if s.metrics != nil {
		s.metrics.AccountsCreated.WithLabelValues(string(a.Role)).Inc()
	}
	for _, l := range c.Welcome {
		s.events.Broadcast(websocket.NewEvent(websocket.EntityLicense, "minted", l.ID, l.OwnerID, map[string]any{
			"key":    l.Key,
			"source": l.Source,
		}))
	}
	if s.metrics != nil && len(c.Welcome) > 0 {
		s.metrics.LicensesMinted.WithLabelValues(string(model.SourceWelcome)).Add(float64(len(c.Welcome)))
	}

	if c.Credential == "" || s.mailer == nil || !s.mailer.Configured() {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
	defer cancel()
	if err := s.mailer.SendCredentials(mctx, a.Email, a.Name, a.Role, c.Credential); err != nil {
		s.logger.Error("send credentials", "account_id", a.ID, "error", err)
	}
}

// Get returns the account with id.
func (s *Service) Get(ctx context.Context, id int64) (*model.Account, error) {
	a, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperr.ErrAccountNotFound
	}
	return a, nil
}

// AdminView returns the account including its escrowed credential.
func (s *Service) AdminView(ctx context.Context, id int64) (model.AdminAccountView, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return model.AdminAccountView{}, err
	}
	return model.NewAdminAccountView(a), nil
}

// ListPartners returns the partner resellers of masterID.
func (s *Service) ListPartners(ctx context.Context, masterID int64) ([]model.Account, error) {
	m, err := s.Get(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if m.Role != model.RoleMasterReseller {
		return nil, apperr.ErrInvalidHierarchy.WithMessage("account is not a master reseller")
	}
	partners, err := s.accounts.ListPartners(ctx, masterID)
	if err != nil {
		return nil, err
	}
	if partners == nil {
		partners = []model.Account{}
	}
	return partners, nil
}

// SetActive flips the active flag. Licenses and partners are not touched.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) (*model.Account, error) {
	var a *model.Account
	err := s.runner.InTx(ctx, func(tx *sql.Tx) error {
		accounts := s.accounts.WithTx(tx)
		ok, err := accounts.SetActive(ctx, id, active, s.Now())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrAccountNotFound
		}
		a, err = accounts.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account active changed", "account_id", id, "active", active)
	return a, nil
}

// TouchExpiry sets the subscription horizon of an account; nil clears it.
func (s *Service) TouchExpiry(ctx context.Context, id int64, expiry *time.Time) (*model.Account, error) {
	var a *model.Account
	err := s.runner.InTx(ctx, func(tx *sql.Tx) error {
		accounts := s.accounts.WithTx(tx)
		ok, err := accounts.SetExpiry(ctx, id, expiry, s.Now())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrAccountNotFound
		}
		a, err = accounts.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account expiry changed", "account_id", id, "expiry", expiry)
	return a, nil
}

// VerifyCredential returns the account for email if cred matches its hash.
// Unknown emails and wrong credentials are indistinguishable.
func (s *Service) VerifyCredential(ctx context.Context, email, cred string) (*model.Account, error) {
	a, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if a == nil || !s.hasher.Verify(a.PasswordHash, cred) {
		return nil, apperr.ErrForbidden.WithMessage("invalid credentials")
	}
	return a, nil
}
