// Package auth issues and validates the bearer tokens used by the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

type Config struct {
	JWTSecret string
	TokenTTL  time.Duration
	// SignupBonus is credited as a bonus entry in the signup transaction.
	SignupBonus int64
	// AdminEmails get the admin role at registration.
	AdminEmails []string
}

type Service interface {
	Register(ctx context.Context, email, password, name string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type service struct {
	pool     db.TxBeginner
	accounts AccountRepo
	ledger   ledger.Service
	cfg      Config
	admins   map[string]bool
	now      func() time.Time
}

func NewService(pool db.TxBeginner, accounts AccountRepo, ledgerSvc ledger.Service, cfg Config) *service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	admins := make(map[string]bool, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		admins[normalizeEmail(e)] = true
	}
	return &service{pool: pool, accounts: accounts, ledger: ledgerSvc, cfg: cfg, admins: admins, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates the account and credits the signup bonus in one transaction.
func (s *service) Register(ctx context.Context, email, password, name string) (*models.Account, error) {
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	email = normalizeEmail(email)
	acc := &models.Account{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         models.RoleUser,
	}
	if s.admins[email] {
		acc.Role = models.RoleAdmin
	}
	err = db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.accounts.Create(ctx, tx, acc); err != nil {
			return err
		}
		if s.cfg.SignupBonus <= 0 {
			return nil
		}
		res, err := s.ledger.CreditTx(ctx, tx, acc.ID, s.cfg.SignupBonus, models.EntryBonus, "signup bonus", models.LedgerRef{})
		if err != nil {
			return fmt.Errorf("signup bonus: %w", err)
		}
		acc.Balance = res.NewBalance
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.ID, acc.Role)
}

func (s *service) issueToken(accountID uuid.UUID, role string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, c.Role, nil
}
