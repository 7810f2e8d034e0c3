package auth

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/models"
)

// AccountRepo is the subset of repository.AccountRepo used for signup and login.
type AccountRepo interface {
	Create(ctx context.Context, tx pgx.Tx, a *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}
