package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

// TokenRepository stores hashed cattle bootstrap tokens.
type TokenRepository struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTokenRepository(db *gorm.DB, clk clock.Clock) *TokenRepository {
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenRepository{db: db, clock: clk}
}

func (r *TokenRepository) Create(ctx context.Context, token *models.CattleToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = r.clock.Now()
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

// Consume atomically marks the token consumed, reads it and deletes it. Of
// several concurrent callers presenting the same hash exactly one succeeds;
// the rest, and any caller presenting an unknown or expired token, get
// models.ErrTokenInvalid.
func (r *TokenRepository) Consume(ctx context.Context, tokenHash string) (*models.CattleToken, error) {
	now := r.clock.Now()
	var consumed models.CattleToken

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CattleToken{}).
			Where("token_hash = ? AND consumed_at IS NULL AND expires_at > ?", tokenHash, now).
			Update("consumed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrTokenInvalid
		}

		if err := tx.Take(&consumed, "token_hash = ?", tokenHash).Error; err != nil {
			return err
		}
		return tx.Where("token_hash = ?", tokenHash).Delete(&models.CattleToken{}).Error
	})
	if err != nil {
		if errors.Is(err, models.ErrTokenInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("consume token: %w", err)
	}
	return &consumed, nil
}

// PurgeExpired deletes expired or consumed tokens and reports how many went.
func (r *TokenRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ? OR consumed_at IS NOT NULL", r.clock.Now()).
		Delete(&models.CattleToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
