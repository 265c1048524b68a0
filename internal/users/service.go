package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidEmail indicates the supplied address cannot key an account.
var ErrInvalidEmail = errors.New("users: invalid email")

// ErrUserNotFound indicates no account exists for the identifier.
var ErrUserNotFound = errors.New("users: user not found")

// IDProvider issues identifiers for new accounts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service manages durable user accounts keyed by verified email address.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	cache      sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// ResolveByEmail returns the account for the verified address, creating a
// student account on first sight. The email→id mapping is cached in-process
// since accounts are never re-keyed.
func (s *Service) ResolveByEmail(ctx context.Context, email string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return User{}, ErrInvalidEmail
	}

	if cachedID, ok := s.cache.Load(normalized); ok {
		if userID, ok := cachedID.(string); ok {
			account, err := s.GetByID(ctx, userID)
			if err == nil {
				return account, nil
			}
		}
	}

	var account User
	err := s.db.WithContext(ctx).
		Where("email = ?", normalized).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return User{}, fmt.Errorf("users: generate id: %w", idErr)
		}
		account = User{
			UserID:     userID,
			Email:      normalized,
			Role:       RoleStudent,
			LastSeenAt: s.now().UTC(),
		}
		if createErr := s.db.WithContext(ctx).Create(&account).Error; createErr != nil {
			if !isUniqueViolation(createErr) {
				return User{}, createErr
			}
			// Lost a first-login race for this address; the winning insert
			// owns the account.
			if lookupErr := s.db.WithContext(ctx).
				Where("email = ?", normalized).
				First(&account).Error; lookupErr != nil {
				return User{}, lookupErr
			}
		}
	} else if err != nil {
		return User{}, err
	} else {
		_ = s.db.WithContext(ctx).
			Model(&User{}).
			Where("user_id = ?", account.UserID).
			Update("last_seen_at", s.now().UTC()).Error
	}

	s.cache.Store(normalized, account.UserID)
	return account, nil
}

// GetByID loads a single account.
func (s *Service) GetByID(ctx context.Context, userID string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return account, nil
}

// SetRole updates the account role, e.g. promoting a teacher account.
func (s *Service) SetRole(ctx context.Context, userID string, role Role) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("role", role)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver does not translate constraint errors for GORM.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
