// Package settings stores and validates per-organization follow-up
// configuration.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/relance/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when an organization has no settings row.
var ErrNotFound = errors.New("settings: not found")

// Store reads and writes models.Settings rows through an optional cache.
type Store struct {
	db    *gorm.DB
	cache Cache

	// OnCacheLookup, if set, is called with the outcome of every cache read.
	OnCacheLookup func(hit bool)
}

// NewStore returns a store over db. A nil cache disables caching.
func NewStore(db *gorm.DB, cache Cache) *Store {
	return &Store{db: db, cache: cache}
}

// Get returns the settings for org.
func (s *Store) Get(ctx context.Context, org string) (*models.Settings, error) {
	if s.cache != nil {
		cached, ok := s.cache.Get(ctx, org)
		if s.OnCacheLookup != nil {
			s.OnCacheLookup(ok)
		}
		if ok {
			return cached, nil
		}
	}
	var out models.Settings
	err := s.db.WithContext(ctx).Where("organization_id = ?", org).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, org)
	}
	if err != nil {
		return nil, fmt.Errorf("settings: get %s: %w", org, err)
	}
	if s.cache != nil {
		s.cache.Set(ctx, &out)
	}
	return &out, nil
}

// List returns every organization's settings ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Settings, error) {
	var out []models.Settings
	if err := s.db.WithContext(ctx).Order("organization_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	return out, nil
}

// Update validates and persists in. within, if non-nil, runs in the same
// transaction after the row is written so dependent records can be brought
// in line atomically.
func (s *Store) Update(ctx context.Context, in *models.Settings, maxFollowUps *int, within func(tx *gorm.DB, saved *models.Settings) error) error {
	if err := Validate(in, maxFollowUps); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(in).Error; err != nil {
			return fmt.Errorf("settings: save %s: %w", in.OrganizationID, err)
		}
		if within != nil {
			return within(tx, in)
		}
		return nil
	})
	if s.cache != nil {
		s.cache.Invalidate(ctx, in.OrganizationID)
	}
	return err
}
