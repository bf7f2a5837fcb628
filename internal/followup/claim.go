package followup

import (
	"fmt"
	"time"

	"github.com/zulandar/relance/internal/models"
	"gorm.io/gorm"
)

// Claim takes the dispatch lease on a follow-up for token until
// now+lease. It is a single conditional UPDATE, so among concurrent
// callers exactly one wins; the others get ErrClaimed. A held lease is
// never re-entered, not even by its holder: callers use one token per
// attempt. An expired lease can be taken by anyone.
func Claim(db *gorm.DB, id, token string, now time.Time, lease time.Duration) error {
	if token == "" {
		return fmt.Errorf("followup: lease token is required")
	}
	now = now.UTC()
	result := db.Model(&models.FollowUp{}).
		Where("id = ?", id).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Updates(map[string]interface{}{
			"claimed_by":    token,
			"claimed_until": now.Add(lease),
		})
	if result.Error != nil {
		return fmt.Errorf("followup: claim %s: %w", id, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&models.FollowUp{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("followup: claim %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrClaimed, id)
}

// Release clears the lease held under token. Releasing a lease held by
// someone else, or one that already expired and was taken over, does
// nothing.
func Release(db *gorm.DB, id, token string) error {
	err := db.Model(&models.FollowUp{}).
		Where("id = ? AND claimed_by = ?", id, token).
		Updates(map[string]interface{}{
			"claimed_by":    "",
			"claimed_until": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("followup: release %s: %w", id, err)
	}
	return nil
}

// Candidates returns the ids of open, auto-enabled follow-ups due at now
// whose lease is free, earliest due first.
func Candidates(db *gorm.DB, now time.Time, limit int) ([]string, error) {
	now = now.UTC()
	q := db.Model(&models.FollowUp{}).
		Where("status = ? AND auto_enabled = ?", models.StatusOpen, true).
		Where("next_due_at IS NOT NULL AND next_due_at <= ?", now).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Order("next_due_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("followup: candidates: %w", err)
	}
	return ids, nil
}
