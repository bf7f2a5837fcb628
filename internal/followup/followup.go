// Package followup provides follow-up lifecycle operations: creation, user
// actions, send history, lease claims and dashboard aggregates.
package followup

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/schedule"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no follow-up has the requested id.
	ErrNotFound = errors.New("followup: not found")
	// ErrNotOpen is returned when an action needs an open follow-up.
	ErrNotOpen = errors.New("followup: not open")
	// ErrClaimed is returned when another worker holds the lease.
	ErrClaimed = errors.New("followup: claimed by another worker")
)

// CreateOpts holds parameters for creating a follow-up.
type CreateOpts struct {
	OrganizationID string
	Type           models.FollowUpType
	ClientID       string
	SourceLabel    string
	SourceRef      string
	TriggeredAt    time.Time // zero means now
	DueAt          *time.Time
	AutoEnabled    bool
}

// ListFilters holds optional filters for listing follow-ups.
type ListFilters struct {
	OrganizationID string
	Type           models.FollowUpType
	Status         models.Status
	AutoEnabled    *bool
	ClientID       string
	Limit          int
}

// Create inserts a new open follow-up. s may be nil when the organization
// has no settings yet; the follow-up then stays unscheduled until settings
// are saved.
func Create(db *gorm.DB, opts CreateOpts, s *models.Settings, now time.Time) (*models.FollowUp, error) {
	if opts.OrganizationID == "" {
		return nil, fmt.Errorf("followup: organization is required")
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("followup: unknown type %q", opts.Type)
	}
	now = now.UTC()
	triggered := opts.TriggeredAt.UTC()
	if opts.TriggeredAt.IsZero() {
		triggered = now
	}

	fu := models.FollowUp{
		ID:             uuid.NewString(),
		OrganizationID: opts.OrganizationID,
		Type:           opts.Type,
		ClientID:       opts.ClientID,
		SourceLabel:    opts.SourceLabel,
		SourceRef:      opts.SourceRef,
		TriggeredAt:    triggered,
		AutoEnabled:    opts.AutoEnabled,
		Status:         models.StatusOpen,
	}
	if opts.DueAt != nil {
		due := opts.DueAt.UTC()
		fu.DueAt = &due
	}
	if s != nil {
		fu.NextDueAt = schedule.NextDueAt(&fu, s, now)
	}

	if err := db.Create(&fu).Error; err != nil {
		return nil, fmt.Errorf("followup: create: %w", err)
	}
	return &fu, nil
}

// Get retrieves a follow-up by id with its pre-due firings.
func Get(db *gorm.DB, id string) (*models.FollowUp, error) {
	var fu models.FollowUp
	if err := db.Preload("Firings").Where("id = ?", id).First(&fu).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("followup: get %s: %w", id, err)
	}
	return &fu, nil
}

// List returns follow-ups matching filters, most recently triggered first.
func List(db *gorm.DB, filters ListFilters) ([]models.FollowUp, error) {
	q := db.Model(&models.FollowUp{}).Preload("Firings")

	if filters.OrganizationID != "" {
		q = q.Where("organization_id = ?", filters.OrganizationID)
	}
	if filters.Type != "" {
		q = q.Where("type = ?", filters.Type)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.AutoEnabled != nil {
		q = q.Where("auto_enabled = ?", *filters.AutoEnabled)
	}
	if filters.ClientID != "" {
		q = q.Where("client_id = ?", filters.ClientID)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}

	var out []models.FollowUp
	if err := q.Order("triggered_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("followup: list: %w", err)
	}
	return out, nil
}

// SetAutoEnabled toggles automatic sending and reschedules. Disabling takes
// effect at the next claim: an in-flight send is not aborted.
func SetAutoEnabled(db *gorm.DB, id string, enabled bool, s *models.Settings, now time.Time) (*models.FollowUp, error) {
	return mutate(db, id, func(fu *models.FollowUp) (map[string]interface{}, error) {
		fu.AutoEnabled = enabled
		return map[string]interface{}{
			"auto_enabled": enabled,
			"next_due_at":  nextDue(fu, s, now),
		}, nil
	})
}

// MarkDone closes an open follow-up as completed by the user.
func MarkDone(db *gorm.DB, id string, now time.Time) (*models.FollowUp, error) {
	return mutate(db, id, func(fu *models.FollowUp) (map[string]interface{}, error) {
		if fu.Status != models.StatusOpen {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, fu.Status)
		}
		at := now.UTC()
		fu.Status = models.StatusDone
		fu.CompletedAt = &at
		fu.NextDueAt = nil
		return map[string]interface{}{
			"status":       models.StatusDone,
			"completed_at": at,
			"next_due_at":  nil,
		}, nil
	})
}

// Stop halts an open follow-up. Stopped is sticky: only Reopen leaves it.
func Stop(db *gorm.DB, id string, reason models.StopReason, now time.Time) (*models.FollowUp, error) {
	if reason == "" {
		reason = models.StopManual
	}
	return mutate(db, id, func(fu *models.FollowUp) (map[string]interface{}, error) {
		if fu.Status != models.StatusOpen {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, fu.Status)
		}
		at := now.UTC()
		fu.Status = models.StatusStopped
		fu.StopReason = reason
		fu.CompletedAt = &at
		fu.NextDueAt = nil
		return map[string]interface{}{
			"status":       models.StatusStopped,
			"stop_reason":  reason,
			"completed_at": at,
			"next_due_at":  nil,
		}, nil
	})
}

// Reopen returns a done or stopped follow-up to open, keeping its ladder
// position and history. Reopening an open follow-up is a no-op.
func Reopen(db *gorm.DB, id string, s *models.Settings, now time.Time) (*models.FollowUp, error) {
	return mutate(db, id, func(fu *models.FollowUp) (map[string]interface{}, error) {
		fu.Status = models.StatusOpen
		fu.StopReason = ""
		fu.CompletedAt = nil
		return map[string]interface{}{
			"status":       models.StatusOpen,
			"stop_reason":  "",
			"completed_at": nil,
			"next_due_at":  nextDue(fu, s, now),
		}, nil
	})
}

// Delete removes a follow-up with its history and firings.
func Delete(db *gorm.DB, id string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("follow_up_id = ?", id).Delete(&models.PreDueFiring{}).Error; err != nil {
			return fmt.Errorf("followup: delete firings of %s: %w", id, err)
		}
		if err := tx.Where("follow_up_id = ?", id).Delete(&models.SendRecord{}).Error; err != nil {
			return fmt.Errorf("followup: delete history of %s: %w", id, err)
		}
		result := tx.Where("id = ?", id).Delete(&models.FollowUp{})
		if result.Error != nil {
			return fmt.Errorf("followup: delete %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// History returns the send records of a follow-up, oldest first.
func History(db *gorm.DB, id string) ([]models.SendRecord, error) {
	var count int64
	if err := db.Model(&models.FollowUp{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("followup: check %s: %w", id, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var records []models.SendRecord
	if err := db.Where("follow_up_id = ?", id).Order("timestamp ASC, id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("followup: history of %s: %w", id, err)
	}
	return records, nil
}

// mutate loads id inside a transaction, lets fn decide the column updates
// and applies them. fn also updates the in-memory copy that is returned.
func mutate(db *gorm.DB, id string, fn func(fu *models.FollowUp) (map[string]interface{}, error)) (*models.FollowUp, error) {
	var out *models.FollowUp
	err := db.Transaction(func(tx *gorm.DB) error {
		fu, err := Get(tx, id)
		if err != nil {
			return err
		}
		updates, err := fn(fu)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.FollowUp{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("followup: update %s: %w", id, err)
		}
		if v, ok := updates["next_due_at"]; ok {
			fu.NextDueAt, _ = v.(*time.Time)
		}
		out = fu
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// nextDue returns the NextDueAt column value; nil settings unschedule.
func nextDue(fu *models.FollowUp, s *models.Settings, now time.Time) *time.Time {
	if s == nil {
		return nil
	}
	return schedule.NextDueAt(fu, s, now.UTC())
}
