package followup

import (
	"fmt"
	"time"

	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/schedule"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Attempt describes one dispatch attempt to be recorded.
type Attempt struct {
	At         time.Time
	Kind       models.TriggerKind
	RungIndex  int
	Channel    models.Channel
	Recipient  string
	Subject    string
	Body       string
	Outcome    models.Outcome
	ProviderID string
	Error      string
	// Crossed lists the pre-due kinds consumed by a pre-due attempt.
	Crossed []models.TriggerKind
}

// RecordAttempt appends a send record and advances the follow-up in one
// transaction. A successful send bumps SentCount and LastSentAt. A rung
// attempt advances NextRungIndex and LastRungAt whatever the outcome so a
// failing channel cannot jam the ladder. A pre-due attempt marks every
// crossed kind as fired and leaves the rung alone. Returns ErrNotOpen if
// the follow-up was closed while the message was in flight.
func RecordAttempt(db *gorm.DB, id string, a Attempt, s *models.Settings) (*models.SendRecord, error) {
	at := a.At.UTC()
	rec := models.SendRecord{
		FollowUpID:   id,
		Timestamp:    at,
		Channel:      a.Channel,
		Kind:         a.Kind,
		RungIndex:    a.RungIndex,
		Recipient:    a.Recipient,
		Subject:      a.Subject,
		RenderedBody: a.Body,
		Outcome:      a.Outcome,
		ProviderID:   a.ProviderID,
		Error:        a.Error,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		fu, err := Get(tx, id)
		if err != nil {
			return err
		}
		if fu.Status != models.StatusOpen {
			return fmt.Errorf("%w: %s is %s", ErrNotOpen, id, fu.Status)
		}

		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("followup: append history to %s: %w", id, err)
		}

		updates := map[string]interface{}{}
		if a.Outcome == models.OutcomeSent {
			fu.SentCount++
			fu.LastSentAt = &at
			updates["sent_count"] = gorm.Expr("sent_count + ?", 1)
			updates["last_sent_at"] = at
		}

		switch {
		case a.Kind == models.KindRung:
			next := a.RungIndex + 1
			if n := len(s.EscalationSteps); next > n {
				next = n
			}
			fu.NextRungIndex = next
			fu.LastRungAt = &at
			updates["next_rung_index"] = next
			updates["last_rung_at"] = at
		case a.Kind.IsPreDue():
			kinds := a.Crossed
			if len(kinds) == 0 {
				kinds = []models.TriggerKind{a.Kind}
			}
			for _, k := range kinds {
				firing := models.PreDueFiring{FollowUpID: id, TriggerKind: k, FiredAt: at}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&firing).Error; err != nil {
					return fmt.Errorf("followup: mark %s fired for %s: %w", k, id, err)
				}
				fu.Firings = append(fu.Firings, firing)
			}
		}

		updates["next_due_at"] = schedule.NextDueAt(fu, s, at)
		if err := tx.Model(&models.FollowUp{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("followup: advance %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// RefreshNextDue recomputes the NextDueAt index of one follow-up.
func RefreshNextDue(db *gorm.DB, fu *models.FollowUp, s *models.Settings, now time.Time) error {
	next := nextDue(fu, s, now)
	if err := db.Model(&models.FollowUp{}).Where("id = ?", fu.ID).Update("next_due_at", next).Error; err != nil {
		return fmt.Errorf("followup: reschedule %s: %w", fu.ID, err)
	}
	fu.NextDueAt = next
	return nil
}

// Reschedule brings every follow-up of s.OrganizationID in line with s:
// ladder positions past the end of a shortened ladder are clamped, and
// NextDueAt is recomputed for all open follow-ups. Meant to run inside the
// transaction that saves s.
func Reschedule(tx *gorm.DB, s *models.Settings, now time.Time) (int, error) {
	n := len(s.EscalationSteps)
	if err := tx.Model(&models.FollowUp{}).
		Where("organization_id = ? AND next_rung_index > ?", s.OrganizationID, n).
		Update("next_rung_index", n).Error; err != nil {
		return 0, fmt.Errorf("followup: clamp ladder for %s: %w", s.OrganizationID, err)
	}

	var open []models.FollowUp
	if err := tx.Preload("Firings").
		Where("organization_id = ? AND status = ?", s.OrganizationID, models.StatusOpen).
		Find(&open).Error; err != nil {
		return 0, fmt.Errorf("followup: load open follow-ups of %s: %w", s.OrganizationID, err)
	}
	for i := range open {
		if err := RefreshNextDue(tx, &open[i], s, now); err != nil {
			return i, err
		}
	}
	return len(open), nil
}
