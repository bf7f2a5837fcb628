// Package schedule computes when a follow-up is next due and through which
// channel. Everything here is pure: no storage, no clock.
package schedule

import (
	"time"

	"github.com/zulandar/relance/internal/models"
)

// Decision is the outcome of evaluating one follow-up at one instant.
// At is zero when nothing is pending.
type Decision struct {
	Due       bool
	At        time.Time
	Kind      models.TriggerKind
	RungIndex int
	Channel   models.Channel
	Exhausted bool
}

// candidate is one timestamp at which the follow-up could fire.
type candidate struct {
	at      time.Time
	kind    models.TriggerKind
	rung    int
	channel models.Channel
}

// NextDue evaluates fu against settings at now. Pre-due firings are read
// from fu.Firings, which callers must preload.
func NextDue(fu *models.FollowUp, s *models.Settings, now time.Time) Decision {
	cands := candidates(fu, s, now)
	exhausted := fu.NextRungIndex >= len(s.EscalationSteps) && !hasPreDue(cands)

	if fu.Status != models.StatusOpen || !fu.AutoEnabled {
		return Decision{Exhausted: exhausted && fu.Status == models.StatusOpen}
	}
	if len(cands) == 0 {
		return Decision{Exhausted: exhausted}
	}

	next := cands[0]
	for _, c := range cands[1:] {
		if c.at.Before(next.at) {
			next = c
		}
	}
	return Decision{
		Due:       !now.Before(next.at),
		At:        next.at,
		Kind:      next.kind,
		RungIndex: next.rung,
		Channel:   next.channel,
		Exhausted: exhausted,
	}
}

// NextDueAt is the value persisted in FollowUp.NextDueAt: the next pending
// timestamp, or nil when the follow-up will never be due on its own.
func NextDueAt(fu *models.FollowUp, s *models.Settings, now time.Time) *time.Time {
	d := NextDue(fu, s, now)
	if d.At.IsZero() {
		return nil
	}
	at := d.At.UTC()
	return &at
}

// Crossed lists every unfired, active pre-due kind whose threshold has
// passed at now. A pre-due send consumes all of them at once so that a
// reminder is never sent twice for the same due date.
func Crossed(fu *models.FollowUp, s *models.Settings, now time.Time) []models.TriggerKind {
	var kinds []models.TriggerKind
	for _, c := range preDueCandidates(fu, s, now) {
		if !now.Before(c.at) {
			kinds = append(kinds, c.kind)
		}
	}
	return kinds
}

// RungChannel returns the channel of rung i, or "" when i is past the ladder.
func RungChannel(s *models.Settings, i int) models.Channel {
	if i < 0 || i >= len(s.EscalationSteps) {
		return ""
	}
	return s.EscalationSteps[i].Channel
}

// PreDueChannel returns the channel used for pre-due reminders.
func PreDueChannel(s *models.Settings) models.Channel {
	if s.PreDueTrigger == nil || s.PreDueTrigger.Channel == "" {
		return models.ChannelEmail
	}
	return s.PreDueTrigger.Channel
}

func candidates(fu *models.FollowUp, s *models.Settings, now time.Time) []candidate {
	var cands []candidate
	if at, ok := rungAt(fu, s); ok {
		cands = append(cands, candidate{
			at:      at,
			kind:    models.KindRung,
			rung:    fu.NextRungIndex,
			channel: s.EscalationSteps[fu.NextRungIndex].Channel,
		})
	}
	return append(cands, preDueCandidates(fu, s, now)...)
}

// rungAt returns when the next unfired rung becomes due.
func rungAt(fu *models.FollowUp, s *models.Settings) (time.Time, bool) {
	i := fu.NextRungIndex
	if i < 0 || i >= len(s.EscalationSteps) {
		return time.Time{}, false
	}
	if i == 0 {
		return fu.TriggeredAt.AddDate(0, 0, s.InitialDelayDays), true
	}
	anchor := fu.TriggeredAt
	switch {
	case fu.LastRungAt != nil:
		anchor = *fu.LastRungAt
	case fu.LastSentAt != nil:
		anchor = *fu.LastSentAt
	}
	return anchor.AddDate(0, 0, s.EscalationSteps[i].DelayDays), true
}

// preDueCandidates returns the active, unfired pre-due thresholds. Both
// expire once the due date itself has passed.
func preDueCandidates(fu *models.FollowUp, s *models.Settings, now time.Time) []candidate {
	p := s.PreDueTrigger
	if p == nil || fu.DueAt == nil || !now.Before(*fu.DueAt) {
		return nil
	}
	fired := make(map[models.TriggerKind]bool, len(fu.Firings))
	for _, f := range fu.Firings {
		fired[f.TriggerKind] = true
	}
	ch := PreDueChannel(s)
	var cands []candidate
	if p.DaysBefore > 0 && !fired[models.KindPreDueDays] {
		cands = append(cands, candidate{
			at:      fu.DueAt.AddDate(0, 0, -p.DaysBefore),
			kind:    models.KindPreDueDays,
			rung:    fu.NextRungIndex,
			channel: ch,
		})
	}
	if p.HoursBefore > 0 && !fired[models.KindPreDueHours] {
		cands = append(cands, candidate{
			at:      fu.DueAt.Add(-time.Duration(p.HoursBefore) * time.Hour),
			kind:    models.KindPreDueHours,
			rung:    fu.NextRungIndex,
			channel: ch,
		})
	}
	return cands
}

func hasPreDue(cands []candidate) bool {
	for _, c := range cands {
		if c.kind.IsPreDue() {
			return true
		}
	}
	return false
}
