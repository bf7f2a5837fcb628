package followup

import (
	"time"

	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/schedule"
)

// State is the derived, read-only lifecycle state shown to users.
type State string

const (
	StateIdle      State = "idle"      // open, waiting for its next rung
	StateExhausted State = "exhausted" // open, ladder used up, nothing pending
	StateDormant   State = "dormant"   // open, automatic sending disabled
	StateDone      State = "done"
	StateStopped   State = "stopped"
)

// View is a follow-up with the display fields every consumer needs,
// computed in one place.
type View struct {
	models.FollowUp
	State              State `json:"state"`
	MaxFollowUps       int   `json:"max_follow_ups"`
	RemainingFollowUps int   `json:"remaining_follow_ups"`
	NextFollowUpNumber int   `json:"next_follow_up_number"` // 1-based, 0 when none remain
	HasBeenSent        bool  `json:"has_been_sent"`
	Exhausted          bool  `json:"exhausted"`
}

// Progress is where a follow-up stands on its ladder. It is the one place
// the display counters are derived from; views and rendered messages both
// read it.
type Progress struct {
	Max       int // ladder length
	Next      int // 1-based number of the next rung, 0 once the ladder is used up
	Remaining int // rungs not sent yet, the next one included
	rung      int
}

// ProgressOf derives the ladder position of fu under s. s may be nil.
func ProgressOf(fu *models.FollowUp, s *models.Settings) Progress {
	p := Progress{rung: fu.NextRungIndex}
	if s != nil {
		p.Max = len(s.EscalationSteps)
	}
	if remaining := p.Max - fu.NextRungIndex; remaining > 0 {
		p.Remaining = remaining
		p.Next = fu.NextRungIndex + 1
	}
	return p
}

// Message returns followup_number and remaining_followups for a message
// sent now. A rung message takes the next number and leaves one rung
// less; pre-due and manual messages leave the ladder as it is.
func (p Progress) Message(rung bool) (number, remaining int) {
	number = p.rung + 1
	remaining = p.Remaining
	if rung && remaining > 0 {
		remaining--
	}
	return number, remaining
}

// NewView derives the display fields of fu under s. s may be nil for an
// organization without settings, in which case the ladder is empty.
func NewView(fu *models.FollowUp, s *models.Settings, now time.Time) View {
	if s == nil {
		s = &models.Settings{}
	}
	p := ProgressOf(fu, s)
	v := View{
		FollowUp:           *fu,
		MaxFollowUps:       p.Max,
		RemainingFollowUps: p.Remaining,
		NextFollowUpNumber: p.Next,
		HasBeenSent:        fu.SentCount > 0,
	}
	v.Exhausted = schedule.NextDue(fu, s, now).Exhausted

	switch {
	case fu.Status == models.StatusDone:
		v.State = StateDone
	case fu.Status == models.StatusStopped:
		v.State = StateStopped
	case v.Exhausted:
		v.State = StateExhausted
	case !fu.AutoEnabled:
		v.State = StateDormant
	default:
		v.State = StateIdle
	}
	return v
}

// NewViews maps NewView over a list of follow-ups of one organization.
func NewViews(fus []models.FollowUp, s *models.Settings, now time.Time) []View {
	out := make([]View, len(fus))
	for i := range fus {
		out[i] = NewView(&fus[i], s, now)
	}
	return out
}
