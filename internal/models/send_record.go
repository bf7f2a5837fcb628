package models

import "time"

// Channel is a delivery channel for a follow-up message.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelVoiceCall Channel = "voice_call"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelVoiceCall:
		return true
	}
	return false
}

// TriggerKind says what caused a send: a ladder rung, one of the two
// pre-due thresholds, or a manual send with no rung left.
type TriggerKind string

const (
	KindRung        TriggerKind = "rung"
	KindPreDueDays  TriggerKind = "pre_due_days"
	KindPreDueHours TriggerKind = "pre_due_hours"
	KindManual      TriggerKind = "manual"
)

// IsPreDue reports whether k is one of the pre-due kinds.
func (k TriggerKind) IsPreDue() bool {
	return k == KindPreDueDays || k == KindPreDueHours
}

// Outcome is the result of one dispatch attempt.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// SendRecord is one entry of a follow-up's send history.
type SendRecord struct {
	ID           uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	FollowUpID   string      `gorm:"size:36;not null;index" json:"follow_up_id"`
	Timestamp    time.Time   `gorm:"index" json:"timestamp"`
	Channel      Channel     `gorm:"size:16;not null" json:"channel"`
	Kind         TriggerKind `gorm:"size:16;not null" json:"kind"`
	RungIndex    int         `json:"rung_index"`
	Recipient    string      `gorm:"size:256" json:"recipient"`
	Subject      string      `gorm:"size:256" json:"subject,omitempty"`
	RenderedBody string      `gorm:"type:text" json:"rendered_body"`
	Outcome      Outcome     `gorm:"size:8;not null;index" json:"outcome"`
	ProviderID   string      `gorm:"size:128" json:"provider_id,omitempty"`
	Error        string      `gorm:"type:text" json:"error,omitempty"`
}

// PreDueFiring marks a pre-due trigger as consumed for a follow-up. The
// composite key makes each (follow-up, kind) pair fire at most once.
type PreDueFiring struct {
	FollowUpID  string      `gorm:"primaryKey;size:36"`
	TriggerKind TriggerKind `gorm:"primaryKey;size:16"`
	FiredAt     time.Time
}
