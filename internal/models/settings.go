package models

import "time"

// EscalationStep is one rung of the escalation ladder. Rung i fires
// DelayDays after rung i-1 was attempted; rung 0 is timed by the initial
// delay instead.
type EscalationStep struct {
	DelayDays int     `json:"delay_days" yaml:"delay_days" validate:"gte=1"`
	Channel   Channel `json:"channel" yaml:"channel" validate:"required,oneof=email sms whatsapp voice_call"`
}

// PreDueTrigger makes a follow-up due a fixed time before its due date,
// independently of the ladder. A zero threshold is inactive.
type PreDueTrigger struct {
	DaysBefore  int     `json:"days_before" yaml:"days_before" validate:"gte=0"`
	HoursBefore int     `json:"hours_before" yaml:"hours_before" validate:"gte=0"`
	Channel     Channel `json:"channel" yaml:"channel" validate:"omitempty,oneof=email sms whatsapp voice_call"`
}

// StopConditions selects which external events halt a follow-up.
type StopConditions struct {
	OnClientResponse bool `gorm:"column:client_response" json:"on_client_response" yaml:"on_client_response"`
	OnInvoicePaid    bool `gorm:"column:invoice_paid" json:"on_invoice_paid" yaml:"on_invoice_paid"`
	OnQuoteRefused   bool `gorm:"column:quote_refused" json:"on_quote_refused" yaml:"on_quote_refused"`
}

// Template is the message body used for one follow-up type.
type Template struct {
	Subject string  `json:"subject,omitempty" yaml:"subject"`
	Body    string  `json:"body" yaml:"body"`
	Channel Channel `json:"channel" yaml:"channel" validate:"omitempty,oneof=email sms"`
}

// Settings is the per-organization follow-up configuration.
type Settings struct {
	OrganizationID   string                    `gorm:"primaryKey;size:64" json:"organization_id" yaml:"organization_id"`
	InitialDelayDays int                       `gorm:"not null;default:0" json:"initial_delay_days" yaml:"initial_delay_days" validate:"gte=0"`
	EscalationSteps  []EscalationStep          `gorm:"serializer:json;type:text" json:"escalation_steps" yaml:"escalation_steps" validate:"dive"`
	PreDueTrigger    *PreDueTrigger            `gorm:"serializer:json;type:text" json:"pre_due_trigger,omitempty" yaml:"pre_due_trigger"`
	StopConditions   StopConditions            `gorm:"embedded;embeddedPrefix:stop_on_" json:"stop_conditions" yaml:"stop_conditions"`
	Templates        map[FollowUpType]Template `gorm:"serializer:json;type:text" json:"templates" yaml:"templates" validate:"dive"`
	UpdatedAt        time.Time                 `json:"updated_at" yaml:"-"`
}

// MaxFollowUps is the ladder length.
func (s *Settings) MaxFollowUps() int {
	return len(s.EscalationSteps)
}
