package models

import "time"

// FollowUpType identifies the kind of case a follow-up chases.
type FollowUpType string

const (
	TypeQuoteUnanswered     FollowUpType = "quote_unanswered"
	TypeInvoiceUnpaid       FollowUpType = "invoice_unpaid"
	TypeMissingInfo         FollowUpType = "missing_info"
	TypeAppointmentReminder FollowUpType = "appointment_reminder"
	TypeInactiveClient      FollowUpType = "inactive_client"
	TypeProjectPending      FollowUpType = "project_pending"
)

// AllTypes lists every follow-up type in display order.
var AllTypes = []FollowUpType{
	TypeQuoteUnanswered,
	TypeInvoiceUnpaid,
	TypeMissingInfo,
	TypeAppointmentReminder,
	TypeInactiveClient,
	TypeProjectPending,
}

// Valid reports whether t is a known follow-up type.
func (t FollowUpType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the persisted lifecycle status of a follow-up. Done and Stopped
// are terminal; Open covers never-sent, mid-ladder and exhausted.
type Status string

const (
	StatusOpen    Status = "open"
	StatusDone    Status = "done"
	StatusStopped Status = "stopped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusDone || s == StatusStopped
}

// StopReason records why a follow-up was stopped.
type StopReason string

const (
	StopClientResponse StopReason = "client_response"
	StopInvoicePaid    StopReason = "invoice_paid"
	StopQuoteRefused   StopReason = "quote_refused"
	StopManual         StopReason = "manual"
)

// FollowUp is one trackable case (a quote, an invoice, a missing-info
// request, an appointment) and its position on the escalation ladder.
type FollowUp struct {
	ID             string       `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string       `gorm:"size:64;not null;index:idx_followup_org_status" json:"organization_id"`
	Type           FollowUpType `gorm:"size:32;not null;index" json:"type"`
	ClientID       string       `gorm:"size:64;index" json:"client_id"`
	SourceLabel    string       `gorm:"size:256" json:"source_label"`
	SourceRef      string       `gorm:"size:128" json:"source_ref"`
	TriggeredAt    time.Time    `json:"triggered_at"`
	DueAt          *time.Time   `json:"due_at,omitempty"`
	AutoEnabled    bool         `gorm:"not null" json:"auto_enabled"`
	Status         Status       `gorm:"size:16;default:open;index:idx_followup_org_status" json:"status"`
	StopReason     StopReason   `gorm:"size:32" json:"stop_reason,omitempty"`
	SentCount      int          `gorm:"not null;default:0" json:"sent_count"`
	LastSentAt     *time.Time   `json:"last_sent_at,omitempty"`
	LastRungAt     *time.Time   `json:"last_rung_at,omitempty"`
	NextRungIndex  int          `gorm:"not null;default:0" json:"next_rung_index"`
	NextDueAt      *time.Time   `gorm:"index" json:"next_due_at,omitempty"`
	ClaimedBy      string       `gorm:"size:128" json:"-"` // lease token, worker id plus attempt id
	ClaimedUntil   *time.Time   `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`

	History []SendRecord   `gorm:"foreignKey:FollowUpID" json:"-"`
	Firings []PreDueFiring `gorm:"foreignKey:FollowUpID" json:"-"`
}
