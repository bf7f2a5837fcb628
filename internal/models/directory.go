package models

import "time"

// The tables below belong to adjacent subsystems (CRM, invoicing, inbox).
// The engine only reads them.

// Client is a customer of an organization.
type Client struct {
	ID             string `gorm:"primaryKey;size:64" json:"id"`
	OrganizationID string `gorm:"size:64;index" json:"organization_id"`
	Name           string `gorm:"size:256" json:"name"`
	Email          string `gorm:"size:256" json:"email"`
	Phone          string `gorm:"size:64" json:"phone"`
}

// Company holds an organization's own identity and legal fields.
type Company struct {
	OrganizationID string `gorm:"primaryKey;size:64" json:"organization_id"`
	Name           string `gorm:"size:256" json:"name"`
	Email          string `gorm:"size:256" json:"email"`
	Phone          string `gorm:"size:64" json:"phone"`
	Address        string `gorm:"type:text" json:"address"`
	LegalID        string `gorm:"size:64" json:"legal_id"`
	VATNumber      string `gorm:"size:64" json:"vat_number"`
	Locale         string `gorm:"size:16" json:"locale"`
	Currency       string `gorm:"size:3" json:"currency"`
}

// Invoice is the subset of an invoice the engine needs.
type Invoice struct {
	ID       string  `gorm:"primaryKey;size:64"`
	Number   string  `gorm:"size:64"`
	Amount   float64
	Currency string `gorm:"size:3"`
	Paid     bool   `gorm:"index"`
	PaidAt   *time.Time
}

// Quote is the subset of a quote the engine needs.
type Quote struct {
	ID       string  `gorm:"primaryKey;size:64"`
	Number   string  `gorm:"size:64"`
	Amount   float64
	Currency string `gorm:"size:3"`
	Refused  bool   `gorm:"index"`
}

// InboundMessage is a message received from a client on any conversation.
type InboundMessage struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	ClientID   string    `gorm:"size:64;index:idx_inbound_client_received"`
	Channel    string    `gorm:"size:16"`
	ReceivedAt time.Time `gorm:"index:idx_inbound_client_received"`
}
