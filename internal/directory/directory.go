// Package directory reads the CRM, invoicing and inbox tables owned by
// neighbouring subsystems. It answers stop-condition questions and supplies
// template variables.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/render"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

const (
	defaultLocale   = "fr-FR"
	defaultCurrency = "EUR"
)

// ErrClientNotFound is returned when a follow-up points at an unknown client.
var ErrClientNotFound = errors.New("directory: client not found")

// Contact is where a follow-up message goes.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// Directory answers lookups from the shared database.
type Directory struct {
	db *gorm.DB
}

// New returns a Directory over db.
func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// HasClientRespondedSince reports whether any inbound message from the
// client arrived after since.
func (d *Directory) HasClientRespondedSince(ctx context.Context, clientID string, since time.Time) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.InboundMessage{}).
		Where("client_id = ? AND received_at > ?", clientID, since.UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("directory: inbound messages of %s: %w", clientID, err)
	}
	return count > 0, nil
}

// IsInvoicePaid reports whether the invoice is settled. An unknown invoice
// is not paid.
func (d *Directory) IsInvoicePaid(ctx context.Context, invoiceRef string) (bool, error) {
	var inv models.Invoice
	err := d.db.WithContext(ctx).Where("id = ?", invoiceRef).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: invoice %s: %w", invoiceRef, err)
	}
	return inv.Paid, nil
}

// IsQuoteRefused reports whether the quote was refused. An unknown quote is
// not refused.
func (d *Directory) IsQuoteRefused(ctx context.Context, quoteRef string) (bool, error) {
	var q models.Quote
	err := d.db.WithContext(ctx).Where("id = ?", quoteRef).First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: quote %s: %w", quoteRef, err)
	}
	return q.Refused, nil
}

// Variables returns the template variables for fu and the client to reach.
// Values are read fresh on every call.
func (d *Directory) Variables(ctx context.Context, fu *models.FollowUp) (render.Vars, Contact, error) {
	return d.VariablesFor(ctx, fu.OrganizationID, fu.Type, fu.ClientID, fu.SourceRef, fu.SourceLabel, fu.DueAt)
}

// VariablesFor is Variables for a follow-up that does not exist yet, used
// by previews.
func (d *Directory) VariablesFor(ctx context.Context, org string, typ models.FollowUpType, clientID, sourceRef, sourceLabel string, dueAt *time.Time) (render.Vars, Contact, error) {
	db := d.db.WithContext(ctx)

	var client models.Client
	if err := db.Where("id = ?", clientID).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Contact{}, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
		}
		return nil, Contact{}, fmt.Errorf("directory: client %s: %w", clientID, err)
	}

	var company models.Company
	if err := db.Where("organization_id = ?", org).First(&company).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Contact{}, fmt.Errorf("directory: company %s: %w", org, err)
	}
	locale := company.Locale
	if locale == "" {
		locale = defaultLocale
	}

	vars := render.Vars{
		render.VarClientName:     client.Name,
		render.VarClientEmail:    client.Email,
		render.VarClientPhone:    client.Phone,
		render.VarSourceLabel:    sourceLabel,
		render.VarCompanyName:    company.Name,
		render.VarCompanyEmail:   company.Email,
		render.VarCompanyPhone:   company.Phone,
		render.VarCompanyAddress: company.Address,
		render.VarCompanyLegalID: company.LegalID,
		render.VarCompanyVAT:     company.VATNumber,
	}
	if dueAt != nil {
		vars[render.VarDueDate] = formatDate(*dueAt, locale)
	}

	amount, currency, ok, err := d.amount(db, typ, sourceRef)
	if err != nil {
		return nil, Contact{}, err
	}
	if ok {
		if currency == "" {
			currency = company.Currency
		}
		if currency == "" {
			currency = defaultCurrency
		}
		vars[render.VarAmount] = render.FormatAmount(amount, currency, locale)
	}

	return vars, Contact{Name: client.Name, Email: client.Email, Phone: client.Phone}, nil
}

// amount looks up the invoice or quote total behind a follow-up.
func (d *Directory) amount(db *gorm.DB, typ models.FollowUpType, ref string) (float64, string, bool, error) {
	if ref == "" {
		return 0, "", false, nil
	}
	switch typ {
	case models.TypeInvoiceUnpaid:
		var inv models.Invoice
		err := db.Where("id = ?", ref).First(&inv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", false, nil
		}
		if err != nil {
			return 0, "", false, fmt.Errorf("directory: invoice %s: %w", ref, err)
		}
		return inv.Amount, inv.Currency, true, nil
	case models.TypeQuoteUnanswered:
		var q models.Quote
		err := db.Where("id = ?", ref).First(&q).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", false, nil
		}
		if err != nil {
			return 0, "", false, fmt.Errorf("directory: quote %s: %w", ref, err)
		}
		return q.Amount, q.Currency, true, nil
	}
	return 0, "", false, nil
}

// formatDate prints a date the way the locale's users write it.
func formatDate(t time.Time, locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return t.Format("2006-01-02")
	}
	base, _ := tag.Base()
	switch base.String() {
	case "de":
		return t.Format("02.01.2006")
	case "fr", "es", "it", "pt", "nl":
		return t.Format("02/01/2006")
	case "en":
		if region, _ := tag.Region(); region.String() == "US" {
			return t.Format("01/02/2006")
		}
		return t.Format("02/01/2006")
	}
	return t.Format("2006-01-02")
}
