// Package stopcond decides whether an external event makes a follow-up
// pointless: the client answered, the invoice was paid, the quote refused.
package stopcond

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/relance/internal/models"
)

// ConversationLookup answers whether a client wrote back.
type ConversationLookup interface {
	HasClientRespondedSince(ctx context.Context, clientID string, since time.Time) (bool, error)
}

// InvoiceLookup answers whether an invoice is settled.
type InvoiceLookup interface {
	IsInvoicePaid(ctx context.Context, invoiceRef string) (bool, error)
}

// QuoteLookup answers whether a quote was refused.
type QuoteLookup interface {
	IsQuoteRefused(ctx context.Context, quoteRef string) (bool, error)
}

// Lookups bundles the collaborators Gather consults. A nil lookup is only
// an error if a flag needing it is enabled.
type Lookups struct {
	Conversations ConversationLookup
	Invoices      InvoiceLookup
	Quotes        QuoteLookup
}

// State is the external facts about one follow-up.
type State struct {
	ClientResponded bool
	InvoicePaid     bool
	QuoteRefused    bool
}

// ShouldStop reports whether fu must be halted and why. Client response
// takes precedence over payment, payment over refusal.
func ShouldStop(fu *models.FollowUp, c models.StopConditions, st State) (bool, models.StopReason) {
	switch {
	case c.OnClientResponse && st.ClientResponded:
		return true, models.StopClientResponse
	case c.OnInvoicePaid && st.InvoicePaid && fu.Type == models.TypeInvoiceUnpaid:
		return true, models.StopInvoicePaid
	case c.OnQuoteRefused && st.QuoteRefused && fu.Type == models.TypeQuoteUnanswered:
		return true, models.StopQuoteRefused
	}
	return false, ""
}

// Gather queries the facts relevant to fu under c. Only enabled flags that
// apply to the follow-up's type are looked up, each under its own timeout.
// Any lookup failure is returned; callers must skip the follow-up rather
// than treat it as stopped.
func Gather(ctx context.Context, l Lookups, fu *models.FollowUp, c models.StopConditions, timeout time.Duration) (State, error) {
	var st State

	if c.OnClientResponse && fu.ClientID != "" {
		if l.Conversations == nil {
			return st, fmt.Errorf("stopcond: no conversation lookup configured")
		}
		ok, err := withTimeout(ctx, timeout, func(ctx context.Context) (bool, error) {
			return l.Conversations.HasClientRespondedSince(ctx, fu.ClientID, fu.TriggeredAt)
		})
		if err != nil {
			return st, fmt.Errorf("stopcond: client response for %s: %w", fu.ID, err)
		}
		st.ClientResponded = ok
	}

	if c.OnInvoicePaid && fu.Type == models.TypeInvoiceUnpaid && fu.SourceRef != "" {
		if l.Invoices == nil {
			return st, fmt.Errorf("stopcond: no invoice lookup configured")
		}
		ok, err := withTimeout(ctx, timeout, func(ctx context.Context) (bool, error) {
			return l.Invoices.IsInvoicePaid(ctx, fu.SourceRef)
		})
		if err != nil {
			return st, fmt.Errorf("stopcond: invoice %s paid: %w", fu.SourceRef, err)
		}
		st.InvoicePaid = ok
	}

	if c.OnQuoteRefused && fu.Type == models.TypeQuoteUnanswered && fu.SourceRef != "" {
		if l.Quotes == nil {
			return st, fmt.Errorf("stopcond: no quote lookup configured")
		}
		ok, err := withTimeout(ctx, timeout, func(ctx context.Context) (bool, error) {
			return l.Quotes.IsQuoteRefused(ctx, fu.SourceRef)
		})
		if err != nil {
			return st, fmt.Errorf("stopcond: quote %s refused: %w", fu.SourceRef, err)
		}
		st.QuoteRefused = ok
	}

	return st, nil
}

func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) (bool, error)) (bool, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(ctx)
}
