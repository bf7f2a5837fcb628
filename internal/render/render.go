// Package render fills follow-up templates with client and company data.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/relance/internal/models"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Standard variable names available to every template.
const (
	VarClientName         = "client_name"
	VarClientEmail        = "client_email"
	VarClientPhone        = "client_phone"
	VarSourceLabel        = "source_label"
	VarCompanyName        = "company_name"
	VarCompanyEmail       = "company_email"
	VarCompanyPhone       = "company_phone"
	VarCompanyAddress     = "company_address"
	VarCompanyLegalID     = "company_legal_id"
	VarCompanyVAT         = "company_vat"
	VarAmount             = "amount"
	VarDueDate            = "due_date"
	VarFollowUpNumber     = "followup_number"
	VarRemainingFollowUps = "remaining_followups"
)

// Vars maps placeholder names to their values.
type Vars map[string]string

// A placeholder is a brace-delimited name of letters, digits, '_', '.'
// or '-'.
var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// Render substitutes every {name} placeholder in body. Names match
// without regard to case; unknown names render as the empty string.
// Braces around anything else, such as "{ name }" or a lone brace, are
// plain text.
func Render(body string, vars Vars) string {
	return placeholder.ReplaceAllStringFunc(body, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return vars[strings.ToLower(name)]
	})
}

var blankLines = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)*`)

// ForChannel adapts rendered text to the constraints of ch. Email keeps the
// text as is, short-message channels drop blank lines, and voice calls get
// a single spoken line.
func ForChannel(ch models.Channel, text string) string {
	switch ch {
	case models.ChannelSMS, models.ChannelWhatsApp:
		return strings.TrimSpace(blankLines.ReplaceAllString(text, "\n"))
	case models.ChannelVoiceCall:
		return strings.Join(strings.Fields(text), " ")
	default:
		return text
	}
}

// FormatAmount prints amount in the given ISO currency using locale's
// number conventions. Unknown locales fall back to French, unknown
// currencies to a plain two-decimal figure followed by the code.
func FormatAmount(amount float64, code, locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.French
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return strings.TrimSpace(fmt.Sprintf("%.2f %s", amount, code))
	}
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(amount)))
}
