package transport

import (
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/nyaruka/phonenumbers"
)

// CheckEmail validates the syntax of an email address. No DNS lookups are
// made.
func CheckEmail(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty email address", ErrInvalidRecipient)
	}
	if err := checkmail.ValidateFormat(addr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, addr, err)
	}
	return nil
}

// NormalizePhone parses number, interpreting national numbers in region,
// and returns it in E.164 form.
func NormalizePhone(number, region string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrInvalidRecipient)
	}
	num, err := phonenumbers.Parse(number, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, number, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q is not a valid number", ErrInvalidRecipient, number)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
