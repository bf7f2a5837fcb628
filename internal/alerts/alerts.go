// Package alerts posts operator notifications (failed sends, scan errors)
// to chat platforms such as Slack and Discord.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/zulandar/relance/internal/models"
)

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Alert is a platform-neutral notification.
type Alert struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Fields   []Field
}

// Field is a key-value pair displayed with an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Color returns the sidebar color for the alert's severity.
func (a Alert) Color() string {
	switch a.Severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Alert) error { return nil }

// Multi fans an alert out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendFailed describes a failed dispatch attempt.
func SendFailed(fu *models.FollowUp, rec *models.SendRecord) Alert {
	return Alert{
		Title:    fmt.Sprintf("Follow-up %s failed on %s", fu.ID, rec.Channel),
		Body:     rec.Error,
		Severity: "error",
		Fields: []Field{
			{Name: "Organization", Value: fu.OrganizationID, Short: true},
			{Name: "Type", Value: string(fu.Type), Short: true},
			{Name: "Source", Value: fu.SourceLabel, Short: true},
			{Name: "Recipient", Value: rec.Recipient, Short: true},
			{Name: "Kind", Value: string(rec.Kind), Short: true},
			{Name: "Rung", Value: strconv.Itoa(rec.RungIndex + 1), Short: true},
		},
	}
}

// ScanFailed describes a follow-up that could not be processed during a scan.
func ScanFailed(followUpID string, err error) Alert {
	return Alert{
		Title:    "Follow-up scan error",
		Body:     err.Error(),
		Severity: "warning",
		Fields:   []Field{{Name: "Follow-up", Value: followUpID}},
	}
}
