package settings

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/zulandar/relance/internal/models"
)

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("settings: validation failed")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks s for configuration errors. maxFollowUps, when non-nil,
// is an explicitly requested ladder length that must match the ladder.
// All problems are reported together; nothing is coerced.
func Validate(s *models.Settings, maxFollowUps *int) error {
	var errs []string

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if s.OrganizationID == "" {
		errs = append(errs, "organization_id is required")
	}
	if len(s.EscalationSteps) == 0 {
		errs = append(errs, "escalation_steps must contain at least one step")
	}
	if maxFollowUps != nil && *maxFollowUps != len(s.EscalationSteps) {
		errs = append(errs, fmt.Sprintf("max_follow_ups %d does not match %d escalation steps", *maxFollowUps, len(s.EscalationSteps)))
	}
	if p := s.PreDueTrigger; p != nil && p.DaysBefore <= 0 && p.HoursBefore <= 0 {
		errs = append(errs, "pre_due_trigger needs days_before or hours_before greater than zero")
	}
	for _, ft := range sortedTypes(s.Templates) {
		tpl := s.Templates[ft]
		if !ft.Valid() {
			errs = append(errs, fmt.Sprintf("templates: unknown follow-up type %q", ft))
			continue
		}
		if strings.TrimSpace(tpl.Body) == "" {
			errs = append(errs, fmt.Sprintf("templates[%s].body is required", ft))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// describe turns a validator error into "escalation_steps[0].delay_days
// must be gte 1".
func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s %q must be one of %s", field, fmt.Sprint(fe.Value()), fe.Param())
	default:
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	}
}

// sortedTypes returns the template keys in AllTypes order, unknown keys last.
func sortedTypes(m map[models.FollowUpType]models.Template) []models.FollowUpType {
	out := make([]models.FollowUpType, 0, len(m))
	for _, ft := range models.AllTypes {
		if _, ok := m[ft]; ok {
			out = append(out, ft)
		}
	}
	for ft := range m {
		if !ft.Valid() {
			out = append(out, ft)
		}
	}
	return out
}
