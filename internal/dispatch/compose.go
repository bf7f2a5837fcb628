package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zulandar/relance/internal/directory"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/render"
	"github.com/zulandar/relance/internal/schedule"
	"github.com/zulandar/relance/internal/transport"
)

// pending is the message about to be sent: which trigger, which rung and
// which channel.
type pending struct {
	kind    models.TriggerKind
	rung    int
	channel models.Channel
	crossed []models.TriggerKind
}

// manualPending picks what SendNow sends: the next rung while the ladder
// lasts, then a manual message on the template's channel.
func manualPending(fu *models.FollowUp, s *models.Settings) pending {
	if fu.NextRungIndex < len(s.EscalationSteps) {
		return pending{
			kind:    models.KindRung,
			rung:    fu.NextRungIndex,
			channel: schedule.RungChannel(s, fu.NextRungIndex),
		}
	}
	ch := models.ChannelEmail
	if t, ok := s.Templates[fu.Type]; ok && t.Channel != "" {
		ch = t.Channel
	}
	return pending{kind: models.KindManual, rung: fu.NextRungIndex, channel: ch}
}

// compose renders the template for p and addresses it to contact. The
// ladder counters come from followup.ProgressOf, like the API views.
func compose(fu *models.FollowUp, s *models.Settings, tmpl models.Template, p pending, vars render.Vars, contact directory.Contact) transport.Message {
	number, remaining := followup.ProgressOf(fu, s).Message(p.kind == models.KindRung)

	all := make(render.Vars, len(vars)+2)
	for k, v := range vars {
		all[k] = v
	}
	all[render.VarFollowUpNumber] = strconv.Itoa(number)
	all[render.VarRemainingFollowUps] = strconv.Itoa(remaining)

	msg := transport.Message{
		Channel: p.channel,
		Name:    contact.Name,
		Body:    render.ForChannel(p.channel, render.Render(tmpl.Body, all)),
	}
	if p.channel == models.ChannelEmail {
		msg.To = contact.Email
		msg.Subject = render.Render(tmpl.Subject, all)
	} else {
		msg.To = contact.Phone
	}
	return msg
}

// Preview is a rendered message that was not sent.
type Preview struct {
	Channel   models.Channel     `json:"channel"`
	Kind      models.TriggerKind `json:"kind"`
	RungIndex int                `json:"rung_index"`
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject,omitempty"`
	Body      string             `json:"body"`
}

// Preview renders the message the next send of a follow-up would carry:
// the pending scheduled trigger if one exists, otherwise what SendNow
// would send. Nothing is claimed, checked or recorded.
func (c *Coordinator) Preview(ctx context.Context, id string) (*Preview, error) {
	fu, err := followup.Get(c.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	s, err := c.settings.Get(ctx, fu.OrganizationID)
	if err != nil {
		return nil, err
	}
	tmpl, ok := s.Templates[fu.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, fu.Type)
	}

	p := manualPending(fu, s)
	if d := schedule.NextDue(fu, s, c.now()); !d.At.IsZero() {
		p = pending{kind: d.Kind, rung: d.RungIndex, channel: d.Channel}
	}

	vars, contact, err := c.directory.Variables(ctx, fu)
	if err != nil {
		return nil, err
	}
	return toPreview(p, compose(fu, s, tmpl, p, vars, contact)), nil
}

// PreviewRequest describes a follow-up that does not exist yet.
type PreviewRequest struct {
	OrganizationID string              `json:"organization_id" binding:"required"`
	Type           models.FollowUpType `json:"type" binding:"required"`
	ClientID       string              `json:"client_id" binding:"required"`
	SourceLabel    string              `json:"source_label"`
	SourceRef      string              `json:"source_ref"`
	DueAt          *time.Time          `json:"due_at"`
}

// PreviewFor renders the first message a new follow-up described by req
// would send.
func (c *Coordinator) PreviewFor(ctx context.Context, req PreviewRequest) (*Preview, error) {
	s, err := c.settings.Get(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	tmpl, ok := s.Templates[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, req.Type)
	}
	vars, contact, err := c.directory.VariablesFor(ctx, req.OrganizationID, req.Type, req.ClientID, req.SourceRef, req.SourceLabel, req.DueAt)
	if err != nil {
		return nil, err
	}
	fu := &models.FollowUp{OrganizationID: req.OrganizationID, Type: req.Type, ClientID: req.ClientID}
	p := manualPending(fu, s)
	return toPreview(p, compose(fu, s, tmpl, p, vars, contact)), nil
}

func toPreview(p pending, msg transport.Message) *Preview {
	return &Preview{
		Channel:   msg.Channel,
		Kind:      p.kind,
		RungIndex: p.rung,
		Recipient: msg.To,
		Subject:   msg.Subject,
		Body:      msg.Body,
	}
}
