// Package dispatch runs the follow-up engine: it finds due follow-ups,
// checks stop conditions, renders the message and hands it to a transport,
// then records the attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/relance/internal/alerts"
	"github.com/zulandar/relance/internal/config"
	"github.com/zulandar/relance/internal/directory"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/logging"
	"github.com/zulandar/relance/internal/metrics"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/render"
	"github.com/zulandar/relance/internal/schedule"
	"github.com/zulandar/relance/internal/settings"
	"github.com/zulandar/relance/internal/stopcond"
	"github.com/zulandar/relance/internal/transport"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// ErrStopped is returned by SendNow when a stop condition fired during
	// the pre-send check. The follow-up has been stopped.
	ErrStopped = errors.New("dispatch: follow-up stopped by condition")
	// ErrNoTemplate is returned when the organization has no template for
	// the follow-up's type. Nothing is sent.
	ErrNoTemplate = errors.New("dispatch: no template for follow-up type")
)

// Directory supplies template variables and the recipient's contact.
type Directory interface {
	Variables(ctx context.Context, fu *models.FollowUp) (render.Vars, directory.Contact, error)
	VariablesFor(ctx context.Context, org string, typ models.FollowUpType, clientID, sourceRef, sourceLabel string, dueAt *time.Time) (render.Vars, directory.Contact, error)
}

// Opts holds the collaborators of a Coordinator.
type Opts struct {
	DB        *gorm.DB
	Settings  *settings.Store
	Lookups   stopcond.Lookups
	Directory Directory
	Transport transport.Transport
	Alerts    alerts.Notifier  // optional
	Metrics   *metrics.Metrics // optional
	Log       logrus.FieldLogger
	Config    config.DispatchConfig
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Coordinator drives follow-ups through the dispatch cycle.
type Coordinator struct {
	db        *gorm.DB
	settings  *settings.Store
	lookups   stopcond.Lookups
	directory Directory
	transport transport.Transport
	alerts    alerts.Notifier
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	cfg       config.DispatchConfig
	now       func() time.Time
}

// New validates opts and returns a Coordinator.
func New(opts Opts) (*Coordinator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dispatch: db is required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("dispatch: settings store is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("dispatch: directory is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("dispatch: transport is required")
	}
	if opts.Config.WorkerID == "" {
		return nil, fmt.Errorf("dispatch: worker id is required")
	}
	c := &Coordinator{
		db:        opts.DB,
		settings:  opts.Settings,
		lookups:   opts.Lookups,
		directory: opts.Directory,
		transport: opts.Transport,
		alerts:    opts.Alerts,
		metrics:   opts.Metrics,
		log:       opts.Log,
		cfg:       opts.Config,
		now:       opts.Now,
	}
	if c.alerts == nil {
		c.alerts = alerts.Nop{}
	}
	if c.log == nil {
		c.log = logging.Discard()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.cfg.Lease <= 0 {
		c.cfg.Lease = 2 * time.Minute
	}
	if c.cfg.Concurrency <= 0 {
		c.cfg.Concurrency = 1
	}
	if c.cfg.BatchSize <= 0 {
		c.cfg.BatchSize = 200
	}
	return c, nil
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Candidates int
	Sent       int
	Failed     int
	Stopped    int
	Skipped    int
	Errors     int
}

// outcome is what happened to one follow-up during processing.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
	outcomeStopped
)

// Scan processes every due follow-up once. Follow-ups are independent: an
// error on one is logged and counted, and the scan carries on.
func (c *Coordinator) Scan(ctx context.Context) (ScanReport, error) {
	start := time.Now()
	now := c.now()
	ids, err := followup.Candidates(c.db.WithContext(ctx), now, c.cfg.BatchSize)
	if err != nil {
		return ScanReport{}, fmt.Errorf("dispatch: list candidates: %w", err)
	}

	var (
		mu     sync.Mutex
		report = ScanReport{Candidates: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := c.process(gctx, id, false)
			if err != nil {
				c.log.WithError(err).WithField("followup_id", id).Error("dispatch failed")
				c.notify(ctx, alerts.ScanFailed(id, err))
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				return nil
			}
			switch res.outcome {
			case outcomeSent:
				report.Sent++
			case outcomeFailed:
				report.Failed++
			case outcomeStopped:
				report.Stopped++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if c.metrics != nil {
		c.metrics.RecordScan(len(ids), time.Since(start))
	}
	return report, ctx.Err()
}

// SendNow sends the next message for a follow-up immediately. It skips the
// due-time check and the auto-send flag but still takes the lease and
// evaluates stop conditions. The next rung is used, and advanced, if one
// remains; otherwise the template's channel is used with kind manual. A
// transport failure returns the failed record together with an error.
func (c *Coordinator) SendNow(ctx context.Context, id string) (*models.SendRecord, error) {
	res, err := c.process(ctx, id, true)
	if err != nil {
		return res.record, err
	}
	if res.outcome == outcomeFailed {
		return res.record, fmt.Errorf("dispatch: send %s: %s", id, res.record.Error)
	}
	return res.record, nil
}

type result struct {
	outcome outcome
	record  *models.SendRecord
}

// process runs the full cycle for one follow-up. manual selects SendNow
// semantics.
func (c *Coordinator) process(ctx context.Context, id string, manual bool) (result, error) {
	log := c.log.WithField("followup_id", id)
	now := c.now()
	// One token per attempt, so a manual send and a scan in the same
	// process exclude each other.
	token := c.cfg.WorkerID + "/" + uuid.NewString()

	if err := followup.Claim(c.db.WithContext(ctx), id, token, now, c.cfg.Lease); err != nil {
		if errors.Is(err, followup.ErrClaimed) && !manual {
			c.skip("claimed")
			if c.metrics != nil {
				c.metrics.ClaimContention.Inc()
			}
			log.Debug("claimed by another attempt")
			return result{}, nil
		}
		return result{}, err
	}
	defer func() {
		if err := followup.Release(c.db.WithContext(context.WithoutCancel(ctx)), id, token); err != nil {
			log.WithError(err).Warn("release lease")
		}
	}()

	// Re-read under the lease: a toggle, done or stop may have landed since
	// the candidate query.
	fu, err := followup.Get(c.db.WithContext(ctx), id)
	if err != nil {
		return result{}, err
	}
	log = log.WithField("org", fu.OrganizationID)
	if fu.Status != models.StatusOpen {
		if manual {
			return result{}, fmt.Errorf("%w: %s is %s", followup.ErrNotOpen, id, fu.Status)
		}
		c.skip("not_open")
		return result{}, nil
	}
	if !manual && !fu.AutoEnabled {
		c.skip("auto_disabled")
		return result{}, nil
	}

	s, err := c.settings.Get(ctx, fu.OrganizationID)
	if err != nil {
		return result{}, err
	}

	st, err := stopcond.Gather(ctx, c.lookups, fu, s.StopConditions, c.cfg.LookupTimeout)
	if err != nil {
		return result{}, fmt.Errorf("dispatch: check stop conditions for %s: %w", id, err)
	}
	if stop, reason := stopcond.ShouldStop(fu, s.StopConditions, st); stop {
		if _, err := followup.Stop(c.db.WithContext(ctx), id, reason, now); err != nil {
			return result{}, err
		}
		if c.metrics != nil {
			c.metrics.RecordStop(reason)
		}
		log.WithField("reason", reason).Info("follow-up stopped")
		if manual {
			return result{outcome: outcomeStopped}, fmt.Errorf("%w: %s", ErrStopped, reason)
		}
		return result{outcome: outcomeStopped}, nil
	}

	var p pending
	if manual {
		p = manualPending(fu, s)
	} else {
		d := schedule.NextDue(fu, s, now)
		if !d.Due {
			if err := followup.RefreshNextDue(c.db.WithContext(ctx), fu, s, now); err != nil {
				return result{}, err
			}
			c.skip("not_due")
			return result{}, nil
		}
		p = pending{kind: d.Kind, rung: d.RungIndex, channel: d.Channel}
		if d.Kind.IsPreDue() {
			p.crossed = schedule.Crossed(fu, s, now)
		}
	}

	tmpl, ok := s.Templates[fu.Type]
	if !ok {
		if manual {
			return result{}, fmt.Errorf("%w: %s", ErrNoTemplate, fu.Type)
		}
		c.skip("no_template")
		log.WithField("type", fu.Type).Info("no template, not sending")
		return result{}, nil
	}

	vars, contact, err := c.directory.Variables(ctx, fu)
	if err != nil {
		return result{}, err
	}
	msg := compose(fu, s, tmpl, p, vars, contact)

	rec, err := c.send(ctx, fu, s, p, msg, now)
	if err != nil {
		if errors.Is(err, followup.ErrNotOpen) {
			// The message went out but the follow-up was closed meanwhile.
			log.WithField("channel", msg.Channel).Warn("follow-up closed during send, attempt not recorded")
			return result{}, nil
		}
		return result{}, err
	}
	if rec.Outcome == models.OutcomeFailed {
		return result{outcome: outcomeFailed, record: rec}, nil
	}
	return result{outcome: outcomeSent, record: rec}, nil
}

// send delivers msg and records the attempt. The transport call and the
// bookkeeping are detached from ctx cancellation; a message that left is
// recorded unless the follow-up was closed meanwhile (ErrNotOpen).
func (c *Coordinator) send(ctx context.Context, fu *models.FollowUp, s *models.Settings, p pending, msg transport.Message, now time.Time) (*models.SendRecord, error) {
	log := c.log.WithFields(logrus.Fields{
		"followup_id": fu.ID,
		"org":         fu.OrganizationID,
		"channel":     msg.Channel,
		"kind":        p.kind,
	})
	detached := context.WithoutCancel(ctx)

	sendCtx := detached
	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(detached, c.cfg.SendTimeout)
		defer cancel()
	}
	start := time.Now()
	rcpt, sendErr := c.transport.Send(sendCtx, msg)
	took := time.Since(start)

	a := followup.Attempt{
		At:         now,
		Kind:       p.kind,
		RungIndex:  p.rung,
		Channel:    msg.Channel,
		Recipient:  msg.To,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Outcome:    models.OutcomeSent,
		ProviderID: rcpt.ProviderID,
		Crossed:    p.crossed,
	}
	if rcpt.Recipient != "" {
		a.Recipient = rcpt.Recipient
	}
	if sendErr != nil {
		a.Outcome = models.OutcomeFailed
		a.Error = sendErr.Error()
	}

	rec, err := followup.RecordAttempt(c.db.WithContext(detached), fu.ID, a, s)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordAttempt(msg.Channel, p.kind, a.Outcome, took)
	}

	if sendErr != nil {
		log.WithError(sendErr).Error("send failed")
		c.notify(detached, alerts.SendFailed(fu, rec))
	} else {
		log.WithField("provider_id", rec.ProviderID).Info("follow-up sent")
	}
	return rec, nil
}

// UpdateSettings validates and saves s, then clamps ladder positions and
// recomputes the next due time of every open follow-up of the
// organization in the same transaction.
func (c *Coordinator) UpdateSettings(ctx context.Context, s *models.Settings, maxFollowUps *int) error {
	now := c.now()
	return c.settings.Update(ctx, s, maxFollowUps, func(tx *gorm.DB, saved *models.Settings) error {
		n, err := followup.Reschedule(tx, saved, now)
		if err != nil {
			return err
		}
		c.log.WithFields(logrus.Fields{"org": saved.OrganizationID, "rescheduled": n}).Info("settings updated")
		return nil
	})
}

func (c *Coordinator) skip(cause string) {
	if c.metrics != nil {
		c.metrics.RecordSkip(cause)
	}
}

func (c *Coordinator) notify(ctx context.Context, a alerts.Alert) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.alerts.Notify(actx, a); err != nil {
		c.log.WithError(err).Warn("alert not delivered")
	}
}
