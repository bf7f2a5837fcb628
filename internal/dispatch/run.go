package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 5 * time.Minute

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Run scans repeatedly until ctx is cancelled. With a cron schedule
// configured, scans start at each fire time; otherwise they are spaced by
// the poll interval. A failed scan is logged and the loop continues.
func (c *Coordinator) Run(ctx context.Context) error {
	next, err := c.waiter()
	if err != nil {
		return err
	}
	c.log.WithField("worker", c.cfg.WorkerID).Info("dispatch loop starting")
	defer c.log.Info("dispatch loop stopped")

	for {
		if c.cfg.Schedule != "" {
			sleepWithContext(ctx, next(time.Now()))
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		report, err := c.Scan(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("scan failed")
		}
		c.log.WithFields(logrus.Fields{
			"candidates": report.Candidates,
			"sent":       report.Sent,
			"failed":     report.Failed,
			"stopped":    report.Stopped,
			"skipped":    report.Skipped,
			"errors":     report.Errors,
		}).Info("scan complete")

		if c.cfg.Schedule == "" {
			sleepWithContext(ctx, next(time.Now()))
		}
	}
}

// waiter returns a function giving the delay before the next scan.
func (c *Coordinator) waiter() (func(now time.Time) time.Duration, error) {
	if c.cfg.Schedule == "" {
		interval := c.cfg.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		return func(time.Time) time.Duration { return interval }, nil
	}
	sched, err := cronParser.Parse(c.cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("dispatch: schedule %q: %w", c.cfg.Schedule, err)
	}
	return func(now time.Time) time.Duration {
		if d := sched.Next(now).Sub(now); d > 0 {
			return d
		}
		return 0
	}, nil
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
