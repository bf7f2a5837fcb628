package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/relance/internal/followup"
	"github.com/zulandar/relance/internal/models"
	"github.com/zulandar/relance/internal/settings"
)

func newFollowUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "followup",
		Aliases: []string{"fu"},
		Short:   "Follow-up management commands",
	}

	cmd.AddCommand(newFollowUpListCmd())
	cmd.AddCommand(newFollowUpShowCmd())
	cmd.AddCommand(newFollowUpCreateCmd())
	cmd.AddCommand(newFollowUpSendCmd())
	cmd.AddCommand(newFollowUpStatusCmd("done", "Mark a follow-up as done", models.StatusDone))
	cmd.AddCommand(newFollowUpStatusCmd("stop", "Stop a follow-up; it is never sent again unless reopened", models.StatusStopped))
	cmd.AddCommand(newFollowUpStatusCmd("reopen", "Reopen a done or stopped follow-up", models.StatusOpen))
	cmd.AddCommand(newFollowUpHistoryCmd())
	cmd.AddCommand(newFollowUpDeleteCmd())
	return cmd
}

// settingsOrNil returns the organization's settings, or nil when it has
// none yet.
func settingsOrNil(cmd *cobra.Command, e *env, org string) (*models.Settings, error) {
	s, err := e.settings.Get(cmdContext(cmd), org)
	if errors.Is(err, settings.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func newFollowUpListCmd() *cobra.Command {
	var (
		configPath string
		org        string
		fuType     string
		status     string
		auto       string
		client     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List follow-ups",
		Long:  "Lists follow-ups with optional filters, newest trigger first. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := followup.ListFilters{
				OrganizationID: org,
				Type:           models.FollowUpType(fuType),
				Status:         models.Status(status),
				ClientID:       client,
				Limit:          limit,
			}
			if auto != "" {
				b, err := strconv.ParseBool(auto)
				if err != nil {
					return fmt.Errorf("--auto: %w", err)
				}
				filters.AutoEnabled = &b
			}
			return runFollowUpList(cmd, configPath, filters)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	cmd.Flags().StringVar(&org, "org", "", "filter by organization")
	cmd.Flags().StringVar(&fuType, "type", "", "filter by type (quote_unanswered, invoice_unpaid, ...)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, done, stopped)")
	cmd.Flags().StringVar(&auto, "auto", "", "filter by automatic sending (true/false)")
	cmd.Flags().StringVar(&client, "client", "", "filter by client ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 = all)")
	return cmd
}

func runFollowUpList(cmd *cobra.Command, configPath string, filters followup.ListFilters) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	fus, err := followup.List(e.db, filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(fus) == 0 {
		fmt.Fprintln(out, "No follow-ups found.")
		return nil
	}

	now := time.Now()
	bySettings := map[string]*models.Settings{}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tORG\tTYPE\tCLIENT\tSTATE\tSENT\tNEXT DUE")
	for i := range fus {
		org := fus[i].OrganizationID
		s, ok := bySettings[org]
		if !ok {
			if s, err = settingsOrNil(cmd, e, org); err != nil {
				return err
			}
			bySettings[org] = s
		}
		v := followup.NewView(&fus[i], s, now)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			v.ID, v.OrganizationID, v.Type, v.ClientID, v.State,
			v.SentCount, v.MaxFollowUps, formatTimePtr(v.NextDueAt))
	}
	w.Flush()
	return nil
}

func newFollowUpShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show follow-up details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowUpShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runFollowUpShow(cmd *cobra.Command, configPath, id string) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	fu, err := followup.Get(e.db, id)
	if err != nil {
		return err
	}
	s, err := settingsOrNil(cmd, e, fu.OrganizationID)
	if err != nil {
		return err
	}
	printView(cmd, followup.NewView(fu, s, time.Now()))
	return nil
}

func printView(cmd *cobra.Command, v followup.View) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:           %s\n", v.ID)
	fmt.Fprintf(out, "Organization: %s\n", v.OrganizationID)
	fmt.Fprintf(out, "Type:         %s\n", v.Type)
	fmt.Fprintf(out, "Client:       %s\n", v.ClientID)
	if v.SourceLabel != "" || v.SourceRef != "" {
		fmt.Fprintf(out, "Source:       %s (%s)\n", v.SourceLabel, v.SourceRef)
	}
	fmt.Fprintf(out, "Status:       %s\n", v.Status)
	if v.StopReason != "" {
		fmt.Fprintf(out, "Stop reason:  %s\n", v.StopReason)
	}
	fmt.Fprintf(out, "State:        %s\n", v.State)
	fmt.Fprintf(out, "Automatic:    %t\n", v.AutoEnabled)
	fmt.Fprintf(out, "Triggered:    %s\n", formatTime(v.TriggeredAt))
	if v.DueAt != nil {
		fmt.Fprintf(out, "Due:          %s\n", formatTime(*v.DueAt))
	}
	fmt.Fprintf(out, "Sent:         %d of %d (%d remaining)\n", v.SentCount, v.MaxFollowUps, v.RemainingFollowUps)
	fmt.Fprintf(out, "Last sent:    %s\n", formatTimePtr(v.LastSentAt))
	fmt.Fprintf(out, "Next due:     %s\n", formatTimePtr(v.NextDueAt))
}

func newFollowUpCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       followup.CreateOpts
		fuType     string
		due        string
		triggered  string
		noAuto     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a follow-up",
		Long:  "Creates an open follow-up for a pending case. It is scheduled from the organization's settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Type = models.FollowUpType(fuType)
			opts.AutoEnabled = !noAuto
			if due != "" {
				t, err := parseTime(due)
				if err != nil {
					return fmt.Errorf("--due: %w", err)
				}
				opts.DueAt = &t
			}
			if triggered != "" {
				t, err := parseTime(triggered)
				if err != nil {
					return fmt.Errorf("--triggered: %w", err)
				}
				opts.TriggeredAt = t
			}
			return runFollowUpCreate(cmd, configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	cmd.Flags().StringVar(&opts.OrganizationID, "org", "", "organization (required)")
	cmd.Flags().StringVar(&fuType, "type", "", "follow-up type (required)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client ID (required)")
	cmd.Flags().StringVar(&opts.SourceLabel, "label", "", "human label of the source, e.g. an invoice number")
	cmd.Flags().StringVar(&opts.SourceRef, "ref", "", "invoice or quote ID used by stop conditions")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&triggered, "triggered", "", "trigger time (default now)")
	cmd.Flags().BoolVar(&noAuto, "no-auto", false, "create with automatic sending disabled")
	cmd.MarkFlagRequired("org")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("client")
	return cmd
}

func runFollowUpCreate(cmd *cobra.Command, configPath string, opts followup.CreateOpts) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := settingsOrNil(cmd, e, opts.OrganizationID)
	if err != nil {
		return err
	}
	fu, err := followup.Create(e.db, opts, s, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created follow-up %s\n", fu.ID)
	if fu.NextDueAt != nil {
		fmt.Fprintf(out, "Next due: %s\n", formatTime(*fu.NextDueAt))
	} else if s == nil {
		fmt.Fprintf(out, "Organization %q has no settings yet; nothing is scheduled.\n", opts.OrganizationID)
	}
	return nil
}

func newFollowUpSendCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "send <id>",
		Short: "Send the next follow-up message now",
		Long:  "Sends immediately, ignoring the schedule and the automatic flag. Stop conditions are still checked.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowUpSend(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runFollowUpSend(cmd *cobra.Command, configPath, id string) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	rec, err := e.coord.SendNow(cmdContext(cmd), id)
	if rec != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s via %s to %s (%s)\n",
			rec.Outcome, rec.Kind, rec.Channel, rec.Recipient, rec.ProviderID)
	}
	return err
}

func newFollowUpStatusCmd(use, short string, status models.Status) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowUpStatus(cmd, configPath, args[0], status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runFollowUpStatus(cmd *cobra.Command, configPath, id string, status models.Status) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	now := time.Now()
	var fu *models.FollowUp
	switch status {
	case models.StatusDone:
		fu, err = followup.MarkDone(e.db, id, now)
	case models.StatusStopped:
		fu, err = followup.Stop(e.db, id, models.StopManual, now)
	default:
		cur, getErr := followup.Get(e.db, id)
		if getErr != nil {
			return getErr
		}
		s, sErr := settingsOrNil(cmd, e, cur.OrganizationID)
		if sErr != nil {
			return sErr
		}
		fu, err = followup.Reopen(e.db, id, s, now)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Follow-up %s is now %s\n", fu.ID, fu.Status)
	return nil
}

func newFollowUpHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the send history of a follow-up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowUpHistory(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runFollowUpHistory(cmd *cobra.Command, configPath, id string) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	recs, err := followup.History(e.db, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No messages sent yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tRUNG\tCHANNEL\tRECIPIENT\tOUTCOME\tDETAIL")
	for _, r := range recs {
		detail := r.ProviderID
		if r.Outcome == models.OutcomeFailed {
			detail = truncate(r.Error, 50)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			formatTime(r.Timestamp), r.Kind, r.RungIndex+1, r.Channel, r.Recipient, r.Outcome, detail)
	}
	w.Flush()
	return nil
}

func newFollowUpDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a follow-up and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollowUpDelete(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runFollowUpDelete(cmd *cobra.Command, configPath, id string) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if err := followup.Delete(e.db, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted follow-up %s\n", id)
	return nil
}

// parseTime accepts a date or an RFC 3339 timestamp.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}
