package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/relance/internal/dispatch"
	"github.com/zulandar/relance/internal/models"
)

func newPreviewCmd() *cobra.Command {
	var (
		configPath string
		id         string
		req        dispatch.PreviewRequest
		fuType     string
		due        string
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render the next message without sending it",
		Long: `Renders the message a follow-up would send next (--id), or the first
message of a follow-up that does not exist yet (--org, --type, --client).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				if req.OrganizationID == "" || fuType == "" || req.ClientID == "" {
					return fmt.Errorf("either --id or all of --org, --type and --client are required")
				}
				req.Type = models.FollowUpType(fuType)
				if due != "" {
					t, err := parseTime(due)
					if err != nil {
						return fmt.Errorf("--due: %w", err)
					}
					req.DueAt = &t
				}
			}
			return runPreview(cmd, configPath, id, req)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	cmd.Flags().StringVar(&id, "id", "", "existing follow-up ID")
	cmd.Flags().StringVar(&req.OrganizationID, "org", "", "organization")
	cmd.Flags().StringVar(&fuType, "type", "", "follow-up type")
	cmd.Flags().StringVar(&req.ClientID, "client", "", "client ID")
	cmd.Flags().StringVar(&req.SourceLabel, "label", "", "source label")
	cmd.Flags().StringVar(&req.SourceRef, "ref", "", "invoice or quote ID")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC 3339)")
	return cmd
}

func runPreview(cmd *cobra.Command, configPath, id string, req dispatch.PreviewRequest) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	var p *dispatch.Preview
	if id != "" {
		p, err = e.coord.Preview(cmdContext(cmd), id)
	} else {
		p, err = e.coord.PreviewFor(cmdContext(cmd), req)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Channel:   %s (%s, rung %d)\n", p.Channel, p.Kind, p.RungIndex+1)
	fmt.Fprintf(out, "To:        %s\n", p.Recipient)
	if p.Subject != "" {
		fmt.Fprintf(out, "Subject:   %s\n", p.Subject)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, p.Body)
	return nil
}
