package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/relance/internal/models"
	"gopkg.in/yaml.v3"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Organization follow-up settings",
	}

	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsApplyCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <org>",
		Short: "Print an organization's settings as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	return cmd
}

func runSettingsShow(cmd *cobra.Command, configPath, org string) error {
	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := e.settings.Get(cmdContext(cmd), org)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return enc.Close()
}

// settingsFile is the document read by settings apply.
type settingsFile struct {
	models.Settings `yaml:",inline"`
	MaxFollowUps    *int `yaml:"max_follow_ups"`
}

func newSettingsApplyCmd() *cobra.Command {
	var (
		configPath string
		org        string
	)

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Validate and save settings from a YAML file",
		Long: `Reads one organization's settings from a YAML file, validates them and
saves them. Open follow-ups of the organization are rescheduled in the same
transaction; shrinking the ladder truncates follow-ups already past its end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsApply(cmd, configPath, args[0], org)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Relance config file")
	cmd.Flags().StringVar(&org, "org", "", "organization (overrides organization_id in the file)")
	return cmd
}

func runSettingsApply(cmd *cobra.Command, configPath, path, org string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc settingsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if org != "" {
		doc.OrganizationID = org
	}
	if strings.TrimSpace(doc.OrganizationID) == "" {
		return fmt.Errorf("%s: organization_id is required (or pass --org)", path)
	}

	e, err := newEnv(cmd, configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.coord.UpdateSettings(cmdContext(cmd), &doc.Settings, doc.MaxFollowUps); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Applied settings for %s: %d escalation steps, %d templates\n",
		doc.OrganizationID, len(doc.EscalationSteps), len(doc.Templates))
	return nil
}
