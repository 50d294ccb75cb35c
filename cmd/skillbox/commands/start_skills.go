package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/skillbox/internal/printer"
)

var startSkillsCmd = &cobra.Command{
	Use:   "start-skills",
	Short: "Start every installed skill marked start_on_boot",
	Long: `Start the container of every installed skill marked start_on_boot.

Skills that are already running are left alone. A skill whose container is
missing or fails to start is reported and the remaining skills are still
processed.`,
	RunE: runStartSkills,
}

func init() {
	rootCmd.AddCommand(startSkillsCmd)
}

func runStartSkills(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.lifecycle.ReconcileBoot(cmd.Context())
	if err != nil {
		return printer.APIError("failed to start skills", err, nil)
	}

	printer.List("Started", report.Started)
	printer.List("Already running", report.AlreadyRunning)
	if len(report.Missing) > 0 {
		printer.Warning("Skills without a container: %v\n", report.Missing)
	}
	if len(report.Failed) > 0 {
		return printer.ErrorWithContext(
			"some skills failed to start",
			report.Summary(),
			map[string]string{"Failed": strings.Join(report.Failed, ", ")},
			[]string{"Check the skill logs with: docker logs <skill-name>"},
		)
	}
	printer.Success("%s\n", report.Summary())
	return nil
}
