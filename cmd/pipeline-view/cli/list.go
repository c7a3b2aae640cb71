package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/davarch/pipeline-view/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var (
	listOnlyEnabled  bool
	listOnlyDisabled bool
	listJSON         bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs from config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		items := filterJobs(cfg.Pipeline.Jobs, listOnlyEnabled, listOnlyDisabled)

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		rows := make([][]string, 0, len(items))
		for _, j := range items {
			deps := "-"
			if len(j.Dependencies) > 0 {
				deps = strings.Join(j.Dependencies, ", ")
			}
			en := "✗"
			if j.Enabled {
				en = "✓"
			}
			rows = append(rows, []string{j.ID, j.Name, deps, en})
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
			Headers("ID", "Job", "Dependencies", "Enabled").
			Rows(rows...)

		fmt.Println(t)
		return nil
	},
}

func filterJobs(jobs []config.Job, onlyEnabled, onlyDisabled bool) []config.Job {
	out := make([]config.Job, 0, len(jobs))
	for _, j := range jobs {
		if onlyEnabled && !j.Enabled {
			continue
		}
		if onlyDisabled && j.Enabled {
			continue
		}
		out = append(out, j)
	}
	return out
}

func init() {
	listCmd.Flags().BoolVar(&listOnlyEnabled, "enabled", false, "show only enabled jobs")
	listCmd.Flags().BoolVar(&listOnlyDisabled, "disabled", false, "show only disabled jobs")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")
	listCmd.MarkFlagsMutuallyExclusive("enabled", "disabled")

	rootCmd.AddCommand(listCmd)
}
