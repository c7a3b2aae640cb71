package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/davarch/pipeline-view/internal/domain"
	"github.com/davarch/pipeline-view/internal/infrastructure/render_html"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusJSON bool

var statusColors = map[domain.BuildStatus]lipgloss.Color{
	domain.StatusSuccess:  lipgloss.Color("10"),
	domain.StatusFailure:  lipgloss.Color("9"),
	domain.StatusUnstable: lipgloss.Color("11"),
	domain.StatusBuilding: lipgloss.Color("12"),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the latest build of every enabled job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			var recs []domain.StatusRecord
			for _, j := range enabledJobs(a.cfg) {
				rec, err := a.jenkins.Proxy(j.ID, j.Name).FetchStatus(ctx)
				if err != nil {
					a.log.Warn("status", zap.String("job", string(j.ID)), zap.Error(err))
					rec = domain.StatusRecord{ID: j.ID, Build: domain.BuildInfo{Title: j.Name}}
				}
				recs = append(recs, rec)
			}

			if statusJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, statusRow(r))
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
				Headers("ID", "Job", "Build", "Status", "Progress", "Started", "Duration").
				Rows(rows...).
				StyleFunc(func(row, col int) lipgloss.Style {
					s := lipgloss.NewStyle().Padding(0, 1)
					if row < 0 || row >= len(recs) || col != 3 {
						return s
					}
					if c, ok := statusColors[recs[row].Build.Status]; ok {
						s = s.Foreground(c)
					}
					return s
				})

			fmt.Println(t)
			return nil
		})
	},
}

func statusRow(r domain.StatusRecord) []string {
	build, status, progress, started, took := "-", "-", "-", "-", "-"
	if r.Build.Number > 0 {
		build = "#" + strconv.FormatInt(r.Build.Number, 10)
	}
	if r.Build.Status != "" {
		status = string(r.Build.Status)
	}
	if r.Running() {
		progress = strconv.Itoa(r.Build.Progress) + "%"
	}
	if !r.Build.Started.IsZero() {
		started = r.Build.Started.Local().Format("2006-01-02 15:04:05")
	}
	if r.Build.Duration > 0 {
		took = render_html.FormatDuration(r.Build.Duration)
	}
	return []string{string(r.ID), r.Build.Title, build, status, progress, started, took}
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")

	rootCmd.AddCommand(statusCmd)
}
