package cli

import (
	"fmt"

	"github.com/davarch/pipeline-view/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <job_id|job_name>",
	Short: "Enable a job in config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <job_id|job_name>",
	Short: "Disable a job in config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

func setEnabled(key string, on bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	verb := "disabled"
	if on {
		verb = "enabled"
	}

	if !toggle(cfg.Pipeline.Jobs, key, on) {
		fmt.Printf("no change (job %q already %s or not found)\n", key, verb)
		return nil
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", verb, key)
	return nil
}

// toggle sets Enabled on every job whose id or name is key and reports
// whether anything changed.
func toggle(jobs []config.Job, key string, on bool) bool {
	changed := false
	for i := range jobs {
		if jobs[i].ID != key && jobs[i].Name != key {
			continue
		}
		if jobs[i].Enabled != on {
			jobs[i].Enabled = on
			changed = true
		}
	}
	return changed
}

func init() {
	enableCmd.ValidArgsFunction = completeJobIDs(true)
	disableCmd.ValidArgsFunction = completeJobIDs(true)

	rootCmd.AddCommand(enableCmd, disableCmd)
}
