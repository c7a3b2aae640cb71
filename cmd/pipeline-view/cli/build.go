package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/pipeline-view/internal/application"
	"github.com/davarch/pipeline-view/internal/domain"
	"github.com/davarch/pipeline-view/internal/infrastructure/config"
	"github.com/davarch/pipeline-view/internal/infrastructure/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	triggerTarget string
	buildWait     bool
	buildTimeout  time.Duration
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <job_id> <upstream_job>#<build>",
	Short: "Trigger a manual build off an upstream build and follow it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		upstream, n, err := parseBuildRef(args[1])
		if err != nil {
			return err
		}

		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			job, err := a.job(args[0])
			if err != nil {
				return err
			}
			target := triggerTarget
			if target == "" {
				target = job.Name
			}

			if err := a.pipe.TriggerBuild(ctx, job.ID, upstream, n, target, job.Dependencies); err != nil {
				return err
			}
			return follow(ctx, a)
		})
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <job_id> <job>#<build>",
	Short: "Re-run a previous build with its parameters and follow it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := parseBuildRef(args[1]); err != nil {
			return err
		}

		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			job, err := a.job(args[0])
			if err != nil {
				return err
			}
			if err := a.pipe.RerunBuild(ctx, job.ID, args[1], job.Dependencies); err != nil {
				return err
			}
			return follow(ctx, a)
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Render the current build card of every job once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			var failed int
			for _, j := range enabledJobs(a.cfg) {
				if err := a.pipe.UpdateBuildCard(ctx, j.ID); err != nil {
					a.log.Warn("refresh", zap.String("job", string(j.ID)), zap.Error(err))
					failed++
				}
			}
			fmt.Printf("written: %s\n", a.cfg.Display.Output)
			if failed > 0 {
				return fmt.Errorf("%d job(s) failed to refresh", failed)
			}
			return nil
		})
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest <job_id>",
	Short: "Print the number of the latest build of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, false, func(ctx context.Context, a *app) error {
			job, err := a.job(args[0])
			if err != nil {
				return err
			}
			n, err := a.pipe.LatestBuildNumber(ctx, job.ID)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
	},
}

var consoleOpen bool

var consoleCmd = &cobra.Command{
	Use:   "console <job_id>",
	Short: "Show the console link of the latest build of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, consoleOpen, func(ctx context.Context, a *app) error {
			job, err := a.job(args[0])
			if err != nil {
				return err
			}

			return showConsole(ctx, a.pipe, a.jenkins.Proxy(job.ID, job.Name))
		})
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerTarget, "target", "", "Jenkins job to build (default: the job's configured name)")
	for _, c := range []*cobra.Command{triggerCmd, rerunCmd} {
		c.Flags().BoolVar(&buildWait, "wait", true, "follow the build and its dependencies until they finish")
		c.Flags().DurationVar(&buildTimeout, "timeout", 30*time.Minute, "give up following after this long")
	}
	consoleCmd.Flags().BoolVar(&consoleOpen, "open", false, "open the console in the browser")

	for _, c := range []*cobra.Command{triggerCmd, rerunCmd, latestCmd, consoleCmd} {
		c.ValidArgsFunction = completeJobIDs(false)
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(refreshCmd)
}

func withApp(cmd *cobra.Command, browse bool, fn func(ctx context.Context, a *app) error) error {
	log := logging.New()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, log, cfg, browse)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// follow blocks until the triggered build and every cascaded dependency are done.
func follow(ctx context.Context, a *app) error {
	if !buildWait {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()
	if err := a.sched.WaitIdle(ctx); err != nil {
		return fmt.Errorf("still running after %s: %w", buildTimeout, err)
	}
	fmt.Printf("done: %s\n", a.cfg.Display.Output)
	return nil
}

// parseBuildRef splits "<job>#<number>".
func parseBuildRef(s string) (string, int64, error) {
	i := strings.LastIndex(s, "#")
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("bad build reference %q, want <job>#<number>", s)
	}
	n, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("bad build number in %q", s)
	}
	return s[:i], n, nil
}

// showConsole opens the console dialog of px's latest build and closes it
// again when done.
func showConsole(ctx context.Context, pipe *application.Pipeline, px domain.BuildProxy) error {
	pipe.ShowModalSpinner()
	rec, err := px.FetchStatus(ctx)
	pipe.HideModalSpinner()
	if err != nil {
		return err
	}
	if rec.Build.URL == "" {
		return fmt.Errorf("job %s has no builds", rec.ID)
	}

	defer func() { _ = pipe.CloseDialog() }()
	title := fmt.Sprintf("%s #%d", rec.Build.Title, rec.Build.Number)
	return pipe.FillDialog(strings.TrimRight(rec.Build.URL, "/")+"/console", title)
}
