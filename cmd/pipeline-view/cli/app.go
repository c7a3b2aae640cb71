package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/davarch/pipeline-view/internal/application"
	"github.com/davarch/pipeline-view/internal/domain"
	"github.com/davarch/pipeline-view/internal/infrastructure/bus_amqp"
	"github.com/davarch/pipeline-view/internal/infrastructure/bus_local"
	"github.com/davarch/pipeline-view/internal/infrastructure/chrome_term"
	"github.com/davarch/pipeline-view/internal/infrastructure/config"
	"github.com/davarch/pipeline-view/internal/infrastructure/jenkins_http"
	"github.com/davarch/pipeline-view/internal/infrastructure/metrics"
	"github.com/davarch/pipeline-view/internal/infrastructure/notify_libnotify"
	"github.com/davarch/pipeline-view/internal/infrastructure/render_html"
	"github.com/davarch/pipeline-view/internal/infrastructure/surface_fs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app is the wired pipeline shared by the commands that talk to Jenkins.
type app struct {
	log     *zap.Logger
	cfg     config.Config
	jenkins *jenkins_http.Client
	surface *surface_fs.FSSurface
	sched   *application.Scheduler
	pipe    *application.Pipeline
	metrics *metrics.Metrics
	chrome  *chrome_term.Chrome
	closers []func() error
}

func newApp(ctx context.Context, log *zap.Logger, cfg config.Config, browse bool) (*app, error) {
	jobs := enabledJobs(cfg)
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no enabled jobs")
	}

	jk := jenkins_http.New(cfg.Jenkins.BaseURL, cfg.Jenkins.User, cfg.Jenkins.Token, cfg.Jenkins.Timeout)
	if err := jk.Connect(ctx); err != nil {
		return nil, err
	}

	renderer, err := render_html.New(cfg.Display.RootURL)
	if err != nil {
		return nil, err
	}

	a := &app{
		log:     log,
		cfg:     cfg,
		jenkins: jk,
		surface: surface_fs.New(cfg.Display.Output, cfg.Pipeline.Title, jobIDs(jobs), cfg.Poll.Interval),
		metrics: metrics.New(),
		chrome:  chrome_term.New(os.Stderr, browse),
	}

	var bus domain.Bus = bus_local.New()
	if cfg.Bus.AMQPURL != "" {
		pub, err := bus_amqp.Dial(cfg.Bus.AMQPURL, cfg.Bus.Exchange)
		if err != nil {
			log.Warn("amqp mirror disabled", zap.Error(err))
		} else {
			bus = bus_amqp.Mirror(bus, pub, log)
			a.closers = append(a.closers, pub.Close)
		}
	}

	var note domain.Notifier
	if cfg.Notify.Enabled {
		note = notify_libnotify.NewSoft()
	}

	proxies := make(map[domain.JobID]domain.BuildProxy, len(jobs))
	for _, j := range cfg.Pipeline.Jobs {
		if j.Enabled {
			proxies[domain.JobID(j.ID)] = jk.Proxy(domain.JobID(j.ID), j.Name)
		}
	}

	a.sched = application.NewScheduler(log, a.metrics, cfg.Poll.PauseFile)
	a.pipe = application.NewPipeline(application.PipelineConfig{
		Logger:   log,
		Proxies:  proxies,
		Renderer: renderer,
		Surface:  a.surface,
		Bus:      bus,
		Poller:   a.sched,
		Chrome:   a.chrome,
		Notifier: note,
		Observer: a.metrics,
		Interval: cfg.Poll.Interval,
		FadeIn:   cfg.Display.FadeIn,
	})
	a.pipe.Watch(ctx, jobs)

	return a, nil
}

// prime renders the current card of every job and resumes tracking of the
// ones still building.
func (a *app) prime(ctx context.Context) {
	for _, j := range enabledJobs(a.cfg) {
		rec, err := a.jenkins.Proxy(j.ID, j.Name).FetchStatus(ctx)
		if err != nil {
			a.log.Warn("initial status", zap.String("job", string(j.ID)), zap.Error(err))
			continue
		}
		if err := a.pipe.UpdateBuildCardFromJSON(rec, true); err != nil {
			a.log.Warn("initial render", zap.String("job", string(j.ID)), zap.Error(err))
		}
		if rec.Running() {
			if err := a.pipe.ShowProgress(j.ID, j.Dependencies); err != nil {
				a.log.Warn("resume progress", zap.String("job", string(j.ID)), zap.Error(err))
			}
		}
	}
}

// reload applies a changed job list without dropping live sessions.
func (a *app) reload(cfg config.Config) {
	jobs := enabledJobs(cfg)
	for _, j := range jobs {
		a.pipe.Register(j.ID, a.jenkins.Proxy(j.ID, j.Name))
	}
	if err := a.surface.SetJobs(jobIDs(jobs)); err != nil {
		a.log.Warn("surface reload", zap.Error(err))
	}
	a.pipe.SetJobs(jobs)
	a.cfg = cfg
}

func (a *app) job(id string) (domain.Job, error) {
	for _, j := range enabledJobs(a.cfg) {
		if string(j.ID) == id {
			return j, nil
		}
	}
	return domain.Job{}, fmt.Errorf("%w: %s", application.ErrUnknownJob, id)
}

func (a *app) Close() {
	a.pipe.Close()
	a.sched.StopAll()
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
}

// enabledJobs maps the config to domain jobs, dropping dependencies on
// disabled jobs.
func enabledJobs(cfg config.Config) []domain.Job {
	on := make(map[string]bool, len(cfg.Pipeline.Jobs))
	for _, j := range cfg.Pipeline.Jobs {
		on[j.ID] = j.Enabled
	}

	var out []domain.Job
	for _, j := range cfg.Pipeline.Jobs {
		if !j.Enabled {
			continue
		}
		job := domain.Job{ID: domain.JobID(j.ID), Name: j.Name}
		for _, d := range j.Dependencies {
			if on[d] {
				job.Dependencies = append(job.Dependencies, domain.JobID(d))
			}
		}
		out = append(out, job)
	}
	return out
}

func jobIDs(jobs []domain.Job) []domain.JobID {
	ids := make([]domain.JobID, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// completeJobIDs completes enabled job ids, or all ids when all is set.
func completeJobIDs(all bool) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		out := make([]string, 0, len(cfg.Pipeline.Jobs))
		for _, j := range cfg.Pipeline.Jobs {
			if (all || j.Enabled) && strings.HasPrefix(j.ID, toComplete) {
				out = append(out, j.ID)
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	}
}
