package cli

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/pipeline-view/internal/infrastructure/config"
	"github.com/davarch/pipeline-view/internal/infrastructure/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the pipeline and keep the HTML view up to date",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, log, cfg, false)
		if err != nil {
			log.Fatal("init", zap.Error(err))
		}
		defer a.Close()

		if cfg.Metrics.Addr != "" {
			a.metrics.Serve(ctx, cfg.Metrics.Addr, log)
		}

		log.Info("start",
			zap.String("version", version),
			zap.Int("jobs", len(enabledJobs(cfg))),
			zap.Duration("every", cfg.Poll.Interval),
			zap.String("output", cfg.Display.Output),
			zap.String("jenkins", cfg.Jenkins.BaseURL),
			zap.String("pause_file", cfg.Poll.PauseFile),
		)

		a.prime(ctx)
		watchAndReload(ctx, cfgPath, log, a)

		<-ctx.Done()
		log.Info("stop", zap.Int("sessions", a.sched.Active()))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, a *app) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}

	reload := make(chan struct{}, 1)
	fire := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, fire)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case <-reload:
				cfg, err := config.Load(cfgPath)
				if err != nil {
					log.Warn("config reload failed", zap.Error(err))
					continue
				}
				if len(enabledJobs(cfg)) == 0 {
					log.Warn("config reload: no enabled jobs")
				}
				a.reload(cfg)
				log.Info("config reloaded", zap.Int("jobs", len(enabledJobs(cfg))))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
