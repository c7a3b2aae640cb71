package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultFadeIn   = time.Second

	spinnerMarkup domain.Markup = `<table class="progress-bar" align="center"><tbody><tr class="unknown"><td></td></tr></tbody></table>`
)

var ErrUnknownJob = errors.New("unknown job")

type PipelineConfig struct {
	Logger   *zap.Logger
	Proxies  map[domain.JobID]domain.BuildProxy
	Renderer domain.Renderer
	Surface  domain.Surface
	Bus      domain.Bus
	Poller   domain.Poller
	Chrome   domain.Chrome
	Notifier domain.Notifier
	Observer domain.PollObserver
	Interval time.Duration
	FadeIn   time.Duration
}

// Pipeline drives the trigger, resolve, progress and cascade lifecycle of the
// jobs of one pipeline view. All writes to build cards go through
// UpdateBuildCardFromJSON.
type Pipeline struct {
	log    *zap.Logger
	render domain.Renderer
	surf   domain.Surface
	bus    domain.Bus
	poller domain.Poller
	chrome domain.Chrome
	note   domain.Notifier
	obs    domain.PollObserver
	every  time.Duration
	fadeIn time.Duration

	mu      sync.RWMutex
	base    context.Context
	proxies map[domain.JobID]domain.BuildProxy
	unsub   []func()
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		log:     cfg.Logger,
		render:  cfg.Renderer,
		surf:    cfg.Surface,
		bus:     cfg.Bus,
		poller:  cfg.Poller,
		chrome:  cfg.Chrome,
		note:    cfg.Notifier,
		obs:     cfg.Observer,
		every:   cfg.Interval,
		fadeIn:  cfg.FadeIn,
		base:    context.Background(),
		proxies: make(map[domain.JobID]domain.BuildProxy, len(cfg.Proxies)),
	}
	for id, px := range cfg.Proxies {
		p.proxies[id] = px
	}

	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.obs == nil {
		p.obs = domain.NopObserver{}
	}
	if p.every <= 0 {
		p.every = DefaultInterval
	}
	if p.fadeIn <= 0 {
		p.fadeIn = DefaultFadeIn
	}
	return p
}

// Register adds or replaces the proxy of a job.
func (p *Pipeline) Register(id domain.JobID, px domain.BuildProxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies[id] = px
}

// Watch makes ctx the parent of every poll session and starts listening for
// the show-status event of each job.
func (p *Pipeline) Watch(ctx context.Context, jobs []domain.Job) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()

	p.SetJobs(jobs)
}

// SetJobs replaces the show-status subscriptions. A job's handler starts its
// own progress tracking with its configured dependencies.
func (p *Pipeline) SetJobs(jobs []domain.Job) {
	p.mu.Lock()
	old := p.unsub
	p.unsub = nil
	p.mu.Unlock()

	for _, u := range old {
		u()
	}

	subs := make([]func(), 0, len(jobs))
	for _, j := range jobs {
		job := j
		subs = append(subs, p.bus.Subscribe(domain.ShowStatusEvent(job.ID), func(context.Context) {
			if err := p.ShowProgress(job.ID, job.Dependencies); err != nil {
				p.log.Warn("show-status", zap.String("job", string(job.ID)), zap.Error(err))
			}
		}))
	}

	p.mu.Lock()
	p.unsub = subs
	p.mu.Unlock()
}

func (p *Pipeline) Close() { p.SetJobs(nil) }

// TriggerBuild starts a manual build of targetJobName off an upstream build
// and tracks it in the slot of id.
func (p *Pipeline) TriggerBuild(ctx context.Context, id domain.JobID, upstreamJobName string, upstreamBuildNumber int64, targetJobName string, deps []domain.JobID) error {
	px, err := p.proxy(id)
	if err != nil {
		return err
	}

	ref, err := px.TriggerManualBuild(ctx, upstreamBuildNumber, targetJobName, upstreamJobName)
	if err != nil {
		return fmt.Errorf("trigger %s from %s#%d: %w", targetJobName, upstreamJobName, upstreamBuildNumber, err)
	}

	p.log.Info("build triggered",
		zap.String("job", string(id)),
		zap.String("target", targetJobName),
		zap.String("upstream", upstreamJobName),
		zap.Int64("upstream_build", upstreamBuildNumber),
		zap.Int64("queue", int64(ref)),
	)
	return p.awaitBuild(id, ref, deps)
}

// RerunBuild re-runs a previous build, given as "<job>#<number>".
func (p *Pipeline) RerunBuild(ctx context.Context, id domain.JobID, buildExternalizableID string, deps []domain.JobID) error {
	px, err := p.proxy(id)
	if err != nil {
		return err
	}

	ref, err := px.RerunBuild(ctx, buildExternalizableID)
	if err != nil {
		return fmt.Errorf("rerun %s: %w", buildExternalizableID, err)
	}

	p.log.Info("build re-run",
		zap.String("job", string(id)),
		zap.String("build", buildExternalizableID),
		zap.Int64("queue", int64(ref)),
	)
	return p.awaitBuild(id, ref, deps)
}

func (p *Pipeline) awaitBuild(id domain.JobID, ref domain.PendingRef, deps []domain.JobID) error {
	if err := p.ShowSpinner(id); err != nil {
		p.log.Warn("spinner", zap.String("job", string(id)), zap.Error(err))
	}
	return p.UpdateNextBuildAndShowProgress(id, ref, deps)
}

// UpdateNextBuildAndShowProgress polls until ref has become a concrete build,
// then switches to progress polling.
func (p *Pipeline) UpdateNextBuildAndShowProgress(id domain.JobID, ref domain.PendingRef, deps []domain.JobID) error {
	px, err := p.proxy(id)
	if err != nil {
		return err
	}

	key := domain.SessionKey{Job: id, Phase: domain.PhaseResolve}
	p.poller.StartPolling(p.baseCtx(), key, p.every, func(ctx context.Context, stop domain.StopFunc) {
		n, err := px.ResolvePending(ctx, ref)
		switch {
		case ctx.Err() != nil:
			p.obs.Tick(key.Phase, domain.TickStale)
			return
		case err != nil:
			p.obs.Tick(key.Phase, domain.TickFailed)
			p.log.Warn("resolve pending build failed",
				zap.String("job", string(id)),
				zap.Int64("queue", int64(ref)),
				zap.Error(err),
			)
			return
		case n == 0:
			p.obs.Tick(key.Phase, domain.TickPending)
			return
		}

		if !stop() {
			p.obs.Tick(key.Phase, domain.TickStale)
			return
		}
		p.obs.Tick(key.Phase, domain.TickResolved)
		p.log.Info("build started",
			zap.String("job", string(id)),
			zap.Int64("queue", int64(ref)),
			zap.Int64("build", int64(n)),
		)

		if err := p.showProgress(id, deps, true); err != nil {
			p.log.Warn("show progress", zap.String("job", string(id)), zap.Error(err))
		}
	})
	return nil
}

// ShowProgress polls the job's status and re-renders its card on every tick.
// Once progress drops to 0 the session ends, the card is rendered with a fade
// and every dependency receives its show-status event, exactly once.
func (p *Pipeline) ShowProgress(id domain.JobID, deps []domain.JobID) error {
	return p.showProgress(id, deps, false)
}

// showProgress notifies on completion only for a build this session knows to
// be new: a freshly resolved one, or one it has seen running. A cascade that
// finds the previous build still in place renders and cascades silently.
func (p *Pipeline) showProgress(id domain.JobID, deps []domain.JobID, fresh bool) error {
	px, err := p.proxy(id)
	if err != nil {
		return err
	}
	deps = append([]domain.JobID(nil), deps...)

	key := domain.SessionKey{Job: id, Phase: domain.PhaseProgress}
	p.poller.StartPolling(p.baseCtx(), key, p.every, func(ctx context.Context, stop domain.StopFunc) {
		rec, err := px.FetchStatus(ctx)
		switch {
		case ctx.Err() != nil:
			p.obs.Tick(key.Phase, domain.TickStale)
			return
		case err != nil:
			p.obs.Tick(key.Phase, domain.TickFailed)
			p.log.Warn("fetch status failed", zap.String("job", string(id)), zap.Error(err))
			return
		}
		if rec.ID == "" {
			rec.ID = id
		}

		if rec.Running() {
			fresh = true
			p.obs.Tick(key.Phase, domain.TickRunning)
			p.write(rec, false)
			return
		}

		// stop before rendering so a late tick of this session can not
		// cascade a second time.
		if !stop() {
			p.obs.Tick(key.Phase, domain.TickStale)
			return
		}
		p.obs.Tick(key.Phase, domain.TickFinished)
		p.write(rec, true)
		p.finished(id, rec, deps, fresh)
	})
	return nil
}

func (p *Pipeline) finished(id domain.JobID, rec domain.StatusRecord, deps []domain.JobID, notify bool) {
	ctx := p.baseCtx()

	p.log.Info("build finished",
		zap.String("job", string(id)),
		zap.Int64("build", rec.Build.Number),
		zap.String("status", string(rec.Build.Status)),
		zap.Int("dependencies", len(deps)),
	)

	if p.note != nil && notify {
		title := "Pipeline: " + string(rec.Build.Status)
		body := fmt.Sprintf("%s #%d", rec.Build.Title, rec.Build.Number)
		if err := p.note.Notify(ctx, title, body, rec.Build.URL); err != nil {
			p.log.Warn("notify failed",
				zap.String("job", string(id)),
				zap.Int64("build", rec.Build.Number),
				zap.Error(err),
			)
		}
	}

	for _, dep := range deps {
		p.obs.Cascade(id, dep)
		if err := p.bus.Publish(ctx, domain.ShowStatusEvent(dep)); err != nil {
			p.log.Warn("cascade failed",
				zap.String("job", string(id)),
				zap.String("dependency", string(dep)),
				zap.Error(err),
			)
		}
	}
}

// UpdateBuildCard fetches and renders the current status once.
func (p *Pipeline) UpdateBuildCard(ctx context.Context, id domain.JobID) error {
	px, err := p.proxy(id)
	if err != nil {
		return err
	}

	rec, err := px.FetchStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetch status of %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return p.UpdateBuildCardFromJSON(rec, true)
}

// UpdateBuildCardFromJSON replaces the card of rec.ID with the rendered record.
// The card carries its own status bar and icons, so any spinner placed by
// ShowSpinner is removed.
func (p *Pipeline) UpdateBuildCardFromJSON(rec domain.StatusRecord, fadeIn bool) error {
	if rec.ID == "" {
		return errors.New("status record without job id")
	}

	for _, kind := range []domain.RegionKind{domain.RegionStatusBar, domain.RegionIcons} {
		r := domain.Region{Kind: kind, Job: rec.ID}
		if err := p.surf.Clear(r); err != nil {
			return fmt.Errorf("clear %s: %w", r, err)
		}
	}

	region := domain.Region{Kind: domain.RegionBuildCard, Job: rec.ID}
	if err := p.surf.Clear(region); err != nil {
		return fmt.Errorf("clear %s: %w", region, err)
	}

	var fade time.Duration
	if fadeIn {
		fade = p.fadeIn
	}
	if err := p.surf.Replace(region, p.render.Render(rec), fade); err != nil {
		return fmt.Errorf("write %s: %w", region, err)
	}
	return nil
}

func (p *Pipeline) write(rec domain.StatusRecord, fadeIn bool) {
	if err := p.UpdateBuildCardFromJSON(rec, fadeIn); err != nil {
		p.log.Warn("render build card", zap.String("job", string(rec.ID)), zap.Error(err))
	}
}

// ShowSpinner puts an indeterminate progress bar in the job's status bar
// until a concrete build is known.
func (p *Pipeline) ShowSpinner(id domain.JobID) error {
	if err := p.surf.Replace(domain.Region{Kind: domain.RegionStatusBar, Job: id}, spinnerMarkup, 0); err != nil {
		return err
	}
	return p.surf.Clear(domain.Region{Kind: domain.RegionIcons, Job: id})
}

func (p *Pipeline) LatestBuildNumber(ctx context.Context, id domain.JobID) (int64, error) {
	px, err := p.proxy(id)
	if err != nil {
		return 0, err
	}

	rec, err := px.FetchStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch status of %s: %w", id, err)
	}
	p.log.Info("latest build", zap.String("job", string(id)), zap.Int64("build", rec.Build.Number))
	return rec.Build.Number, nil
}

func (p *Pipeline) FillDialog(href, title string) error {
	if p.chrome == nil {
		return nil
	}
	return p.chrome.Open(href, title)
}

func (p *Pipeline) CloseDialog() error {
	if p.chrome == nil {
		return nil
	}
	return p.chrome.Close()
}

func (p *Pipeline) ShowModalSpinner() {
	if p.chrome != nil {
		p.chrome.ShowBusy()
	}
}

func (p *Pipeline) HideModalSpinner() {
	if p.chrome != nil {
		p.chrome.HideBusy()
	}
}

func (p *Pipeline) proxy(id domain.JobID) (domain.BuildProxy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.proxies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return px, nil
}

func (p *Pipeline) baseCtx() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.base
}
