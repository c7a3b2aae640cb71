package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixture struct {
	p      *Pipeline
	poller *domain.ManualPoller
	surf   *domain.MockSurface
	bus    *domain.MockBus
	render *domain.MockRenderer
	note   *domain.MockNotifier
	chrome *domain.MockChrome
}

func newFixture(proxies map[domain.JobID]domain.BuildProxy) *fixture {
	f := &fixture{
		poller: &domain.ManualPoller{},
		surf:   &domain.MockSurface{},
		bus:    &domain.MockBus{},
		render: &domain.MockRenderer{},
		note:   &domain.MockNotifier{},
		chrome: &domain.MockChrome{},
	}
	f.p = NewPipeline(PipelineConfig{
		Proxies:  proxies,
		Renderer: f.render,
		Surface:  f.surf,
		Bus:      f.bus,
		Poller:   f.poller,
		Chrome:   f.chrome,
		Notifier: f.note,
	})
	return f
}

func status(id domain.JobID, number int64, progress int) domain.StatusRecord {
	st := domain.StatusBuilding
	if progress <= 0 {
		st = domain.StatusSuccess
	}
	return domain.StatusRecord{ID: id, Build: domain.BuildInfo{Number: number, Progress: progress, Status: st, Title: "projY"}}
}

func resolveKey(id domain.JobID) domain.SessionKey {
	return domain.SessionKey{Job: id, Phase: domain.PhaseResolve}
}

func progressKey(id domain.JobID) domain.SessionKey {
	return domain.SessionKey{Job: id, Phase: domain.PhaseProgress}
}

func TestShowProgress_RendersEveryTickAndCascadesOnce(t *testing.T) {
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("3", 9, 40), status("3", 9, 10), status("3", 9, 0)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	if err := f.p.ShowProgress("3", []domain.JobID{"5", "7"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if !f.poller.Tick(progressKey("3")) {
			t.Fatalf("no progress session at tick %d", i)
		}
		if i < 3 && len(f.bus.Published) != 0 {
			t.Fatalf("cascade before completion at tick %d: %v", i, f.bus.Published)
		}
	}

	cards := f.surf.Replaces(domain.RegionBuildCard)
	if len(cards) != 3 {
		t.Fatalf("expected 3 renders, got %d", len(cards))
	}
	wantFades := []time.Duration{0, 0, DefaultFadeIn}
	for i, c := range cards {
		if c.Fade != wantFades[i] {
			t.Errorf("render %d: fade %v, want %v", i+1, c.Fade, wantFades[i])
		}
	}

	if len(f.bus.Published) != 2 || f.bus.Count("show-status-5") != 1 || f.bus.Count("show-status-7") != 1 {
		t.Errorf("unexpected cascade: %v", f.bus.Published)
	}
	if f.poller.Active(progressKey("3")) {
		t.Errorf("progress session still active after completion")
	}
	if len(f.note.Messages) != 1 {
		t.Errorf("expected 1 notification, got %d", len(f.note.Messages))
	}
}

func TestShowProgress_LateTickDoesNotCascadeAgain(t *testing.T) {
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("3", 9, 0)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	_ = f.p.ShowProgress("3", []domain.JobID{"5"})
	sess := f.poller.Session(progressKey("3"))
	if sess == nil {
		t.Fatal("no progress session")
	}

	sess.Fire()
	sess.Fire()

	if n := f.bus.Count("show-status-5"); n != 1 {
		t.Errorf("expected exactly 1 cascade, got %d", n)
	}
	if n := len(f.surf.Replaces(domain.RegionBuildCard)); n != 1 {
		t.Errorf("late tick rendered: %d renders", n)
	}
}

func TestTriggerBuild_ResolvesOnThirdTick(t *testing.T) {
	px := &domain.MockProxy{
		Pending:  900,
		Resolves: []domain.BuildNumber{0, 0, 57},
		Statuses: []domain.StatusRecord{status("3", 57, 30)},
	}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	if err := f.p.TriggerBuild(context.Background(), "3", "projX", 12, "projY", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i <= 2; i++ {
		f.poller.Tick(resolveKey("3"))
		if f.poller.Active(progressKey("3")) {
			t.Fatalf("progress polling started at tick %d", i)
		}
	}

	f.poller.Tick(resolveKey("3"))
	if f.poller.Active(resolveKey("3")) {
		t.Error("resolve session still active")
	}
	if !f.poller.Active(progressKey("3")) {
		t.Fatal("progress session not started")
	}
	if px.Pinned != 57 {
		t.Errorf("pinned build %d, want 57", px.Pinned)
	}
	if px.Fetches != 0 {
		t.Errorf("status fetched before progress tick: %d", px.Fetches)
	}

	f.poller.Tick(progressKey("3"))
	cards := f.surf.Replaces(domain.RegionBuildCard)
	if len(cards) != 1 || f.render.Calls[0].Build.Number != 57 {
		t.Errorf("expected a render of build 57, got %v", f.render.Calls)
	}
}

func TestPipeline_OneSessionPerJobAndPhase(t *testing.T) {
	px := &domain.MockProxy{Pending: 1, Statuses: []domain.StatusRecord{status("3", 1, 50)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	ctx := context.Background()
	_ = f.p.TriggerBuild(ctx, "3", "up", 1, "down", nil)
	_ = f.p.RerunBuild(ctx, "3", "down#4", nil)
	_ = f.p.ShowProgress("3", nil)
	_ = f.p.ShowProgress("3", nil)

	for k, n := range f.poller.MaxActive {
		if n > 1 {
			t.Errorf("%s: %d concurrent sessions", k, n)
		}
	}
	if len(f.poller.Started) != 4 {
		t.Errorf("expected 4 session starts, got %d", len(f.poller.Started))
	}
}

func TestUpdateBuildCardFromJSON_Idempotent(t *testing.T) {
	once := newFixture(nil)
	twice := newFixture(nil)
	rec := status("3", 12, 0)

	_ = once.p.UpdateBuildCardFromJSON(rec, true)
	_ = twice.p.UpdateBuildCardFromJSON(rec, true)
	_ = twice.p.UpdateBuildCardFromJSON(rec, true)

	if len(once.surf.Regions) != len(twice.surf.Regions) {
		t.Fatalf("region count differs: %d vs %d", len(once.surf.Regions), len(twice.surf.Regions))
	}
	for r, m := range once.surf.Regions {
		if twice.surf.Regions[r] != m {
			t.Errorf("region %s: %q vs %q", r, m, twice.surf.Regions[r])
		}
	}
}

func TestUpdateBuildCardFromJSON_RejectsRecordWithoutID(t *testing.T) {
	f := newFixture(nil)
	if err := f.p.UpdateBuildCardFromJSON(domain.StatusRecord{}, false); err == nil {
		t.Fatal("expected error")
	}
	if len(f.surf.Ops) != 0 {
		t.Errorf("surface touched: %v", f.surf.Ops)
	}
}

func TestTriggerBuild_EndToEnd(t *testing.T) {
	px := &domain.MockProxy{
		Pending:  44,
		Resolves: []domain.BuildNumber{101},
		Statuses: []domain.StatusRecord{status("3", 101, 55), status("3", 101, 0)},
	}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	if err := f.p.TriggerBuild(context.Background(), "3", "projX", 12, "projY", []domain.JobID{"5", "7"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(px.Triggered) != 1 || px.Triggered[0] != "projX#12->projY" {
		t.Fatalf("unexpected trigger: %v", px.Triggered)
	}
	if f.surf.Regions[domain.Region{Kind: domain.RegionStatusBar, Job: "3"}] != spinnerMarkup {
		t.Error("spinner not shown")
	}

	f.poller.Tick(resolveKey("3"))
	f.poller.Tick(progressKey("3"))
	f.poller.Tick(progressKey("3"))
	f.poller.Tick(progressKey("3"))

	cards := f.surf.Replaces(domain.RegionBuildCard)
	if len(cards) != 2 {
		t.Fatalf("expected 2 renders, got %d", len(cards))
	}
	if cards[0].Fade != 0 || cards[0].Markup != "card 3 #101 55%" {
		t.Errorf("first render: %+v", cards[0])
	}
	if cards[1].Fade != DefaultFadeIn || cards[1].Markup != "card 3 #101 0%" {
		t.Errorf("second render: %+v", cards[1])
	}
	if f.bus.Count("show-status-5") != 1 || f.bus.Count("show-status-7") != 1 || len(f.bus.Published) != 2 {
		t.Errorf("unexpected cascade: %v", f.bus.Published)
	}
}

func TestShowProgress_FailedFetchIsRetried(t *testing.T) {
	px := &domain.MockProxy{
		FetchErr: errors.New("connection reset"),
		Statuses: []domain.StatusRecord{status("3", 2, 0)},
	}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	_ = f.p.ShowProgress("3", []domain.JobID{"5"})

	f.poller.Tick(progressKey("3"))
	if !f.poller.Active(progressKey("3")) {
		t.Fatal("session ended on a failed fetch")
	}
	if len(f.surf.Ops) != 0 {
		t.Errorf("rendered on failure: %v", f.surf.Ops)
	}

	f.poller.Tick(progressKey("3"))
	if f.bus.Count("show-status-5") != 1 {
		t.Errorf("expected cascade after retry, got %v", f.bus.Published)
	}
}

func TestWatch_CascadeStartsDependencyTracking(t *testing.T) {
	up := &domain.MockProxy{Statuses: []domain.StatusRecord{status("3", 1, 0)}}
	down := &domain.MockProxy{Statuses: []domain.StatusRecord{status("5", 8, 20)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": up, "5": down})

	f.p.Watch(context.Background(), []domain.Job{
		{ID: "3", Name: "projX", Dependencies: []domain.JobID{"5"}},
		{ID: "5", Name: "projY"},
	})
	defer f.p.Close()

	_ = f.p.ShowProgress("3", []domain.JobID{"5"})
	f.poller.Tick(progressKey("3"))

	if !f.poller.Active(progressKey("5")) {
		t.Fatal("dependency not tracked after cascade")
	}
	f.poller.Tick(progressKey("5"))
	if down.Fetches != 1 {
		t.Errorf("dependency fetched %d times", down.Fetches)
	}
}

func TestUpdateBuildCard_OneShot(t *testing.T) {
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("3", 4, 0)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	if err := f.p.UpdateBuildCard(context.Background(), "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cards := f.surf.Replaces(domain.RegionBuildCard)
	if len(cards) != 1 || cards[0].Fade != DefaultFadeIn {
		t.Errorf("unexpected renders: %+v", cards)
	}
	if len(f.poller.Started) != 0 || len(f.bus.Published) != 0 {
		t.Error("one-shot refresh started polling or cascaded")
	}
}

func TestShowSpinner_ClearsIcons(t *testing.T) {
	f := newFixture(nil)
	icons := domain.Region{Kind: domain.RegionIcons, Job: "3"}
	_ = f.surf.Replace(icons, "<a>console</a>", 0)

	if err := f.p.ShowSpinner("3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.surf.Regions[icons]; ok {
		t.Error("icons not cleared")
	}
	if f.surf.Regions[domain.Region{Kind: domain.RegionStatusBar, Job: "3"}] != spinnerMarkup {
		t.Error("status bar has no spinner")
	}
}

func TestTriggerBuild_Errors(t *testing.T) {
	px := &domain.MockProxy{Err: errors.New("403")}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	if err := f.p.TriggerBuild(context.Background(), "3", "a", 1, "b", nil); err == nil {
		t.Error("expected trigger error")
	}
	if err := f.p.RerunBuild(context.Background(), "9", "b#1", nil); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}
	if len(f.poller.Started) != 0 {
		t.Error("session started after failed trigger")
	}
}

func TestLatestBuildNumber(t *testing.T) {
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("3", 77, 0)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	n, err := f.p.LatestBuildNumber(context.Background(), "3")
	if err != nil || n != 77 {
		t.Errorf("got %d, %v", n, err)
	}
}

func TestDialogChrome(t *testing.T) {
	f := newFixture(nil)
	_ = f.p.FillDialog("http://ci/job/a/1/console", "console")
	f.p.ShowModalSpinner()
	f.p.HideModalSpinner()
	_ = f.p.CloseDialog()

	want := []string{"open console http://ci/job/a/1/console", "busy", "idle", "close"}
	if len(f.chrome.Calls) != len(want) {
		t.Fatalf("got %v", f.chrome.Calls)
	}
	for i := range want {
		if f.chrome.Calls[i] != want[i] {
			t.Errorf("call %d: %q, want %q", i, f.chrome.Calls[i], want[i])
		}
	}
}

func TestRerunBuild_TracksNewBuild(t *testing.T) {
	px := &domain.MockProxy{
		Pending:  9,
		Resolves: []domain.BuildNumber{5},
		Statuses: []domain.StatusRecord{status("3", 5, 0)},
	}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})

	if err := f.p.RerunBuild(context.Background(), "3", "projY#4", []domain.JobID{"5"}); err != nil {
		t.Fatal(err)
	}
	if len(px.Reruns) != 1 || px.Reruns[0] != "projY#4" {
		t.Fatalf("unexpected reruns %v", px.Reruns)
	}

	f.poller.Tick(resolveKey("3"))
	f.poller.Tick(progressKey("3"))

	if px.Pinned != 5 {
		t.Errorf("pinned %d, want 5", px.Pinned)
	}
	if f.bus.Count("show-status-5") != 1 {
		t.Errorf("expected one cascade, got %v", f.bus.Published)
	}
}

func TestSetJobs_ReplacesSubscriptions(t *testing.T) {
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("5", 3, 20)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"5": px})

	f.p.Watch(context.Background(), []domain.Job{{ID: "5"}})
	f.p.SetJobs(nil)

	_ = f.bus.Publish(context.Background(), domain.ShowStatusEvent("5"))
	if f.poller.Active(progressKey("5")) {
		t.Error("unsubscribed job started tracking")
	}

	f.p.SetJobs([]domain.Job{{ID: "5"}})
	_ = f.bus.Publish(context.Background(), domain.ShowStatusEvent("5"))
	if !f.poller.Active(progressKey("5")) {
		t.Error("resubscribed job did not start tracking")
	}
}

func TestTriggerBuild_FinalCardReplacesSpinner(t *testing.T) {
	px := &domain.MockProxy{
		Pending:  44,
		Resolves: []domain.BuildNumber{101},
		Statuses: []domain.StatusRecord{status("3", 101, 55), status("3", 101, 0)},
	}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})
	bar := domain.Region{Kind: domain.RegionStatusBar, Job: "3"}
	icons := domain.Region{Kind: domain.RegionIcons, Job: "3"}

	if err := f.p.TriggerBuild(context.Background(), "3", "projX", 12, "projY", nil); err != nil {
		t.Fatal(err)
	}
	f.poller.Tick(resolveKey("3"))
	f.poller.Tick(progressKey("3"))
	if _, ok := f.surf.Regions[bar]; ok {
		t.Error("spinner still shown while the build is running")
	}
	f.poller.Tick(progressKey("3"))

	if _, ok := f.surf.Regions[bar]; ok {
		t.Errorf("status bar left behind: %q", f.surf.Regions[bar])
	}
	if _, ok := f.surf.Regions[icons]; ok {
		t.Errorf("icons left behind: %q", f.surf.Regions[icons])
	}
	if f.surf.Regions[domain.Region{Kind: domain.RegionBuildCard, Job: "3"}] != "card 3 #101 0%" {
		t.Errorf("unexpected final card %q", f.surf.Regions[domain.Region{Kind: domain.RegionBuildCard, Job: "3"}])
	}
}

func TestShowProgress_PreviousBuildIsNotNotified(t *testing.T) {
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("5", 7, 0)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"5": px})

	_ = f.p.ShowProgress("5", []domain.JobID{"9"})
	f.poller.Tick(progressKey("5"))

	if len(f.note.Messages) != 0 {
		t.Errorf("notified for a build that never ran in this session: %v", f.note.Messages)
	}
	if f.bus.Count("show-status-9") != 1 || len(f.surf.Replaces(domain.RegionBuildCard)) != 1 {
		t.Error("finished path skipped")
	}
}

func TestUpdateNextBuild_FastBuildIsNotified(t *testing.T) {
	px := &domain.MockProxy{
		Pending:  3,
		Resolves: []domain.BuildNumber{8},
		Statuses: []domain.StatusRecord{status("5", 8, 0)},
	}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"5": px})

	_ = f.p.UpdateNextBuildAndShowProgress("5", 3, nil)
	f.poller.Tick(resolveKey("5"))
	f.poller.Tick(progressKey("5"))

	if len(f.note.Messages) != 1 {
		t.Errorf("expected 1 notification, got %v", f.note.Messages)
	}
}

func TestFinished_NotifyFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	px := &domain.MockProxy{Statuses: []domain.StatusRecord{status("3", 9, 50), status("3", 9, 0)}}
	f := newFixture(map[domain.JobID]domain.BuildProxy{"3": px})
	f.note.Err = errors.New("notify-send: not found")
	f.p.log = zap.New(core)

	_ = f.p.ShowProgress("3", nil)
	f.poller.Tick(progressKey("3"))
	f.poller.Tick(progressKey("3"))

	entries := logs.FilterMessage("notify failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["job"] != "3" {
		t.Errorf("unexpected fields %v", entries[0].ContextMap())
	}
}
