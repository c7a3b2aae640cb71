package domain

import (
	"context"
	"time"
)

// BuildProxy is the remote handle of a single job.
type BuildProxy interface {
	FetchStatus(ctx context.Context) (StatusRecord, error)
	TriggerManualBuild(ctx context.Context, upstreamBuildNumber int64, targetJobName, upstreamJobName string) (PendingRef, error)
	RerunBuild(ctx context.Context, externalizableID string) (PendingRef, error)
	// ResolvePending returns 0 while ref is still queued. A non-zero result
	// pins the build so later FetchStatus calls report it.
	ResolvePending(ctx context.Context, ref PendingRef) (BuildNumber, error)
}

type Renderer interface {
	Render(r StatusRecord) Markup
}

type Surface interface {
	Replace(region Region, m Markup, fade time.Duration) error
	Clear(region Region) error
}

type Bus interface {
	Publish(ctx context.Context, event string) error
	Subscribe(event string, fn func(ctx context.Context)) (unsubscribe func())
}

type Chrome interface {
	Open(href, title string) error
	Close() error
	ShowBusy()
	HideBusy()
}

type Notifier interface {
	Notify(ctx context.Context, title, body, url string) error
}

// StopFunc ends the calling poll session. It reports true only for the call
// that actually stopped it.
type StopFunc func() bool

// PollFunc is run once per tick. ctx is cancelled when the session stops.
type PollFunc func(ctx context.Context, stop StopFunc)

type Poller interface {
	StartPolling(ctx context.Context, key SessionKey, every time.Duration, fn PollFunc)
	StopPolling(key SessionKey)
}

type TickOutcome string

const (
	TickPending  TickOutcome = "pending"
	TickResolved TickOutcome = "resolved"
	TickRunning  TickOutcome = "running"
	TickFinished TickOutcome = "finished"
	TickFailed   TickOutcome = "failed"
	TickStale    TickOutcome = "stale"
)

type PollObserver interface {
	SessionStarted(p Phase)
	SessionStopped(p Phase)
	Tick(p Phase, o TickOutcome)
	Cascade(from JobID, to JobID)
}

type NopObserver struct{}

func (NopObserver) SessionStarted(Phase)    {}
func (NopObserver) SessionStopped(Phase)    {}
func (NopObserver) Tick(Phase, TickOutcome) {}
func (NopObserver) Cascade(JobID, JobID)    {}
