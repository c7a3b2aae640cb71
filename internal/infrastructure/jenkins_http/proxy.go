package jenkins_http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bndr/gojenkins"
	"github.com/davarch/pipeline-view/internal/domain"
)

// Proxy is the domain.BuildProxy of one Jenkins job. It reports the last
// build of its job until ResolvePending pins the build that a trigger or
// re-run queued, which may belong to another job. The pin is dropped once
// that build is seen finished.
type Proxy struct {
	c   *Client
	id  domain.JobID
	job string

	mu     sync.Mutex
	queued string
	pin    buildRef
}

type buildRef struct {
	job    string
	number int64
}

func (p *Proxy) FetchStatus(ctx context.Context) (domain.StatusRecord, error) {
	ref := p.target()
	job, err := p.c.getJob(ctx, ref.job)
	if err != nil {
		return domain.StatusRecord{}, err
	}

	var b *gojenkins.Build
	err = retry(ctx, func() error {
		var err error
		if ref.number > 0 {
			b, err = job.GetBuild(ctx, ref.number)
		} else {
			b, err = job.GetLastBuild(ctx)
		}
		return classify(err)
	})
	if err != nil {
		return domain.StatusRecord{}, fmt.Errorf("status of %s: %w", ref.job, err)
	}

	if b == nil || b.Raw == nil {
		return domain.StatusRecord{
			ID:    p.id,
			Build: domain.BuildInfo{Status: domain.StatusNotBuilt, Title: ref.job},
		}, nil
	}

	rec := toRecord(p.id, b.Raw, p.c.now())
	if ref.number > 0 && !rec.Running() {
		p.release(ref)
	}
	return rec, nil
}

func (p *Proxy) TriggerManualBuild(ctx context.Context, upstreamBuildNumber int64, targetJobName, upstreamJobName string) (domain.PendingRef, error) {
	params := map[string]string{}
	if upstreamJobName != "" && upstreamBuildNumber > 0 {
		ub, err := p.c.getBuild(ctx, upstreamJobName, upstreamBuildNumber)
		if err != nil {
			return 0, err
		}
		params = parameters(ub)
	}

	if targetJobName == "" {
		targetJobName = p.job
	}
	return p.invoke(ctx, targetJobName, params)
}

func (p *Proxy) RerunBuild(ctx context.Context, externalizableID string) (domain.PendingRef, error) {
	name, number, err := parseExternalizableID(externalizableID)
	if err != nil {
		return 0, err
	}

	b, err := p.c.getBuild(ctx, name, number)
	if err != nil {
		return 0, err
	}
	return p.invoke(ctx, name, parameters(b))
}

func (p *Proxy) ResolvePending(ctx context.Context, ref domain.PendingRef) (domain.BuildNumber, error) {
	if err := p.c.Connect(ctx); err != nil {
		return 0, err
	}

	var n int64
	err := retry(ctx, func() error {
		task, err := p.c.jenkins.GetQueueItem(ctx, int64(ref))
		if err != nil {
			return classify(err)
		}
		if task.Raw != nil {
			n = task.Raw.Executable.Number
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue item %d: %w", ref, err)
	}

	if n > 0 {
		p.pinTo(n)
	}
	return domain.BuildNumber(n), nil
}

// invoke is not retried: a repeated POST would queue a second build.
func (p *Proxy) invoke(ctx context.Context, name string, params map[string]string) (domain.PendingRef, error) {
	job, err := p.c.getJob(ctx, name)
	if err != nil {
		return 0, err
	}

	queueID, err := job.InvokeSimple(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("invoke %s: %w", name, err)
	}
	if queueID <= 0 {
		return 0, errors.New("jenkins returned no queue item for " + name)
	}

	p.mu.Lock()
	p.queued = name
	p.mu.Unlock()
	return domain.PendingRef(queueID), nil
}

// target is the build FetchStatus reports: the pinned one, or the last build
// of the proxy's own job.
func (p *Proxy) target() buildRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pin.number > 0 {
		return p.pin
	}
	return buildRef{job: p.job}
}

// pinTo pins build n of the most recently invoked job.
func (p *Proxy) pinTo(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job := p.queued
	if job == "" {
		job = p.job
	}
	p.pin = buildRef{job: job, number: n}
}

// release drops ref unless a newer build was pinned meanwhile.
func (p *Proxy) release(ref buildRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pin == ref {
		p.pin = buildRef{}
	}
}

func toRecord(id domain.JobID, raw *gojenkins.BuildResponse, now time.Time) domain.StatusRecord {
	started := time.UnixMilli(raw.Timestamp)
	dur := time.Duration(raw.Duration) * time.Millisecond
	if raw.Building {
		dur = now.Sub(started)
	}

	title := raw.FullDisplayName
	if title == "" {
		title = raw.DisplayName
	}

	return domain.StatusRecord{
		ID: id,
		Build: domain.BuildInfo{
			Number:   raw.Number,
			Progress: progress(raw.Building, started, float64(raw.EstimatedDuration), now),
			Status:   statusOf(raw.Result, raw.Building),
			Title:    title,
			URL:      raw.URL,
			Started:  started,
			Duration: dur,
		},
	}
}

// progress never reports 0 for a running build, 0 is reserved for "not
// running".
func progress(building bool, started time.Time, estimatedMs float64, now time.Time) int {
	if !building {
		return 0
	}
	if estimatedMs <= 0 {
		return 1
	}
	pct := int(float64(now.Sub(started).Milliseconds()) * 100 / estimatedMs)
	return max(1, min(pct, 99))
}

func statusOf(result string, building bool) domain.BuildStatus {
	if building {
		return domain.StatusBuilding
	}
	switch domain.BuildStatus(result) {
	case domain.StatusSuccess, domain.StatusFailure, domain.StatusUnstable, domain.StatusAborted, domain.StatusNotBuilt:
		return domain.BuildStatus(result)
	default:
		return domain.StatusPending
	}
}
