package domain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProxy replays scripted responses. The last entry of Statuses and
// Resolves repeats once the script is exhausted.
type MockProxy struct {
	Statuses []StatusRecord
	Resolves []BuildNumber
	Pending  PendingRef
	Err      error
	FetchErr error

	Fetches      int
	ResolveCalls int
	Pinned       BuildNumber
	Triggered    []string
	Reruns       []string
}

func (m *MockProxy) FetchStatus(ctx context.Context) (StatusRecord, error) {
	m.Fetches++
	if m.FetchErr != nil {
		err := m.FetchErr
		m.FetchErr = nil
		return StatusRecord{}, err
	}
	if len(m.Statuses) == 0 {
		return StatusRecord{}, fmt.Errorf("no status scripted")
	}
	i := min(m.Fetches-1, len(m.Statuses)-1)
	return m.Statuses[i], nil
}

func (m *MockProxy) TriggerManualBuild(ctx context.Context, upstreamBuildNumber int64, targetJobName, upstreamJobName string) (PendingRef, error) {
	m.Triggered = append(m.Triggered, fmt.Sprintf("%s#%d->%s", upstreamJobName, upstreamBuildNumber, targetJobName))
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Pending, nil
}

func (m *MockProxy) RerunBuild(ctx context.Context, externalizableID string) (PendingRef, error) {
	m.Reruns = append(m.Reruns, externalizableID)
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Pending, nil
}

func (m *MockProxy) ResolvePending(ctx context.Context, ref PendingRef) (BuildNumber, error) {
	m.ResolveCalls++
	if len(m.Resolves) == 0 {
		return 0, nil
	}
	n := m.Resolves[min(m.ResolveCalls-1, len(m.Resolves)-1)]
	if n != 0 {
		m.Pinned = n
	}
	return n, nil
}

type MockRenderer struct {
	Calls []StatusRecord
}

func (r *MockRenderer) Render(rec StatusRecord) Markup {
	r.Calls = append(r.Calls, rec)
	return Markup(fmt.Sprintf("card %s #%d %d%%", rec.ID, rec.Build.Number, rec.Build.Progress))
}

type SurfaceOp struct {
	Op     string
	Region Region
	Markup Markup
	Fade   time.Duration
}

type MockSurface struct {
	mu      sync.Mutex
	Regions map[Region]Markup
	Ops     []SurfaceOp
}

func (s *MockSurface) Replace(region Region, m Markup, fade time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Regions == nil {
		s.Regions = make(map[Region]Markup)
	}
	s.Regions[region] = m
	s.Ops = append(s.Ops, SurfaceOp{Op: "replace", Region: region, Markup: m, Fade: fade})
	return nil
}

func (s *MockSurface) Clear(region Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Regions, region)
	s.Ops = append(s.Ops, SurfaceOp{Op: "clear", Region: region})
	return nil
}

// Replaces returns the replace operations that targeted kind.
func (s *MockSurface) Replaces(kind RegionKind) []SurfaceOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SurfaceOp
	for _, op := range s.Ops {
		if op.Op == "replace" && op.Region.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

type MockBus struct {
	mu        sync.Mutex
	Published []string
	handlers  map[string][]func(ctx context.Context)
}

func (b *MockBus) Publish(ctx context.Context, event string) error {
	b.mu.Lock()
	b.Published = append(b.Published, event)
	hs := append([]func(context.Context){}, b.handlers[event]...)
	b.mu.Unlock()

	for _, h := range hs {
		h(ctx)
	}
	return nil
}

func (b *MockBus) Subscribe(event string, fn func(ctx context.Context)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]func(context.Context))
	}
	b.handlers[event] = append(b.handlers[event], fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, event)
	}
}

func (b *MockBus) Count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.Published {
		if e == event {
			n++
		}
	}
	return n
}

type MockNotifier struct {
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(ctx context.Context, title, body, url string) error {
	n.Messages = append(n.Messages, title+"|"+body+"|"+url)
	return n.Err
}

type MockChrome struct {
	Calls []string
}

func (c *MockChrome) Open(href, title string) error {
	c.Calls = append(c.Calls, "open "+title+" "+href)
	return nil
}

func (c *MockChrome) Close() error {
	c.Calls = append(c.Calls, "close")
	return nil
}

func (c *MockChrome) ShowBusy() { c.Calls = append(c.Calls, "busy") }
func (c *MockChrome) HideBusy() { c.Calls = append(c.Calls, "idle") }

// ManualPoller is a Poller driven by explicit Tick calls. It keeps the
// highest number of sessions ever alive per key.
type ManualPoller struct {
	sessions  map[SessionKey]*ManualSession
	alive     map[SessionKey]int
	Started   []SessionKey
	MaxActive map[SessionKey]int
}

type ManualSession struct {
	Key     SessionKey
	Every   time.Duration
	fn      PollFunc
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	p       *ManualPoller
}

func (p *ManualPoller) StartPolling(ctx context.Context, key SessionKey, every time.Duration, fn PollFunc) {
	if p.sessions == nil {
		p.sessions = make(map[SessionKey]*ManualSession)
		p.alive = make(map[SessionKey]int)
		p.MaxActive = make(map[SessionKey]int)
	}
	if old := p.sessions[key]; old != nil {
		old.stop()
	}

	sctx, cancel := context.WithCancel(ctx)
	p.sessions[key] = &ManualSession{Key: key, Every: every, fn: fn, ctx: sctx, cancel: cancel, p: p}
	p.Started = append(p.Started, key)

	p.alive[key]++
	if p.alive[key] > p.MaxActive[key] {
		p.MaxActive[key] = p.alive[key]
	}
}

func (p *ManualPoller) StopPolling(key SessionKey) {
	if s := p.sessions[key]; s != nil {
		s.stop()
	}
}

// Session returns the live session for key, or nil.
func (p *ManualPoller) Session(key SessionKey) *ManualSession { return p.sessions[key] }

func (p *ManualPoller) Active(key SessionKey) bool { return p.sessions[key] != nil }

// Tick runs one tick of the live session under key. It reports false if
// there is none.
func (p *ManualPoller) Tick(key SessionKey) bool {
	s := p.sessions[key]
	if s == nil {
		return false
	}
	s.Fire()
	return true
}

// Fire runs the session's action even if it was already stopped, as a late
// in-flight tick would.
func (s *ManualSession) Fire() { s.fn(s.ctx, s.stop) }

func (s *ManualSession) stop() bool {
	if s.stopped {
		return false
	}
	s.stopped = true
	s.cancel()
	s.p.alive[s.Key]--
	if s.p.sessions[s.Key] == s {
		delete(s.p.sessions, s.Key)
	}
	return true
}
