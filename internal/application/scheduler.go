package application

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/davarch/pipeline-view/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler owns the repeating poll sessions, at most one per key.
type Scheduler struct {
	log       *zap.Logger
	obs       domain.PollObserver
	pauseFile string

	mu       sync.Mutex
	sessions map[domain.SessionKey]*session
	running  int
	changed  chan struct{}
	wg       sync.WaitGroup
}

type session struct {
	id      uuid.UUID
	key     domain.SessionKey
	cancel  context.CancelFunc
	stopped bool
}

func NewScheduler(l *zap.Logger, obs domain.PollObserver, pauseFile string) *Scheduler {
	if obs == nil {
		obs = domain.NopObserver{}
	}
	return &Scheduler{
		log: l, obs: obs, pauseFile: pauseFile,
		sessions: make(map[domain.SessionKey]*session),
		changed:  make(chan struct{}),
	}
}

// StartPolling runs fn every interval until the session is stopped or ctx is
// done. A session already registered under key is stopped first.
func (s *Scheduler) StartPolling(ctx context.Context, key domain.SessionKey, every time.Duration, fn domain.PollFunc) {
	sctx, cancel := context.WithCancel(ctx)
	ss := &session{id: uuid.New(), key: key, cancel: cancel}

	s.mu.Lock()
	old := s.sessions[key]
	if old != nil {
		old.stopped = true
		old.cancel()
	}
	s.sessions[key] = ss
	s.wg.Add(1)
	s.notifyLocked()
	s.mu.Unlock()

	if old != nil {
		s.obs.SessionStopped(key.Phase)
		s.log.Debug("poll session replaced",
			zap.String("key", key.String()),
			zap.String("old", old.id.String()),
			zap.String("session", ss.id.String()),
		)
	}
	s.obs.SessionStarted(key.Phase)
	s.log.Debug("poll session started",
		zap.String("key", key.String()),
		zap.String("session", ss.id.String()),
		zap.Duration("every", every),
	)

	go s.loop(sctx, ss, every, fn)
}

// StopPolling is a no-op for unknown or already stopped keys.
func (s *Scheduler) StopPolling(key domain.SessionKey) {
	s.mu.Lock()
	ss := s.sessions[key]
	s.mu.Unlock()

	if ss != nil {
		s.stop(ss)
	}
}

// StopAll stops every session and waits for their goroutines to exit.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		all = append(all, ss)
	}
	s.mu.Unlock()

	for _, ss := range all {
		s.stop(ss)
	}
	s.wg.Wait()
}

func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Scheduler) ActiveFor(p domain.Phase) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.sessions {
		if k.Phase == p {
			n++
		}
	}
	return n
}

// WaitIdle blocks until no session is registered and no tick is running.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.sessions) == 0 && s.running == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, ss *session, every time.Duration, fn domain.PollFunc) {
	defer s.wg.Done()

	t := time.NewTicker(every)
	defer t.Stop()

	stop := func() bool { return s.stop(ss) }

	for {
		select {
		case <-ctx.Done():
			s.stop(ss)
			return
		case <-t.C:
			if ctx.Err() != nil {
				s.stop(ss)
				return
			}
			if s.isPaused() {
				s.log.Debug("paused: skipping tick", zap.String("key", ss.key.String()))
				continue
			}
			s.tick(ctx, fn, stop)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, fn domain.PollFunc, stop domain.StopFunc) {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.notifyLocked()
		s.mu.Unlock()
	}()

	fn(ctx, stop)
}

func (s *Scheduler) stop(ss *session) bool {
	s.mu.Lock()
	if ss.stopped {
		s.mu.Unlock()
		return false
	}
	ss.stopped = true
	if s.sessions[ss.key] == ss {
		delete(s.sessions, ss.key)
	}
	s.notifyLocked()
	s.mu.Unlock()

	ss.cancel()
	s.obs.SessionStopped(ss.key.Phase)
	s.log.Debug("poll session stopped",
		zap.String("key", ss.key.String()),
		zap.String("session", ss.id.String()),
	)
	return true
}

func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}
