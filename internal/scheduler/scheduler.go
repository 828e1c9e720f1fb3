package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/fanyifanyi/fanyifanyi/internal/logger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// CancelFunc removes a scheduled task. It is safe to call more than once.
type CancelFunc = func()

// Scheduler runs one-shot timers and recurring cron entries. Tasks are
// tracked by id so Stop can tear everything down.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
	started bool
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{}))),
		entries: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	logger.Debug("Scheduler started")
}

// Stop cancels pending timers and waits for running cron jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	logger.Debug("Scheduler stopped")
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) CancelFunc {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			runSafely(id, fn)
		}
	})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

// Every runs fn on a fixed interval, starting one interval from now.
func (s *Scheduler) Every(d time.Duration, fn func()) CancelFunc {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return func() {}
	}
	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", d), fn)
	if err != nil {
		logger.Error("Failed to schedule task every %s: %v", d, err)
		return func() {}
	}
	s.entries[id] = entryID
	logger.Debug("Added recurring task %s every %s", id[:8], d)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if entryID, ok := s.entries[id]; ok {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}
}

// Pending reports the number of live timers and cron entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + len(s.entries)
}

func runSafely(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scheduled task %s panicked: %v", id[:8], r)
		}
	}()
	fn()
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
