package main

import (
	"sync"

	"github.com/fanyifanyi/fanyifanyi/internal/database"
	"github.com/fanyifanyi/fanyifanyi/internal/updater"
)

type attemptLogger interface {
	LogAttempt(a database.Attempt)
}

// historySink records how each check or download ended. Only a settled
// status that directly follows checking or downloading is written.
type historySink struct {
	log attemptLogger

	mu   sync.Mutex
	prev updater.Status
}

func newHistorySink(log attemptLogger) *historySink {
	return &historySink{log: log, prev: updater.StatusIdle}
}

func (h *historySink) Publish(ev updater.Event) {
	switch {
	case ev.Type == updater.EventSucceeded && ev.Startup != nil:
		h.log.LogAttempt(database.Attempt{
			Event:   "startup",
			Status:  "updated",
			Version: ev.Startup.CurrentVersion,
			Details: "from " + ev.Startup.PreviousVersion,
		})
	case ev.Type == updater.EventStatus && ev.Snapshot != nil:
		h.mu.Lock()
		prev := h.prev
		h.prev = ev.Snapshot.Status
		h.mu.Unlock()

		if a, ok := settledAttempt(prev, *ev.Snapshot); ok {
			h.log.LogAttempt(a)
		}
	}
}

func settledAttempt(prev updater.Status, s updater.Snapshot) (database.Attempt, bool) {
	var a database.Attempt
	switch prev {
	case updater.StatusChecking:
		a.Event = "check"
	case updater.StatusDownloading:
		a.Event = "download"
	default:
		return a, false
	}
	if s.Status == updater.StatusChecking || s.Status == updater.StatusDownloading {
		return a, false
	}

	a.Status = string(s.Status)
	if s.Info != nil {
		a.Version = s.Info.Version
	}
	if s.Status == updater.StatusError && s.Error != nil {
		a.ErrorKind = string(s.Error.Kind)
		a.Details = s.Error.Message
	}
	return a, true
}

// fanout delivers every event to each sink in order.
type fanout []updater.EventSink

func (f fanout) Publish(ev updater.Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}
