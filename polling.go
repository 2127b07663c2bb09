package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PollResultEvent carries one successful status poll.
type PollResultEvent struct {
	ContextID string
	Printer   PrinterDetails
	Snapshot  StatusSnapshot
}

// PollErrorEvent carries one failed status poll. Polling continues on the
// next tick regardless.
type PollErrorEvent struct {
	ContextID string
	Printer   PrinterDetails
	Err       error
}

// pollEntry is one context's poll loop. inFlight guards against overlap: a
// tick that lands while the previous request is still outstanding is skipped
// rather than queued.
type pollEntry struct {
	pc       *PrinterContext
	stop     chan struct{}
	stopOnce sync.Once
	inFlight atomic.Bool
	gen      uint64
	failures atomic.Uint64
}

// pollingService drives one fixed-interval status loop per live context.
// Loops are independent: a slow or dead printer never delays the others.
type pollingService struct {
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	entries map[string]*pollEntry
	nextGen uint64

	listenerMu sync.Mutex
	onResult   []func(PollResultEvent)
	onError    []func(PollErrorEvent)
}

func newPollingService(interval, timeout time.Duration) *pollingService {
	return &pollingService{
		interval: interval,
		timeout:  timeout,
		entries:  make(map[string]*pollEntry),
	}
}

func (s *pollingService) PollResult(fn func(PollResultEvent)) {
	s.listenerMu.Lock()
	s.onResult = append(s.onResult, fn)
	s.listenerMu.Unlock()
}

func (s *pollingService) PollError(fn func(PollErrorEvent)) {
	s.listenerMu.Lock()
	s.onError = append(s.onError, fn)
	s.listenerMu.Unlock()
}

// startPollingForContext begins the poll loop for pc. Starting an
// already-polled context is a no-op. The first poll fires immediately so the
// UI is not blank for a full interval after connect.
func (s *pollingService) startPollingForContext(pc *PrinterContext) {
	s.mu.Lock()
	if _, running := s.entries[pc.ID]; running {
		s.mu.Unlock()
		return
	}
	s.nextGen++
	entry := &pollEntry{
		pc:   pc,
		stop: make(chan struct{}),
		gen:  s.nextGen,
	}
	s.entries[pc.ID] = entry
	s.mu.Unlock()

	pc.setPollingActive(true)
	logger.Debug("polling started", "context_id", pc.ID, "printer", pc.Details.Name, "interval", s.interval)
	go s.run(entry)
}

// stopPollingForContext halts the loop for the given context id. An unknown
// id is a no-op. A poll already in flight finishes on its own; its result is
// discarded because the entry is gone by the time it reports.
func (s *pollingService) stopPollingForContext(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.stopOnce.Do(func() { close(entry.stop) })
	entry.pc.setPollingActive(false)
	logger.Debug("polling stopped", "context_id", id, "printer", entry.pc.Details.Name)
}

func (s *pollingService) stopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stopPollingForContext(id)
	}
}

func (s *pollingService) isPolling(id string) bool {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	return ok
}

func (s *pollingService) run(entry *pollEntry) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollOnce(entry)
	for {
		select {
		case <-entry.stop:
			return
		case <-ticker.C:
			if entry.inFlight.Load() {
				logger.Debug("poll still in flight; skipping tick",
					"context_id", entry.pc.ID, "printer", entry.pc.Details.Name)
				continue
			}
			s.pollOnce(entry)
		}
	}
}

func (s *pollingService) pollOnce(entry *pollEntry) {
	if !entry.inFlight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer entry.inFlight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		snap, err := entry.pc.backend.Status(ctx)
		cancel()

		// The entry may have been stopped while the request was out; a
		// stale result must not reach the listeners.
		if !s.entryLive(entry) {
			return
		}

		if err != nil {
			n := entry.failures.Add(1)
			logger.Warn("status poll failed",
				"context_id", entry.pc.ID, "printer", entry.pc.Details.Name,
				"consecutive_failures", n, "error", err)
			s.emitError(PollErrorEvent{
				ContextID: entry.pc.ID,
				Printer:   entry.pc.Details,
				Err:       err,
			})
			return
		}

		entry.failures.Store(0)
		if snap.TakenAt.IsZero() {
			snap.TakenAt = time.Now()
		}
		entry.pc.recordSnapshot(snap)
		s.emitResult(PollResultEvent{
			ContextID: entry.pc.ID,
			Printer:   entry.pc.Details,
			Snapshot:  snap,
		})
	}()
}

// entryLive reports whether the entry is still the registered loop for its
// context id. A restarted context gets a new generation, so a poll left over
// from the old loop fails this check.
func (s *pollingService) entryLive(entry *pollEntry) bool {
	s.mu.Lock()
	current, ok := s.entries[entry.pc.ID]
	s.mu.Unlock()
	return ok && current.gen == entry.gen
}

func (s *pollingService) emitResult(evt PollResultEvent) {
	s.listenerMu.Lock()
	listeners := make([]func(PollResultEvent), len(s.onResult))
	copy(listeners, s.onResult)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

func (s *pollingService) emitError(evt PollErrorEvent) {
	s.listenerMu.Lock()
	listeners := make([]func(PollErrorEvent), len(s.onError))
	copy(listeners, s.onError)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}
