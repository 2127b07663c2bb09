package main

import (
	"sync"
	"time"
)

// notificationSink delivers one fired notification to an output channel
// (desktop toast, Discord, ...). Delivery errors are logged, never retried:
// the dedup flags have already latched, so a flaky sink cannot cause a storm.
type notificationSink interface {
	name() string
	deliver(evt NotificationEvent) error
}

// notifyCoordinator watches poll results and decides when a user-facing
// notification fires. One notifyState per context; removing a context drops
// its state, so a re-added printer starts from a clean slate.
type notifyCoordinator struct {
	cooledThreshold float64
	completeEnabled bool
	cooledEnabled   bool

	mu     sync.Mutex
	states map[string]*notifyState

	sinkMu sync.Mutex
	sinks  []notificationSink

	listenerMu sync.Mutex
	onFired    []func(NotificationEvent)
}

func newNotifyCoordinator(cfg Config) *notifyCoordinator {
	return &notifyCoordinator{
		cooledThreshold: cfg.CooledThresholdC,
		completeEnabled: cfg.NotifyPrintComplete,
		cooledEnabled:   cfg.NotifyPrinterCooled,
		states:          make(map[string]*notifyState),
	}
}

func (c *notifyCoordinator) addSink(s notificationSink) {
	if s == nil {
		return
	}
	c.sinkMu.Lock()
	c.sinks = append(c.sinks, s)
	c.sinkMu.Unlock()
}

func (c *notifyCoordinator) NotificationFired(fn func(NotificationEvent)) {
	c.listenerMu.Lock()
	c.onFired = append(c.onFired, fn)
	c.listenerMu.Unlock()
}

// handlePollResult feeds one snapshot through the owning context's state
// machine and dispatches whatever it decides to fire.
func (c *notifyCoordinator) handlePollResult(evt PollResultEvent) {
	c.mu.Lock()
	st, ok := c.states[evt.ContextID]
	if !ok {
		st = &notifyState{}
		c.states[evt.ContextID] = st
	}
	kinds := st.observe(evt.Snapshot, c.cooledThreshold)
	c.mu.Unlock()

	for _, kind := range kinds {
		if kind == notifyPrintComplete && !c.completeEnabled {
			continue
		}
		if kind == notifyPrinterCooled && !c.cooledEnabled {
			continue
		}
		c.fire(NotificationEvent{
			Kind:      kind,
			ContextID: evt.ContextID,
			Printer:   evt.Printer.Name,
			JobName:   evt.Snapshot.JobName,
			BedTemp:   evt.Snapshot.BedTemp,
			FiredAt:   time.Now(),
		})
	}
}

func (c *notifyCoordinator) fire(evt NotificationEvent) {
	logger.Info("notification fired",
		"kind", evt.Kind, "context_id", evt.ContextID, "printer", evt.Printer, "job", evt.JobName)

	c.sinkMu.Lock()
	sinks := append([]notificationSink(nil), c.sinks...)
	c.sinkMu.Unlock()
	for _, s := range sinks {
		if err := s.deliver(evt); err != nil {
			logger.Warn("notification delivery failed",
				"sink", s.name(), "kind", evt.Kind, "printer", evt.Printer, "error", err)
		}
	}

	c.listenerMu.Lock()
	listeners := make([]func(NotificationEvent), len(c.onFired))
	copy(listeners, c.onFired)
	c.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

// dispose drops the per-context state when its context is removed.
func (c *notifyCoordinator) dispose(contextID string) {
	c.mu.Lock()
	delete(c.states, contextID)
	c.mu.Unlock()
}

func (c *notifyCoordinator) trackedCount() int {
	c.mu.Lock()
	n := len(c.states)
	c.mu.Unlock()
	return n
}
