package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errDuplicatePrinter = errors.New("printer already managed by another context")
	errUnknownContext   = errors.New("unknown context")
)

type ContextCreatedEvent struct {
	ContextID string
	Info      ContextInfo
}

type ContextSwitchedEvent struct {
	ContextID         string
	PreviousContextID string
	Info              ContextInfo
}

type ContextRemovedEvent struct {
	ContextID string
	WasActive bool
	Serial    string
	Name      string
}

// contextRegistry owns the set of live printer contexts and the single
// active pointer. All create/switch/remove transitions are serialized by one
// mutex, so no interleaving can produce two active contexts. Side effects
// are observable only through the typed listener callbacks; the registry
// holds no UI references.
type contextRegistry struct {
	cfg     Config
	ports   *cameraPortAllocator
	polling *pollingService
	notifs  *notifyCoordinator

	mu       sync.Mutex
	contexts map[string]*PrinterContext
	order    []string
	bySerial map[string]string
	activeID string
	removing map[string]struct{}

	listenerMu sync.Mutex
	onCreated  []func(ContextCreatedEvent)
	onSwitched []func(ContextSwitchedEvent)
	onRemoved  []func(ContextRemovedEvent)
}

func newContextRegistry(cfg Config, ports *cameraPortAllocator, polling *pollingService, notifs *notifyCoordinator) *contextRegistry {
	return &contextRegistry{
		cfg:      cfg,
		ports:    ports,
		polling:  polling,
		notifs:   notifs,
		contexts: make(map[string]*PrinterContext),
		bySerial: make(map[string]string),
		removing: make(map[string]struct{}),
	}
}

func (r *contextRegistry) ContextCreated(fn func(ContextCreatedEvent)) {
	r.listenerMu.Lock()
	r.onCreated = append(r.onCreated, fn)
	r.listenerMu.Unlock()
}

func (r *contextRegistry) ContextSwitched(fn func(ContextSwitchedEvent)) {
	r.listenerMu.Lock()
	r.onSwitched = append(r.onSwitched, fn)
	r.listenerMu.Unlock()
}

func (r *contextRegistry) ContextRemoved(fn func(ContextRemovedEvent)) {
	r.listenerMu.Lock()
	r.onRemoved = append(r.onRemoved, fn)
	r.listenerMu.Unlock()
}

func (r *contextRegistry) emitCreated(evt ContextCreatedEvent) {
	r.listenerMu.Lock()
	listeners := make([]func(ContextCreatedEvent), len(r.onCreated))
	copy(listeners, r.onCreated)
	r.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

func (r *contextRegistry) emitSwitched(evt ContextSwitchedEvent) {
	r.listenerMu.Lock()
	listeners := make([]func(ContextSwitchedEvent), len(r.onSwitched))
	copy(listeners, r.onSwitched)
	r.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

func (r *contextRegistry) emitRemoved(evt ContextRemovedEvent) {
	r.listenerMu.Lock()
	listeners := make([]func(ContextRemovedEvent), len(r.onRemoved))
	copy(listeners, r.onRemoved)
	r.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

// printerIdentity picks the dedup key for a printer: serial when the
// firmware reports one, otherwise the address.
func printerIdentity(details PrinterDetails, info BackendInfo) string {
	if s := strings.TrimSpace(info.Serial); s != "" {
		return s
	}
	if s := strings.TrimSpace(details.Serial); s != "" {
		return s
	}
	return strings.TrimSpace(details.IP)
}

// createContext wraps an already-connected backend in a new context, starts
// its polling, and brings up its camera relay when the printer has one. If a
// live context already wraps the same printer identity, the existing id is
// returned alongside errDuplicatePrinter.
func (r *contextRegistry) createContext(backend PrinterBackend, details PrinterDetails, info BackendInfo) (string, error) {
	serial := printerIdentity(details, info)

	r.mu.Lock()
	if existing, ok := r.bySerial[serial]; ok {
		r.mu.Unlock()
		return existing, errDuplicatePrinter
	}

	pc := &PrinterContext{
		ID:        uuid.NewString(),
		Details:   details,
		Serial:    serial,
		backend:   backend,
		cameraURL: info.CameraURL,
		CreatedAt: time.Now(),
	}
	pc.connState = connStateConnected

	if info.HasCamera {
		pc.cameraProxy = r.buildCameraProxy(pc, info.CameraURL)
	}

	r.contexts[pc.ID] = pc
	r.order = append(r.order, pc.ID)
	r.bySerial[serial] = pc.ID
	isActive := r.activeID == pc.ID
	r.mu.Unlock()

	r.polling.startPollingForContext(pc)

	evt := ContextCreatedEvent{ContextID: pc.ID, Info: pc.info(isActive)}
	logger.Info("printer context created",
		"context_id", pc.ID, "printer", details.Name, "ip", details.IP,
		"model", details.Model, "serial", serial, "camera", info.HasCamera)
	r.emitCreated(evt)
	return pc.ID, nil
}

// buildCameraProxy allocates a relay port and starts the relay. Failure to
// bring the relay up degrades the context to camera-less instead of failing
// creation.
func (r *contextRegistry) buildCameraProxy(pc *PrinterContext, sourceURL string) *cameraProxy {
	port, err := r.ports.acquire()
	if err != nil {
		logger.Warn("no camera relay port available", "printer", pc.Details.Name, "error", err)
		return nil
	}
	proxy := newCameraProxy(pc.Details.Name, cameraProxyConfig{
		port:       port,
		sourceURL:  sourceURL,
		retryBase:  r.cfg.CameraRetryBase,
		maxRetries: r.cfg.CameraMaxRetries,
		onPortChanged: func(oldPort, newPort int) {
			logger.Info("camera relay port changed",
				"printer", pc.Details.Name, "old_port", oldPort, "new_port", newPort)
		},
	}, r.ports)
	if err := proxy.start(); err != nil {
		logger.Error("camera relay start failed", "printer", pc.Details.Name, "error", err)
		r.ports.release(port)
		return nil
	}
	return proxy
}

// switchActive moves the active pointer. Switching to the already-active
// context is a no-op; an unknown or mid-removal id is an explicit error and
// leaves the pointer untouched.
func (r *contextRegistry) switchActive(id string) error {
	r.mu.Lock()
	if id == r.activeID {
		r.mu.Unlock()
		return nil
	}
	if _, midRemoval := r.removing[id]; midRemoval {
		r.mu.Unlock()
		return errUnknownContext
	}
	pc, ok := r.contexts[id]
	if !ok {
		r.mu.Unlock()
		return errUnknownContext
	}
	prev := r.activeID
	r.activeID = id
	r.mu.Unlock()

	evt := ContextSwitchedEvent{ContextID: id, PreviousContextID: prev, Info: pc.info(true)}
	logger.Info("active printer switched", "context_id", id, "previous", prev, "printer", pc.Details.Name)
	r.emitSwitched(evt)
	return nil
}

// removeContext tears a context down: stop polling, destroy the camera
// relay, dispose notification state, then emit the removal event. Removing
// an unknown or already-removed id is a silent no-op. The active pointer is
// never auto-promoted to another context.
func (r *contextRegistry) removeContext(id string) {
	r.mu.Lock()
	pc, ok := r.contexts[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removing[id] = struct{}{}
	delete(r.contexts, id)
	delete(r.bySerial, pc.Serial)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	wasActive := r.activeID == id
	if wasActive {
		r.activeID = ""
	}
	r.mu.Unlock()

	r.polling.stopPollingForContext(id)
	if pc.cameraProxy != nil {
		pc.cameraProxy.shutdown()
	}
	r.notifs.dispose(id)

	pc.setConnState(connStateDisconnected)
	discCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := pc.backend.Disconnect(discCtx); err != nil {
		logger.Warn("backend disconnect failed", "context_id", id, "error", err)
	}
	cancel()

	r.mu.Lock()
	delete(r.removing, id)
	r.mu.Unlock()

	logger.Info("printer context removed", "context_id", id, "printer", pc.Details.Name, "was_active", wasActive)
	r.emitRemoved(ContextRemovedEvent{
		ContextID: id,
		WasActive: wasActive,
		Serial:    pc.Serial,
		Name:      pc.Details.Name,
	})
}

// removeAll tears down every context, used on shutdown.
func (r *contextRegistry) removeAll() {
	for _, id := range r.ids() {
		r.removeContext(id)
	}
}

func (r *contextRegistry) ids() []string {
	r.mu.Lock()
	out := append([]string(nil), r.order...)
	r.mu.Unlock()
	return out
}

func (r *contextRegistry) activeContextID() string {
	r.mu.Lock()
	id := r.activeID
	r.mu.Unlock()
	return id
}

func (r *contextRegistry) getAll() []ContextInfo {
	r.mu.Lock()
	ctxs := make([]*PrinterContext, 0, len(r.order))
	for _, id := range r.order {
		if pc, ok := r.contexts[id]; ok {
			ctxs = append(ctxs, pc)
		}
	}
	active := r.activeID
	r.mu.Unlock()

	out := make([]ContextInfo, 0, len(ctxs))
	for _, pc := range ctxs {
		out = append(out, pc.info(pc.ID == active))
	}
	return out
}

func (r *contextRegistry) getActive() (ContextInfo, bool) {
	r.mu.Lock()
	pc, ok := r.contexts[r.activeID]
	r.mu.Unlock()
	if !ok {
		return ContextInfo{}, false
	}
	return pc.info(true), true
}

func (r *contextRegistry) get(id string) (ContextInfo, bool) {
	r.mu.Lock()
	pc, ok := r.contexts[id]
	active := r.activeID
	r.mu.Unlock()
	if !ok {
		return ContextInfo{}, false
	}
	return pc.info(pc.ID == active), true
}

// lookup returns the live context object, for callers inside the process
// boundary (polling, command forwarding). UI surfaces get ContextInfo only.
func (r *contextRegistry) lookup(id string) (*PrinterContext, bool) {
	r.mu.Lock()
	pc, ok := r.contexts[id]
	r.mu.Unlock()
	return pc, ok
}

func (r *contextRegistry) count() int {
	r.mu.Lock()
	n := len(r.contexts)
	r.mu.Unlock()
	return n
}
