package main

import (
	"errors"
	"sync"
	"testing"
)

func TestCreateContextAssignsIDAndStartsPolling(t *testing.T) {
	cfg := defaultConfig()
	registry, polling, _ := testRegistry(cfg)

	id, err := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "bench", IP: "10.0.0.5", Model: "generic-http",
	}, BackendInfo{Serial: "SER-1"})
	if err != nil {
		t.Fatalf("createContext: %v", err)
	}
	if id == "" {
		t.Fatalf("empty context id")
	}
	if !polling.isPolling(id) {
		t.Fatalf("polling not started for new context")
	}
	if registry.activeContextID() != "" {
		t.Fatalf("new context must not auto-activate")
	}
	registry.removeAll()
}

func TestCreateContextRejectsDuplicateSerial(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)
	defer registry.removeAll()

	first, err := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "a", IP: "10.0.0.5", Model: "generic-http",
	}, BackendInfo{Serial: "SER-1"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	dup, err := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "b", IP: "10.0.0.6", Model: "generic-http",
	}, BackendInfo{Serial: "SER-1"})
	if !errors.Is(err, errDuplicatePrinter) {
		t.Fatalf("expected errDuplicatePrinter, got %v", err)
	}
	if dup != first {
		t.Fatalf("duplicate create returned %q, want existing id %q", dup, first)
	}
	if registry.count() != 1 {
		t.Fatalf("count = %d, want 1", registry.count())
	}
}

func TestSwitchActiveSingleActiveInvariant(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)
	defer registry.removeAll()

	id1, _ := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "a", IP: "10.0.0.5", Model: "generic-http"}, BackendInfo{Serial: "S1"})
	id2, _ := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "b", IP: "10.0.0.6", Model: "generic-http"}, BackendInfo{Serial: "S2"})

	if err := registry.switchActive(id1); err != nil {
		t.Fatalf("switch to id1: %v", err)
	}
	if err := registry.switchActive(id2); err != nil {
		t.Fatalf("switch to id2: %v", err)
	}

	active := 0
	for _, info := range registry.getAll() {
		if info.IsActive {
			active++
			if info.ID != id2 {
				t.Fatalf("active context is %q, want %q", info.ID, id2)
			}
		}
	}
	if active != 1 {
		t.Fatalf("%d active contexts, want exactly 1", active)
	}
}

func TestSwitchActiveUnknownID(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)
	defer registry.removeAll()

	id, _ := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "a", IP: "10.0.0.5", Model: "generic-http"}, BackendInfo{Serial: "S1"})
	if err := registry.switchActive(id); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if err := registry.switchActive("nope"); !errors.Is(err, errUnknownContext) {
		t.Fatalf("expected errUnknownContext, got %v", err)
	}
	if registry.activeContextID() != id {
		t.Fatalf("failed switch must not move the active pointer")
	}
}

func TestSwitchActiveNoOpOnCurrent(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)
	defer registry.removeAll()

	var switches int
	var mu sync.Mutex
	registry.ContextSwitched(func(ContextSwitchedEvent) {
		mu.Lock()
		switches++
		mu.Unlock()
	})

	id, _ := registry.createContext(&fakeBackend{}, PrinterDetails{
		Name: "a", IP: "10.0.0.5", Model: "generic-http"}, BackendInfo{Serial: "S1"})
	registry.switchActive(id)
	registry.switchActive(id)
	registry.switchActive(id)

	mu.Lock()
	defer mu.Unlock()
	if switches != 1 {
		t.Fatalf("%d switch events, want 1", switches)
	}
}

func TestRemoveContextTeardown(t *testing.T) {
	cfg := defaultConfig()
	registry, polling, notifs := testRegistry(cfg)

	backend := &fakeBackend{}
	id, _ := registry.createContext(backend, PrinterDetails{
		Name: "a", IP: "10.0.0.5", Model: "generic-http"}, BackendInfo{Serial: "S1"})
	registry.switchActive(id)
	notifs.handlePollResult(PollResultEvent{
		ContextID: id,
		Printer:   PrinterDetails{Name: "a"},
		Snapshot:  snapshotAt(StatePrinting, 60),
	})

	var removed []ContextRemovedEvent
	var mu sync.Mutex
	registry.ContextRemoved(func(evt ContextRemovedEvent) {
		mu.Lock()
		removed = append(removed, evt)
		mu.Unlock()
	})

	registry.removeContext(id)

	if registry.count() != 0 {
		t.Fatalf("context still registered after remove")
	}
	if polling.isPolling(id) {
		t.Fatalf("polling still running after remove")
	}
	if notifs.trackedCount() != 0 {
		t.Fatalf("notification state not disposed")
	}
	if backend.disconnectCount() != 1 {
		t.Fatalf("backend disconnected %d times, want 1", backend.disconnectCount())
	}
	if registry.activeContextID() != "" {
		t.Fatalf("removing the active context must clear the active pointer")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || !removed[0].WasActive || removed[0].ContextID != id {
		t.Fatalf("unexpected removal events: %+v", removed)
	}
}

func TestRemoveContextIdempotent(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)

	backend := &fakeBackend{}
	id, _ := registry.createContext(backend, PrinterDetails{
		Name: "a", IP: "10.0.0.5", Model: "generic-http"}, BackendInfo{Serial: "S1"})

	registry.removeContext(id)
	registry.removeContext(id)
	registry.removeContext("never-existed")

	if backend.disconnectCount() != 1 {
		t.Fatalf("backend disconnected %d times, want 1", backend.disconnectCount())
	}
}

func TestRemoveThenReaddSameSerial(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)
	defer registry.removeAll()

	details := PrinterDetails{Name: "a", IP: "10.0.0.5", Model: "generic-http"}
	id1, _ := registry.createContext(&fakeBackend{}, details, BackendInfo{Serial: "S1"})
	registry.removeContext(id1)

	id2, err := registry.createContext(&fakeBackend{}, details, BackendInfo{Serial: "S1"})
	if err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
	if id2 == id1 {
		t.Fatalf("re-added printer reused the old context id")
	}
}

func TestGetActiveAndGetAllOrdering(t *testing.T) {
	cfg := defaultConfig()
	registry, _, _ := testRegistry(cfg)
	defer registry.removeAll()

	if _, ok := registry.getActive(); ok {
		t.Fatalf("getActive on empty registry should report none")
	}

	names := []string{"a", "b", "c"}
	for i, n := range names {
		registry.createContext(&fakeBackend{}, PrinterDetails{
			Name: n, IP: "10.0.0." + string(rune('5'+i)), Model: "generic-http",
		}, BackendInfo{Serial: "S" + n})
	}

	all := registry.getAll()
	if len(all) != 3 {
		t.Fatalf("getAll returned %d contexts, want 3", len(all))
	}
	for i, info := range all {
		if info.Name != names[i] {
			t.Fatalf("getAll[%d] = %q, want creation order %q", i, info.Name, names[i])
		}
	}

	registry.switchActive(all[1].ID)
	active, ok := registry.getActive()
	if !ok || active.ID != all[1].ID || !active.IsActive {
		t.Fatalf("getActive = %+v, ok=%v", active, ok)
	}
}
