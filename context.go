package main

import (
	"fmt"
	"sync"
	"time"
)

type connectionState string

const (
	connStateConnecting   connectionState = "connecting"
	connStateConnected    connectionState = "connected"
	connStateDisconnected connectionState = "disconnected"
	connStateError        connectionState = "error"
)

// PrinterContext bundles everything owned on behalf of one managed printer:
// its backend handle, its camera relay, and its polling/notification state.
// The backend handle's lifetime bounds the context's lifetime.
type PrinterContext struct {
	ID      string
	Details PrinterDetails
	Serial  string

	backend     PrinterBackend
	cameraProxy *cameraProxy
	cameraURL   string // upstream source, empty when the printer has no camera

	CreatedAt time.Time

	mu            sync.Mutex
	connState     connectionState
	pollingActive bool
	lastActivity  time.Time
	lastSnapshot  *StatusSnapshot
}

func (pc *PrinterContext) setConnState(s connectionState) {
	pc.mu.Lock()
	pc.connState = s
	pc.mu.Unlock()
}

func (pc *PrinterContext) setPollingActive(active bool) {
	pc.mu.Lock()
	pc.pollingActive = active
	pc.mu.Unlock()
}

func (pc *PrinterContext) recordSnapshot(snap StatusSnapshot) {
	pc.mu.Lock()
	copied := snap
	pc.lastSnapshot = &copied
	pc.lastActivity = snap.TakenAt
	pc.mu.Unlock()
}

// ContextInfo is the serializable projection of a context handed to the UI
// surfaces. It never carries the backend handle or the relay instance.
type ContextInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	IP            string       `json:"ip"`
	Model         string       `json:"model"`
	Serial        string       `json:"serial,omitempty"`
	Connection    string       `json:"connection"`
	PrinterState  PrinterState `json:"printer_state,omitempty"`
	IsActive      bool         `json:"is_active"`
	CameraURL     string       `json:"camera_url,omitempty"`
	CameraPort    int          `json:"camera_port,omitempty"`
	PollingActive bool         `json:"polling_active"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActivity  time.Time    `json:"last_activity,omitempty"`
	LastSeen      string       `json:"last_seen,omitempty"`
}

// info snapshots the context into its projection. isActive comes from the
// registry, which owns the active pointer.
func (pc *PrinterContext) info(isActive bool) ContextInfo {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	ci := ContextInfo{
		ID:            pc.ID,
		Name:          pc.Details.Name,
		IP:            pc.Details.IP,
		Model:         pc.Details.Model,
		Serial:        pc.Serial,
		Connection:    string(pc.connState),
		IsActive:      isActive,
		PollingActive: pc.pollingActive,
		CreatedAt:     pc.CreatedAt,
		LastActivity:  pc.lastActivity,
	}
	if pc.lastSnapshot != nil {
		ci.PrinterState = pc.lastSnapshot.State
	}
	if !pc.lastActivity.IsZero() {
		ci.LastSeen = humanSince(pc.lastActivity, time.Now())
	}
	if pc.cameraProxy != nil {
		port := pc.cameraProxy.currentPort()
		ci.CameraPort = port
		ci.CameraURL = fmt.Sprintf("http://127.0.0.1:%d/camera", port)
	}
	return ci
}
