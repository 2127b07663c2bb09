package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	errUnknownModel = errors.New("unknown printer model")
)

// BackendInfo is what a backend learns about the printer while connecting.
type BackendInfo struct {
	Serial    string
	Firmware  string
	CameraURL string
	HasCamera bool
}

// BackendLifecycle carries the callbacks a backend invokes as its connection
// moves through its life. Each field is optional; nil callbacks are skipped.
// Handlers are invoked from the backend's own goroutine in emission order.
type BackendLifecycle struct {
	Initialized   func(info BackendInfo)
	InitFailed    func(err error)
	PreDisconnect func()
	Disposed      func(reason string)
}

func (l BackendLifecycle) initialized(info BackendInfo) {
	if l.Initialized != nil {
		l.Initialized(info)
	}
}

func (l BackendLifecycle) initFailed(err error) {
	if l.InitFailed != nil {
		l.InitFailed(err)
	}
}

func (l BackendLifecycle) preDisconnect() {
	if l.PreDisconnect != nil {
		l.PreDisconnect()
	}
}

func (l BackendLifecycle) disposed(reason string) {
	if l.Disposed != nil {
		l.Disposed(reason)
	}
}

// PrinterBackend is the capability set a printer context needs from its wire
// client. Implementations live behind newPrinterBackend, keyed on model.
type PrinterBackend interface {
	Connect(ctx context.Context) (BackendInfo, error)
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) (StatusSnapshot, error)
	SendCommand(ctx context.Context, cmd PrinterCommand) error
	// OnLifecycle registers the lifecycle callbacks. Call once, before
	// Connect.
	OnLifecycle(l BackendLifecycle)
}

// newPrinterBackend builds the concrete backend for a printer model. Models
// differ only in which HTTP API flavor the device speaks.
func newPrinterBackend(details PrinterDetails, cfg Config) (PrinterBackend, error) {
	model := strings.ToLower(strings.TrimSpace(details.Model))
	switch model {
	case "generic-http", "adventurer5m", "ad5x", "guider4":
		return newHTTPPrinterBackend(details, httpBackendFlavor(model), cfg.BackendTimeout), nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownModel, details.Model)
}
