package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

type httpBackendFlavor string

// httpAPIPort maps a model flavor to the TCP port its status API listens on.
func (f httpBackendFlavor) apiPort() int {
	switch f {
	case "adventurer5m", "ad5x":
		return 8898
	case "guider4":
		return 8899
	}
	return 80
}

// httpPrinterBackend talks to printers that expose a JSON status API over
// HTTP. The wire shapes below cover the common firmware dialect; model
// differences are limited to the port and are handled by httpBackendFlavor.
type httpPrinterBackend struct {
	details PrinterDetails
	flavor  httpBackendFlavor
	client  *resty.Client

	mu        sync.Mutex
	lifecycle BackendLifecycle
	connected bool
	disposed  bool
}

type wireInfo struct {
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
	Model    string `json:"model"`
	Camera   struct {
		StreamURL string `json:"stream_url"`
	} `json:"camera"`
}

type wireStatus struct {
	State         string  `json:"state"`
	BedTemp       float64 `json:"bed_temp"`
	BedTarget     float64 `json:"bed_target"`
	NozzleTemp    float64 `json:"nozzle_temp"`
	NozzleTarget  float64 `json:"nozzle_target"`
	Progress      float64 `json:"progress"`
	JobName       string  `json:"job_name"`
	TimeRemaining int     `json:"time_remaining"`
	HasFiltration bool    `json:"has_filtration"`
	FiltrationOn  bool    `json:"filtration_on"`
}

func newHTTPPrinterBackend(details PrinterDetails, flavor httpBackendFlavor, timeout time.Duration) *httpPrinterBackend {
	base := "http://" + net.JoinHostPort(details.IP, strconv.Itoa(flavor.apiPort()))
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("User-Agent", softwareName+"/"+buildTime)
	return &httpPrinterBackend{
		details: details,
		flavor:  flavor,
		client:  client,
	}
}

func (b *httpPrinterBackend) OnLifecycle(l BackendLifecycle) {
	b.mu.Lock()
	b.lifecycle = l
	b.mu.Unlock()
}

func (b *httpPrinterBackend) events() BackendLifecycle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lifecycle
}

func (b *httpPrinterBackend) Connect(ctx context.Context) (BackendInfo, error) {
	var wi wireInfo
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&wi).
		Get("/api/v1/info")
	if err != nil {
		err = fmt.Errorf("connect %s: %w", b.details.IP, err)
		b.events().initFailed(err)
		return BackendInfo{}, err
	}
	if resp.IsError() {
		err = fmt.Errorf("connect %s: status %d", b.details.IP, resp.StatusCode())
		b.events().initFailed(err)
		return BackendInfo{}, err
	}

	info := BackendInfo{
		Serial:    wi.Serial,
		Firmware:  wi.Firmware,
		CameraURL: wi.Camera.StreamURL,
		HasCamera: wi.Camera.StreamURL != "",
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.events().initialized(info)
	return info, nil
}

func (b *httpPrinterBackend) Status(ctx context.Context) (StatusSnapshot, error) {
	var ws wireStatus
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&ws).
		Get("/api/v1/status")
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("status %s: %w", b.details.IP, err)
	}
	if resp.IsError() {
		return StatusSnapshot{}, fmt.Errorf("status %s: status %d", b.details.IP, resp.StatusCode())
	}
	return StatusSnapshot{
		State:         parsePrinterState(ws.State),
		BedTemp:       ws.BedTemp,
		BedTarget:     ws.BedTarget,
		NozzleTemp:    ws.NozzleTemp,
		NozzleTarget:  ws.NozzleTarget,
		Progress:      ws.Progress,
		JobName:       ws.JobName,
		TimeRemaining: ws.TimeRemaining,
		HasFiltration: ws.HasFiltration,
		FiltrationOn:  ws.FiltrationOn,
		TakenAt:       time.Now(),
	}, nil
}

func (b *httpPrinterBackend) SendCommand(ctx context.Context, cmd PrinterCommand) error {
	body, err := fastJSONMarshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/api/v1/commands")
	if err != nil {
		return fmt.Errorf("command %s: %w", cmd.Action, err)
	}
	if resp.IsError() {
		return fmt.Errorf("command %s: status %d", cmd.Action, resp.StatusCode())
	}
	return nil
}

func (b *httpPrinterBackend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	wasConnected := b.connected
	b.connected = false
	b.mu.Unlock()

	ev := b.events()
	if wasConnected {
		ev.preDisconnect()
	}
	// Stateless HTTP: nothing to tear down on the wire, but give firmwares
	// that track sessions a chance to release theirs.
	if wasConnected {
		_, _ = b.client.R().SetContext(ctx).Post("/api/v1/disconnect")
	}
	ev.disposed("disconnect requested")
	return nil
}
