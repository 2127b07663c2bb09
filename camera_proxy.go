package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var errProxyBind = errors.New("camera relay bind failed")

type cameraProxyConfig struct {
	port       int
	sourceURL  string
	retryBase  time.Duration
	maxRetries int
	// onPortChanged fires when the relay had to fall back to an alternate
	// port after a bind conflict.
	onPortChanged func(oldPort, newPort int)
}

// cameraProxy relays one upstream camera stream to any number of local HTTP
// viewers. The upstream connection is strictly lazy: it is opened when the
// first viewer attaches and torn down when the last one leaves.
type cameraProxy struct {
	printerName string
	httpClient  *http.Client
	ports       *cameraPortAllocator

	mu             sync.Mutex
	cfg            cameraProxyConfig
	port           int
	ln             net.Listener
	srv            *http.Server
	running        bool
	closed         bool
	sourceURL      string
	streaming      bool
	viewers        map[*cameraViewer]struct{}
	upstreamHeader http.Header
	upstreamCancel func()
	upstreamGen    uint64
	retryCount     int
	retryTimer     *time.Timer
	lastErr        error

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

const (
	// viewerQueueDepth bounds how far a viewer may lag the upstream before
	// it is shed.
	viewerQueueDepth   = 32
	viewerWriteTimeout = 10 * time.Second
)

// cameraViewer is one attached stream client. All socket writes happen on
// the viewer's own handler goroutine; the relay lock only ever touches the
// channels, so a stalled peer cannot block the relay.
type cameraViewer struct {
	send       chan []byte
	header     chan http.Header
	done       chan struct{}
	closeOnce  sync.Once
	headerSent bool // guarded by the proxy mutex
}

func (v *cameraViewer) close() {
	v.closeOnce.Do(func() { close(v.done) })
}

// cameraProxyStatus is a point-in-time copy; it never aliases relay state.
type cameraProxyStatus struct {
	Running    bool   `json:"running"`
	Port       int    `json:"port"`
	Streaming  bool   `json:"streaming"`
	Source     string `json:"source,omitempty"`
	Viewers    int    `json:"viewers"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

func newCameraProxy(printerName string, cfg cameraProxyConfig, ports *cameraPortAllocator) *cameraProxy {
	return &cameraProxy{
		printerName: printerName,
		ports:       ports,
		cfg:         cfg,
		port:        cfg.port,
		sourceURL:   cfg.sourceURL,
		viewers:     make(map[*cameraViewer]struct{}),
		httpClient: &http.Client{
			// No overall timeout: the stream is long-lived. Dial and header
			// phases are bounded instead.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
				DisableCompression:    true,
			},
		},
	}
}

// start binds the relay port and begins serving viewers. On a bind conflict
// it falls back to one alternate port from the pool; if that also fails the
// relay is left stopped and the error is final.
func (p *cameraProxy) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: relay already shut down", errProxyBind)
	}
	if p.running {
		return nil
	}

	// Loopback only: viewers are local UI surfaces and the raw stream
	// carries no auth of its own.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port)))
	if err != nil {
		altPort, altErr := p.ports.acquire()
		if altErr != nil {
			return fmt.Errorf("%w: port %d: %v", errProxyBind, p.port, err)
		}
		altLn, bindErr := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(altPort)))
		if bindErr != nil {
			p.ports.release(altPort)
			return fmt.Errorf("%w: port %d: %v (fallback %d: %v)", errProxyBind, p.port, err, altPort, bindErr)
		}
		oldPort := p.port
		p.ports.release(oldPort)
		p.port = altPort
		ln = altLn
		logger.Warn("camera relay port conflict; using fallback",
			"printer", p.printerName, "port", oldPort, "fallback", altPort)
		if p.cfg.onPortChanged != nil {
			go p.cfg.onPortChanged(oldPort, altPort)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/camera", p.handleCamera)
	mux.HandleFunc("/health", p.handleHealth)
	p.ln = ln
	p.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.running = true

	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			logger.Error("camera relay serve error", "printer", p.printerName, "error", err)
		}
	}(p.srv, ln)

	logger.Info("camera relay listening", "printer", p.printerName, "port", p.port)
	return nil
}

func (p *cameraProxy) handleCamera(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	viewer := &cameraViewer{
		send:   make(chan []byte, viewerQueueDepth),
		header: make(chan http.Header, 1),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed || !p.running {
		p.mu.Unlock()
		http.Error(w, "camera relay stopped", http.StatusServiceUnavailable)
		return
	}
	p.viewers[viewer] = struct{}{}
	if debugLogging {
		logger.Debug("camera viewer attached",
			"printer", p.printerName, "viewers", len(p.viewers), "remote", r.RemoteAddr)
	}
	if p.streaming && p.upstreamHeader != nil {
		p.sendViewerHeaderLocked(viewer)
	} else if p.sourceURL != "" && p.upstreamCancel == nil && p.retryTimer == nil {
		// First viewer of a fresh episode re-arms the retry budget.
		p.retryCount = 0
		p.startUpstreamLocked()
	}
	p.mu.Unlock()

	p.serveViewer(w, r, flusher, viewer)

	p.mu.Lock()
	delete(p.viewers, viewer)
	if len(p.viewers) == 0 {
		// Last viewer gone: the upstream must not stay open, and a pending
		// retry must not fire into an empty room.
		p.stopUpstreamLocked()
		p.cancelRetryLocked()
	}
	p.mu.Unlock()
	viewer.close()
}

// serveViewer runs a viewer's write loop. Every socket write carries a
// deadline and happens here, never under the relay mutex.
func (p *cameraProxy) serveViewer(w http.ResponseWriter, r *http.Request, flusher http.Flusher, viewer *cameraViewer) {
	rc := http.NewResponseController(w)

	var upstreamHeader http.Header
	select {
	case upstreamHeader = <-viewer.header:
	case <-viewer.done:
		return
	case <-r.Context().Done():
		return
	}

	h := w.Header()
	for key, values := range upstreamHeader {
		if key == "Connection" {
			continue
		}
		for _, val := range values {
			h.Add(key, val)
		}
	}
	h.Set("Connection", "close")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case chunk := <-viewer.send:
			_ = rc.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
			n, err := w.Write(chunk)
			if n > 0 {
				p.bytesOut.Add(uint64(n))
			}
			if err != nil {
				if debugLogging {
					logger.Debug("camera viewer write failed",
						"printer", p.printerName, "remote", r.RemoteAddr, "error", err)
				}
				return
			}
			flusher.Flush()
		case <-viewer.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (p *cameraProxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	data, err := fastJSONMarshal(p.getStatus())
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_, _ = w.Write(data)
}

// sendViewerHeaderLocked hands the upstream framing metadata to a viewer
// that has not yet received it; the viewer's own goroutine does the write.
// Caller holds p.mu.
func (p *cameraProxy) sendViewerHeaderLocked(v *cameraViewer) {
	if v.headerSent || p.upstreamHeader == nil {
		return
	}
	v.headerSent = true
	select {
	case v.header <- p.upstreamHeader.Clone():
	default:
	}
}

func (p *cameraProxy) getStatus() cameraProxyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := cameraProxyStatus{
		Running:    p.running && !p.closed,
		Port:       p.port,
		Streaming:  p.streaming,
		Source:     p.sourceURL,
		Viewers:    len(p.viewers),
		BytesIn:    p.bytesIn.Load(),
		BytesOut:   p.bytesOut.Load(),
		RetryCount: p.retryCount,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

func (p *cameraProxy) viewerCount() int {
	p.mu.Lock()
	n := len(p.viewers)
	p.mu.Unlock()
	return n
}

func (p *cameraProxy) currentPort() int {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	return port
}

// shutdown kills the upstream, every viewer socket, and any pending retry
// timer immediately. The relay cannot be restarted afterwards.
func (p *cameraProxy) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.running = false
	p.cancelRetryLocked()
	p.stopUpstreamLocked()
	viewers := make([]*cameraViewer, 0, len(p.viewers))
	for v := range p.viewers {
		viewers = append(viewers, v)
	}
	p.viewers = make(map[*cameraViewer]struct{})
	srv := p.srv
	ln := p.ln
	port := p.port
	p.srv = nil
	p.ln = nil
	p.mu.Unlock()

	for _, v := range viewers {
		v.close()
	}
	if srv != nil {
		// Close, not Shutdown: viewer sockets must die now, not drain.
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	p.ports.release(port)
	logger.Info("camera relay shut down", "printer", p.printerName, "port", port)
}
