package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testStreamServer serves an endless fake camera stream and counts how many
// times it was opened.
func testStreamServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var opens atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "--frame\r\nframe-%d\r\n", i); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &opens
}

func testProxy(t *testing.T, sourceURL string, retryBase time.Duration, maxRetries int) (*cameraProxy, *cameraPortAllocator) {
	t.Helper()
	ports := newCameraPortAllocator(18181, 18191)
	port, err := ports.acquire()
	if err != nil {
		t.Fatalf("acquire port: %v", err)
	}
	p := newCameraProxy("bench", cameraProxyConfig{
		port:       port,
		sourceURL:  sourceURL,
		retryBase:  retryBase,
		maxRetries: maxRetries,
	}, ports)
	if err := p.start(); err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	t.Cleanup(p.shutdown)
	return p, ports
}

func openViewer(t *testing.T, ctx context.Context, port int) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://127.0.0.1:"+strconv.Itoa(port)+"/camera", nil)
	if err != nil {
		t.Fatalf("viewer request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("viewer connect: %v", err)
	}
	return resp
}

func TestProxyLazyUpstreamAndFanOut(t *testing.T) {
	upstream, opens := testStreamServer(t)
	p, _ := testProxy(t, upstream.URL, 10*time.Millisecond, 5)

	// No viewers yet: the upstream must stay untouched.
	time.Sleep(30 * time.Millisecond)
	if opens.Load() != 0 {
		t.Fatalf("upstream opened %d times with zero viewers", opens.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r1 := openViewer(t, ctx, p.currentPort())
	defer r1.Body.Close()
	r2 := openViewer(t, ctx, p.currentPort())
	defer r2.Body.Close()

	buf := make([]byte, 64)
	for _, resp := range []*http.Response{r1, r2} {
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("viewer status %d", resp.StatusCode)
		}
		if _, err := io.ReadAtLeast(resp.Body, buf, 8); err != nil {
			t.Fatalf("viewer read: %v", err)
		}
	}

	if got := opens.Load(); got != 1 {
		t.Fatalf("upstream opened %d times for 2 viewers, want 1 shared connection", got)
	}
	if p.viewerCount() != 2 {
		t.Fatalf("viewerCount = %d, want 2", p.viewerCount())
	}

	st := p.getStatus()
	if !st.Running || !st.Streaming || st.Viewers != 2 || st.BytesIn == 0 || st.BytesOut == 0 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestProxyStopsUpstreamWhenLastViewerLeaves(t *testing.T) {
	upstream, opens := testStreamServer(t)
	p, _ := testProxy(t, upstream.URL, 10*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	resp := openViewer(t, ctx, p.currentPort())
	buf := make([]byte, 64)
	if _, err := io.ReadAtLeast(resp.Body, buf, 8); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.viewerCount() == 0 && !p.getStatus().Streaming {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p.viewerCount() != 0 || p.getStatus().Streaming {
		t.Fatalf("upstream still streaming after last viewer left: %+v", p.getStatus())
	}

	before := opens.Load()
	time.Sleep(50 * time.Millisecond)
	if opens.Load() != before {
		t.Fatalf("upstream reopened with no viewers attached")
	}
}

func TestProxyRetryBudget(t *testing.T) {
	var opens atomic.Int64
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		http.Error(w, "camera busy", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	p, _ := testProxy(t, failing.URL, 5*time.Millisecond, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		// The viewer never gets a header because the upstream never
		// succeeds; it just has to exist so retries are scheduled.
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
			"http://127.0.0.1:"+strconv.Itoa(p.currentPort())+"/camera", nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Initial attempt plus two budgeted retries (5ms, 10ms backoff), then
	// the relay must go idle.
	deadline := time.Now().Add(time.Second)
	for opens.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if opens.Load() < 3 {
		t.Fatalf("upstream attempts = %d, want 3 (initial + 2 retries)", opens.Load())
	}
	settled := opens.Load()
	time.Sleep(100 * time.Millisecond)
	if opens.Load() != settled {
		t.Fatalf("relay kept retrying past its budget: %d attempts", opens.Load())
	}

	st := p.getStatus()
	if st.RetryCount != 2 || st.LastError == "" {
		t.Fatalf("status after exhaustion: %+v", st)
	}
}

func TestProxyBindFallback(t *testing.T) {
	ports := newCameraPortAllocator(18281, 18285)
	port, err := ports.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Squat on the assigned port so the relay has to fall back.
	squatter, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("squat on port %d: %v", port, err)
	}
	defer squatter.Close()

	var oldP, newP atomic.Int64
	p := newCameraProxy("bench", cameraProxyConfig{
		port:       port,
		sourceURL:  "http://127.0.0.1:1/camera",
		retryBase:  time.Second,
		maxRetries: 1,
		onPortChanged: func(oldPort, newPort int) {
			oldP.Store(int64(oldPort))
			newP.Store(int64(newPort))
		},
	}, ports)
	if err := p.start(); err != nil {
		t.Fatalf("start with fallback: %v", err)
	}
	defer p.shutdown()

	got := p.currentPort()
	if got == port {
		t.Fatalf("relay claims the squatted port %d", port)
	}
	if got < 18281 || got > 18285 {
		t.Fatalf("fallback port %d outside configured range", got)
	}

	deadline := time.Now().Add(time.Second)
	for newP.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if oldP.Load() != int64(port) || newP.Load() != int64(got) {
		t.Fatalf("onPortChanged(%d, %d), want (%d, %d)", oldP.Load(), newP.Load(), port, got)
	}
}

func TestProxyShutdownReleasesPort(t *testing.T) {
	upstream, _ := testStreamServer(t)
	p, ports := testProxy(t, upstream.URL, 10*time.Millisecond, 5)

	if ports.liveCount() != 1 {
		t.Fatalf("liveCount = %d before shutdown", ports.liveCount())
	}
	p.shutdown()
	if ports.liveCount() != 0 {
		t.Fatalf("port not released on shutdown")
	}
	if err := p.start(); err == nil {
		t.Fatalf("restart after shutdown must fail")
	}
	// Shutdown twice is harmless.
	p.shutdown()
}

// floodStreamServer writes large chunks as fast as the peer accepts them,
// so a viewer that stops reading backs up quickly.
func floodStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("x"), 64*1024)
		for {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// drainBody reads a response body in the background, counting bytes.
func drainBody(body io.Reader) *atomic.Int64 {
	var total atomic.Int64
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			total.Add(int64(n))
			if err != nil {
				return
			}
		}
	}()
	return &total
}

func TestProxyDropsStalledViewerOthersKeepStreaming(t *testing.T) {
	upstream := floodStreamServer(t)
	p, _ := testProxy(t, upstream.URL, 10*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthy := openViewer(t, ctx, p.currentPort())
	defer healthy.Body.Close()
	healthyBytes := drainBody(healthy.Body)

	// Raw-TCP viewer that reads the response header and then goes silent.
	stalled, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(p.currentPort()))
	if err != nil {
		t.Fatalf("dial stalled viewer: %v", err)
	}
	defer stalled.Close()
	fmt.Fprintf(stalled, "GET /camera HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	hdr := make([]byte, 512)
	if _, err := stalled.Read(hdr); err != nil {
		t.Fatalf("stalled viewer header read: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.viewerCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.viewerCount() != 2 {
		t.Fatalf("viewerCount = %d, want 2", p.viewerCount())
	}

	// The relay must shed the stalled viewer on its own, and status calls
	// must stay prompt the whole time.
	deadline = time.Now().Add(10 * time.Second)
	for p.viewerCount() != 1 && time.Now().Before(deadline) {
		start := time.Now()
		_ = p.getStatus()
		if d := time.Since(start); d > 500*time.Millisecond {
			t.Fatalf("getStatus took %s behind a stalled viewer", d)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.viewerCount() != 1 {
		t.Fatalf("stalled viewer was never dropped")
	}

	// The surviving viewer keeps receiving.
	before := healthyBytes.Load()
	deadline = time.Now().Add(2 * time.Second)
	for healthyBytes.Load() == before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if healthyBytes.Load() == before {
		t.Fatalf("healthy viewer stopped receiving after the stalled one was dropped")
	}
}

func TestProxyViewerDisconnectLeavesOthersStreaming(t *testing.T) {
	upstream, _ := testStreamServer(t)
	p, _ := testProxy(t, upstream.URL, 10*time.Millisecond, 5)

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	v1 := openViewer(t, ctx1, p.currentPort())
	defer v1.Body.Close()
	v1Bytes := drainBody(v1.Body)

	ctx2, cancel2 := context.WithCancel(context.Background())
	v2 := openViewer(t, ctx2, p.currentPort())
	buf := make([]byte, 64)
	if _, err := io.ReadAtLeast(v2.Body, buf, 8); err != nil {
		t.Fatalf("second viewer read: %v", err)
	}

	// Kill the second viewer's socket mid-stream.
	cancel2()
	v2.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for p.viewerCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.viewerCount() != 1 {
		t.Fatalf("dead viewer not deregistered, count = %d", p.viewerCount())
	}

	before := v1Bytes.Load()
	deadline = time.Now().Add(2 * time.Second)
	for v1Bytes.Load() == before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if v1Bytes.Load() == before {
		t.Fatalf("surviving viewer stopped receiving after peer disconnect")
	}
}

func TestProxyBindsLoopbackOnly(t *testing.T) {
	upstream, _ := testStreamServer(t)
	p, _ := testProxy(t, upstream.URL, 10*time.Millisecond, 5)

	p.mu.Lock()
	addr := p.ln.Addr().String()
	p.mu.Unlock()
	if !strings.HasPrefix(addr, "127.0.0.1:") {
		t.Fatalf("relay bound to %q, want loopback only", addr)
	}
}

func TestNextRetryDelaySchedule(t *testing.T) {
	base := 2 * time.Second
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}
	for failures, expected := range want {
		if got := nextRetryDelay(base, failures); got != expected {
			t.Fatalf("delay after %d failures = %s, want %s", failures, got, expected)
		}
	}
	if got := nextRetryDelay(base, -3); got != base {
		t.Fatalf("negative failure count: got %s, want %s", got, base)
	}
}

func TestSetUpstreamURLResetsRetryState(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer failing.Close()
	upstream, opens := testStreamServer(t)

	p, _ := testProxy(t, failing.URL, 5*time.Millisecond, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	viewerDone := make(chan struct{})
	go func() {
		defer close(viewerDone)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
			"http://127.0.0.1:"+strconv.Itoa(p.currentPort())+"/camera", nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_, _ = io.CopyN(io.Discard, resp.Body, 8)
			resp.Body.Close()
		}
	}()

	// Let the failing source burn through its budget.
	deadline := time.Now().Add(time.Second)
	for p.getStatus().RetryCount < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Pointing at a working source clears the budget and reconnects for the
	// waiting viewer.
	p.setUpstreamURL(upstream.URL)

	deadline = time.Now().Add(2 * time.Second)
	for opens.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if opens.Load() == 0 {
		t.Fatalf("new upstream never opened after setUpstreamURL")
	}
	st := p.getStatus()
	if st.Source != upstream.URL {
		t.Fatalf("status source %q, want %q", st.Source, upstream.URL)
	}
}
