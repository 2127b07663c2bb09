package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// setUpstreamURL swaps the camera source. An empty URL means no stream is
// available. The retry budget resets; if viewers are attached and a URL is
// set, the new upstream is opened immediately.
func (p *cameraProxy) setUpstreamURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.sourceURL = url
	p.retryCount = 0
	p.lastErr = nil
	p.cancelRetryLocked()
	p.stopUpstreamLocked()
	if url != "" && len(p.viewers) > 0 {
		p.startUpstreamLocked()
	}
}

// startUpstreamLocked launches the upstream fetch goroutine. Caller holds
// p.mu and has verified sourceURL is set.
func (p *cameraProxy) startUpstreamLocked() {
	if p.upstreamCancel != nil || p.sourceURL == "" {
		return
	}
	p.upstreamGen++
	gen := p.upstreamGen
	ctx, cancel := context.WithCancel(context.Background())
	p.upstreamCancel = cancel
	go p.runUpstream(ctx, gen, p.sourceURL)
}

// stopUpstreamLocked cancels the current upstream, if any, and bumps the
// generation counter so a late result from the old fetch is discarded.
// Caller holds p.mu.
func (p *cameraProxy) stopUpstreamLocked() {
	if p.upstreamCancel != nil {
		p.upstreamCancel()
		p.upstreamCancel = nil
	}
	p.upstreamGen++
	p.streaming = false
	p.upstreamHeader = nil
}

func (p *cameraProxy) cancelRetryLocked() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

func (p *cameraProxy) runUpstream(ctx context.Context, gen uint64, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.handleStreamError(gen, fmt.Errorf("upstream request: %w", err))
		return
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.handleStreamError(gen, fmt.Errorf("upstream connect: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.handleStreamError(gen, fmt.Errorf("upstream status %d", resp.StatusCode))
		return
	}

	p.mu.Lock()
	if p.closed || gen != p.upstreamGen {
		p.mu.Unlock()
		return
	}
	p.streaming = true
	p.retryCount = 0
	p.lastErr = nil
	p.upstreamHeader = resp.Header.Clone()
	for v := range p.viewers {
		p.sendViewerHeaderLocked(v)
	}
	p.mu.Unlock()

	logger.Info("camera upstream connected", "printer", p.printerName, "source", url)

	// Fan-out pump: one fixed buffer, every received chunk is forwarded
	// byte-for-byte to every attached viewer. No parsing, no reframing.
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			p.bytesIn.Add(uint64(n))
			p.broadcast(gen, buf[:n])
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return
			}
			if readErr == io.EOF {
				readErr = fmt.Errorf("upstream stream ended")
			}
			p.handleStreamError(gen, readErr)
			return
		}
	}
}

// broadcast queues one chunk for every viewer that has its response header.
// Delivery happens on each viewer's own goroutine; a viewer whose queue is
// full has a stalled socket and is dropped so the others stream on
// unaffected.
func (p *cameraProxy) broadcast(gen uint64, chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.upstreamGen || len(p.viewers) == 0 {
		return
	}
	// The pump reuses its read buffer, so viewers share one stable copy.
	shared := make([]byte, len(chunk))
	copy(shared, chunk)
	for v := range p.viewers {
		if !v.headerSent {
			continue
		}
		select {
		case v.send <- shared:
		default:
			delete(p.viewers, v)
			v.close()
			logger.Warn("dropping stalled camera viewer",
				"printer", p.printerName, "viewers", len(p.viewers))
		}
	}
}

// handleStreamError tears down the failed upstream and, when viewers remain
// and the retry budget allows, schedules a reconnect with exponential
// backoff. Exhausting the budget leaves the relay idle until a viewer
// reattaches or the source URL changes.
func (p *cameraProxy) handleStreamError(gen uint64, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.upstreamGen {
		return
	}
	p.stopUpstreamLocked()
	p.lastErr = cause

	if len(p.viewers) == 0 {
		return
	}
	if p.retryCount >= p.cfg.maxRetries {
		logger.Warn("camera upstream retries exhausted",
			"printer", p.printerName, "retries", p.retryCount, "error", cause)
		return
	}

	delay := nextRetryDelay(p.cfg.retryBase, p.retryCount)
	p.retryCount++
	logger.Warn("camera upstream failed; retrying",
		"printer", p.printerName, "attempt", p.retryCount, "delay", delay, "error", cause)
	p.retryTimer = time.AfterFunc(delay, p.retryUpstream)
}

func (p *cameraProxy) retryUpstream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryTimer = nil
	if p.closed || p.streaming || p.upstreamCancel != nil {
		return
	}
	if len(p.viewers) == 0 || p.sourceURL == "" {
		return
	}
	p.startUpstreamLocked()
}

// nextRetryDelay reports the backoff delay before attempt k+1 after k
// consecutive failures.
func nextRetryDelay(base time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	return base * (1 << uint(failures))
}
