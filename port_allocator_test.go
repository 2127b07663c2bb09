package main

import "testing"

func TestPortAllocatorRange(t *testing.T) {
	a := newCameraPortAllocator(8181, 8183)
	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		port, err := a.acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if port < 8181 || port > 8183 {
			t.Fatalf("port %d outside configured range", port)
		}
		if seen[port] {
			t.Fatalf("port %d handed out twice", port)
		}
		seen[port] = true
	}
	if _, err := a.acquire(); err == nil {
		t.Fatalf("expected exhaustion after range used up")
	}
	if a.liveCount() != 3 {
		t.Fatalf("liveCount = %d, want 3", a.liveCount())
	}
}

func TestPortAllocatorReleaseAndReuse(t *testing.T) {
	a := newCameraPortAllocator(8181, 8182)
	p1, err := a.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := a.acquire(); err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	a.release(p1)
	p3, err := a.acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if p3 != p1 {
		t.Fatalf("expected released port %d back, got %d", p1, p3)
	}
}

func TestPortAllocatorNilSafe(t *testing.T) {
	var a *cameraPortAllocator
	if _, err := a.acquire(); err == nil {
		t.Fatalf("nil allocator acquire should fail")
	}
	a.release(8181)
	if a.liveCount() != 0 {
		t.Fatalf("nil allocator liveCount should be 0")
	}
	if newCameraPortAllocator(0, 10) != nil {
		t.Fatalf("invalid range should produce nil allocator")
	}
	if newCameraPortAllocator(8191, 8181) != nil {
		t.Fatalf("inverted range should produce nil allocator")
	}
}
