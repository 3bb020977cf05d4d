package netprobe

import (
	"context"
	"fmt"
	"net"
	"testing"
)

func TestSegment(t *testing.T) {
	cases := map[string]string{
		"192.168.1.42": "192.168.1.0/24",
		"10.0.0.7":     "10.0.0.0/24",
		"not-an-ip":    Unknown,
	}
	for ip, want := range cases {
		if got := segment(ip); got != want {
			t.Errorf("segment(%q) = %q, want %q", ip, got, want)
		}
	}
}

func TestWebSocketURL(t *testing.T) {
	got := WebSocketURL("192.168.1.42", 8765)
	if got != "ws://192.168.1.42:8765" {
		t.Errorf("WebSocketURL = %q", got)
	}
}

func TestPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if PortAvailable(port) {
		t.Errorf("expected port %d to be unavailable while held", port)
	}
}

func TestFindFreePortSkipsBusy(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	port, err := FindFreePort(busy)
	if err != nil {
		t.Fatalf("FindFreePort: %v", err)
	}
	if port == busy {
		t.Errorf("FindFreePort returned the busy port %d", busy)
	}
	if port < busy || port >= busy+maxPortScan {
		t.Errorf("FindFreePort = %d, want within [%d, %d)", port, busy, busy+maxPortScan)
	}
}

func TestFindFreePortExhausted(t *testing.T) {
	// Occupy a contiguous range of 10 ports, then ask for one inside it.
	var listeners []net.Listener
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	start := 0
	for base := 40000; base < 60000; base += maxPortScan {
		ok := true
		var held []net.Listener
		for p := base; p < base+maxPortScan; p++ {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
			if err != nil {
				ok = false
				break
			}
			held = append(held, ln)
		}
		if ok {
			listeners = held
			start = base
			break
		}
		for _, ln := range held {
			_ = ln.Close()
		}
	}
	if start == 0 {
		t.Skip("could not reserve a contiguous port range")
	}

	if _, err := FindFreePort(start); err == nil {
		t.Error("expected error when the whole scan range is busy")
	}
}

func TestProbeNeverFails(t *testing.T) {
	info := Probe(context.Background())
	if info.PrimaryIP == "" || info.Interface == "" || info.Segment == "" {
		t.Errorf("probe fields must never be empty: %+v", info)
	}
}
