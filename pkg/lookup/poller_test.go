package lookup

import (
	"sync"
	"testing"
	"time"
)

func TestPollerConnectsDiscoveredProducers(t *testing.T) {
	srv := newTestServer(t, []Producer{{BroadcastAddress: "nsqd1", TCPPort: 4150}})
	defer srv.Close()

	client := NewClient([]string{srv.URL}, time.Second)

	var mu sync.Mutex
	var connected []string
	connect := func(addr string) error {
		mu.Lock()
		connected = append(connected, addr)
		mu.Unlock()
		return nil
	}

	p := NewPoller(client, time.Hour, 0, connect)
	p.AddTopic("events")

	go p.Run()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(connected)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("poller never connected a discovered producer")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if connected[0] != "nsqd1:4150" {
		t.Fatalf("connected to %q, want nsqd1:4150", connected[0])
	}
}

func TestPollerStopReturnsAfterRun(t *testing.T) {
	client := NewClient(nil, time.Second)
	p := NewPoller(client, time.Hour, 0, func(string) error { return nil })

	go p.Run()
	p.Stop()
}

func TestJitteredIntervalStaysWithinBounds(t *testing.T) {
	p := NewPoller(NewClient(nil, time.Second), time.Minute, 0.5, func(string) error { return nil })
	for i := 0; i < 100; i++ {
		d := p.jitteredInterval()
		if d < 30*time.Second || d > 90*time.Second {
			t.Fatalf("jitteredInterval() = %v, want within [30s, 90s]", d)
		}
	}
}
