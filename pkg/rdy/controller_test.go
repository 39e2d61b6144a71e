package rdy

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rajmenon/nsqgo/pkg/config"
)

type fakeConn struct {
	addr       string
	closing    atomic.Bool
	maxRdy     int64
	lastRdy    atomic.Int64
	inFlight   atomic.Int64
	lastMsgAt  atomic.Int64
	setErr     error

	mu     sync.Mutex
	rdySet []int64
}

func newFakeConn(addr string) *fakeConn {
	c := &fakeConn{addr: addr, maxRdy: 2500}
	c.lastMsgAt.Store(time.Now().UnixNano())
	return c
}

func (f *fakeConn) Address() string          { return f.addr }
func (f *fakeConn) IsClosing() bool          { return f.closing.Load() }
func (f *fakeConn) MaxRdyCount() int64       { return f.maxRdy }
func (f *fakeConn) LastRdyCount() int64      { return f.lastRdy.Load() }
func (f *fakeConn) MessagesInFlight() int64  { return f.inFlight.Load() }
func (f *fakeConn) LastMessageAt() time.Time { return time.Unix(0, f.lastMsgAt.Load()) }

func (f *fakeConn) SetRDY(count int64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.lastRdy.Store(count)
	f.mu.Lock()
	f.rdySet = append(f.rdySet, count)
	f.mu.Unlock()
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxInFlight = 10
	cfg.BackoffMultiplier = time.Millisecond
	cfg.MaxBackoffDuration = 16 * time.Millisecond
	return cfg
}

func TestPerConnMaxInFlightDistributesEvenly(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	conns := []Conn{a, b}
	c := New(testConfig(), 1, func() []Conn { return conns })

	if got := c.PerConnMaxInFlight(); got != 5 {
		t.Fatalf("PerConnMaxInFlight() = %d, want 5", got)
	}
}

func TestTotalRDYSumsLiveConnections(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	a.lastRdy.Store(3)
	b.lastRdy.Store(4)
	c := New(testConfig(), 1, func() []Conn { return []Conn{a, b} })

	if got := c.TotalRDY(); got != 7 {
		t.Fatalf("TotalRDY() = %d, want 7", got)
	}
}

func TestPerConnMaxInFlightClampsToOne(t *testing.T) {
	conns := make([]Conn, 0, 20)
	for i := 0; i < 20; i++ {
		conns = append(conns, newFakeConn("c"))
	}
	c := New(testConfig(), 1, func() []Conn { return conns })

	if got := c.PerConnMaxInFlight(); got != 1 {
		t.Fatalf("PerConnMaxInFlight() = %d, want 1 (clamped)", got)
	}
}

func TestMaybeUpdateRDYSkipsClosingConnection(t *testing.T) {
	conn := newFakeConn("a")
	conn.closing.Store(true)
	c := New(testConfig(), 1, func() []Conn { return []Conn{conn} })

	if err := c.MaybeUpdateRDY(conn); err != nil {
		t.Fatalf("MaybeUpdateRDY() error = %v", err)
	}
	if conn.LastRdyCount() != 0 {
		t.Fatalf("expected no RDY sent to a closing connection")
	}
}

func TestOnBackoffZerosAllRDY(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	a.lastRdy.Store(5)
	b.lastRdy.Store(5)
	conns := []Conn{a, b}
	c := New(testConfig(), 1, func() []Conn { return conns })

	c.OnBackoff(a)

	if !c.InBackoff() {
		t.Fatalf("expected InBackoff() true after OnBackoff")
	}
	if a.LastRdyCount() != 0 || b.LastRdyCount() != 0 {
		t.Fatalf("expected all RDY zeroed during backoff, got a=%d b=%d", a.LastRdyCount(), b.LastRdyCount())
	}
}

func TestOnBackoffThenProbeGrantsSingleConnection(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	conns := []Conn{a, b}
	c := New(testConfig(), 42, func() []Conn { return conns })

	c.OnBackoff(a)

	deadline := time.After(2 * time.Second)
	for {
		if a.LastRdyCount() == 1 || b.LastRdyCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("probe did not fire within timeout")
		case <-time.After(time.Millisecond):
		}
	}

	sum := a.LastRdyCount() + b.LastRdyCount()
	if sum != 1 {
		t.Fatalf("expected exactly one connection probed with RDY 1, got a=%d b=%d", a.LastRdyCount(), b.LastRdyCount())
	}
}

func TestOnResumeExitsBackoffAtZero(t *testing.T) {
	a := newFakeConn("a")
	conns := []Conn{a}
	c := New(testConfig(), 1, func() []Conn { return conns })

	c.OnBackoff(a)
	if !c.InBackoff() {
		t.Fatalf("expected backoff active")
	}
	c.OnResume(a)
	if c.InBackoff() {
		t.Fatalf("expected backoff resolved after single OnResume at level 1")
	}
	if a.LastRdyCount() != c.PerConnMaxInFlight() {
		t.Fatalf("expected RDY restored to %d, got %d", c.PerConnMaxInFlight(), a.LastRdyCount())
	}
}

func TestOnResumeIgnoresNonProbedConnection(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	conns := []Conn{a, b}
	c := New(testConfig(), 42, func() []Conn { return conns })

	c.OnBackoff(a)

	deadline := time.After(2 * time.Second)
	for {
		if a.LastRdyCount() == 1 || b.LastRdyCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("probe did not fire within timeout")
		case <-time.After(time.Millisecond):
		}
	}

	probed, other := a, b
	if b.LastRdyCount() == 1 {
		probed, other = b, a
	}

	c.OnResume(other)
	if !c.InBackoff() {
		t.Fatalf("expected a resume from the non-probed connection to be ignored")
	}

	c.OnResume(probed)
	if c.InBackoff() {
		t.Fatalf("expected the probed connection's resume to resolve backoff")
	}
}

func TestOnResumeNoopWhenNotInBackoff(t *testing.T) {
	a := newFakeConn("a")
	c := New(testConfig(), 1, func() []Conn { return []Conn{a} })

	c.OnResume(a)
	if c.InBackoff() {
		t.Fatalf("expected OnResume to be a no-op outside backoff")
	}
}

func TestRedistributeGrantsRDYToZeroRdyConnections(t *testing.T) {
	a, b := newFakeConn("a"), newFakeConn("b")
	a.lastRdy.Store(0)
	b.lastRdy.Store(0)
	conns := []Conn{a, b, newFakeConn("c")}
	cfg := testConfig()
	cfg.MaxInFlight = 2
	c := New(cfg, 7, func() []Conn { return conns })

	c.Redistribute()

	var granted int
	for _, conn := range []*fakeConn{a, b} {
		if conn.LastRdyCount() == 1 {
			granted++
		}
	}
	if granted == 0 {
		t.Fatalf("expected Redistribute to grant RDY to at least one starved connection")
	}
}

func TestRedistributeNoopDuringBackoff(t *testing.T) {
	a := newFakeConn("a")
	conns := []Conn{a}
	cfg := testConfig()
	cfg.MaxInFlight = 5
	c := New(cfg, 1, func() []Conn { return conns })

	c.OnBackoff(a)
	a.lastRdy.Store(0)
	c.Redistribute()

	if a.LastRdyCount() != 0 {
		t.Fatalf("expected Redistribute to be a no-op while in backoff")
	}
}

func TestSetMaxInFlightRefreshesConnections(t *testing.T) {
	a := newFakeConn("a")
	c := New(testConfig(), 1, func() []Conn { return []Conn{a} })

	c.SetMaxInFlight(100)
	if c.MaxInFlight() != 100 {
		t.Fatalf("MaxInFlight() = %d, want 100", c.MaxInFlight())
	}
	if a.LastRdyCount() != 100 {
		t.Fatalf("expected connection RDY refreshed to 100, got %d", a.LastRdyCount())
	}
}

func TestCloseStopsPendingProbeTimer(t *testing.T) {
	a := newFakeConn("a")
	c := New(testConfig(), 1, func() []Conn { return []Conn{a} })

	c.OnBackoff(a)
	c.Close()

	time.Sleep(c.cfg.MaxBackoffDuration + 20*time.Millisecond)
	if a.LastRdyCount() != 0 {
		t.Fatalf("expected no probe RDY after Close, got %d", a.LastRdyCount())
	}
}
