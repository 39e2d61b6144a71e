// Package rdy is the consumer's flow-control brain: it divides the global
// max-in-flight budget across a dynamic set of connections, backs off
// exponentially on failure, and probes for recovery (spec.md §4.5).
package rdy

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rajmenon/nsqgo/pkg/config"
	"github.com/rajmenon/nsqgo/pkg/xlog"
)

// Conn is the slice of a connection's state and behavior the controller
// needs. pkg/connection.Connection implements it structurally; rdy never
// imports pkg/connection, avoiding a cycle (spec.md §9's capability
// interface pattern).
type Conn interface {
	Address() string
	IsClosing() bool
	MaxRdyCount() int64
	LastRdyCount() int64
	MessagesInFlight() int64
	LastMessageAt() time.Time
	SetRDY(count int64) error
}

// Controller owns maxInFlight, the shared backoff counter, and periodic
// redistribution. One Controller per Consumer.
type Controller struct {
	cfg       *config.Config
	conns     func() []Conn
	maxLevel  int
	maxInFlight atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand

	mu              sync.Mutex
	backoffCounter  int
	backoffDuration time.Duration
	backoffTimer    *time.Timer
	probeAddr       string
	probing         bool
	closed          bool
}

// New creates a Controller. connsFunc must return a point-in-time snapshot
// of live connections; the Consumer owns the connection map and is the only
// safe place to take that snapshot (spec.md §3 ownership rules).
func New(cfg *config.Config, seed int64, connsFunc func() []Conn) *Controller {
	c := &Controller{
		cfg:      cfg,
		conns:    connsFunc,
		maxLevel: maxBackoffLevel(cfg.MaxBackoffDuration),
		rng:      rand.New(rand.NewSource(seed)),
	}
	c.maxInFlight.Store(cfg.MaxInFlight)
	return c
}

// SetMaxInFlight updates the global budget and refreshes every connection's
// RDY. Per spec.md §9's Open Questions, this is a plain setter followed by
// an unconditional refresh — the source's always-true post-assignment guard
// is not reproduced.
func (c *Controller) SetMaxInFlight(n int64) {
	c.maxInFlight.Store(n)
	c.refreshAll()
}

// MaxInFlight returns the current global budget.
func (c *Controller) MaxInFlight() int64 {
	return c.maxInFlight.Load()
}

// PerConnMaxInFlight computes clamp(floor(maxInFlight/N), 1, maxInFlight)
// where N is the live connection count, per spec.md §4.5.1. Correctly named
// (spec.md §9 flags the source's misspelling as one to not carry over).
func (c *Controller) PerConnMaxInFlight() int64 {
	n := c.maxInFlight.Load()
	if n <= 0 {
		return 0
	}
	conns := c.conns()
	N := int64(len(conns))
	if N <= 0 {
		return n
	}
	v := n / N
	if v < 1 {
		v = 1
	}
	if v > n {
		v = n
	}
	return v
}

// TotalRDY sums LastRdyCount across every live connection, for metrics
// exporters that want a fleet-wide view rather than per-connection detail.
func (c *Controller) TotalRDY() int64 {
	var total int64
	for _, conn := range c.conns() {
		total += conn.LastRdyCount()
	}
	return total
}

// InBackoff reports whether the shared backoff counter is currently > 0.
func (c *Controller) InBackoff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffCounter > 0
}

// BackoffLevel returns the current backoff counter value, for stats/metrics.
func (c *Controller) BackoffLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffCounter
}

// OnConnectionsChanged is called whenever the connection count changes
// (added or removed); it is a no-op during backoff.
func (c *Controller) OnConnectionsChanged() {
	c.refreshAll()
}

func (c *Controller) refreshAll() {
	if c.InBackoff() {
		return
	}
	for _, conn := range c.conns() {
		if err := c.MaybeUpdateRDY(conn); err != nil {
			xlog.Warn("rdy: update failed for %s: %v", conn.Address(), err)
		}
	}
}

// MaybeUpdateRDY is a no-op if the controller is in a backoff block or the
// connection is closing. Otherwise it computes the clamped per-connection
// count and sends RDY only when lastRdyCount is zero, the remaining budget
// has fallen to 25% or less, or the computed count has changed.
func (c *Controller) MaybeUpdateRDY(conn Conn) error {
	if conn.IsClosing() {
		return nil
	}
	if c.InBackoff() {
		return nil
	}

	count := c.PerConnMaxInFlight()
	if maxRdy := conn.MaxRdyCount(); maxRdy > 0 && count > maxRdy {
		count = maxRdy
	}

	last := conn.LastRdyCount()
	shouldSend := last == 0 || last != count
	if !shouldSend && last > 0 {
		remaining := last - conn.MessagesInFlight()
		if remaining <= last/4 {
			shouldSend = true
		}
	}
	if !shouldSend {
		return nil
	}

	return conn.SetRDY(count)
}

// OnBackoff is invoked by a connection (via the Consumer's delegate) when a
// handler requeues a message with backoff=true. While a probe is
// outstanding, only the probed connection's result may move the counter:
// every other connection has RDY 0 and can only be resolving a message that
// was already in flight before the window opened, which says nothing about
// whether it's safe to come out of backoff. The shared counter is
// incremented, capped at the level implied by max_backoff_duration, and the
// whole fleet enters or deepens a backoff window.
func (c *Controller) OnBackoff(conn Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.probing && conn.Address() != c.probeAddr {
		c.mu.Unlock()
		return
	}
	c.probing = false
	c.backoffCounter++
	if c.backoffCounter > c.maxLevel {
		c.backoffCounter = c.maxLevel
	}
	counter := c.backoffCounter
	c.mu.Unlock()

	c.transition(counter)
}

// OnResume is invoked when a handler finishes a message successfully while
// the shared counter is > 0; it decrements the counter and either exits
// backoff (counter reaches zero) or continues it with a shorter window. Same
// probe-address gating as OnBackoff: a stray ack from a non-probed connection
// must not be mistaken for the probe succeeding.
func (c *Controller) OnResume(conn Conn) {
	c.mu.Lock()
	if c.closed || c.backoffCounter == 0 {
		c.mu.Unlock()
		return
	}
	if c.probing && conn.Address() != c.probeAddr {
		c.mu.Unlock()
		return
	}
	c.probing = false
	c.backoffCounter--
	counter := c.backoffCounter
	c.mu.Unlock()

	c.transition(counter)
}

func (c *Controller) transition(counter int) {
	c.stopTimer()

	if counter == 0 {
		xlog.Info("rdy: backoff resolved, resuming at %d per connection", c.PerConnMaxInFlight())
		for _, conn := range c.conns() {
			if err := conn.SetRDY(c.PerConnMaxInFlight()); err != nil {
				xlog.Warn("rdy: resume RDY failed for %s: %v", conn.Address(), err)
			}
		}
		return
	}

	c.rngMu.Lock()
	d := backoffDuration(c.rng, c.cfg.BackoffMultiplier, c.cfg.MaxBackoffDuration, counter)
	c.rngMu.Unlock()

	c.mu.Lock()
	c.backoffDuration = d
	c.mu.Unlock()

	xlog.Warn("rdy: entering backoff level %d for %v", counter, d)
	for _, conn := range c.conns() {
		if err := conn.SetRDY(0); err != nil {
			xlog.Warn("rdy: RDY 0 failed for %s: %v", conn.Address(), err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.backoffTimer = time.AfterFunc(d, c.probe)
	c.mu.Unlock()
}

// probe fires when a backoff window elapses: it grants RDY 1 to a single,
// uniformly-chosen live connection so the fleet can safely sample whether
// failures have subsided.
func (c *Controller) probe() {
	conns := c.conns()
	live := make([]Conn, 0, len(conns))
	for _, conn := range conns {
		if !conn.IsClosing() {
			live = append(live, conn)
		}
	}
	if len(live) == 0 {
		return
	}

	c.rngMu.Lock()
	idx := c.rng.Intn(len(live))
	c.rngMu.Unlock()

	chosen := live[idx]
	c.mu.Lock()
	c.probeAddr = chosen.Address()
	c.probing = true
	c.mu.Unlock()

	xlog.Info("rdy: test probe granting RDY 1 to %s", chosen.Address())
	if err := chosen.SetRDY(1); err != nil {
		xlog.Warn("rdy: probe RDY failed for %s: %v", chosen.Address(), err)
	}
}

func (c *Controller) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
}

// Redistribute implements spec.md §4.5.3's periodic redistribution: when
// there are more connections than max-in-flight, or a connection has sat
// idle with RDY>0 past low_rdy_idle_timeout, it grants RDY 1 to randomly
// chosen connections whose RDY is 0, up to the budget not yet assigned
// (max-in-flight minus the sum of lastRdyCount). RDY already held by idle
// connections is not taken back.
func (c *Controller) Redistribute() {
	if c.InBackoff() {
		return
	}

	conns := c.conns()
	maxInFlight := c.maxInFlight.Load()
	if maxInFlight <= 0 {
		return
	}

	var sumRdy int64
	var candidates []Conn
	needsRedistribute := int64(len(conns)) > maxInFlight

	for _, conn := range conns {
		if conn.IsClosing() {
			continue
		}
		sumRdy += conn.LastRdyCount()

		if conn.LastRdyCount() == 0 {
			candidates = append(candidates, conn)
		} else if conn.LastRdyCount() > 0 && conn.MessagesInFlight() == 0 &&
			time.Since(conn.LastMessageAt()) > c.cfg.LowRdyIdleTimeout {
			needsRedistribute = true
		}
	}

	if !needsRedistribute || len(candidates) == 0 {
		return
	}

	available := maxInFlight - sumRdy
	if available <= 0 {
		return
	}

	c.rngMu.Lock()
	c.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	c.rngMu.Unlock()

	grant := available
	if int64(len(candidates)) < grant {
		grant = int64(len(candidates))
	}

	for i := int64(0); i < grant; i++ {
		conn := candidates[i]
		if err := conn.SetRDY(1); err != nil {
			xlog.Warn("rdy: redistribute RDY failed for %s: %v", conn.Address(), err)
		}
	}
}

// Close stops any pending backoff timer; subsequent OnBackoff/OnResume
// calls are no-ops.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	timer := c.backoffTimer
	c.backoffTimer = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}
