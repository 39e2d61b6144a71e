// Package nsqgo is the consumer half of an NSQ-style pub/sub client: fleet
// management over a dynamic set of broker connections, RDY-based flow
// control, and concurrent handler dispatch (spec.md §4.6). It plays the role
// the teacher's test/consumer/subscriber.Consumer plays for its own
// protocol, generalized onto the framed wire protocol implemented by
// pkg/connection and the flow-control brain in pkg/rdy.
package nsqgo

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rajmenon/nsqgo/pkg/config"
	"github.com/rajmenon/nsqgo/pkg/connection"
	"github.com/rajmenon/nsqgo/pkg/lookup"
	"github.com/rajmenon/nsqgo/pkg/message"
	"github.com/rajmenon/nsqgo/pkg/metrics"
	"github.com/rajmenon/nsqgo/pkg/rdy"
	"github.com/rajmenon/nsqgo/pkg/wire"
	"github.com/rajmenon/nsqgo/pkg/xlog"
)

// instanceCounter labels log output across multiple Consumers in one
// process (spec.md §9's process-wide instance counter).
var instanceCounter atomic.Int64

// Stats is a point-in-time snapshot returned by Consumer.Stats.
type Stats struct {
	MessagesReceived int64
	MessagesFinished int64
	MessagesRequeued int64
	Connections      int
}

// Consumer subscribes to one (topic, channel) across any number of nsqd
// connections, discovered directly or via nsqlookupd polling.
type Consumer struct {
	id      int64
	topic   string
	channel string
	cfg     *config.Config

	hasHandlers atomic.Bool
	failedLoggerMu sync.RWMutex
	failedLogger   FailedMessageLogger
	metrics        *metrics.Registry

	mu              sync.RWMutex
	connections     map[string]*connection.Connection
	pending         map[string]struct{}
	lookupEndpoints map[string]struct{}

	rdyCtrl      *rdy.Controller
	lookupClient *lookup.Client
	lookupPoller *lookup.Poller

	incomingMu     sync.RWMutex
	incoming       chan *message.Message
	incomingClosed bool

	received atomic.Int64
	finished atomic.Int64
	requeued atomic.Int64

	exitChan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	wg sync.WaitGroup
}

// NewConsumer validates topic/channel and cfg, freezes a copy of cfg, and
// spawns the lookup poller and RDY redistribution background tasks. Per
// spec.md §4.6 it does not connect to anything by itself; call AddHandler
// followed by ConnectToNsqd(s)/ConnectToLookupd.
func NewConsumer(topic, channel string, cfg *config.Config) (*Consumer, error) {
	if err := wire.ValidateName(topic); err != nil {
		return nil, err
	}
	if err := wire.ValidateName(channel); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	frozen := cfg.Clone()

	bufSize := int(frozen.MaxInFlight)
	if bufSize <= 0 {
		bufSize = 1
	}
	bufSize = bufSize*2 + 16

	c := &Consumer{
		id:              instanceCounter.Add(1),
		topic:           topic,
		channel:         channel,
		cfg:             frozen,
		connections:     make(map[string]*connection.Connection),
		pending:         make(map[string]struct{}),
		lookupEndpoints: make(map[string]struct{}),
		incoming:        make(chan *message.Message, bufSize),
		exitChan:        make(chan struct{}),
		stopChan:        make(chan struct{}),
	}

	c.rdyCtrl = rdy.New(frozen, seedRand(), c.connList)
	c.lookupClient = lookup.NewClient(nil, frozen.DialTimeout)
	c.lookupPoller = lookup.NewPoller(c.lookupClient, frozen.LookupdPollInterval, frozen.LookupdPollJitter, c.ConnectToNsqd)

	go c.lookupPoller.Run()

	c.wg.Add(1)
	go c.redistributeLoop()

	xlog.Info("nsqgo[%d]: consumer created for %s/%s", c.id, topic, channel)
	return c, nil
}

func seedRand() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return int64(binary.BigEndian.Uint64(b[:]))
	}
	return time.Now().UnixNano()
}

func (c *Consumer) connList() []rdy.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]rdy.Conn, 0, len(c.connections))
	for _, conn := range c.connections {
		out = append(out, conn)
	}
	return out
}

// EnableMetrics lazily creates and registers this Consumer's Prometheus
// Registry, returning it for the caller to wire into pkg/metrics.StartServer
// or their own registerer. Safe to call at most once.
func (c *Consumer) EnableMetrics() *metrics.Registry {
	if c.metrics == nil {
		c.metrics = metrics.NewRegistry(c.topic, c.channel, nil)
	}
	return c.metrics
}

// SetFailedMessageLogger installs the optional logger notified when a
// message exhausts MaxAttempts (spec.md §4.6's addHandler).
func (c *Consumer) SetFailedMessageLogger(l FailedMessageLogger) {
	c.failedLoggerMu.Lock()
	defer c.failedLoggerMu.Unlock()
	c.failedLogger = l
}

func (c *Consumer) failedMessageLogger() FailedMessageLogger {
	c.failedLoggerMu.RLock()
	defer c.failedLoggerMu.RUnlock()
	return c.failedLogger
}

// AddHandler spawns concurrency worker goroutines draining the incoming
// message queue. Must be called before any ConnectToNsqd(s)/ConnectToLookupd
// (spec.md §4.6).
func (c *Consumer) AddHandler(handler Handler, concurrency int) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	c.hasHandlers.Store(true)

	c.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go c.handlerWorker(handler)
	}
	return nil
}

func (c *Consumer) handlerWorker(handler Handler) {
	defer c.wg.Done()
	for msg := range c.incoming {
		c.processMessage(handler, msg)
	}
}

func (c *Consumer) processMessage(handler Handler, msg *message.Message) {
	var start time.Time
	if c.metrics != nil {
		start = time.Now()
	}
	err := handler.HandleMessage(msg)
	if c.metrics != nil {
		c.metrics.HandlerDuration.Observe(time.Since(start).Seconds())
	}

	if msg.IsAutoResponseDisabled() {
		return
	}

	if err == nil {
		c.finishMessage(msg)
		return
	}

	xlog.Warn("nsqgo[%d]: handler error for message %s: %v", c.id, msg.ID, err)

	if msg.Attempts >= c.cfg.MaxAttempts {
		if logger := c.failedMessageLogger(); logger != nil {
			logger.LogFailedMessage(msg)
		}
		c.finishMessage(msg)
		return
	}

	delay := requeueDelay(c.cfg, msg.Attempts)
	if rerr := msg.Requeue(delay, true); rerr != nil && !errors.Is(rerr, message.ErrAlreadyResponded) {
		xlog.Warn("nsqgo[%d]: REQ failed for %s: %v", c.id, msg.ID, rerr)
	}
	c.requeued.Add(1)
	if c.metrics != nil {
		c.metrics.MessagesRequeued.Inc()
	}
}

func (c *Consumer) finishMessage(msg *message.Message) {
	if ferr := msg.Finish(); ferr != nil && !errors.Is(ferr, message.ErrAlreadyResponded) {
		xlog.Warn("nsqgo[%d]: FIN failed for %s: %v", c.id, msg.ID, ferr)
	}
	c.finished.Add(1)
	if c.metrics != nil {
		c.metrics.MessagesFinished.Inc()
	}
}

// requeueDelay scales the configured default by attempt count, capped at
// max_requeue_delay, matching the staggered backoff a real broker client
// applies per failing message (distinct from the shared RDY backoff in
// pkg/rdy, which reacts to the fleet, not to one message's retry count).
func requeueDelay(cfg *config.Config, attempts uint16) time.Duration {
	d := cfg.DefaultRequeueDelay * time.Duration(attempts+1)
	if d > cfg.MaxRequeueDelay {
		d = cfg.MaxRequeueDelay
	}
	return d
}

// ConnectToNsqd dials addr directly, guarded by the connection map's write
// mutex, per spec.md §4.6.
func (c *Consumer) ConnectToNsqd(addr string) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.hasHandlers.Load() {
		return ErrNoHandlers
	}

	c.mu.Lock()
	if _, ok := c.connections[addr]; ok {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if _, ok := c.pending[addr]; ok {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.pending[addr] = struct{}{}
	c.mu.Unlock()

	conn := connection.New(addr, c.cfg, c)
	err := conn.Connect(c.topic, c.channel)

	c.mu.Lock()
	delete(c.pending, addr)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("nsqgo: connect to %s: %w", addr, err)
	}
	c.connections[addr] = conn
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionCount.Inc()
	}
	c.rdyCtrl.OnConnectionsChanged()
	c.updateRDYMetric()
	xlog.Info("nsqgo[%d]: connected to %s", c.id, addr)
	return nil
}

// ConnectToNsqds dials every address in addrs concurrently, returning the
// first error encountered (if any) after every dial has completed.
func (c *Consumer) ConnectToNsqds(addrs []string) error {
	var g errgroup.Group
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error { return c.ConnectToNsqd(addr) })
	}
	return g.Wait()
}

// ConnectToLookupd registers a lookupd HTTP endpoint and starts polling it
// for this Consumer's topic.
func (c *Consumer) ConnectToLookupd(endpoint string) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.hasHandlers.Load() {
		return ErrNoHandlers
	}

	c.mu.Lock()
	if _, ok := c.lookupEndpoints[endpoint]; ok {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.lookupEndpoints[endpoint] = struct{}{}
	c.mu.Unlock()

	c.lookupClient.AddEndpoint(endpoint)
	c.lookupPoller.AddTopic(c.topic)
	return nil
}

// DisconnectFromNsqd removes and closes addr's connection. Per spec.md §9's
// Open Questions, the condition is the plain membership check — not the
// source's inverted one.
func (c *Consumer) DisconnectFromNsqd(addr string) error {
	c.mu.Lock()
	conn, ok := c.connections[addr]
	if !ok {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.connections, addr)
	c.mu.Unlock()

	return conn.Close()
}

// DisconnectFromLookupd removes a lookupd endpoint, refusing to remove the
// last one while lookup polling is active (spec.md §4.6).
func (c *Consumer) DisconnectFromLookupd(endpoint string) error {
	c.mu.Lock()
	if _, ok := c.lookupEndpoints[endpoint]; !ok {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if len(c.lookupEndpoints) == 1 {
		c.mu.Unlock()
		return fmt.Errorf("nsqgo: cannot remove the last lookup endpoint while polling is active")
	}
	delete(c.lookupEndpoints, endpoint)
	c.mu.Unlock()

	c.lookupClient.RemoveEndpoint(endpoint)
	return nil
}

// ChangeMaxInFlight updates the global RDY budget and refreshes every
// connection. Per spec.md §9's Open Questions this is a plain setter
// followed by an unconditional refresh: the source's guard runs after the
// field is already assigned and is therefore always true, so it is not
// reproduced here.
func (c *Consumer) ChangeMaxInFlight(n int64) {
	c.rdyCtrl.SetMaxInFlight(n)
	c.updateRDYMetric()
}

// Stats returns a snapshot of the consumer's counters.
func (c *Consumer) Stats() Stats {
	c.mu.RLock()
	n := len(c.connections)
	c.mu.RUnlock()

	return Stats{
		MessagesReceived: c.received.Load(),
		MessagesFinished: c.finished.Load(),
		MessagesRequeued: c.requeued.Load(),
		Connections:      n,
	}
}

// ConnectionStatuses returns the live State of every current connection,
// keyed by address, for diagnostics.
func (c *Consumer) ConnectionStatuses() map[string]connection.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]connection.State, len(c.connections))
	for addr, conn := range c.connections {
		out[addr] = conn.State()
	}
	return out
}

// IsStarved reports whether any non-closing connection has consumed 85% or
// more of its last granted RDY count, per spec.md §4.6.
func (c *Consumer) IsStarved() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.connections {
		if conn.IsClosing() {
			continue
		}
		inFlight := conn.MessagesInFlight()
		last := conn.LastRdyCount()
		if last > 0 && inFlight > 0 && float64(inFlight) >= 0.85*float64(last) {
			return true
		}
	}
	return false
}

func (c *Consumer) redistributeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RDYRedistributeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.exitChan:
			return
		case <-ticker.C:
			c.rdyCtrl.Redistribute()
			c.updateRDYMetric()
		}
	}
}

// StopChan returns a channel closed once Stop has fully drained the
// consumer, for callers that want to block on shutdown.
func (c *Consumer) StopChan() <-chan struct{} {
	return c.stopChan
}

// Stop is idempotent. It closes the incoming queue first (so no handler
// picks up a new message) and waits for every handler worker to drain the
// backlog and exit — a handler already running when Stop is called finishes
// and acks on a connection that is still fully open, per spec.md §4.3's
// close behavior and the testable scenario in spec.md §8.6. That wait is
// bounded by msg_timeout so a hung handler cannot stall shutdown forever.
// Only then are connections closed (each still applying its own bounded
// msg_timeout drain as a backstop for messages that arrive in the small
// window after handlers have stopped consuming), and finally stopChan
// closes.
func (c *Consumer) Stop() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.exitChan)
		c.lookupPoller.Stop()

		c.incomingMu.Lock()
		c.incomingClosed = true
		close(c.incoming)
		c.incomingMu.Unlock()

		c.waitForHandlers()

		c.mu.Lock()
		conns := make([]*connection.Connection, 0, len(c.connections))
		for _, conn := range c.connections {
			conns = append(conns, conn)
		}
		c.mu.Unlock()

		var g errgroup.Group
		for _, conn := range conns {
			conn := conn
			g.Go(func() error { return conn.Close() })
		}
		if err := g.Wait(); err != nil {
			xlog.Warn("nsqgo[%d]: error closing connections: %v", c.id, err)
		}

		c.rdyCtrl.Close()

		xlog.Info("nsqgo[%d]: stopped", c.id)
		close(c.stopChan)
	})
	return nil
}

// waitForHandlers blocks until every handler worker and the redistribute
// loop have exited, or msg_timeout elapses, whichever comes first.
func (c *Consumer) waitForHandlers() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.MsgTimeout):
		xlog.Warn("nsqgo[%d]: handler workers did not drain within msg_timeout", c.id)
	}
}

// The following methods implement connection.Delegate, letting a Connection
// call back into its owning Consumer without either package importing the
// other's concrete type (spec.md §9's capability-interface pattern).

// OnConnMessage enqueues msg for handler dispatch, warning if the
// connection's reported in-flight count has drifted over the configured
// budget (spec.md §7's OverMaxInFlight kind, informational only). Once
// Stop has closed the incoming queue this instead requeues msg immediately
// on its still-open connection rather than racing a send against a closed
// channel.
func (c *Consumer) OnConnMessage(conn *connection.Connection, msg *message.Message) {
	c.received.Add(1)
	if c.metrics != nil {
		c.metrics.MessagesReceived.Inc()
	}

	if maxInFlight := c.rdyCtrl.MaxInFlight(); maxInFlight > 0 {
		if inFlight := conn.MessagesInFlight(); inFlight > maxInFlight {
			xlog.Warn("%v", &OverMaxInFlightError{Addr: conn.Address(), MessagesInFlight: inFlight, MaxInFlight: maxInFlight})
		}
	}

	c.incomingMu.RLock()
	defer c.incomingMu.RUnlock()
	if c.incomingClosed {
		_ = msg.Requeue(c.cfg.DefaultRequeueDelay, false)
		return
	}
	c.incoming <- msg
}

// OnConnHeartbeat logs a debug line; the NOP reply itself is already sent by
// the connection's read loop.
func (c *Consumer) OnConnHeartbeat(conn *connection.Connection) {
	xlog.Debug("nsqgo[%d]: heartbeat from %s", c.id, conn.Address())
}

// OnConnError records a broker-reported error frame.
func (c *Consumer) OnConnError(conn *connection.Connection, frameType wire.FrameType, data []byte) {
	xlog.Warn("%v", &ProtocolError{Addr: conn.Address(), FrameType: frameType, Data: data})
}

// OnConnIOErr records a transport failure and wakes the lookup poller so
// discovery re-probes sooner than its next scheduled interval.
func (c *Consumer) OnConnIOErr(conn *connection.Connection, err error) {
	xlog.Warn("%v", &IOError{Addr: conn.Address(), Err: err})
	c.lookupPoller.Recheck()
}

// OnConnClose removes a closed connection from the map and refreshes the
// RDY controller's per-connection budget.
func (c *Consumer) OnConnClose(conn *connection.Connection) {
	c.mu.Lock()
	delete(c.connections, conn.Address())
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionCount.Dec()
	}
	c.rdyCtrl.OnConnectionsChanged()
	c.updateRDYMetric()
	xlog.Info("nsqgo[%d]: connection to %s closed", c.id, conn.Address())
}

// OnConnBackoff deepens the shared backoff window.
func (c *Consumer) OnConnBackoff(conn *connection.Connection) {
	c.rdyCtrl.OnBackoff(conn)
	if c.metrics != nil {
		c.metrics.BackoffLevel.Set(float64(c.rdyCtrl.BackoffLevel()))
	}
	c.updateRDYMetric()
}

// OnConnResume relaxes the shared backoff window.
func (c *Consumer) OnConnResume(conn *connection.Connection) {
	c.rdyCtrl.OnResume(conn)
	if c.metrics != nil {
		c.metrics.BackoffLevel.Set(float64(c.rdyCtrl.BackoffLevel()))
	}
	c.updateRDYMetric()
}

// updateRDYMetric refreshes the TotalRDY gauge from the controller's current
// per-connection RDY values. Called after anything that can change RDY
// assignment: connection count changes, backoff transitions, and periodic
// redistribution.
func (c *Consumer) updateRDYMetric() {
	if c.metrics != nil {
		c.metrics.TotalRDY.Set(float64(c.rdyCtrl.TotalRDY()))
	}
}
