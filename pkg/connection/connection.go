// Package connection implements one TCP link to a broker: the handshake,
// the steady-state read/write loops, heartbeats, and the per-message
// FIN/REQ/TOUCH acknowledgement paths (spec.md §4.3). It is the largest
// state machine in the module, grounded on the teacher's transport dial/
// send/receive shape (pkg/cluster/transport/transport.go) and its
// ticker+select+stopCh background-task idiom (pkg/coordinator/heartbeat.go),
// generalized here into a bidirectional, framed, compressible protocol
// session instead of a single request/response round trip.
package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rajmenon/nsqgo/pkg/config"
	"github.com/rajmenon/nsqgo/pkg/message"
	"github.com/rajmenon/nsqgo/pkg/wire"
	"github.com/rajmenon/nsqgo/pkg/xlog"
)

// State is a Connection's position in its handshake/subscribe/close
// lifecycle (spec.md §3's Connection state machine).
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateSubscribed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrIdentify wraps a handshake failure, per spec.md §7's Identify error
// kind.
type ErrIdentify struct{ Reason string }

func (e *ErrIdentify) Error() string { return fmt.Sprintf("connection: identify failed: %s", e.Reason) }

// Delegate is the capability a Connection needs from its owning Consumer.
// Connection holds only a non-owning reference, so package connection never
// imports the root package (spec.md §9's back-reference pattern).
type Delegate interface {
	OnConnMessage(c *Connection, msg *message.Message)
	OnConnHeartbeat(c *Connection)
	OnConnError(c *Connection, frameType wire.FrameType, data []byte)
	OnConnIOErr(c *Connection, err error)
	OnConnClose(c *Connection)
	OnConnBackoff(c *Connection)
	OnConnResume(c *Connection)
}

// Connection owns one socket and the two cooperative tasks (read loop,
// write loop) that drive it.
type Connection struct {
	addr     string
	cfg      *config.Config
	delegate Delegate
	topic    string
	channel  string

	netConn net.Conn
	reader  io.Reader
	writer  io.Writer
	flusher flusher

	identify identifyResponse

	state atomic.Int32

	lastRdyCount     atomic.Int64
	messagesInFlight atomic.Int64
	lastMessageAt    atomic.Int64
	lastHeartbeatAt  atomic.Int64

	cmdChan  chan []byte
	exitChan chan struct{}
	exitOnce sync.Once

	closeMu   sync.Mutex
	loopsDone sync.WaitGroup
}

// New creates a Connection targeting addr. Connect performs the handshake
// and starts the background loops; a Connection that is never Connect'd can
// simply be discarded.
func New(addr string, cfg *config.Config, delegate Delegate) *Connection {
	c := &Connection{
		addr:     addr,
		cfg:      cfg,
		delegate: delegate,
		cmdChan:  make(chan []byte, 32),
		exitChan: make(chan struct{}),
	}
	c.flusher = noopFlusher{}
	return c
}

// Address returns the dial address this Connection targets.
func (c *Connection) Address() string { return c.addr }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// IsClosing reports whether the connection is tearing down or already torn
// down; the rdy.Conn interface uses this to skip RDY updates.
func (c *Connection) IsClosing() bool {
	s := c.State()
	return s == StateClosing || s == StateClosed
}

// MaxRdyCount returns the server-advertised ceiling on RDY from the
// handshake's IDENTIFY response.
func (c *Connection) MaxRdyCount() int64 {
	if c.identify.MaxRdyCount <= 0 {
		return DefaultMaxRdyCount
	}
	return c.identify.MaxRdyCount
}

// DefaultMaxRdyCount is used before a handshake completes or when the
// server does not advertise one.
const DefaultMaxRdyCount = 2500

// LastRdyCount returns the RDY count last sent to the broker.
func (c *Connection) LastRdyCount() int64 { return c.lastRdyCount.Load() }

// MessagesInFlight returns the number of messages delivered but not yet
// acknowledged on this connection.
func (c *Connection) MessagesInFlight() int64 { return c.messagesInFlight.Load() }

// LastMessageAt returns the time the most recent message frame arrived.
func (c *Connection) LastMessageAt() time.Time {
	ns := c.lastMessageAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// IdentifyResponse returns the negotiated feature set from the handshake.
func (c *Connection) IdentifyResponse() (maxRdyCount int64, heartbeatInterval time.Duration, authRequired bool) {
	return c.identify.MaxRdyCount, time.Duration(c.identify.HeartbeatIntervalMS) * time.Millisecond, c.identify.AuthRequired
}

func (c *Connection) rawReader() io.Reader { return c.netConn }
func (c *Connection) rawWriter() io.Writer { return c.netConn }

func deadlineFrom(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func noDeadline() time.Time { return time.Time{} }

// Connect dials addr, performs the handshake, subscribes to topic/channel,
// and starts the read and write loops. On any failure the socket is closed
// and an *ErrIdentify or the underlying dial/IO error is returned.
func (c *Connection) Connect(topic, channel string) error {
	c.topic = topic
	c.channel = channel
	c.state.Store(int32(StateHandshaking))

	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("connection: dial %s: %w", c.addr, err)
	}
	c.netConn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = conn

	if err := c.handshake(); err != nil {
		c.netConn.Close()
		c.state.Store(int32(StateClosed))
		return err
	}

	c.state.Store(int32(StateSubscribed))

	c.loopsDone.Add(2)
	go c.readLoop()
	go c.writeLoop()

	xlog.Info("connection: %s subscribed to %s/%s", c.addr, topic, channel)
	return nil
}

// upgradeTLS replaces the plain TCP stream with a TLS client connection and
// re-establishes the buffered reader over it. Called only from the
// handshake, per spec.md §4.3 step 4.
func (c *Connection) upgradeTLS() error {
	tlsCfg := c.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	tlsCfg = tlsCfg.Clone()
	if tlsCfg.MinVersion == 0 || tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
	tlsCfg.InsecureSkipVerify = c.cfg.TLSInsecureSkipVerify

	tlsConn := tls.Client(c.netConn, tlsCfg)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("connection: tls handshake: %w", err)
	}
	c.netConn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = tlsConn
	return nil
}

// SetRDY sends an RDY command and records the sent count as lastRdyCount.
func (c *Connection) SetRDY(count int64) error {
	body, err := wire.Rdy(count)
	if err != nil {
		return err
	}
	if err := c.enqueueCommand(body); err != nil {
		return err
	}
	c.lastRdyCount.Store(count)
	return nil
}

// Finish implements message.Acker: send FIN and release the in-flight slot.
func (c *Connection) Finish(id message.ID) error {
	if err := c.enqueueCommand(wire.Fin(id)); err != nil {
		return err
	}
	c.messagesInFlight.Add(-1)
	c.delegate.OnConnResume(c)
	return nil
}

// Requeue implements message.Acker: send REQ, release the in-flight slot,
// and signal the delegate when this failure should count against the
// shared backoff counter.
func (c *Connection) Requeue(id message.ID, delay time.Duration, backoff bool) error {
	if err := c.enqueueCommand(wire.Req(id, delay.Milliseconds())); err != nil {
		return err
	}
	c.messagesInFlight.Add(-1)
	if backoff {
		c.delegate.OnConnBackoff(c)
	}
	return nil
}

// Touch implements message.Acker: extend the server-side visibility
// timeout without acknowledging.
func (c *Connection) Touch(id message.ID) error {
	return c.enqueueCommand(wire.Touch(id))
}

// enqueueCommand hands body to the write loop. It only refuses once the
// connection is fully torn down (StateClosed); while StateClosing it still
// accepts FIN/REQ/TOUCH so in-flight messages can drain per spec.md §4.3's
// close sequence.
func (c *Connection) enqueueCommand(body []byte) error {
	if c.State() == StateClosed {
		return fmt.Errorf("connection: %s is closed", c.addr)
	}
	select {
	case c.cmdChan <- body:
		return nil
	case <-c.exitChan:
		return fmt.Errorf("connection: %s closed", c.addr)
	}
}

// Close is idempotent: it requests a clean CLS-then-drain shutdown and
// blocks until both loops have exited.
func (c *Connection) Close() error {
	c.teardown(true)
	return nil
}

// failWithError is called by the read/write loops on a protocol or IO
// error; the socket is assumed already broken, so no CLS is attempted.
// Emits OnConnIOErr before the standard teardown sequence.
func (c *Connection) failWithError(err error) {
	c.delegate.OnConnIOErr(c, err)
	c.teardown(false)
}

// teardown is the single idempotent exit path shared by Close and
// failWithError. sendCLS requests the best-effort clean-close handshake;
// it is skipped when the socket is already known broken. Per spec.md §4.3's
// close behavior, the read loop is kept alive until every in-flight message
// has been FIN'd/REQ'd or msg_timeout elapses, whichever comes first, so a
// handler still finishing up when Close is called gets a real chance to ack
// before the socket goes away.
func (c *Connection) teardown(sendCLS bool) {
	c.closeMu.Lock()
	alreadyClosing := c.IsClosing()
	if !alreadyClosing {
		c.state.Store(int32(StateClosing))
	}
	c.closeMu.Unlock()
	if alreadyClosing {
		c.loopsDone.Wait()
		return
	}

	if sendCLS {
		select {
		case c.cmdChan <- wire.Cls():
		case <-time.After(c.cfg.WriteTimeout):
		}
	}

	c.waitForDrain()

	c.exitOnce.Do(func() { close(c.exitChan) })

	if c.netConn != nil {
		_ = c.netConn.SetReadDeadline(time.Now())
	}
	c.loopsDone.Wait()

	if c.netConn != nil {
		c.netConn.Close()
	}
	c.state.Store(int32(StateClosed))
	c.delegate.OnConnClose(c)
}

// waitForDrain blocks until messagesInFlight reaches zero or msg_timeout
// elapses. The read loop keeps running for the duration of this wait so
// FIN/REQ commands a handler enqueues can still reach the write loop.
func (c *Connection) waitForDrain() {
	if c.messagesInFlight.Load() == 0 {
		return
	}

	deadline := time.After(c.cfg.MsgTimeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			xlog.Warn("connection: %s did not drain %d in-flight message(s) within msg_timeout",
				c.addr, c.messagesInFlight.Load())
			return
		case <-ticker.C:
			if c.messagesInFlight.Load() == 0 {
				return
			}
		}
	}
}
