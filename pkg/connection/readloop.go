package connection

import (
	"strings"
	"time"

	"github.com/rajmenon/nsqgo/pkg/message"
	"github.com/rajmenon/nsqgo/pkg/wire"
	"github.com/rajmenon/nsqgo/pkg/xlog"
)

const heartbeatResponse = "_heartbeat_"

// fatalErrorPrefixes lists the broker error codes that mean the connection
// cannot continue, per spec.md §4.3's steady-state read loop dispatch.
var fatalErrorPrefixes = []string{"E_INVALID", "E_BAD_TOPIC", "E_BAD_CHANNEL", "E_AUTH_FAILED"}

// readLoop is the dedicated cooperative task that demultiplexes frames
// until the connection exits or the socket breaks (spec.md §4.3).
func (c *Connection) readLoop() {
	defer c.loopsDone.Done()

	watchdog := c.heartbeatTimeout()

	for {
		select {
		case <-c.exitChan:
			return
		default:
		}

		_ = c.netConn.SetReadDeadline(time.Now().Add(watchdog))
		frameType, payload, err := wire.ReadFrame(c.reader, c.cfg.MaxFrameSize)
		if err != nil {
			select {
			case <-c.exitChan:
				return
			default:
			}
			go c.failWithError(err)
			return
		}

		switch frameType {
		case wire.FrameTypeResponse:
			c.handleResponse(payload)
		case wire.FrameTypeError:
			c.handleError(payload)
		case wire.FrameTypeMessage:
			c.handleMessage(payload)
		}
	}
}

func (c *Connection) heartbeatTimeout() time.Duration {
	interval := c.cfg.HeartbeatInterval
	if c.identify.HeartbeatIntervalMS > 0 {
		interval = time.Duration(c.identify.HeartbeatIntervalMS) * time.Millisecond
	}
	if interval <= 0 {
		interval = c.cfg.ReadTimeout
	}
	return 2 * interval
}

func (c *Connection) handleResponse(payload []byte) {
	if string(payload) == heartbeatResponse {
		c.lastHeartbeatAt.Store(time.Now().UnixNano())
		if err := c.enqueueCommand(wire.Nop()); err != nil {
			xlog.Warn("connection: %s failed to queue heartbeat NOP: %v", c.addr, err)
		}
		c.delegate.OnConnHeartbeat(c)
		return
	}
	// Any other in-band response (IDENTIFY/AUTH/SUB acks) is consumed
	// synchronously during the handshake; nothing reaches here in
	// steady state besides the occasional CLOSE_WAIT acknowledgement,
	// which needs no action.
}

func (c *Connection) handleError(payload []byte) {
	c.delegate.OnConnError(c, wire.FrameTypeError, payload)

	msg := string(payload)
	for _, prefix := range fatalErrorPrefixes {
		if strings.HasPrefix(msg, prefix) {
			xlog.Error("connection: %s fatal error %s, closing", c.addr, msg)
			go c.Close()
			return
		}
	}
	xlog.Warn("connection: %s non-fatal error: %s", c.addr, msg)
}

func (c *Connection) handleMessage(payload []byte) {
	msg, err := message.Decode(c.addr, c, payload)
	if err != nil {
		xlog.Error("connection: %s malformed message frame: %v", c.addr, err)
		return
	}

	c.messagesInFlight.Add(1)
	c.lastMessageAt.Store(time.Now().UnixNano())

	c.delegate.OnConnMessage(c, msg)
}
