package connection

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rajmenon/nsqgo/pkg/wire"
)

// handshake runs spec.md §4.3's six-step sequence. The TCP dial itself
// already happened in Connect; this covers magic, IDENTIFY, the optional
// TLS/compression upgrade, optional AUTH, and SUB.
func (c *Connection) handshake() error {
	if err := c.writeRaw([]byte(wire.Magic)); err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("write magic: %v", err)}
	}

	if err := c.sendIdentify(); err != nil {
		return err
	}

	if c.identify.TLSv1 {
		if err := c.upgradeTLS(); err != nil {
			return &ErrIdentify{Reason: err.Error()}
		}
		if err := c.readIdentifyUpgradeAck(); err != nil {
			return err
		}
	}

	switch {
	case c.identify.Deflate:
		level := c.cfg.DeflateLevel
		if c.identify.DeflateLevel > 0 {
			level = c.identify.DeflateLevel
		}
		if err := c.wrapDeflate(level); err != nil {
			return &ErrIdentify{Reason: fmt.Sprintf("deflate setup: %v", err)}
		}
	case c.identify.Snappy:
		if err := c.wrapSnappy(); err != nil {
			return &ErrIdentify{Reason: fmt.Sprintf("snappy setup: %v", err)}
		}
	}

	if c.identify.AuthRequired {
		if c.cfg.AuthSecret == "" {
			return &ErrIdentify{Reason: "server requires auth but no auth_secret configured"}
		}
		if err := c.sendAuth(); err != nil {
			return err
		}
	}

	if err := c.sendSub(); err != nil {
		return err
	}

	return nil
}

func (c *Connection) sendIdentify() error {
	req := identifyRequest{
		ClientID:            c.cfg.ClientID,
		Hostname:            c.cfg.Hostname,
		UserAgent:           c.cfg.UserAgent,
		FeatureNegotiation:  true,
		HeartbeatIntervalMS: c.cfg.HeartbeatInterval.Milliseconds(),
		MsgTimeoutMS:        c.cfg.MsgTimeout.Milliseconds(),
		TLSv1:               c.cfg.TLSV1,
		Deflate:             c.cfg.Deflate,
		DeflateLevel:        c.cfg.DeflateLevel,
		Snappy:              c.cfg.Snappy,
		SampleRate:          c.cfg.SampleRate,
	}
	if req.ClientID == "" {
		req.ClientID = c.cfg.Hostname
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("marshal identify: %v", err)}
	}

	if err := c.writeRaw(wire.Identify(body)); err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("write identify: %v", err)}
	}

	frameType, payload, err := c.readHandshakeFrame()
	if err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("read identify response: %v", err)}
	}
	if frameType == wire.FrameTypeError {
		return &ErrIdentify{Reason: fmt.Sprintf("server rejected identify: %s", payload)}
	}

	// A bare "OK" means the server does not support feature negotiation;
	// keep the defaults implied by our own request.
	if strings.TrimSpace(string(payload)) == "OK" {
		return nil
	}

	if err := json.Unmarshal(payload, &c.identify); err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("parse identify response: %v", err)}
	}
	return nil
}

// readIdentifyUpgradeAck reads the post-TLS-handshake response frame the
// server sends once the upgraded session is established.
func (c *Connection) readIdentifyUpgradeAck() error {
	frameType, payload, err := c.readHandshakeFrame()
	if err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("read tls ack: %v", err)}
	}
	if frameType == wire.FrameTypeError {
		return &ErrIdentify{Reason: fmt.Sprintf("server rejected tls upgrade: %s", payload)}
	}
	return nil
}

func (c *Connection) sendAuth() error {
	if err := c.writeRaw(wire.Auth(c.cfg.AuthSecret)); err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("write auth: %v", err)}
	}
	frameType, payload, err := c.readHandshakeFrame()
	if err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("read auth response: %v", err)}
	}
	if frameType == wire.FrameTypeError {
		return &ErrIdentify{Reason: fmt.Sprintf("auth rejected: %s", payload)}
	}
	return nil
}

func (c *Connection) sendSub() error {
	body, err := wire.Sub(c.topic, c.channel)
	if err != nil {
		return &ErrIdentify{Reason: err.Error()}
	}
	if err := c.writeRaw(body); err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("write sub: %v", err)}
	}

	frameType, payload, err := c.readHandshakeFrame()
	if err != nil {
		return &ErrIdentify{Reason: fmt.Sprintf("read sub response: %v", err)}
	}
	if frameType == wire.FrameTypeError {
		return &ErrIdentify{Reason: fmt.Sprintf("sub rejected: %s", payload)}
	}
	if strings.TrimSpace(string(payload)) != "OK" {
		return &ErrIdentify{Reason: fmt.Sprintf("unexpected sub response: %s", payload)}
	}
	return nil
}

// readHandshakeFrame reads a single frame using the handshake's read
// timeout, used for every in-band command/response exchanged before the
// read loop takes over.
func (c *Connection) readHandshakeFrame() (wire.FrameType, []byte, error) {
	_ = c.netConn.SetReadDeadline(deadlineFrom(c.cfg.ReadTimeout))
	defer c.netConn.SetReadDeadline(noDeadline())
	return wire.ReadFrame(c.reader, c.cfg.MaxFrameSize)
}

// writeRaw writes data directly to the stream and flushes, applying the
// configured write timeout. Used for handshake commands sent before the
// write loop starts.
func (c *Connection) writeRaw(data []byte) error {
	_ = c.netConn.SetWriteDeadline(deadlineFrom(c.cfg.WriteTimeout))
	defer c.netConn.SetWriteDeadline(noDeadline())
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	return c.flusher.Flush()
}
