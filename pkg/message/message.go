// Package message defines the in-memory record handed to handler workers
// and the small capability interface a Connection implements so a Message
// can route its own acknowledgements back to the link it arrived on.
package message

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// ID is the broker-assigned 16-byte message identifier.
type ID [16]byte

func (id ID) String() string {
	return string(id[:])
}

// ErrAlreadyResponded is returned by Finish/Requeue/Touch once a message has
// already been acknowledged; a message is ack'd (FIN or REQ) exactly once.
var ErrAlreadyResponded = errors.New("message: already responded")

// Acker is the capability a Message needs from its owning connection.
// Connection implements this; Message holds only a non-owning reference so
// there is no import cycle between package message and package connection.
type Acker interface {
	Finish(id ID) error
	Requeue(id ID, delay time.Duration, backoff bool) error
	Touch(id ID) error
}

// Message is created by a Connection's read loop and owned by exactly one
// handler worker at a time.
type Message struct {
	ID          ID
	Timestamp   time.Time
	Attempts    uint16
	Body        []byte
	NSQDAddress string

	acker Acker

	mu                   sync.Mutex
	finished             bool
	responded            bool
	autoResponseDisabled bool
}

// New builds a Message directly, without a wire frame to decode. Intended
// for handler unit tests that need a realistic *Message without standing up
// a Connection.
func New(id ID, body []byte, attempts uint16, acker Acker) *Message {
	return &Message{
		ID:        id,
		Timestamp: time.Now(),
		Attempts:  attempts,
		Body:      body,
		acker:     acker,
	}
}

// Decode parses the wire payload of a Message frame: 8-byte big-endian
// timestamp (nanoseconds), 2-byte big-endian attempt count, 16-byte id,
// and the remaining bytes as the body.
func Decode(nsqAddr string, acker Acker, payload []byte) (*Message, error) {
	if len(payload) < 10+16 {
		return nil, errors.New("message: frame too short")
	}
	ts := int64(binary.BigEndian.Uint64(payload[:8]))
	attempts := binary.BigEndian.Uint16(payload[8:10])
	var id ID
	copy(id[:], payload[10:26])
	body := make([]byte, len(payload)-26)
	copy(body, payload[26:])

	return &Message{
		ID:          id,
		Timestamp:   time.Unix(0, ts),
		Attempts:    attempts,
		Body:        body,
		NSQDAddress: nsqAddr,
		acker:       acker,
	}, nil
}

// DisableAutoResponse prevents the consumer's handler loop from
// automatically sending FIN/REQ after the handler returns; the caller takes
// over responsibility for acknowledging the message.
func (m *Message) DisableAutoResponse() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoResponseDisabled = true
}

// IsAutoResponseDisabled reports whether DisableAutoResponse was called.
func (m *Message) IsAutoResponseDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoResponseDisabled
}

// HasResponded reports whether the terminal FIN or REQ has already been
// sent for this message via Finish or Requeue; Touch does not count.
func (m *Message) HasResponded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responded
}

func (m *Message) markResponded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responded {
		return false
	}
	m.responded = true
	m.finished = true
	return true
}

// Finish sends FIN for this message. Safe to call at most once; subsequent
// calls return ErrAlreadyResponded.
func (m *Message) Finish() error {
	if !m.markResponded() {
		return ErrAlreadyResponded
	}
	return m.acker.Finish(m.ID)
}

// Requeue sends REQ with the given delay. backoff signals to the owning
// connection's parent that this failure should count against the shared
// backoff counter (see pkg/rdy).
func (m *Message) Requeue(delay time.Duration, backoff bool) error {
	if !m.markResponded() {
		return ErrAlreadyResponded
	}
	return m.acker.Requeue(m.ID, delay, backoff)
}

// Touch extends the server-side visibility timeout without acknowledging
// the message. It may be called any number of times before a terminal
// Finish/Requeue.
func (m *Message) Touch() error {
	m.mu.Lock()
	responded := m.responded
	m.mu.Unlock()
	if responded {
		return ErrAlreadyResponded
	}
	return m.acker.Touch(m.ID)
}
