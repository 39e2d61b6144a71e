package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/rajmenon/nsqgo/pkg/message"
)

// nameRe matches valid topic/channel names: 1-64 characters, restricted to
// the usual identifier set, with an optional "#ephemeral" suffix.
var nameRe = regexp.MustCompile(`^[.a-zA-Z0-9_\-]+(#ephemeral)?$`)

// ErrInvalidName is returned by ValidateName and by command constructors
// that embed a topic or channel name.
type ErrInvalidName struct{ Name string }

func (e *ErrInvalidName) Error() string {
	return fmt.Sprintf("wire: invalid topic/channel name %q", e.Name)
}

// ValidateName rejects names outside 1..64 characters or outside
// ^[.a-zA-Z0-9_-]+(#ephemeral)?$.
func ValidateName(name string) error {
	if len(name) < 1 || len(name) > 64 || !nameRe.MatchString(name) {
		return &ErrInvalidName{Name: name}
	}
	return nil
}

func writeBody(buf *bytes.Buffer, body []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
}

// Identify encodes an IDENTIFY command; jsonBody is the consumer's identity
// document (see identifyRequest in pkg/connection for its fields).
func Identify(jsonBody []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("IDENTIFY\n")
	writeBody(&buf, jsonBody)
	return buf.Bytes()
}

// Sub encodes a SUB command. Returns ErrInvalidName if topic or channel
// fails ValidateName.
func Sub(topic, channel string) ([]byte, error) {
	if err := ValidateName(topic); err != nil {
		return nil, err
	}
	if err := ValidateName(channel); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("SUB %s %s\n", topic, channel)), nil
}

// Rdy encodes a RDY command. n must be >= 0.
func Rdy(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("wire: RDY count must be >= 0, got %d", n)
	}
	return []byte(fmt.Sprintf("RDY %d\n", n)), nil
}

// Fin encodes a FIN command for the given message id.
func Fin(id message.ID) []byte {
	return []byte(fmt.Sprintf("FIN %s\n", id.String()))
}

// Req encodes a REQ command with a requeue delay in milliseconds.
func Req(id message.ID, delayMS int64) []byte {
	return []byte(fmt.Sprintf("REQ %s %d\n", id.String(), delayMS))
}

// Touch encodes a TOUCH command, extending the server-side visibility
// timeout for the given message id.
func Touch(id message.ID) []byte {
	return []byte(fmt.Sprintf("TOUCH %s\n", id.String()))
}

// Nop encodes a NOP command, used as the heartbeat reply.
func Nop() []byte {
	return []byte("NOP\n")
}

// Cls encodes a CLS command, requesting a clean close.
func Cls() []byte {
	return []byte("CLS\n")
}

// Auth encodes an AUTH command carrying an opaque secret body.
func Auth(secret string) []byte {
	var buf bytes.Buffer
	buf.WriteString("AUTH\n")
	writeBody(&buf, []byte(secret))
	return buf.Bytes()
}
