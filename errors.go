package nsqgo

import (
	"errors"
	"fmt"

	"github.com/rajmenon/nsqgo/pkg/wire"
)

// Sentinel usage errors, surfaced synchronously from the public API
// (spec.md §7's NotConnected/AlreadyConnected/Stopped kinds).
var (
	ErrNotConnected     = errors.New("nsqgo: not connected")
	ErrAlreadyConnected = errors.New("nsqgo: already connected")
	ErrStopped          = errors.New("nsqgo: consumer is stopped")
	ErrNoHandlers       = errors.New("nsqgo: no handlers registered, call AddHandler before connecting")
)

// ProtocolError describes an error frame received from a broker (spec.md
// §7's Protocol kind). The Consumer logs one for every error frame, whether
// or not the error code is one that makes the connection close.
type ProtocolError struct {
	Addr      string
	FrameType wire.FrameType
	Data      []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nsqgo: protocol error from %s (frame %d): %s", e.Addr, e.FrameType, e.Data)
}

// IOError wraps a transport failure that closed a connection (spec.md §7's
// IO kind). Recovery is local: the connection is closed and discovery is
// left to reconnect, so this is informational rather than fatal.
type IOError struct {
	Addr string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("nsqgo: io error on %s: %v", e.Addr, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// OverMaxInFlightError is informational: a connection reported more
// in-flight messages than the configured budget allows when a message
// arrived (spec.md §7's OverMaxInFlight kind). It is never returned from the
// public API; OnConnMessage only logs it, since the condition corrects itself
// on the next RDY refresh.
type OverMaxInFlightError struct {
	Addr             string
	MessagesInFlight int64
	MaxInFlight      int64
}

func (e *OverMaxInFlightError) Error() string {
	return fmt.Sprintf("nsqgo: %s has %d messages in flight, over max %d", e.Addr, e.MessagesInFlight, e.MaxInFlight)
}
