package nsqgo

import "github.com/rajmenon/nsqgo/pkg/message"

// Handler processes one message. Returning nil acknowledges it with FIN;
// returning an error requeues it with REQ, unless the message's Attempts has
// reached the configured MaxAttempts, in which case it is FIN'd instead. If
// the handler called msg.DisableAutoResponse, the Consumer sends neither FIN
// nor REQ and the handler acknowledges the message itself (spec.md §4.6's
// addHandler).
type Handler interface {
	HandleMessage(msg *message.Message) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(msg *message.Message) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(msg *message.Message) error { return f(msg) }

// FailedMessageLogger receives messages that exhausted MaxAttempts, just
// before the Consumer FINs them on the handler's behalf.
type FailedMessageLogger interface {
	LogFailedMessage(msg *message.Message)
}

// FailedMessageLoggerFunc adapts a plain function to the FailedMessageLogger
// interface.
type FailedMessageLoggerFunc func(msg *message.Message)

// LogFailedMessage calls f.
func (f FailedMessageLoggerFunc) LogFailedMessage(msg *message.Message) { f(msg) }
