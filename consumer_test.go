package nsqgo

import (
	"errors"
	"testing"
	"time"

	"github.com/rajmenon/nsqgo/pkg/config"
	"github.com/rajmenon/nsqgo/pkg/message"
)

func testConsumer(t *testing.T) *Consumer {
	t.Helper()
	cfg := config.Default()
	cfg.DialTimeout = 50 * time.Millisecond
	c, err := NewConsumer("test-topic", "test-channel", cfg)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestNewConsumerRejectsInvalidNames(t *testing.T) {
	if _, err := NewConsumer("bad topic name!", "chan", nil); err == nil {
		t.Fatal("expected error for invalid topic name")
	}
	if _, err := NewConsumer("topic", "bad channel!", nil); err == nil {
		t.Fatal("expected error for invalid channel name")
	}
}

func TestConnectToNsqdRequiresHandlerFirst(t *testing.T) {
	c := testConsumer(t)

	if err := c.ConnectToNsqd("127.0.0.1:0"); !errors.Is(err, ErrNoHandlers) {
		t.Fatalf("ConnectToNsqd before AddHandler: got %v, want ErrNoHandlers", err)
	}
}

func TestConnectToNsqdRejectsAfterStop(t *testing.T) {
	c := testConsumer(t)
	if err := c.AddHandler(HandlerFunc(func(*message.Message) error { return nil }), 1); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	c.Stop()
	<-c.StopChan()

	if err := c.ConnectToNsqd("127.0.0.1:0"); !errors.Is(err, ErrStopped) {
		t.Fatalf("ConnectToNsqd after Stop: got %v, want ErrStopped", err)
	}
}

func TestDisconnectFromUnknownNsqdFails(t *testing.T) {
	c := testConsumer(t)
	if err := c.DisconnectFromNsqd("127.0.0.1:9999"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("DisconnectFromNsqd: got %v, want ErrNotConnected", err)
	}
}

func TestDisconnectFromLookupdRefusesLastEndpoint(t *testing.T) {
	c := testConsumer(t)
	if err := c.AddHandler(HandlerFunc(func(*message.Message) error { return nil }), 1); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}
	if err := c.ConnectToLookupd("http://127.0.0.1:4161"); err != nil {
		t.Fatalf("ConnectToLookupd: %v", err)
	}

	if err := c.DisconnectFromLookupd("http://127.0.0.1:4161"); err == nil {
		t.Fatal("expected error removing the last lookup endpoint")
	}
}

func TestDisconnectFromLookupdUnknownFails(t *testing.T) {
	c := testConsumer(t)
	if err := c.DisconnectFromLookupd("http://127.0.0.1:4161"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("DisconnectFromLookupd: got %v, want ErrNotConnected", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := testConsumer(t)
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	select {
	case <-c.StopChan():
	case <-time.After(time.Second):
		t.Fatal("StopChan never closed")
	}
}

func TestStatsStartsAtZero(t *testing.T) {
	c := testConsumer(t)
	stats := c.Stats()
	if stats.MessagesReceived != 0 || stats.MessagesFinished != 0 || stats.MessagesRequeued != 0 || stats.Connections != 0 {
		t.Errorf("fresh consumer stats not zero: %+v", stats)
	}
}

func TestIsStarvedFalseWithNoConnections(t *testing.T) {
	c := testConsumer(t)
	if c.IsStarved() {
		t.Error("a consumer with no connections should never report starved")
	}
}

func TestRequeueDelayScalesWithAttemptsAndCaps(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultRequeueDelay = 10 * time.Second
	cfg.MaxRequeueDelay = 25 * time.Second

	if got := requeueDelay(cfg, 0); got != 10*time.Second {
		t.Errorf("attempts=0: got %v, want 10s", got)
	}
	if got := requeueDelay(cfg, 1); got != 20*time.Second {
		t.Errorf("attempts=1: got %v, want 20s", got)
	}
	if got := requeueDelay(cfg, 5); got != 25*time.Second {
		t.Errorf("attempts=5: got %v, want capped at 25s", got)
	}
}

type testAcker struct {
	finished []message.ID
	requeued []struct {
		id      message.ID
		delay   time.Duration
		backoff bool
	}
}

func (a *testAcker) Finish(id message.ID) error {
	a.finished = append(a.finished, id)
	return nil
}

func (a *testAcker) Requeue(id message.ID, delay time.Duration, backoff bool) error {
	a.requeued = append(a.requeued, struct {
		id      message.ID
		delay   time.Duration
		backoff bool
	}{id, delay, backoff})
	return nil
}

func (a *testAcker) Touch(id message.ID) error { return nil }

func TestProcessMessageFinishesOnSuccess(t *testing.T) {
	c := testConsumer(t)
	acker := &testAcker{}
	msg := message.New(message.ID{}, nil, 0, acker)

	c.processMessage(HandlerFunc(func(*message.Message) error { return nil }), msg)

	if len(acker.finished) != 1 {
		t.Fatalf("finished = %d, want 1", len(acker.finished))
	}
	if c.Stats().MessagesFinished != 1 {
		t.Errorf("Stats().MessagesFinished = %d, want 1", c.Stats().MessagesFinished)
	}
}

func TestProcessMessageRequeuesOnHandlerError(t *testing.T) {
	c := testConsumer(t)
	acker := &testAcker{}
	msg := message.New(message.ID{}, nil, 0, acker)

	c.processMessage(HandlerFunc(func(*message.Message) error { return errors.New("boom") }), msg)

	if len(acker.requeued) != 1 {
		t.Fatalf("requeued = %d, want 1", len(acker.requeued))
	}
	if !acker.requeued[0].backoff {
		t.Error("requeue after a handler error should set backoff=true")
	}
	if c.Stats().MessagesRequeued != 1 {
		t.Errorf("Stats().MessagesRequeued = %d, want 1", c.Stats().MessagesRequeued)
	}
}

func TestProcessMessageFinishesAfterMaxAttemptsExhausted(t *testing.T) {
	c := testConsumer(t)
	c.cfg.MaxAttempts = 1

	acker := &testAcker{}
	msg := message.New(message.ID{}, nil, 1, acker)

	var logged bool
	c.SetFailedMessageLogger(FailedMessageLoggerFunc(func(*message.Message) { logged = true }))

	c.processMessage(HandlerFunc(func(*message.Message) error { return errors.New("boom") }), msg)

	if !logged {
		t.Error("FailedMessageLogger was not invoked")
	}
	if len(acker.finished) != 1 {
		t.Fatalf("finished = %d, want 1 (exhausted messages are FIN'd, not requeued)", len(acker.finished))
	}
	if len(acker.requeued) != 0 {
		t.Error("an exhausted message must not be requeued")
	}
}

func TestProcessMessageRespectsDisableAutoResponse(t *testing.T) {
	c := testConsumer(t)
	acker := &testAcker{}
	msg := message.New(message.ID{}, nil, 0, acker)
	msg.DisableAutoResponse()

	c.processMessage(HandlerFunc(func(*message.Message) error { return errors.New("boom") }), msg)

	if len(acker.finished) != 0 || len(acker.requeued) != 0 {
		t.Error("a message with auto-response disabled must not be acked by the consumer")
	}
}

func TestStopWaitsForInFlightHandlerBeforeReturning(t *testing.T) {
	c := testConsumer(t)
	acker := &testAcker{}

	handlerStarted := make(chan struct{})
	handlerDone := make(chan struct{})
	handler := HandlerFunc(func(*message.Message) error {
		close(handlerStarted)
		time.Sleep(50 * time.Millisecond)
		close(handlerDone)
		return nil
	})
	if err := c.AddHandler(handler, 1); err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	msg := message.New(message.ID{}, nil, 0, acker)
	c.incoming <- msg
	<-handlerStarted

	stopReturned := make(chan struct{})
	go func() {
		c.Stop()
		close(stopReturned)
	}()

	select {
	case <-stopReturned:
		t.Fatalf("Stop() returned before the in-flight handler finished")
	case <-time.After(10 * time.Millisecond):
	}

	<-handlerDone

	select {
	case <-stopReturned:
	case <-time.After(time.Second):
		t.Fatalf("Stop() did not return after the handler finished")
	}

	if len(acker.finished) != 1 {
		t.Fatalf("finished = %d, want 1 (Stop must let the in-flight handler ack before tearing down)", len(acker.finished))
	}
}

func TestUpdateRDYMetricIsNoopWithoutMetricsEnabled(t *testing.T) {
	c := testConsumer(t)
	// EnableMetrics was never called; c.metrics is nil. updateRDYMetric must
	// tolerate that rather than panicking, mirroring every other c.metrics
	// guard in this file.
	c.updateRDYMetric()
}
