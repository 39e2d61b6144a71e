// Package nsqgo provides a consumer client for an NSQ-style pub/sub broker:
// direct and lookupd-discovered connections to a topic/channel, RDY-based
// flow control, and concurrent handler dispatch with automatic
// FIN/REQ/TOUCH acknowledgement.
//
// A minimal consumer looks like:
//
//	cfg := config.Default()
//	cfg.MaxInFlight = 10
//	c, err := nsqgo.NewConsumer("events", "worker", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	c.AddHandler(nsqgo.HandlerFunc(func(msg *message.Message) error {
//		return process(msg.Body)
//	}), 4)
//	if err := c.ConnectToLookupd("http://127.0.0.1:4161"); err != nil {
//		log.Fatal(err)
//	}
//	<-c.StopChan()
package nsqgo
