package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rajmenon/nsqgo"
	"github.com/rajmenon/nsqgo/pkg/config"
	"github.com/rajmenon/nsqgo/pkg/message"
	"github.com/rajmenon/nsqgo/pkg/metrics"
	"github.com/rajmenon/nsqgo/pkg/xlog"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML consumer config file")
		topic       = flag.String("topic", "events", "topic to subscribe to")
		channel     = flag.String("channel", "worker", "channel to subscribe to")
		nsqd        = flag.String("nsqd", "", "nsqd TCP address to connect to directly, e.g. 127.0.0.1:4150")
		lookupd     = flag.String("lookupd", "", "nsqlookupd HTTP endpoint, e.g. http://127.0.0.1:4161")
		concurrency = flag.Int("concurrency", 4, "number of handler goroutines")
		metricsPort = flag.Int("metrics-port", 0, "expose Prometheus metrics on this port (0 disables)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		xlog.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	c, err := nsqgo.NewConsumer(*topic, *channel, cfg)
	if err != nil {
		xlog.Error("failed to create consumer: %v", err)
		os.Exit(1)
	}

	if *metricsPort > 0 {
		c.EnableMetrics()
		metrics.StartServer(*metricsPort)
	}

	c.SetFailedMessageLogger(nsqgo.FailedMessageLoggerFunc(func(msg *message.Message) {
		xlog.Error("message %s exhausted attempts, dropping: %q", msg.ID, msg.Body)
	}))

	if err := c.AddHandler(nsqgo.HandlerFunc(printHandler), *concurrency); err != nil {
		xlog.Error("failed to add handler: %v", err)
		os.Exit(1)
	}

	if *nsqd != "" {
		if err := c.ConnectToNsqd(*nsqd); err != nil {
			xlog.Error("failed to connect to %s: %v", *nsqd, err)
			os.Exit(1)
		}
	}
	if *lookupd != "" {
		if err := c.ConnectToLookupd(*lookupd); err != nil {
			xlog.Error("failed to connect to lookupd %s: %v", *lookupd, err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	xlog.Info("received signal %v, shutting down", sig)

	if err := c.Stop(); err != nil {
		xlog.Error("error stopping consumer: %v", err)
	}
	<-c.StopChan()

	stats := c.Stats()
	xlog.Info("final stats: received=%d finished=%d requeued=%d connections=%d",
		stats.MessagesReceived, stats.MessagesFinished, stats.MessagesRequeued, stats.Connections)
}

func printHandler(msg *message.Message) error {
	xlog.Info("received message %s (attempt %d, %d bytes) at %s",
		msg.ID, msg.Attempts, len(msg.Body), msg.Timestamp.Format(time.RFC3339))
	return nil
}
