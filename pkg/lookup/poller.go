package lookup

import (
	"math/rand"
	"time"

	"github.com/rajmenon/nsqgo/pkg/xlog"
)

// ConnectFunc dials a discovered producer address. The Consumer supplies
// this so the poller never imports the root package (spec.md §9's
// capability-interface pattern, applied via a plain function type here
// since only one method is needed).
type ConnectFunc func(addr string) error

// Poller periodically queries a Client for every tracked topic and hands
// newly discovered producer addresses to a ConnectFunc. One Poller per
// Consumer.
type Poller struct {
	client   *Client
	interval time.Duration
	jitter   float64
	connect  ConnectFunc

	topics  map[string]struct{}
	recheck chan struct{}
	exit    chan struct{}
	done    chan struct{}
}

// NewPoller builds a Poller. interval and jitter come from spec.md §6's
// lookupd_poll_interval / lookupd_poll_jitter.
func NewPoller(client *Client, interval time.Duration, jitter float64, connect ConnectFunc) *Poller {
	return &Poller{
		client:   client,
		interval: interval,
		jitter:   jitter,
		connect:  connect,
		topics:   make(map[string]struct{}),
		recheck:  make(chan struct{}, 1),
		exit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddTopic starts tracking topic for future poll cycles and triggers an
// immediate recheck.
func (p *Poller) AddTopic(topic string) {
	p.topics[topic] = struct{}{}
	p.Recheck()
}

// RemoveTopic stops tracking topic.
func (p *Poller) RemoveTopic(topic string) {
	delete(p.topics, topic)
}

// Recheck requests an out-of-band poll cycle without waiting for the next
// jittered interval, e.g. right after ConnectToLookupd is called.
func (p *Poller) Recheck() {
	select {
	case p.recheck <- struct{}{}:
	default:
	}
}

// Run polls every tracked topic on a jittered interval until Stop is
// called. It is meant to be launched with `go poller.Run()`.
func (p *Poller) Run() {
	defer close(p.done)

	for {
		p.poll()

		wait := p.jitteredInterval()
		timer := time.NewTimer(wait)

		select {
		case <-p.exit:
			timer.Stop()
			return
		case <-p.recheck:
			timer.Stop()
			continue
		case <-timer.C:
			continue
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (p *Poller) Stop() {
	close(p.exit)
	<-p.done
}

func (p *Poller) jitteredInterval() time.Duration {
	if p.jitter <= 0 {
		return p.interval
	}
	span := float64(p.interval) * p.jitter
	offset := (rand.Float64()*2 - 1) * span
	d := time.Duration(float64(p.interval) + offset)
	if d < 0 {
		d = p.interval
	}
	return d
}

// poll issues one round-robin-selected lookup query per tracked topic,
// advancing each topic's shared Client one endpoint further on every call.
func (p *Poller) poll() {
	for topic := range p.topics {
		producers, err := p.client.Lookup(topic)
		if err != nil {
			xlog.Warn("lookup: poll for topic %s failed: %v", topic, err)
			continue
		}
		for _, prod := range producers {
			if err := p.connect(prod.Address()); err != nil {
				xlog.Debug("lookup: connect to %s for topic %s: %v", prod.Address(), topic, err)
			}
		}
	}
}
