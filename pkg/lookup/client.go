// Package lookup queries nsqlookupd-style discovery endpoints for the set
// of nsqd producers serving a topic, wrapping each endpoint in its own
// circuit breaker the way the absmach-fluxmq webhook notifier wraps each
// delivery endpoint (broker/webhook/notifier.go).
package lookup

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rajmenon/nsqgo/pkg/xlog"
)

// Producer is one nsqd instance as reported by a lookup endpoint.
type Producer struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

// Address returns the producer's TCP dial address.
func (p Producer) Address() string {
	return fmt.Sprintf("%s:%d", p.BroadcastAddress, p.TCPPort)
}

type lookupResponse struct {
	Producers []Producer `json:"producers"`
}

// Client queries a set of lookup endpoints over HTTP (changed with
// AddEndpoint and RemoveEndpoint), one circuit
// breaker per endpoint so a single unreachable lookupd cannot stall
// discovery against the rest. Each Lookup call round-robins to the next
// endpoint rather than querying all of them, mirroring the LookupEndpoint's
// last-query-index bookkeeping in the data model this client backs.
type Client struct {
	mu         sync.Mutex
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
	endpoints  []string
	nextIndex  int
}

// NewClient builds a Client over the given lookupd HTTP base URLs
// (e.g. "http://127.0.0.1:4161").
func NewClient(endpoints []string, timeout time.Duration) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		breakers:   make(map[string]*gobreaker.CircuitBreaker, len(endpoints)),
		endpoints:  append([]string(nil), endpoints...),
	}

	for _, ep := range endpoints {
		ep := ep
		c.breakers[ep] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				xlog.Warn("lookup: circuit breaker %s: %s -> %s", name, from, to)
			},
		})
	}

	return c
}

// Endpoints returns the configured lookupd base URLs.
func (c *Client) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.endpoints...)
}

// AddEndpoint registers an additional lookupd base URL with its own breaker.
func (c *Client) AddEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.breakers[endpoint]; ok {
		return
	}
	c.endpoints = append(c.endpoints, endpoint)
	c.breakers[endpoint] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// RemoveEndpoint drops a lookupd base URL.
func (c *Client) RemoveEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakers, endpoint)
	filtered := c.endpoints[:0]
	for _, ep := range c.endpoints {
		if ep != endpoint {
			filtered = append(filtered, ep)
		}
	}
	c.endpoints = filtered
	if c.nextIndex >= len(c.endpoints) {
		c.nextIndex = 0
	}
}

// Lookup round-robin selects the next configured endpoint and queries it
// for topic, advancing the index for the following call. Only that one
// endpoint is queried per call; callers polling on an interval converge on
// full coverage across successive calls rather than fanning out to every
// endpoint at once.
func (c *Client) Lookup(topic string) ([]Producer, error) {
	c.mu.Lock()
	if len(c.endpoints) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("lookup: no endpoints configured")
	}
	endpoint := c.endpoints[c.nextIndex%len(c.endpoints)]
	c.nextIndex = (c.nextIndex + 1) % len(c.endpoints)
	c.mu.Unlock()

	producers, err := c.queryOne(endpoint, topic)
	if err != nil {
		return nil, fmt.Errorf("lookup: query %s failed: %w", endpoint, err)
	}
	return producers, nil
}

func (c *Client) queryOne(endpoint, topic string) ([]Producer, error) {
	c.mu.Lock()
	breaker, ok := c.breakers[endpoint]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lookup: unknown endpoint %s", endpoint)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.doLookup(endpoint, topic)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Producer), nil
}

func (c *Client) doLookup(endpoint, topic string) ([]Producer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("lookup: bad endpoint %s: %w", endpoint, err)
	}
	u.Path = "/lookup"
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup: %s returned status %d", endpoint, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("lookup: decode response from %s: %w", endpoint, err)
	}
	return body.Producers, nil
}
