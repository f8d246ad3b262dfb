// Package node implements the consumer adapters built on the coordinator:
// the scanner feed, LED actuators and sensor subscribers. Each node reports a
// status and emits messages through a Sink.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/linkd/internal/coordinator"
	"github.com/srg/linkd/internal/registry"
	"github.com/srg/linkd/internal/status"
	"golang.org/x/time/rate"
)

// Message is one node output
type Message struct {
	Node string `json:"node"`
	// Output selects the node port: 0 for readings, 1 for the scanner's scan-stop notices
	Output        int              `json:"output"`
	Topic         string           `json:"topic,omitempty"`
	Payload       any              `json:"payload"`
	Advertisement *registry.Record `json:"advertisement,omitempty"`
}

// Reading is the payload of a beacon or notification message
type Reading struct {
	Device  string `json:"device"`
	Service string `json:"service"`
	Data    any    `json:"data"`
}

// Sink receives node output
type Sink interface {
	Send(msg Message)
	Status(node string, s status.Status)
}

// Node is a running adapter
type Node interface {
	Name() string
	Status() status.Status
	Close(ctx context.Context)
}

// Topic is the message topic of a device service
func Topic(device, service string) string {
	return fmt.Sprintf("linking/%s_%s", device, service)
}

type base struct {
	name   string
	sink   Sink
	logger *logrus.Logger

	mu     sync.Mutex
	status status.Status
}

func newBase(name string, sink Sink, logger *logrus.Logger) base {
	if logger == nil {
		logger = logrus.New()
	}
	return base{name: name, sink: sink, logger: logger}
}

func (b *base) Name() string { return b.name }

func (b *base) Status() status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) setStatus(s status.Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"node":   b.name,
		"status": s.Text,
	}).Debug("Node status")
	if b.sink != nil {
		b.sink.Status(b.name, s)
	}
}

func (b *base) send(msg Message) {
	msg.Node = b.name
	if b.sink != nil {
		b.sink.Send(msg)
	}
}

// topicLimiter lets at most one message per interval through for each topic
type topicLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func newTopicLimiter(interval time.Duration) *topicLimiter {
	return &topicLimiter{interval: interval, limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes the topic's token
func (t *topicLimiter) Allow(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interval <= 0 {
		return true
	}
	l, ok := t.limiters[topic]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[topic] = l
	}
	return l.Allow()
}

// Reset changes the interval and refills every bucket
func (t *topicLimiter) Reset(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
	t.limiters = make(map[string]*rate.Limiter)
}

// connector connects one device through the coordinator and pauses after repeated failures
type connector struct {
	device  string
	coord   *coordinator.Coordinator
	breaker *gobreaker.CircuitBreaker[registry.Record]
}

const breakerFailures = 3

func newConnector(node, device string, coord *coordinator.Coordinator, logger *logrus.Logger) *connector {
	cb := gobreaker.NewCircuitBreaker[registry.Record](gobreaker.Settings{
		Name:        node + ":" + device,
		MaxRequests: 1,
		Timeout:     breakerFailures * coord.Config().RetryInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Connect breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &connector{device: device, coord: coord, breaker: cb}
}

func (c *connector) connect(ctx context.Context) (registry.Record, error) {
	rec, err := c.breaker.Execute(func() (registry.Record, error) {
		return c.coord.Connections().Connect(ctx, c.device, 0)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return registry.Record{}, fmt.Errorf("connect to %q paused: %w", c.device, err)
	}
	return rec, err
}

func (c *connector) state() gobreaker.State {
	return c.breaker.State()
}

// FromConfig creates every node listed in the coordinator's configuration
func FromConfig(coord *coordinator.Coordinator, sink Sink) []Node {
	cfg := coord.Config()
	nodes := make([]Node, 0, len(cfg.Scanners)+len(cfg.LEDs)+len(cfg.Sensors))
	for _, sc := range cfg.Scanners {
		nodes = append(nodes, NewScanner(coord, sc, sink))
	}
	for _, lc := range cfg.LEDs {
		l := NewLED(coord, lc, sink)
		l.Start()
		nodes = append(nodes, l)
	}
	for _, sc := range cfg.Sensors {
		s := NewSensor(coord, sc, sink)
		s.Start()
		nodes = append(nodes, s)
	}
	return nodes
}
