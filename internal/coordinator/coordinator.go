// Package coordinator owns the arbitration core of one process: event bus,
// registry, radio arbiter, discovery waiter and connection manager, plus the
// health check that resumes an idle scanner. Node adapters, the admin server
// and the CLI receive a *Coordinator explicitly.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/arbiter"
	"github.com/srg/linkd/internal/connmgr"
	"github.com/srg/linkd/internal/discovery"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/registry"
	"github.com/srg/linkd/internal/timedlock"
	"github.com/srg/linkd/pkg/config"
)

// Coordinator wires the core components around one radio
type Coordinator struct {
	cfg    *config.Config
	radio  radio.Radio
	logger *logrus.Logger

	bus     *eventbus.Bus
	reg     *registry.Registry
	arb     *arbiter.Arbiter
	waiter  *discovery.Waiter
	conns   *connmgr.Manager
	cron    *cron.Cron
	healthy sync.Mutex

	mu          sync.Mutex
	deviceLocks map[string]*timedlock.Lock
	scanner     string
}

// New builds the core around r and installs itself as r's event handler
func New(cfg *config.Config, r radio.Radio, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	c := &Coordinator{
		cfg:         cfg,
		radio:       r,
		logger:      logger,
		bus:         eventbus.New(logger),
		deviceLocks: make(map[string]*timedlock.Lock),
	}
	c.reg = registry.New(c.bus, logger)
	c.arb = arbiter.New(r, c.bus, arbiter.Options{
		LockTimeout: cfg.LockTimeout,
		Found:       c.reg.Len,
	}, logger)
	c.waiter = discovery.New(c.reg, c.bus, c.arb, logger)
	c.conns = connmgr.New(r, c.reg, c.bus, c.arb, c.waiter, connmgr.Options{
		LockTimeout:      cfg.LockTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
	}, logger)

	r.SetHandler(c)
	return c
}

// Start schedules the health check
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return
	}
	c.cron = cron.New()
	c.cron.Schedule(cron.Every(c.cfg.RestartInterval), cron.FuncJob(func() {
		c.HealthCheck(context.Background())
	}))
	c.cron.Start()

	c.logger.WithField("interval", c.cfg.RestartInterval).Debug("Health check scheduled")
}

// Close stops the health check and disconnects every device
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	c.conns.Close(ctx)
}

// HealthCheck resumes scanning when votes exist but the radio sits idle and unclaimed
func (c *Coordinator) HealthCheck(ctx context.Context) {
	if !c.healthy.TryLock() {
		return
	}
	defer c.healthy.Unlock()

	if !c.arb.NeedsResume() {
		return
	}
	snap := c.arb.Snapshot()
	c.logger.WithField("scan_demand", snap.ScanDemand).Info("Resuming idle scanner")
	if err := c.arb.Resume(ctx); err != nil {
		c.logger.WithField("error", err).Warn("Health check failed to resume scanning")
	}
}

// ScanStarted implements radio.EventHandler
func (c *Coordinator) ScanStarted() { c.arb.HandleScanStarted() }

// ScanStopped implements radio.EventHandler
func (c *Coordinator) ScanStopped() { c.arb.HandleScanStopped() }

// Advertisement implements radio.EventHandler
func (c *Coordinator) Advertisement(adv radio.Advertisement) { c.reg.Upsert(adv) }

// DeviceLock returns the timed lock shared by every node acting on device
func (c *Coordinator) DeviceLock(device string) *timedlock.Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.deviceLocks[device]
	if !ok {
		l = timedlock.New("device:"+device, c.logger)
		c.deviceLocks[device] = l
	}
	return l
}

// ClaimScanner registers node as the process' only scanner node
func (c *Coordinator) ClaimScanner(node string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner != "" && c.scanner != node {
		return false
	}
	c.scanner = node
	return true
}

// ReleaseScanner frees the scanner slot held by node
func (c *Coordinator) ReleaseScanner(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner == node {
		c.scanner = ""
	}
}

// Config returns the loaded configuration
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Logger returns the logger shared by every component
func (c *Coordinator) Logger() *logrus.Logger { return c.logger }

// Bus returns the in-process event bus
func (c *Coordinator) Bus() *eventbus.Bus { return c.bus }

// Registry returns the discovered device registry
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Arbiter returns the radio arbiter
func (c *Coordinator) Arbiter() *arbiter.Arbiter { return c.arb }

// Discovery returns the device discovery waiter
func (c *Coordinator) Discovery() *discovery.Waiter { return c.waiter }

// Connections returns the connection manager
func (c *Coordinator) Connections() *connmgr.Manager { return c.conns }

// LockTimeout bounds the wait for a named lock
func (c *Coordinator) LockTimeout() time.Duration { return c.cfg.LockTimeout }

// RequestTimeout bounds a single radio request
func (c *Coordinator) RequestTimeout() time.Duration { return c.cfg.RequestTimeout }

// DiscoveryTimeout bounds the wait for a device advertisement
func (c *Coordinator) DiscoveryTimeout() time.Duration { return c.cfg.DiscoveryTimeout }
