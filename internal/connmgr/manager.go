// Package connmgr drives per-device connections through the shared radio.
//
// A connect resolves the device (scanning for it if needed), suspends
// scanning, dials, and resumes scanning on every exit path. Concurrent
// connects to the same device share one attempt. All connects and
// disconnects are serialised by one process-wide timed lock.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/groutine"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/registry"
	"github.com/srg/linkd/internal/timedlock"
	"github.com/srg/linkd/internal/tracing"
	"golang.org/x/sync/singleflight"
)

// Suspender is the arbiter surface used around a connect
type Suspender interface {
	BeginConnectSuspend(ctx context.Context) error
	EndConnectSuspend(ctx context.Context) error
}

// Discoverer resolves a device name to a registry record
type Discoverer interface {
	WaitFor(ctx context.Context, name string, timeout time.Duration) (registry.Record, error)
}

// Connection is the payload of eventbus.TopicConnect
type Connection struct {
	Record registry.Record `json:"record"`
}

// Disconnection is the payload of eventbus.TopicDisconnect
type Disconnection struct {
	Device  string `json:"device"`
	Address string `json:"address"`
	// Lost is set when the link dropped without a Disconnect call
	Lost bool `json:"lost"`
}

// Notification is the payload of eventbus.TopicNotify
type Notification struct {
	Device     string `json:"device"`
	Capability string `json:"capability"`
	Data       []byte `json:"data"`
}

// Options tunes a Manager
type Options struct {
	LockTimeout      time.Duration
	RequestTimeout   time.Duration
	DiscoveryTimeout time.Duration
}

// Manager owns the live links
type Manager struct {
	radio  radio.Radio
	reg    *registry.Registry
	bus    *eventbus.Bus
	arb    Suspender
	disc   Discoverer
	opts   Options
	logger *logrus.Logger

	lock   *timedlock.Lock
	flight singleflight.Group

	mu          sync.Mutex
	links       map[string]radio.Link
	unsubscribe func()
}

// New creates a Manager and starts watching for address changes
func New(r radio.Radio, reg *registry.Registry, bus *eventbus.Bus, arb Suspender, disc Discoverer, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		radio:  r,
		reg:    reg,
		bus:    bus,
		arb:    arb,
		disc:   disc,
		opts:   opts,
		logger: logger,
		lock:   timedlock.New("connect", logger),
		links:  make(map[string]radio.Link),
	}
	m.unsubscribe = bus.Subscribe(eventbus.TopicDiscover, m.handleDiscovery)
	return m
}

// Connect returns the Connected record of name, connecting first if needed.
// A timeout <= 0 uses the configured discovery timeout.
func (m *Manager) Connect(ctx context.Context, name string, timeout time.Duration) (registry.Record, error) {
	if name == "" {
		return registry.Record{}, linkerr.ErrNoDeviceName
	}
	if rec, ok := m.connected(name); ok {
		return rec, nil
	}
	if timeout <= 0 {
		timeout = m.opts.DiscoveryTimeout
	}

	// The shared attempt must outlive any single caller.
	ch := m.flight.DoChan(name, func() (any, error) {
		return m.connect(context.WithoutCancel(ctx), name, timeout)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return registry.Record{}, res.Err
		}
		if res.Shared {
			m.logger.WithField("device", name).Debug("Joined in-flight connect")
		}
		return res.Val.(registry.Record), nil
	case <-ctx.Done():
		return registry.Record{}, ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context, name string, timeout time.Duration) (rec registry.Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "connmgr.connect", tracing.Device(name))
	defer func() { tracing.End(span, err) }()

	h, err := m.lock.Acquire(ctx, m.opts.LockTimeout)
	if err != nil {
		return registry.Record{}, err
	}
	defer h.Release()

	if rec, ok := m.connected(name); ok {
		return rec, nil
	}

	rec, err = m.disc.WaitFor(ctx, name, timeout)
	if err != nil {
		return registry.Record{}, err
	}

	m.reg.SetState(name, registry.Connecting)
	m.logger.WithFields(logrus.Fields{
		"device":  name,
		"address": rec.Address,
	}).Info("Connecting to device")

	suspendErr := m.arb.BeginConnectSuspend(ctx)
	defer func() {
		if err := m.arb.EndConnectSuspend(context.WithoutCancel(ctx)); err != nil {
			m.logger.WithFields(logrus.Fields{
				"device": name,
				"error":  err,
			}).Warn("Failed to resume scanning after connect")
		}
	}()
	if suspendErr != nil {
		m.reg.SetState(name, registry.Discovered)
		return registry.Record{}, linkerr.Wrap(linkerr.ConnectFailed, name, suspendErr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	link, err := m.radio.Connect(dialCtx, rec.Address)
	if err != nil {
		m.reg.SetState(name, registry.Discovered)
		kind := linkerr.ConnectFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			kind = linkerr.ConnectTimeout
		}
		m.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": rec.Address,
			"error":   err,
		}).Error("Failed to connect to device")
		return registry.Record{}, linkerr.Wrap(kind, name, err)
	}

	m.mu.Lock()
	m.links[name] = link
	m.mu.Unlock()

	caps := link.Capabilities()
	m.reg.SetCapabilities(name, caps)
	link.OnDisconnect(func() { m.handleLinkLost(name, link) })
	if !m.hasLink(name) {
		m.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": rec.Address,
		}).Warn("Link dropped while connecting")
		return registry.Record{}, linkerr.New(linkerr.ConnectFailed, name, "link dropped")
	}

	for _, c := range caps {
		if !c.CanNotify() {
			continue
		}
		capName := c.Name()
		if err := link.Subscribe(capName, func(data []byte) {
			m.bus.Publish(eventbus.TopicNotify, Notification{Device: name, Capability: capName, Data: data})
		}); err != nil {
			m.logger.WithFields(logrus.Fields{
				"device":     name,
				"capability": capName,
				"error":      err,
			}).Warn("Failed to route notifications")
		}
	}

	rec, _ = m.reg.Get(name)
	m.logger.WithFields(logrus.Fields{
		"device":       name,
		"address":      rec.Address,
		"capabilities": rec.CapabilityNames(),
	}).Info("Device connected")

	m.bus.Publish(eventbus.TopicConnect, Connection{Record: rec})
	return rec, nil
}

// Disconnect closes the link to name. Unknown or already disconnected devices are not an error.
// A connect in progress is waited for and its link closed.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	if name == "" {
		return linkerr.ErrNoDeviceName
	}
	if !m.hasLink(name) && !m.connecting(name) {
		m.logger.WithFields(logrus.Fields{
			"device": name,
			"error":  linkerr.ErrNotConnected,
		}).Info("Disconnect of a device that is not connected")
		return nil
	}

	h, err := m.lock.Acquire(ctx, m.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer h.Release()

	m.mu.Lock()
	link, ok := m.links[name]
	delete(m.links, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.reg.SetState(name, registry.Disconnecting)
	m.logger.WithField("device", name).Info("Disconnecting device")

	err = link.Disconnect(ctx)

	m.reg.MarkDisconnected(name)
	m.bus.Publish(eventbus.TopicDisconnect, Disconnection{Device: name, Address: link.Address()})

	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"device": name,
			"error":  err,
		}).Warn("Device disconnected with errors")
		return fmt.Errorf("disconnect %q: %w", name, err)
	}
	return nil
}

// Invoke runs a capability operation on a connected device
func (m *Manager) Invoke(ctx context.Context, name, capability string, cmd radio.Command) (res radio.Result, err error) {
	rec, ok := m.connected(name)
	if !ok {
		return radio.Result{}, linkerr.New(linkerr.NotConnected, name, "")
	}
	c, ok := rec.Capabilities[capability]
	if !ok {
		return radio.Result{}, linkerr.New(linkerr.UnsupportedCapability, name, capability)
	}
	if !c.Supports(cmd.Op) {
		return radio.Result{}, linkerr.New(linkerr.UnsupportedCapability, name, capability+"."+cmd.Op)
	}

	ctx, span := tracing.StartSpan(ctx, "connmgr.invoke", tracing.Device(name), tracing.Capability(capability))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	res, err = c.Invoke(ctx, cmd)
	m.logger.WithFields(logrus.Fields{
		"device":     name,
		"capability": capability,
		"op":         cmd.Op,
		"code":       res.Code,
	}).Debug("Capability invoked")
	return res, err
}

// IsConnected reports whether a live link to name exists
func (m *Manager) IsConnected(name string) bool {
	_, ok := m.connected(name)
	return ok
}

// Close disconnects every device and stops watching discoveries
func (m *Manager) Close(ctx context.Context) {
	m.unsubscribe()

	m.mu.Lock()
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Disconnect(ctx, name); err != nil {
			m.logger.WithFields(logrus.Fields{
				"device": name,
				"error":  err,
			}).Warn("Failed to disconnect on shutdown")
		}
	}
}

func (m *Manager) connected(name string) (registry.Record, bool) {
	rec, ok := m.reg.Get(name)
	if !ok || rec.State != registry.Connected || !m.hasLink(name) {
		return registry.Record{}, false
	}
	return rec, true
}

func (m *Manager) hasLink(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[name]
	return ok
}

func (m *Manager) connecting(name string) bool {
	rec, ok := m.reg.Get(name)
	return ok && rec.State == registry.Connecting
}

func (m *Manager) handleLinkLost(name string, link radio.Link) {
	m.mu.Lock()
	cur, ok := m.links[name]
	if !ok || cur != link {
		m.mu.Unlock()
		return
	}
	delete(m.links, name)
	m.mu.Unlock()

	m.reg.MarkDisconnected(name)
	m.logger.WithFields(logrus.Fields{
		"device":  name,
		"address": link.Address(),
	}).Warn("Connection lost")
	m.bus.Publish(eventbus.TopicDisconnect, Disconnection{Device: name, Address: link.Address(), Lost: true})
}

// handleDiscovery closes a link whose device re-appeared under another address
func (m *Manager) handleDiscovery(ev eventbus.Event) {
	d, ok := ev.Payload.(registry.Discovery)
	if !ok || !d.Replaced() {
		return
	}
	name := d.Record.Name

	m.mu.Lock()
	link, ok := m.links[name]
	if !ok || link.Address() != d.PreviousAddress {
		m.mu.Unlock()
		return
	}
	delete(m.links, name)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"device":      name,
		"old_address": d.PreviousAddress,
		"new_address": d.Record.Address,
	}).Warn("Device address changed, dropping stale link")

	groutine.Go(context.Background(), "connmgr-stale-link", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
		if err := link.Disconnect(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{
				"device": name,
				"error":  err,
			}).Debug("Stale link disconnect failed")
		}
		m.bus.Publish(eventbus.TopicDisconnect, Disconnection{Device: name, Address: d.PreviousAddress, Lost: true})
	})
}
