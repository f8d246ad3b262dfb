// Package discovery waits for a named device to show up in the registry,
// holding a scan vote for exactly as long as the wait lasts.
package discovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/registry"
	"github.com/srg/linkd/internal/tracing"
)

// ScanVoter is the arbiter surface the waiter needs
type ScanVoter interface {
	RequestScan(ctx context.Context) error
	ReleaseScan(ctx context.Context) error
}

// Waiter resolves device names to registry records
type Waiter struct {
	reg    *registry.Registry
	bus    *eventbus.Bus
	scan   ScanVoter
	logger *logrus.Logger
}

// New creates a Waiter
func New(reg *registry.Registry, bus *eventbus.Bus, scan ScanVoter, logger *logrus.Logger) *Waiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Waiter{reg: reg, bus: bus, scan: scan, logger: logger}
}

// WaitFor returns the record of name, scanning until it is discovered or
// timeout elapses. Every exit path drops the discover subscription and the
// scan vote exactly once.
func (w *Waiter) WaitFor(ctx context.Context, name string, timeout time.Duration) (rec registry.Record, err error) {
	if name == "" {
		return registry.Record{}, linkerr.ErrNoDeviceName
	}
	if rec, ok := w.reg.Get(name); ok {
		return rec, nil
	}

	ctx, span := tracing.StartSpan(ctx, "discovery.wait", tracing.Device(name))
	defer func() { tracing.End(span, err) }()

	found := make(chan registry.Record, 1)
	unsubscribe := w.bus.Subscribe(eventbus.TopicDiscover, func(ev eventbus.Event) {
		d, ok := ev.Payload.(registry.Discovery)
		if !ok || d.Record.Name != name {
			return
		}
		select {
		case found <- d.Record:
		default:
		}
	})
	defer unsubscribe()

	// may have landed between the first lookup and the subscription
	if rec, ok := w.reg.Get(name); ok {
		return rec, nil
	}

	w.logger.WithFields(logrus.Fields{
		"device":  name,
		"timeout": timeout,
	}).Info("Waiting for device discovery")

	if err := w.scan.RequestScan(ctx); err != nil {
		return registry.Record{}, err
	}
	defer func() {
		if rerr := w.scan.ReleaseScan(context.WithoutCancel(ctx)); rerr != nil {
			w.logger.WithFields(logrus.Fields{
				"device": name,
				"error":  rerr,
			}).Warn("Failed to release discovery scan")
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-found:
		w.logger.WithFields(logrus.Fields{
			"device":  name,
			"address": rec.Address,
		}).Debug("Device discovered")
		return rec, nil
	case <-timer.C:
		w.logger.WithFields(logrus.Fields{
			"device":  name,
			"timeout": timeout,
		}).Warn("Device discovery timed out")
		return registry.Record{}, linkerr.New(linkerr.DiscoveryTimeout, name, timeout.String())
	case <-ctx.Done():
		return registry.Record{}, ctx.Err()
	}
}

// Sweep holds a scan vote for d so the registry refreshes
func (w *Waiter) Sweep(ctx context.Context, d time.Duration) error {
	if err := w.scan.RequestScan(ctx); err != nil {
		return err
	}
	defer func() {
		if err := w.scan.ReleaseScan(context.WithoutCancel(ctx)); err != nil {
			w.logger.WithField("error", err).Warn("Failed to release sweep scan")
		}
	}()

	w.logger.WithField("duration", d).Debug("Sweeping for devices")

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
