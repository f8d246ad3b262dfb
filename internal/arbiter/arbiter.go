// Package arbiter owns the shared radio's scan state and the two demand
// counters that decide whether it should be scanning.
//
// Scan consumers vote with RequestScan/ReleaseScan. Connection sequences wrap
// themselves in BeginConnectSuspend/EndConnectSuspend, which take priority: the
// radio never scans while a connect is pending and resumes once the last one
// ends, without anybody re-voting.
//
// Every radio start/stop runs under a timed lock. Counters and state live
// under a short mutex that is never held across a radio call; after each
// radio call the loop re-reads the counters and keeps going until the
// hardware matches the demand.
package arbiter

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
	"github.com/srg/linkd/internal/status"
	"github.com/srg/linkd/internal/timedlock"
)

// State of the shared radio
type State string

const (
	Idle      State = "idle"
	Starting  State = "starting"
	Scanning  State = "scanning"
	Stopping  State = "stopping"
	Suspended State = "suspended"
)

// ScanStop is the payload of eventbus.TopicScanStop
type ScanStop struct {
	// Expected is false when the radio stopped on its own while scan demand remained
	Expected bool `json:"expected"`
}

// Snapshot is a consistent copy of the arbiter's bookkeeping
type Snapshot struct {
	State         State `json:"state"`
	ScanDemand    int   `json:"scanDemand"`
	ConnectDemand int   `json:"connectDemand"`
	Radio         bool  `json:"radio"`
}

// Options tunes an Arbiter
type Options struct {
	// LockTimeout bounds the wait for the radio lock before the holder is evicted
	LockTimeout time.Duration
	// Found reports the number of known devices for the scanning status text
	Found func() int
}

// Arbiter arbitrates the radio between scan consumers and connection sequences
type Arbiter struct {
	radio  radio.Radio
	bus    *eventbus.Bus
	lock   *timedlock.Lock
	opts   Options
	logger *logrus.Logger

	mu            sync.Mutex
	state         State
	scanDemand    int
	connectDemand int
	radioOn       bool
}

// New creates an idle arbiter. The caller routes the radio's ScanStarted and
// ScanStopped callbacks to HandleScanStarted and HandleScanStopped.
func New(r radio.Radio, bus *eventbus.Bus, opts Options, logger *logrus.Logger) *Arbiter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Found == nil {
		opts.Found = func() int { return 0 }
	}
	return &Arbiter{
		radio:  r,
		bus:    bus,
		lock:   timedlock.New("radio", logger),
		opts:   opts,
		logger: logger,
		state:  Idle,
	}
}

// RequestScan registers one scan vote.
//
// While a connect is pending the vote is only counted and nil is returned at
// once; scanning resumes when the connect ends. Otherwise the radio is
// started before returning. On error the vote has been withdrawn.
func (a *Arbiter) RequestScan(ctx context.Context) error {
	a.mu.Lock()
	a.scanDemand++
	demand, pending := a.scanDemand, a.connectDemand > 0
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"scan_demand":     demand,
		"connect_pending": pending,
	}).Debug("Scan requested")

	if pending {
		return nil
	}

	if err := a.reconcile(ctx); err != nil {
		a.mu.Lock()
		a.decScanLocked()
		a.mu.Unlock()
		a.logger.WithField("error", err).Warn("Scan request failed, vote withdrawn")
		if !errors.Is(err, linkerr.ErrScanStart) {
			a.converge()
		}
		return err
	}
	return nil
}

// ReleaseScan withdraws one scan vote and stops the radio when none is left
func (a *Arbiter) ReleaseScan(ctx context.Context) error {
	a.mu.Lock()
	a.decScanLocked()
	demand := a.scanDemand
	a.mu.Unlock()

	a.logger.WithField("scan_demand", demand).Debug("Scan released")

	if err := a.reconcile(ctx); err != nil {
		if !errors.Is(err, linkerr.ErrScanStop) {
			a.converge()
		}
		return err
	}
	return nil
}

// BeginConnectSuspend registers a pending connect and returns once the radio
// has stopped scanning. The demand is counted even when an error is
// returned; the caller must always pair it with EndConnectSuspend.
func (a *Arbiter) BeginConnectSuspend(ctx context.Context) error {
	a.mu.Lock()
	a.connectDemand++
	// leave Scanning in the same step so no snapshot shows both
	if a.radioOn {
		a.state = Stopping
	} else {
		a.state = Suspended
	}
	demand := a.connectDemand
	a.mu.Unlock()

	a.logger.WithField("connect_demand", demand).Debug("Suspending scan for connect")

	return a.reconcile(ctx)
}

// EndConnectSuspend ends a pending connect and resumes scanning when it was
// the last one and scan votes remain.
func (a *Arbiter) EndConnectSuspend(ctx context.Context) error {
	a.mu.Lock()
	if a.connectDemand == 0 {
		a.logger.Warn("Connect demand underflow ignored")
	} else {
		a.connectDemand--
	}
	demand := a.connectDemand
	a.mu.Unlock()

	a.logger.WithField("connect_demand", demand).Debug("Connect finished")

	return a.reconcile(ctx)
}

// Resume drives the radio back to the state the counters ask for
func (a *Arbiter) Resume(ctx context.Context) error {
	return a.reconcile(ctx)
}

// NeedsResume reports whether scan votes exist while the radio is idle and unclaimed
func (a *Arbiter) NeedsResume() bool {
	a.mu.Lock()
	idle := a.scanDemand > 0 && a.connectDemand == 0 && !a.radioOn && a.state == Idle
	a.mu.Unlock()
	return idle && a.lock.IsFree()
}

// Snapshot returns the current bookkeeping
func (a *Arbiter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		State:         a.state,
		ScanDemand:    a.scanDemand,
		ConnectDemand: a.connectDemand,
		Radio:         a.radioOn,
	}
}

// HandleScanStarted processes the adapter's scan-started notification
func (a *Arbiter) HandleScanStarted() {
	a.mu.Lock()
	a.radioOn = true
	a.mu.Unlock()

	a.publishStatus(status.Scanning(a.opts.Found()))
	a.bus.Publish(eventbus.TopicScanStart, nil)
}

// HandleScanStopped classifies a scan stop.
//
// A stop while a connect is pending is the expected suspension. A stop while
// scan votes remain and nothing asked for it is an interruption: it is
// reported with Expected=false and the radio stays idle until Resume. Any
// other stop is the expected end of scanning.
func (a *Arbiter) HandleScanStopped() {
	a.mu.Lock()
	requested := a.state == Stopping
	a.radioOn = false
	connectPending := a.connectDemand > 0
	interrupted := !requested && !connectPending && a.scanDemand > 0
	if !requested {
		if connectPending {
			a.state = Suspended
		} else {
			a.state = Idle
		}
	}
	scanDemand := a.scanDemand
	a.mu.Unlock()

	switch {
	case connectPending:
		a.publishStatus(status.Suspending())
	case interrupted:
		a.logger.WithField("scan_demand", scanDemand).Warn("Scan interrupted by the radio")
		a.publishStatus(status.Interrupted())
		a.bus.Publish(eventbus.TopicScanStop, ScanStop{Expected: false})
	default:
		a.publishStatus(status.Idle())
		a.bus.Publish(eventbus.TopicScanStop, ScanStop{Expected: true})
	}
}

func (a *Arbiter) reconcile(ctx context.Context) error {
	h, err := a.lock.Acquire(ctx, a.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("waiting for radio: %w", err)
	}
	defer h.Release()

	for {
		a.mu.Lock()
		want := a.connectDemand == 0 && a.scanDemand > 0

		switch {
		case want && !a.radioOn:
			a.state = Starting
			a.mu.Unlock()

			a.publishStatus(status.Starting())
			err := a.radio.StartScanning(ctx)

			a.mu.Lock()
			if err != nil {
				a.state = Idle
				a.mu.Unlock()
				a.logger.WithField("error", err).Error("Failed to start scanning")
				a.publishStatus(status.Error("error"))
				return linkerr.Wrap(linkerr.ScanStart, "", err)
			}
			a.radioOn = true
			a.mu.Unlock()

		case !want && a.radioOn:
			a.state = Stopping
			a.mu.Unlock()

			a.publishStatus(status.Stopping())
			err := a.radio.StopScanning(ctx)

			a.mu.Lock()
			if err != nil {
				a.settleLocked()
				a.mu.Unlock()
				a.logger.WithField("error", err).Error("Failed to stop scanning")
				a.publishStatus(status.Error("error on stop"))
				return linkerr.Wrap(linkerr.ScanStop, "", err)
			}
			a.radioOn = false
			a.mu.Unlock()

		default:
			a.settleLocked()
			a.mu.Unlock()
			return nil
		}
	}
}

// settleLocked derives the resting state from the counters and the radio
func (a *Arbiter) settleLocked() {
	switch {
	case a.connectDemand > 0 && !a.radioOn:
		a.state = Suspended
	case a.connectDemand > 0:
		// stop failed; the radio is still on but must not count as scanning
		a.state = Stopping
	case a.radioOn:
		a.state = Scanning
	default:
		a.state = Idle
	}
}

func (a *Arbiter) decScanLocked() {
	if a.scanDemand == 0 {
		a.logger.Warn("Scan demand underflow ignored")
		return
	}
	a.scanDemand--
}

// converge re-runs reconciliation in the background after a caller gave up
func (a *Arbiter) converge() {
	groutine.Go(context.Background(), "arbiter-converge", func(ctx context.Context) {
		if err := a.reconcile(ctx); err != nil {
			a.logger.WithFields(logrus.Fields{
				"goroutine": groutine.GetName(ctx),
				"error":     err,
			}).Warn("Background radio reconciliation failed")
		}
	})
}

func (a *Arbiter) publishStatus(s status.Status) {
	a.bus.Publish(eventbus.TopicScanStatus, s)
}
