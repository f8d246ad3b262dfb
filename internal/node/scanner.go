package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/arbiter"
	"github.com/srg/linkd/internal/coordinator"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/groutine"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/registry"
	"github.com/srg/linkd/internal/status"
	"github.com/srg/linkd/pkg/config"
)

// ScanOptions overrides the configured scan parameters for one Start
type ScanOptions struct {
	Duration *time.Duration
	Interval *time.Duration
}

// Scanner forwards beacon readings while it holds a scan vote.
// Only one scanner may exist per coordinator.
type Scanner struct {
	base
	cfg   config.ScannerNode
	coord *coordinator.Coordinator
	sched *Scheduler

	// duplicate is set when another scanner already owns the coordinator
	duplicate bool
	enabled   atomic.Bool
	limiter   *topicLimiter
	unsubs    []func()

	opMu      sync.Mutex
	closed    bool
	voted     bool
	stopTimer *time.Timer
	closeOnce sync.Once
}

// NewScanner creates the scanner node and starts it when AutoStart is set
func NewScanner(coord *coordinator.Coordinator, cfg config.ScannerNode, sink Sink) *Scanner {
	s := &Scanner{
		base:    newBase(cfg.Name, sink, coord.Logger()),
		cfg:     cfg,
		coord:   coord,
		sched:   NewScheduler(cfg.Name, coord.Logger()),
		limiter: newTopicLimiter(cfg.Interval),
	}

	if !coord.ClaimScanner(cfg.Name) {
		s.duplicate = true
		s.logger.WithField("node", cfg.Name).Error("Multiple scanner exists")
		s.setStatus(status.Error("Multiple scanner exists"))
		return s
	}

	bus := coord.Bus()
	s.unsubs = append(s.unsubs,
		bus.Subscribe(eventbus.TopicScanStatus, s.onScanStatus),
		bus.Subscribe(eventbus.TopicScanStop, s.onScanStop),
		bus.Subscribe(eventbus.TopicDiscover, s.onDiscover),
	)
	s.setStatus(status.Idle())

	if cfg.AutoStart {
		s.sched.Go("autostart", func(ctx context.Context) {
			if err := s.Start(ctx, ScanOptions{}); err != nil {
				s.logger.WithFields(logrus.Fields{
					"node":  s.name,
					"error": err,
				}).Warn("Scanner autostart failed")
			}
		})
	}
	return s
}

// Enabled reports whether the scanner is switched on
func (s *Scanner) Enabled() bool {
	return s.enabled.Load()
}

// Start switches the scanner on. A failed start is retried every RestartInterval while the scanner stays on.
func (s *Scanner) Start(ctx context.Context, opts ScanOptions) error {
	if s.duplicate {
		return nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed || (s.enabled.Load() && s.voted) {
		return nil
	}

	duration := s.cfg.Duration
	if opts.Duration != nil {
		duration = *opts.Duration
	}
	interval := s.cfg.Interval
	if opts.Interval != nil {
		interval = *opts.Interval
	}
	s.limiter.Reset(interval)
	s.enabled.Store(true)

	s.logger.WithFields(logrus.Fields{
		"node":     s.name,
		"duration": duration,
		"interval": interval,
	}).Info("Starting scanner")

	err := s.voteLocked(ctx)
	if duration > 0 {
		s.stopTimer = time.AfterFunc(duration, func() {
			if err := s.Stop(context.Background()); err != nil {
				s.logger.WithFields(logrus.Fields{
					"node":  s.name,
					"error": err,
				}).Warn("Failed to stop scanning")
				return
			}
			s.logger.WithField("node", s.name).Info("Scan stopped")
		})
	}
	return err
}

// Stop switches the scanner off and withdraws its vote
func (s *Scanner) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if !s.enabled.Load() && !s.voted {
		return nil
	}
	s.enabled.Store(false)
	s.sched.CancelAll()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if !s.voted {
		return nil
	}
	s.voted = false
	return s.coord.Arbiter().ReleaseScan(ctx)
}

// Close tears the node down. A held vote is released in the background exactly once.
func (s *Scanner) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.opMu.Lock()
		s.closed = true
		s.opMu.Unlock()
		s.enabled.Store(false)
		// waits for an autostart already past the closed check
		s.sched.Close()

		s.opMu.Lock()
		if s.stopTimer != nil {
			s.stopTimer.Stop()
			s.stopTimer = nil
		}
		voted := s.voted
		s.voted = false
		s.opMu.Unlock()

		if !s.duplicate {
			s.coord.ReleaseScanner(s.name)
		}
		if voted {
			arb := s.coord.Arbiter()
			groutine.Go(context.WithoutCancel(ctx), s.name+"-release", func(ctx context.Context) {
				if err := arb.ReleaseScan(ctx); err != nil {
					s.logger.WithFields(logrus.Fields{
						"node":  s.name,
						"error": err,
					}).Warn("Failed to stop scanning on close")
				}
			})
		}
		s.logger.WithField("node", s.name).Debug("Scanner closed")
	})
}

func (s *Scanner) voteLocked(ctx context.Context) error {
	if err := s.coord.Arbiter().RequestScan(ctx); err != nil {
		s.logger.WithFields(logrus.Fields{
			"node":  s.name,
			"error": err,
		}).Error("Failed to start scanning")
		s.sched.After(s.coord.Config().RestartInterval, "retry", s.retry)
		return err
	}
	s.voted = true
	return nil
}

func (s *Scanner) retry(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed || !s.enabled.Load() || s.voted {
		return
	}
	if err := s.voteLocked(ctx); err == nil {
		s.logger.WithField("node", s.name).Info("Scan restarted")
	}
}

func (s *Scanner) onScanStatus(ev eventbus.Event) {
	if !s.enabled.Load() {
		return
	}
	if st, ok := ev.Payload.(status.Status); ok {
		s.setStatus(st)
	}
}

func (s *Scanner) onScanStop(ev eventbus.Event) {
	if stop, ok := ev.Payload.(arbiter.ScanStop); ok {
		s.send(Message{Output: 1, Payload: stop})
	}
}

func (s *Scanner) onDiscover(ev eventbus.Event) {
	if !s.enabled.Load() {
		return
	}
	d, ok := ev.Payload.(registry.Discovery)
	if !ok {
		return
	}
	rec := d.Record
	if len(rec.Beacons) == 0 {
		s.logger.WithField("device", rec.Name).Trace("Advertisement has no beacon data")
		return
	}

	for _, b := range rec.Beacons {
		service, known := radio.LookupService(b.ServiceID)
		if !known {
			s.logger.WithFields(logrus.Fields{
				"device":     rec.Name,
				"service_id": b.ServiceID,
			}).Debug("Unsupported beacon data")
			continue
		}
		topic := Topic(rec.Name, service)
		if !s.limiter.Allow(topic) {
			continue
		}
		adv := rec
		s.send(Message{
			Topic:         topic,
			Payload:       Reading{Device: rec.Name, Service: service, Data: b.Payload()},
			Advertisement: &adv,
		})
	}
}
