package node

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/connmgr"
	"github.com/srg/linkd/internal/coordinator"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/status"
	"github.com/srg/linkd/pkg/config"
)

// stopThreshold is the interval from which a sensor is stopped between notifications
const stopThreshold = time.Minute

// Sensor subscribes to the notifying capabilities of one device
type Sensor struct {
	base
	cfg   config.SensorNode
	coord *coordinator.Coordinator
	conn  *connector
	sched *Scheduler

	enabled       atomic.Bool
	notifications atomic.Uint64
	unsubs        []func()
	closeOnce     sync.Once

	mu       sync.Mutex
	services map[string]config.SensorService
	limiters map[string]*topicLimiter
}

// NewSensor creates a disabled sensor node
func NewSensor(coord *coordinator.Coordinator, cfg config.SensorNode, sink Sink) *Sensor {
	s := &Sensor{
		base:     newBase(cfg.Name, sink, coord.Logger()),
		cfg:      cfg,
		coord:    coord,
		conn:     newConnector(cfg.Name, cfg.Device, coord, coord.Logger()),
		sched:    NewScheduler(cfg.Name, coord.Logger()),
		services: cfg.Services,
		limiters: make(map[string]*topicLimiter),
	}
	bus := coord.Bus()
	s.unsubs = append(s.unsubs,
		bus.Subscribe(eventbus.TopicNotify, s.onNotify),
		bus.Subscribe(eventbus.TopicDisconnect, s.onDisconnect),
	)
	s.setStatus(status.Idle())
	return s
}

// Start enables the node after the autostart delay when AutoStart is set
func (s *Sensor) Start() {
	if !s.cfg.AutoStart {
		return
	}
	s.sched.After(s.coord.Config().AutostartDelay, "autostart", func(ctx context.Context) {
		if err := s.Enable(ctx); err != nil {
			s.logger.WithFields(logrus.Fields{
				"node":  s.name,
				"error": err,
			}).Warn("Sensor autostart failed")
		}
	})
}

// Enabled reports whether the node is switched on
func (s *Sensor) Enabled() bool {
	return s.enabled.Load()
}

// Notifications is the number of forwarded notifications since the last connect
func (s *Sensor) Notifications() uint64 {
	return s.notifications.Load()
}

// Enable connects and starts every configured service
func (s *Sensor) Enable(ctx context.Context) error {
	if s.cfg.Device == "" {
		s.logger.WithField("node", s.name).Error("No device name specified")
		s.setStatus(status.Error("no device name"))
		return linkerr.ErrNoDeviceName
	}
	s.enabled.Store(true)
	return s.startAll(ctx)
}

// Disable stops every service by disconnecting the device
func (s *Sensor) Disable(ctx context.Context) error {
	s.enabled.Store(false)
	return s.stopAll(ctx)
}

// Close disables the node and disconnects a known device
func (s *Sensor) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.enabled.Store(false)
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.sched.Close()

		if _, known := s.coord.Registry().Get(s.cfg.Device); known {
			if err := s.stopAll(ctx); err != nil {
				s.setStatus(status.Error("disconnect error"))
			}
		} else {
			s.setStatus(status.Idle())
		}
		s.logger.WithField("node", s.name).Debug("Sensor closed")
	})
}

func (s *Sensor) startAll(ctx context.Context) error {
	if !s.enabled.Load() {
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"node":   s.name,
		"device": s.cfg.Device,
	}).Debug("Starting sensor")
	s.setStatus(status.Connecting())

	rec, err := s.conn.connect(ctx)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": s.cfg.Device,
			"error":  err,
		}).Warn("Failed to connect")
		s.setStatus(status.Error("connect error"))
		s.sched.After(s.restartDelay(0), "reconnect", func(ctx context.Context) {
			_ = s.startAll(ctx)
		})
		return err
	}

	s.mu.Lock()
	if len(s.services) == 0 {
		s.services = make(map[string]config.SensorService)
		for _, c := range rec.Capabilities {
			if c.CanNotify() {
				s.services[c.Name()] = config.SensorService{Enabled: true}
			}
		}
	}
	names := make([]string, 0, len(s.services))
	for name, svc := range s.services {
		s.limiters[name] = newTopicLimiter(svc.Interval)
		if svc.Enabled {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	s.setStatus(status.Connected())
	for _, name := range names {
		c, ok := rec.Capabilities[name]
		if !ok || !c.CanNotify() {
			s.logger.WithFields(logrus.Fields{
				"device":  s.cfg.Device,
				"service": name,
			}).Warn("Error starting sensor: no notifying service")
			continue
		}
		s.startSensor(ctx, name)
	}
	return nil
}

func (s *Sensor) startSensor(ctx context.Context, service string) {
	log := s.logger.WithFields(logrus.Fields{
		"device":  s.cfg.Device,
		"service": service,
	})
	if !s.enabled.Load() {
		log.Debug("startSensor called while disabled")
		return
	}

	h, err := s.coord.DeviceLock(s.cfg.Device).Acquire(ctx, s.coord.LockTimeout())
	if err != nil {
		return
	}
	defer h.Release()
	if !s.enabled.Load() {
		return
	}

	rec, err := s.conn.connect(ctx)
	if err != nil {
		log.WithField("error", err).Info("Failed to connect")
		s.setStatus(status.Error("connect error"))
		s.scheduleRestart(service)
		return
	}

	c, ok := rec.Capabilities[service]
	if !ok {
		log.Warn("Invalid service")
		s.setStatus(status.Error("error"))
		return
	}
	// Services notifying without a start command only need the restart watchdog.
	if !c.Supports(radio.OpStart) {
		s.scheduleRestart(service)
		return
	}

	res, err := s.coord.Connections().Invoke(ctx, s.cfg.Device, service, radio.Command{Op: radio.OpStart})
	if err != nil {
		log.WithField("error", err).Info("Failed to start sensor")
		s.setStatus(status.Error(service + " error"))
		s.scheduleRestart(service)
		return
	}
	if res.Code != 0 {
		log.WithField("result", res.Text).Info("Sensor start rejected")
		s.setStatus(status.Error(service + " error"))
		return
	}
	log.Debug("Sensor started")
	s.setStatus(status.Notifications(s.notifications.Load()))
}

func (s *Sensor) stopSensor(ctx context.Context, service string) {
	log := s.logger.WithFields(logrus.Fields{
		"device":  s.cfg.Device,
		"service": service,
	})
	if !s.coord.Connections().IsConnected(s.cfg.Device) {
		s.scheduleRestart(service)
		return
	}
	rec, _ := s.coord.Registry().Get(s.cfg.Device)
	c, ok := rec.Capabilities[service]
	if !ok {
		log.Warn("Invalid service")
		s.setStatus(status.Error("error"))
		return
	}

	if s.enabled.Load() && s.serviceConfig(service).Interval >= stopThreshold && c.Supports(radio.OpStop) {
		h, err := s.coord.DeviceLock(s.cfg.Device).Acquire(ctx, s.coord.LockTimeout())
		if err != nil {
			return
		}
		if _, err := s.coord.Connections().Invoke(ctx, s.cfg.Device, service, radio.Command{Op: radio.OpStop}); err != nil {
			log.WithField("error", err).Info("Failed to stop sensor")
		} else {
			log.Debug("Sensor stopped")
		}
		h.Release()
	}

	// Also reconnects a device that dropped meanwhile.
	s.scheduleRestart(service)
}

func (s *Sensor) stopAll(ctx context.Context) error {
	if s.enabled.Load() {
		s.logger.WithField("node", s.name).Info("Stop requested while enabled, skipping")
		return nil
	}
	s.sched.CancelAll()

	s.logger.WithField("device", s.cfg.Device).Debug("Disconnecting to stop all sensors")
	s.setStatus(status.Disconnecting())

	h, err := s.coord.DeviceLock(s.cfg.Device).Acquire(ctx, s.coord.LockTimeout())
	if err != nil {
		return err
	}
	defer h.Release()

	if err := s.coord.Connections().Disconnect(ctx, s.cfg.Device); err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": s.cfg.Device,
			"error":  err,
		}).Warn("Failed to disconnect")
		s.setStatus(status.Error("disconnect error"))
		return err
	}
	s.setStatus(status.Idle())
	return nil
}

func (s *Sensor) scheduleRestart(service string) {
	svc := s.serviceConfig(service)
	if !s.enabled.Load() || !svc.Enabled {
		return
	}
	s.sched.After(s.restartDelay(svc.Interval), "restart-"+service, func(ctx context.Context) {
		s.startSensor(ctx, service)
	})
}

func (s *Sensor) restartDelay(interval time.Duration) time.Duration {
	return max(s.coord.Config().RetryInterval, interval)
}

func (s *Sensor) serviceConfig(service string) config.SensorService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[service]
}

func (s *Sensor) onNotify(ev eventbus.Event) {
	n, ok := ev.Payload.(connmgr.Notification)
	if !ok || n.Device != s.cfg.Device || !s.enabled.Load() {
		return
	}

	topic := Topic(n.Device, n.Capability)
	s.mu.Lock()
	limiter := s.limiters[n.Capability]
	s.mu.Unlock()
	if limiter != nil && !limiter.Allow(topic) {
		return
	}

	count := s.notifications.Add(1)
	s.setStatus(status.Notifications(count))
	s.send(Message{
		Topic:   topic,
		Payload: Reading{Device: n.Device, Service: n.Capability, Data: decodeNotification(n.Capability, n.Data)},
	})

	// Notifications arrive on the radio's goroutine; capability calls must not block it.
	service := n.Capability
	s.sched.Go("stop-"+service, func(ctx context.Context) {
		s.stopSensor(ctx, service)
	})
}

func (s *Sensor) onDisconnect(ev eventbus.Event) {
	d, ok := ev.Payload.(connmgr.Disconnection)
	if !ok || d.Device != s.cfg.Device {
		return
	}
	s.notifications.Store(0)
	if s.enabled.Load() {
		s.setStatus(status.Disconnected())
	} else {
		s.setStatus(status.Idle())
	}
}

// decodeNotification shapes JSON sensor values like beacon payloads and keeps anything else raw
func decodeNotification(service string, data []byte) any {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return data
	}
	if id, ok := radio.ServiceID(service); ok {
		return radio.Beacon{ServiceID: id, Values: values}.Payload()
	}
	return values
}
