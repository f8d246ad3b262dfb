package node

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/connmgr"
	"github.com/srg/linkd/internal/coordinator"
	"github.com/srg/linkd/internal/eventbus"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/radio"
	"github.com/srg/linkd/internal/status"
	"github.com/srg/linkd/pkg/config"
)

// LEDCapability is the capability name of the device light
const LEDCapability = "led"

// LEDCommand is one input of an LED node
type LEDCommand struct {
	On      bool
	Color   string
	Pattern string
	// Duration in the device's units; zero uses the configured value
	Duration int
	// KeepConnection overrides the configured value when set
	KeepConnection *bool
}

// LED switches the light of one device
type LED struct {
	base
	cfg   config.LEDNode
	coord *coordinator.Coordinator
	conn  *connector
	sched *Scheduler

	enabled   atomic.Bool
	unsub     func()
	closeOnce sync.Once
}

// NewLED creates an idle LED node
func NewLED(coord *coordinator.Coordinator, cfg config.LEDNode, sink Sink) *LED {
	l := &LED{
		base:  newBase(cfg.Name, sink, coord.Logger()),
		cfg:   cfg,
		coord: coord,
		conn:  newConnector(cfg.Name, cfg.Device, coord, coord.Logger()),
		sched: NewScheduler(cfg.Name, coord.Logger()),
	}
	l.enabled.Store(true)
	l.unsub = coord.Bus().Subscribe(eventbus.TopicDisconnect, l.onDisconnect)
	l.setStatus(status.Idle())
	return l
}

// Start connects after the autostart delay when the node keeps its connection
func (l *LED) Start() {
	if !l.cfg.KeepConnection {
		return
	}
	l.sched.After(l.coord.Config().AutostartDelay, "autostart", func(ctx context.Context) {
		if !l.enabled.Load() {
			return
		}
		if _, err := l.conn.connect(ctx); err != nil {
			l.logger.WithFields(logrus.Fields{
				"node":   l.name,
				"device": l.cfg.Device,
				"error":  err,
			}).Info("Failed to connect")
			l.setStatus(status.Error("connect error"))
			return
		}
		l.setStatus(status.Connected())
	})
}

// Apply connects to the device and switches its light. Without KeepConnection the device is disconnected afterwards.
func (l *LED) Apply(ctx context.Context, cmd LEDCommand) error {
	device := l.cfg.Device
	keep := l.cfg.KeepConnection
	if cmd.KeepConnection != nil {
		keep = *cmd.KeepConnection
	}

	if device == "" {
		l.logger.WithField("node", l.name).Error("No device name specified")
		l.setStatus(status.Error("no device name"))
		return linkerr.ErrNoDeviceName
	}

	if rec, ok := l.coord.Registry().Get(device); ok && len(rec.Capabilities) > 0 {
		if _, ok := rec.Capabilities[LEDCapability]; !ok {
			l.logger.WithField("device", device).Warn("No led service")
			return linkerr.New(linkerr.UnsupportedCapability, device, LEDCapability)
		}
	}

	l.setStatus(status.Connecting())

	h, err := l.coord.DeviceLock(device).Acquire(ctx, l.coord.LockTimeout())
	if err != nil {
		return err
	}
	defer h.Release()
	if !l.enabled.Load() {
		return nil
	}

	if !keep {
		defer func() {
			if err := l.coord.Connections().Disconnect(context.WithoutCancel(ctx), device); err != nil {
				l.logger.WithFields(logrus.Fields{
					"device": device,
					"error":  err,
				}).Info("Failed to disconnect")
			}
		}()
	}

	rec, err := l.conn.connect(ctx)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"device": device,
			"error":  err,
		}).Info("Failed to connect")
		l.setStatus(status.Error("connect error"))
		return err
	}
	if !l.enabled.Load() {
		return nil
	}

	if _, ok := rec.Capabilities[LEDCapability]; !ok {
		l.logger.WithField("device", device).Warn("LED service unsupported")
		l.setStatus(status.Error("No led support"))
		return linkerr.New(linkerr.UnsupportedCapability, device, LEDCapability)
	}

	l.setStatus(status.Connected())

	if cmd.On {
		res, err := l.coord.Connections().Invoke(ctx, device, LEDCapability, l.turnOnCommand(cmd))
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"device": device,
				"error":  err,
			}).Warn("led turnOn failed")
			l.setStatus(status.Error("turnOn error"))
			return err
		}
		if res.Code != 0 {
			l.logger.WithFields(logrus.Fields{
				"device": device,
				"code":   res.Code,
				"text":   res.Text,
			}).Warn("led turnOn rejected")
		}
		return nil
	}

	if _, err := l.coord.Connections().Invoke(ctx, device, LEDCapability, radio.Command{Op: radio.OpTurnOff}); err != nil {
		l.logger.WithFields(logrus.Fields{
			"device": device,
			"error":  err,
		}).Info("led turnOff failed")
		l.setStatus(status.Error("turnOff error"))
		return err
	}
	return nil
}

func (l *LED) turnOnCommand(cmd LEDCommand) radio.Command {
	color := cmd.Color
	if color == "" {
		color = l.cfg.Color
	}
	pattern := cmd.Pattern
	if pattern == "" {
		pattern = l.cfg.Pattern
	}
	params := map[string]any{
		"color":   color,
		"pattern": pattern,
	}
	duration := cmd.Duration
	if duration == 0 {
		duration = int(l.cfg.Duration.Seconds())
	}
	if duration > 0 {
		params["duration"] = duration
	}
	return radio.Command{Op: radio.OpTurnOn, Params: params}
}

// Close disconnects the device when it is connected
func (l *LED) Close(ctx context.Context) {
	l.closeOnce.Do(func() {
		l.enabled.Store(false)
		l.unsub()
		l.sched.Close()

		if l.coord.Connections().IsConnected(l.cfg.Device) {
			l.setStatus(status.Disconnecting())
			if h, err := l.coord.DeviceLock(l.cfg.Device).Acquire(ctx, l.coord.LockTimeout()); err == nil {
				if err := l.coord.Connections().Disconnect(ctx, l.cfg.Device); err != nil {
					l.logger.WithFields(logrus.Fields{
						"device": l.cfg.Device,
						"error":  err,
					}).Warn("Failed to disconnect")
				}
				h.Release()
			}
		}
		l.setStatus(status.Idle())
		l.logger.WithField("node", l.name).Debug("LED closed")
	})
}

func (l *LED) onDisconnect(ev eventbus.Event) {
	d, ok := ev.Payload.(connmgr.Disconnection)
	if !ok || d.Device != l.cfg.Device {
		return
	}
	if l.enabled.Load() {
		l.setStatus(status.Disconnected())
	} else {
		l.setStatus(status.Idle())
	}
}
