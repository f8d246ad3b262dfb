// Package goble drives the shared adapter through github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/groutine"
	"github.com/srg/linkd/internal/radio"
)

// scanStartGrace is how long StartScanning waits for the stack to reject a scan
const scanStartGrace = 100 * time.Millisecond

// gattClient is the part of ble.Client a link uses
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

type scanFunc func(ctx context.Context, fn func(advertisement)) error
type dialFunc func(ctx context.Context, address string) (gattClient, error)

type scanRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Radio implements radio.Radio over a ble.Device
type Radio struct {
	logger *logrus.Logger
	scan   scanFunc
	dial   dialFunc

	mu      sync.Mutex
	handler radio.EventHandler
	run     *scanRun
}

var _ radio.Radio = (*Radio)(nil)

// New opens the platform adapter through DeviceFactory
func New(logger *logrus.Logger) (*Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}

	scan := func(ctx context.Context, fn func(advertisement)) error {
		return dev.Scan(ctx, true, func(a ble.Advertisement) { fn(a) })
	}
	dial := func(ctx context.Context, address string) (gattClient, error) {
		c, err := dev.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return newRadio(scan, dial, logger), nil
}

func newRadio(scan scanFunc, dial dialFunc, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger, scan: scan, dial: dial}
}

func (r *Radio) SetHandler(h radio.EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// StartScanning runs the device scan in the background. An early rejection
// from the stack is returned; a later failure is reported as an unexpected stop.
func (r *Radio) StartScanning(ctx context.Context) error {
	r.mu.Lock()
	if r.run != nil {
		r.mu.Unlock()
		return nil
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	run := &scanRun{cancel: cancel, done: make(chan struct{})}
	r.run = run
	h := r.handler
	r.mu.Unlock()

	errCh := make(chan error, 1)
	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		defer close(run.done)
		errCh <- r.scan(ctx, r.onAdvertisement)
	})

	timer := time.NewTimer(scanStartGrace)
	defer timer.Stop()
	select {
	case err := <-errCh:
		cancel()
		r.clear(run)
		if err == nil || errors.Is(err, context.Canceled) {
			err = errors.New("scan ended immediately")
		}
		return NormalizeError(err)
	case <-ctx.Done():
		cancel()
		<-run.done
		r.clear(run)
		return ctx.Err()
	case <-timer.C:
	}

	r.logger.Debug("BLE scan started")
	if h != nil {
		h.ScanStarted()
	}

	groutine.Go(context.Background(), "ble-scan-watch", func(context.Context) {
		err := <-errCh
		if scanCtx.Err() != nil {
			return
		}
		r.logger.WithField("error", err).Warn("BLE scan ended unexpectedly")
		if r.clear(run) && h != nil {
			h.ScanStopped()
		}
	})
	return nil
}

// StopScanning cancels the scan and returns once the stack has stopped
func (r *Radio) StopScanning(ctx context.Context) error {
	r.mu.Lock()
	run := r.run
	h := r.handler
	r.mu.Unlock()
	if run == nil {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.clear(run) {
		r.logger.Debug("BLE scan stopped")
		if h != nil {
			h.ScanStopped()
		}
	}
	return nil
}

// Connect dials address and maps its GATT services to capabilities
func (r *Radio) Connect(ctx context.Context, address string) (radio.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("device address is empty")
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := r.dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			r.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	l := newLink(address, client, profile, r.logger)
	r.logger.WithFields(logrus.Fields{
		"address":      address,
		"capabilities": len(l.caps),
	}).Info("BLE device connected")
	return l, nil
}

func (r *Radio) onAdvertisement(a advertisement) {
	adv := toAdvertisement(a, time.Now())
	if adv.LocalName == "" {
		return
	}

	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h.Advertisement(adv)
	}
}

// clear drops run if it is still current and reports whether it was
func (r *Radio) clear(run *scanRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != run {
		return false
	}
	r.run = nil
	return true
}
