package goble

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/groutine"
	"github.com/srg/linkd/internal/linkerr"
	"github.com/srg/linkd/internal/radio"
)

// knownServices names GATT services; other services keep their UUID as name
var knownServices = map[string]string{
	"1809":                             "temperature",
	"180f":                             "battery",
	"181a":                             "environment",
	"1812":                             "button",
	"b3b3690150d34044808d50835b13a6cd": "led",
}

// genericServices are present on every device and never exposed
var genericServices = map[string]bool{
	"1800": true,
	"1801": true,
}

// NormalizeUUID lowercases and strips dashes and braces
func NormalizeUUID(uuid string) string {
	return strings.NewReplacer("-", "", "{", "", "}", "").Replace(strings.ToLower(uuid))
}

// ServiceName maps a GATT service UUID to its capability name
func ServiceName(uuid string) string {
	n := NormalizeUUID(uuid)
	if name, ok := knownServices[n]; ok {
		return name
	}
	return n
}

type link struct {
	address string
	client  gattClient
	logger  *logrus.Logger
	caps    []radio.Capability

	mu           sync.Mutex
	subs         map[string]func([]byte)
	onDisconnect []func()
	closed       bool
	done         chan struct{}
}

func newLink(address string, client gattClient, profile *ble.Profile, logger *logrus.Logger) *link {
	l := &link{
		address: address,
		client:  client,
		logger:  logger,
		subs:    make(map[string]func([]byte)),
		done:    make(chan struct{}),
	}

	for _, svc := range profile.Services {
		uuid := NormalizeUUID(svc.UUID.String())
		if genericServices[uuid] || len(svc.Characteristics) == 0 {
			continue
		}
		l.caps = append(l.caps, &capability{name: ServiceName(uuid), link: l, chars: svc.Characteristics})
	}
	sort.Slice(l.caps, func(i, j int) bool { return l.caps[i].Name() < l.caps[j].Name() })

	groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
			logger.WithField("address", address).Debug("Stack reported disconnection")
			l.drop()
		case <-l.done:
		}
	})
	return l
}

func (l *link) Address() string                  { return l.address }
func (l *link) Capabilities() []radio.Capability { return l.caps }

func (l *link) Subscribe(capability string, fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return linkerr.New(linkerr.NotConnected, l.address, "link closed")
	}
	l.subs[capability] = fn
	return nil
}

func (l *link) OnDisconnect(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fn()
		return
	}
	l.onDisconnect = append(l.onDisconnect, fn)
	l.mu.Unlock()
}

func (l *link) Disconnect(context.Context) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}

	err := NormalizeError(l.client.CancelConnection())
	l.drop()
	return err
}

func (l *link) deliver(capability string, data []byte) {
	l.mu.Lock()
	fn := l.subs[capability]
	closed := l.closed
	l.mu.Unlock()
	if fn != nil && !closed {
		fn(data)
	}
}

func (l *link) drop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	fns := l.onDisconnect
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// capability is one GATT service of a connected device
type capability struct {
	name  string
	link  *link
	chars []*ble.Characteristic
}

func (c *capability) Name() string { return c.name }

func (c *capability) CanNotify() bool {
	return c.find(ble.CharNotify|ble.CharIndicate) != nil
}

func (c *capability) Supports(op string) bool {
	switch op {
	case radio.OpStart, radio.OpStop:
		return c.CanNotify()
	case radio.OpRead:
		return c.find(ble.CharRead) != nil
	case radio.OpWrite, radio.OpTurnOn, radio.OpTurnOff:
		return c.find(ble.CharWrite|ble.CharWriteNR) != nil
	default:
		return false
	}
}

// Invoke runs cmd on the first characteristic able to serve it. go-ble calls
// are not cancellable, so ctx only bounds the wait.
func (c *capability) Invoke(ctx context.Context, cmd radio.Command) (radio.Result, error) {
	if !c.Supports(cmd.Op) {
		return radio.Result{}, linkerr.New(linkerr.UnsupportedCapability, c.link.address,
			fmt.Sprintf("%s does not support %s", c.name, cmd.Op))
	}

	type outcome struct {
		res radio.Result
		err error
	}
	done := make(chan outcome, 1)
	groutine.Go(ctx, "ble-invoke", func(context.Context) {
		res, err := c.invoke(cmd)
		done <- outcome{res, NormalizeError(err)}
	})

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return radio.Result{}, ctx.Err()
	}
}

func (c *capability) invoke(cmd radio.Command) (radio.Result, error) {
	client := c.link.client
	switch cmd.Op {
	case radio.OpRead:
		data, err := client.ReadCharacteristic(c.find(ble.CharRead))
		return radio.Result{Data: data}, err
	case radio.OpWrite:
		return radio.Result{}, c.write(cmd.Data)
	case radio.OpStart:
		ch := c.find(ble.CharNotify | ble.CharIndicate)
		return radio.Result{}, client.Subscribe(ch, indicateOnly(ch), func(data []byte) {
			c.link.deliver(c.name, data)
		})
	case radio.OpStop:
		ch := c.find(ble.CharNotify | ble.CharIndicate)
		return radio.Result{}, client.Unsubscribe(ch, indicateOnly(ch))
	case radio.OpTurnOn, radio.OpTurnOff:
		payload, err := ledPayload(cmd)
		if err != nil {
			return radio.Result{}, err
		}
		return radio.Result{}, c.write(payload)
	}
	return radio.Result{}, fmt.Errorf("unknown operation %q", cmd.Op)
}

func (c *capability) write(data []byte) error {
	ch := c.find(ble.CharWrite | ble.CharWriteNR)
	noRsp := ch.Property&ble.CharWrite == 0
	return c.link.client.WriteCharacteristic(ch, data, noRsp)
}

func (c *capability) find(props ble.Property) *ble.Characteristic {
	for _, ch := range c.chars {
		if ch.Property&props != 0 {
			return ch
		}
	}
	return nil
}

func indicateOnly(ch *ble.Characteristic) bool {
	return ch.Property&ble.CharNotify == 0
}

// ledPayload encodes an LED command. Raw Data wins over Params.
func ledPayload(cmd radio.Command) ([]byte, error) {
	if len(cmd.Data) > 0 {
		return cmd.Data, nil
	}
	body := map[string]any{"on": cmd.Op == radio.OpTurnOn}
	for k, v := range cmd.Params {
		body[k] = v
	}
	return json.Marshal(body)
}
