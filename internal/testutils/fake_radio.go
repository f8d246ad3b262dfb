package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/linkd/internal/radio"
)

// ErrFakeRadio is the default error injected by FakeRadio failure knobs
var ErrFakeRadio = errors.New("fake radio failure")

// FakeRadio is an in-memory radio.Radio. Hardware callbacks are delivered
// synchronously from the calling goroutine, like a cooperative BLE stack.
//
// Devices made visible with Advertise are re-announced every time scanning
// starts and immediately when scanning is already on.
type FakeRadio struct {
	mu       sync.Mutex
	handler  radio.EventHandler
	scanning bool
	visible  map[string]radio.Advertisement
	profiles map[string][]*FakeCapability
	links    []*FakeLink

	startErrs   []error
	stopErrs    []error
	connectErrs []error

	// ConnectDelay blocks Connect (bounded by ctx) before it answers
	ConnectDelay time.Duration
	// ConnectGate, when set, blocks Connect until it is closed
	ConnectGate chan struct{}
	// DropOnConnect hands out links that already dropped
	DropOnConnect bool

	Starts     atomic.Int32
	Stops      atomic.Int32
	Connects   atomic.Int32
	InFlight   atomic.Int32
	Violations atomic.Int32
}

// NewFakeRadio creates an idle fake radio
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		visible:  make(map[string]radio.Advertisement),
		profiles: make(map[string][]*FakeCapability),
	}
}

func (f *FakeRadio) SetHandler(h radio.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeRadio) StartScanning(context.Context) error {
	f.mu.Lock()
	if err := pop(&f.startErrs); err != nil {
		f.mu.Unlock()
		return err
	}
	if f.InFlight.Load() > 0 {
		f.Violations.Add(1)
	}
	f.scanning = true
	f.Starts.Add(1)
	h := f.handler
	advs := f.visibleLocked()
	f.mu.Unlock()

	if h != nil {
		h.ScanStarted()
		for _, adv := range advs {
			h.Advertisement(adv)
		}
	}
	return nil
}

func (f *FakeRadio) StopScanning(context.Context) error {
	f.mu.Lock()
	if err := pop(&f.stopErrs); err != nil {
		f.mu.Unlock()
		return err
	}
	was := f.scanning
	f.scanning = false
	f.Stops.Add(1)
	h := f.handler
	f.mu.Unlock()

	if was && h != nil {
		h.ScanStopped()
	}
	return nil
}

func (f *FakeRadio) Connect(ctx context.Context, address string) (radio.Link, error) {
	f.Connects.Add(1)
	f.InFlight.Add(1)
	defer f.InFlight.Add(-1)

	f.mu.Lock()
	if f.scanning {
		f.Violations.Add(1)
	}
	gate := f.ConnectGate
	delay := f.ConnectDelay
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.connectErrs); err != nil {
		return nil, err
	}
	caps := make([]radio.Capability, 0, len(f.profiles[address]))
	for _, c := range f.profiles[address] {
		caps = append(caps, c)
	}
	link := &FakeLink{address: address, caps: caps, subs: make(map[string]func([]byte)), closed: f.DropOnConnect}
	f.links = append(f.links, link)
	return link, nil
}

// Advertise makes a device visible and announces it when scanning is on
func (f *FakeRadio) Advertise(adv radio.Advertisement) {
	f.mu.Lock()
	f.visible[adv.LocalName] = adv
	scanning := f.scanning
	h := f.handler
	f.mu.Unlock()

	if scanning && h != nil {
		h.Advertisement(adv)
	}
}

// Hide stops announcing the named device
func (f *FakeRadio) Hide(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.visible, name)
}

// WithProfile sets the capabilities exposed when address is connected
func (f *FakeRadio) WithProfile(address string, caps ...*FakeCapability) *FakeRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[address] = caps
	return f
}

// FailNextStart makes the next StartScanning call fail with err (ErrFakeRadio when nil)
func (f *FakeRadio) FailNextStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs = append(f.startErrs, orDefault(err))
}

// FailNextStop makes the next StopScanning call fail
func (f *FakeRadio) FailNextStop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErrs = append(f.stopErrs, orDefault(err))
}

// FailNextConnect makes the next Connect call fail
func (f *FakeRadio) FailNextConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, orDefault(err))
}

// Interrupt simulates the adapter stopping a scan on its own
func (f *FakeRadio) Interrupt() {
	f.mu.Lock()
	was := f.scanning
	f.scanning = false
	h := f.handler
	f.mu.Unlock()

	if was && h != nil {
		h.ScanStopped()
	}
}

// Scanning reports whether the fake adapter is scanning
func (f *FakeRadio) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// Links returns every link handed out so far
func (f *FakeRadio) Links() []*FakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeLink(nil), f.links...)
}

// LastLink returns the most recent link or nil
func (f *FakeRadio) LastLink() *FakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func (f *FakeRadio) visibleLocked() []radio.Advertisement {
	out := make([]radio.Advertisement, 0, len(f.visible))
	for _, adv := range f.visible {
		adv.Time = time.Now()
		out = append(out, adv)
	}
	return out
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func orDefault(err error) error {
	if err == nil {
		return ErrFakeRadio
	}
	return err
}

// FakeLink is a connection handed out by FakeRadio
type FakeLink struct {
	address string
	caps    []radio.Capability

	mu           sync.Mutex
	subs         map[string]func([]byte)
	onDisconnect []func()
	closed       bool
	disconnects  int
}

func (l *FakeLink) Address() string                  { return l.address }
func (l *FakeLink) Capabilities() []radio.Capability { return l.caps }

func (l *FakeLink) Subscribe(capability string, fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[capability] = fn
	return nil
}

func (l *FakeLink) OnDisconnect(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fn()
		return
	}
	l.onDisconnect = append(l.onDisconnect, fn)
	l.mu.Unlock()
}

func (l *FakeLink) Disconnect(context.Context) error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	l.drop()
	return nil
}

// Drop simulates the peer going away
func (l *FakeLink) Drop() {
	l.drop()
}

// Notify delivers data to the subscriber of capability, if any
func (l *FakeLink) Notify(capability string, data []byte) bool {
	l.mu.Lock()
	fn := l.subs[capability]
	closed := l.closed
	l.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(data)
	return true
}

// Closed reports whether the link dropped or was disconnected
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Disconnects counts explicit Disconnect calls
func (l *FakeLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

func (l *FakeLink) drop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	fns := l.onDisconnect
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// FakeCapability records every invocation
type FakeCapability struct {
	name   string
	notify bool
	ops    map[string]bool

	mu       sync.Mutex
	calls    []radio.Command
	invokeEr error
	result   radio.Result
}

// NewFakeCapability creates a capability supporting the given operations
func NewFakeCapability(name string, notify bool, ops ...string) *FakeCapability {
	c := &FakeCapability{name: name, notify: notify, ops: make(map[string]bool)}
	for _, op := range ops {
		c.ops[op] = true
	}
	return c
}

func (c *FakeCapability) Name() string            { return c.name }
func (c *FakeCapability) CanNotify() bool         { return c.notify }
func (c *FakeCapability) Supports(op string) bool { return c.ops[op] }

func (c *FakeCapability) Invoke(_ context.Context, cmd radio.Command) (radio.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cmd)
	if c.invokeEr != nil {
		err := c.invokeEr
		c.invokeEr = nil
		return radio.Result{}, err
	}
	return c.result, nil
}

// FailNextInvoke makes the next Invoke fail
func (c *FakeCapability) FailNextInvoke(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invokeEr = orDefault(err)
}

// Calls returns the recorded commands
func (c *FakeCapability) Calls() []radio.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]radio.Command(nil), c.calls...)
}

// Ops returns the recorded operation names
func (c *FakeCapability) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.calls))
	for _, cmd := range c.calls {
		out = append(out, cmd.Op)
	}
	return out
}

// SetResult sets the answer returned by successful invocations
func (c *FakeCapability) SetResult(res radio.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = res
}
