package ubusdev

import (
	"context"
	"sync"
)

// fakeBus is an in-memory Bus double: InvokeAsync records the call and, by
// default, completes synchronously with status 0. Tests that want to
// assert retry behavior set completeAsync to false and drive the timeout
// path directly instead.
type fakeBus struct {
	mu sync.Mutex

	resolvable    map[string]bool
	subscribers   map[Peer]func(Notification)
	invocations   []fakeInvocation
	completeAsync bool
	asyncStatus   int

	syncReply Blob
	syncErr   error
}

type fakeInvocation struct {
	Peer   Peer
	Method string
	Args   Blob
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		resolvable:    map[string]bool{},
		subscribers:   map[Peer]func(Notification){},
		completeAsync: true,
	}
}

func (b *fakeBus) setResolvable(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolvable[endpoint] = true
}

func (b *fakeBus) Resolve(endpoint string) (Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resolvable[endpoint] {
		return "", ErrHandlerAbsent
	}
	return Peer(endpoint), nil
}

type fakeSubscription struct{}

func (fakeSubscription) Close() error { return nil }

type fakeWatch struct{}

func (fakeWatch) Close() error { return nil }

func (b *fakeBus) Subscribe(peer Peer, onNotify func(Notification), onRemove func()) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resolvable[string(peer)] {
		return nil, ErrHandlerAbsent
	}
	b.subscribers[peer] = onNotify
	return fakeSubscription{}, nil
}

func (b *fakeBus) WatchObjectAdd(endpoint string, onAdd func()) (Watch, error) {
	return fakeWatch{}, nil
}

func (b *fakeBus) deliver(peer Peer, n Notification) {
	b.mu.Lock()
	onNotify := b.subscribers[peer]
	b.mu.Unlock()
	if onNotify != nil {
		onNotify(n)
	}
}

func (b *fakeBus) InvokeAsync(peer Peer, method string, args Blob, onComplete func(status int)) error {
	b.mu.Lock()
	b.invocations = append(b.invocations, fakeInvocation{Peer: peer, Method: method, Args: args})
	complete := b.completeAsync
	status := b.asyncStatus
	b.mu.Unlock()
	if complete && onComplete != nil {
		onComplete(status)
	}
	return nil
}

func (b *fakeBus) InvokeSync(ctx context.Context, peer Peer, method string, args Blob) (Blob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invocations = append(b.invocations, fakeInvocation{Peer: peer, Method: method, Args: args})
	return b.syncReply, b.syncErr
}

func (b *fakeBus) callCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, inv := range b.invocations {
		if inv.Method == method {
			n++
		}
	}
	return n
}

func (b *fakeBus) lastCall(method string) (fakeInvocation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.invocations) - 1; i >= 0; i-- {
		if b.invocations[i].Method == method {
			return b.invocations[i], true
		}
	}
	return fakeInvocation{}, false
}

// fakeDevice is a minimal LocalDevice double recording state transitions.
type fakeDevice struct {
	mu      sync.Mutex
	name    string
	present bool
	events  []DeviceEvent
	claimed string
}

func newFakeDevice(name string) *fakeDevice { return &fakeDevice{name: name} }

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) SetPresent(present bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present = present
}

func (d *fakeDevice) Present() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}

func (d *fakeDevice) Broadcast(event DeviceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *fakeDevice) Claim(owner string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed = owner
	return true
}

func (d *fakeDevice) Release(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed == owner {
		d.claimed = ""
	}
}

// fakeActivator is a DeviceActivator double recording SetUp calls.
type fakeActivator struct {
	mu    sync.Mutex
	calls []bool
}

func (a *fakeActivator) SetUp(up bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, up)
	return nil
}

func (a *fakeActivator) lastCall() (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return false, false
	}
	return a.calls[len(a.calls)-1], true
}

// fakeFactory creates one fakeDevice per name, memoized.
type fakeFactory struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{devices: map[string]*fakeDevice{}}
}

func (f *fakeFactory) GetOrCreateDevice(name string) LocalDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[name]; ok {
		return d
	}
	d := newFakeDevice(name)
	f.devices[name] = d
	return d
}

func (f *fakeFactory) get(name string) *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[name]
}
