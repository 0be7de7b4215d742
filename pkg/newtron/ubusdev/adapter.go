// adapter.go is the daemon-facing surface (C7): the only package entry
// points a device-class implementation (pkg/newtron/device et al.) calls.
// Every operation that can issue an RPC resolves class.Link.Peer() before
// any local mutation and returns ErrHandlerAbsent if the class's handler
// isn't currently subscribed (spec.md §4.7). ConfigInit on a plain device
// issues no RPC and does not consult the link.
package ubusdev

import (
	"context"
	"fmt"
)

// Adapter binds a ClassRegistry/Registry pair into the operation surface
// the daemon calls.
type Adapter struct {
	classes  *ClassRegistry
	registry *Registry
	invoker  *Invoker
	loop     *Loop
	factory  MemberDeviceFactory
}

// NewAdapter constructs the adapter surface over an already-loaded
// ClassRegistry and an empty shadow Registry.
func NewAdapter(classes *ClassRegistry, registry *Registry, invoker *Invoker, loop *Loop, factory MemberDeviceFactory) *Adapter {
	return &Adapter{classes: classes, registry: registry, invoker: invoker, loop: loop, factory: factory}
}

// Create allocates a plain device's shadow and issues the async create
// (spec.md §4.7). For bridge-capable classes, use CreateBridge instead.
func (a *Adapter) Create(class *DeviceClass, device LocalDevice, config Blob) (*DeviceShadow, error) {
	if class.BridgeCapable {
		return nil, fmt.Errorf("%w: class %q is bridge-capable, use CreateBridge", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return nil, ErrHandlerAbsent
	}

	s := newDeviceShadow(device, class, a.invoker, a.loop, a.classes.MaxRetry, a.classes.RetryPeriod)
	s.onFree = func(name string) { a.registry.removeDevice(name) }
	a.registry.putDevice(s)

	if err := s.Create(peer, config); err != nil {
		return s, err
	}
	return s, nil
}

// CreateBridge allocates a bridge's shadow and runs config-init, issuing
// the async create immediately only for an empty (force_active) bridge —
// otherwise creation is deferred to the bridge's first present member
// (spec.md §4.4).
func (a *Adapter) CreateBridge(class *DeviceClass, device LocalDevice, activator DeviceActivator, config Blob) (*BridgeShadow, error) {
	if !class.BridgeCapable {
		return nil, fmt.Errorf("%w: class %q is not bridge-capable", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return nil, ErrHandlerAbsent
	}

	b := NewBridgeShadow(device, class, a.invoker, a.loop, activator, a.registry, a.factory, a.classes.MaxRetry, a.classes.RetryPeriod)
	if err := b.ConfigInit(peer, config); err != nil {
		return b, err
	}
	return b, nil
}

// Free deallocates a plain device's shadow.
func (a *Adapter) Free(class *DeviceClass, name string) error {
	peer, ok := class.Link.Peer()
	if !ok {
		return ErrHandlerAbsent
	}
	s, ok := a.registry.Device(name)
	if !ok {
		return fmt.Errorf("%w: device %q", ErrNotFound, name)
	}
	return s.Free(peer)
}

// FreeBridge deallocates a bridge's shadow, disabling any present member
// first.
func (a *Adapter) FreeBridge(class *DeviceClass, name string) error {
	peer, ok := class.Link.Peer()
	if !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(name)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, name)
	}
	return b.FreeBridge(peer)
}

// Reload dispatches a config reload to a plain device or a bridge,
// returning whether the daemon should expect the device to restart
// (spec.md §4.3/§4.4).
func (a *Adapter) Reload(class *DeviceClass, name string, newConfig Blob) (ReloadResult, error) {
	peer, ok := class.Link.Peer()
	if !ok {
		return NoChange, ErrHandlerAbsent
	}
	if class.BridgeCapable {
		b, ok := a.registry.Bridge(name)
		if !ok {
			return NoChange, fmt.Errorf("%w: bridge %q", ErrNotFound, name)
		}
		return b.Reload(peer, newConfig)
	}
	s, ok := a.registry.Device(name)
	if !ok {
		return NoChange, fmt.Errorf("%w: device %q", ErrNotFound, name)
	}
	return s.Reload(peer, newConfig)
}

// ConfigInit applies a parsed config to a bridge's membership set. For
// plain devices it is a no-op: a regular device's configuration was
// already captured by Create, and the daemon's automatic config_init is
// suppressed per spec.md §4.3's design note.
func (a *Adapter) ConfigInit(class *DeviceClass, name string, raw Blob) error {
	if !class.BridgeCapable {
		if _, ok := a.registry.Device(name); !ok {
			return fmt.Errorf("%w: device %q", ErrNotFound, name)
		}
		return nil
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(name)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, name)
	}
	return b.ConfigInit(peer, raw)
}

// SetUp brings a bridge up, enabling every present member.
func (a *Adapter) SetUp(class *DeviceClass, name string) error {
	if !class.BridgeCapable {
		return fmt.Errorf("%w: class %q has no set_up operation", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(name)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, name)
	}
	return b.SetUp(peer)
}

// SetDown brings a bridge down without deallocating its shadow.
func (a *Adapter) SetDown(class *DeviceClass, name string) error {
	if !class.BridgeCapable {
		return fmt.Errorf("%w: class %q has no set_down operation", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(name)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, name)
	}
	return b.SetDown(peer)
}

// HotplugPrepare pre-activates a bridge ahead of its first member.
func (a *Adapter) HotplugPrepare(class *DeviceClass, name string) error {
	if !class.BridgeCapable {
		return fmt.Errorf("%w: class %q has no hotplug-prepare operation", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(name)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, name)
	}
	return b.HotplugPrepare(peer)
}

// HotplugAdd attaches memberDevice to bridgeName, creating its member
// shadow on demand and driving the same present/enable logic a
// DEV_EVENT_ADD would (spec.md §4.5).
func (a *Adapter) HotplugAdd(class *DeviceClass, bridgeName string, memberDevice LocalDevice) error {
	if !class.BridgeCapable {
		return fmt.Errorf("%w: class %q has no hotplug-add operation", ErrConfigError, class.Name)
	}
	if _, ok := class.Link.Peer(); !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(bridgeName)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, bridgeName)
	}
	m := CreateMember(a.registry, b, memberDevice, true)
	m.onDeviceAdd()
	return nil
}

// HotplugRemove detaches a hotplug-origin member from a bridge.
func (a *Adapter) HotplugRemove(class *DeviceClass, bridgeName, memberName string) error {
	if !class.BridgeCapable {
		return fmt.Errorf("%w: class %q has no hotplug-remove operation", ErrConfigError, class.Name)
	}
	if _, ok := class.Link.Peer(); !ok {
		return ErrHandlerAbsent
	}
	b, ok := a.registry.Bridge(bridgeName)
	if !ok {
		return fmt.Errorf("%w: bridge %q", ErrNotFound, bridgeName)
	}
	m, ok := b.Member(memberName)
	if !ok {
		return fmt.Errorf("%w: member %q on bridge %q", ErrNotFound, memberName, bridgeName)
	}
	m.DisableMember()
	return nil
}

// DumpInfo synchronously invokes dump_info and collates the reply against
// the class's info schema. Returns ErrConfigError if the class declared no
// info schema (spec.md §6.1, "absent info suppresses the capability").
func (a *Adapter) DumpInfo(ctx context.Context, class *DeviceClass, name string) (Blob, error) {
	if class.InfoSchema == nil {
		return nil, fmt.Errorf("%w: class %q has no info schema", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return nil, ErrHandlerAbsent
	}
	reply, err := a.invoker.InvokeSync(ctx, peer, methodDumpInfo, Blob{"name": name})
	if err != nil {
		return nil, err
	}
	return collate(class.InfoSchema, reply)
}

// DumpStats is DumpInfo's statistics counterpart.
func (a *Adapter) DumpStats(ctx context.Context, class *DeviceClass, name string) (Blob, error) {
	if class.StatsSchema == nil {
		return nil, fmt.Errorf("%w: class %q has no stats schema", ErrConfigError, class.Name)
	}
	peer, ok := class.Link.Peer()
	if !ok {
		return nil, ErrHandlerAbsent
	}
	reply, err := a.invoker.InvokeSync(ctx, peer, methodDumpStats, Blob{"name": name})
	if err != nil {
		return nil, err
	}
	return collate(class.StatsSchema, reply)
}
