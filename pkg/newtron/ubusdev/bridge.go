package ubusdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/newtron-network/newtron/pkg/util"
)

// BridgeConfig is the parsed shape of a bridge class's config schema
// (spec.md §4.4: "recognized fields: empty:bool, ifname:array-of-string").
type BridgeConfig struct {
	Empty   bool
	IfNames []string
}

func parseBridgeConfig(raw Blob) *BridgeConfig {
	cfg := &BridgeConfig{}
	if raw == nil {
		return cfg
	}
	if v, ok := raw["empty"].(bool); ok {
		cfg.Empty = v
	}
	if v, ok := raw["ifname"].([]interface{}); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				cfg.IfNames = append(cfg.IfNames, s)
			}
		}
	} else if v, ok := raw["ifname"].([]string); ok {
		cfg.IfNames = append(cfg.IfNames, v...)
	}
	return cfg
}

func bridgeConfigsEqual(a, b *BridgeConfig) bool {
	if a.Empty != b.Empty || len(a.IfNames) != len(b.IfNames) {
		return false
	}
	for i := range a.IfNames {
		if a.IfNames[i] != b.IfNames[i] {
			return false
		}
	}
	return true
}

// MemberDeviceFactory resolves or creates the local device backing a
// bridge member by name. It is the narrow slice of the daemon's device
// registry bridge config-init needs to create members on demand (spec.md
// §1, "daemon's generic device object" — out of scope beyond this).
type MemberDeviceFactory interface {
	GetOrCreateDevice(name string) LocalDevice
}

// memberRetryDelay bounds how soon after reaching SYNCED a bridge retries
// members still waiting to attach (spec.md §4.4, "bounded-time retry").
const memberRetryDelay = 200 * time.Millisecond

// BridgeShadow is a DeviceShadow specialization that additionally tracks a
// membership set and activation state (spec.md §3/§4.4).
type BridgeShadow struct {
	DeviceShadow

	factory  MemberDeviceFactory
	registry *Registry

	activator DeviceActivator

	bmu         sync.Mutex // guards everything below, distinct from DeviceShadow.mu
	Config      *BridgeConfig
	Empty       bool
	ForceActive bool
	Active      bool
	Members     map[string]*MemberShadow
	NPresent    int
	NFailed     int

	memberRetryTimer *time.Timer
}

// NewBridgeShadow constructs a bridge shadow. activator is the generic
// device's preserved "up"-callback capability (spec.md §9); it is composed
// in rather than saved and restored as a raw function pointer.
func NewBridgeShadow(device LocalDevice, class *DeviceClass, invoker *Invoker, loop *Loop, activator DeviceActivator, registry *Registry, factory MemberDeviceFactory, maxRetry int, retryPeriod time.Duration) *BridgeShadow {
	b := &BridgeShadow{
		DeviceShadow: *newDeviceShadow(device, class, invoker, loop, maxRetry, retryPeriod),
		factory:      factory,
		registry:     registry,
		activator:    activator,
		Members:      make(map[string]*MemberShadow),
	}
	b.DeviceShadow.onFree = func(name string) { registry.removeBridge(name) }
	registry.putBridge(b)
	return b
}

// synced reports whether the bridge's remote counterpart exists
// (SYNCED and active), the precondition spec.md §5 requires before a
// member's hotplug-add may be issued.
func (b *BridgeShadow) synced() bool {
	b.DeviceShadow.mu.Lock()
	_, isSynced := b.DeviceShadow.State.(Synced)
	b.DeviceShadow.mu.Unlock()
	b.bmu.Lock()
	active := b.Active
	b.bmu.Unlock()
	return isSynced && active
}

// ConfigInit parses raw against the bridge schema and either marks the
// bridge force-active (empty:true, issuing create immediately since no
// member event will trigger it) or starts a vlist-style round creating a
// member shadow for each declared ifname (spec.md §4.4).
func (b *BridgeShadow) ConfigInit(peer Peer, raw Blob) error {
	cfg := parseBridgeConfig(raw)

	b.bmu.Lock()
	b.Config = cfg
	b.Empty = cfg.Empty
	b.bmu.Unlock()

	if cfg.Empty {
		b.bmu.Lock()
		b.ForceActive = true
		b.bmu.Unlock()
		b.Device.SetPresent(true)
		return b.DeviceShadow.Create(peer, raw)
	}

	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.Config = raw.Clone()
	b.DeviceShadow.mu.Unlock()

	b.applyMemberList(cfg.IfNames)
	return nil
}

// applyMemberList runs a vlist-style update round: add a member shadow for
// every name not yet tracked, flush (remove) any previously
// configuration-driven member no longer named, leaving hotplug-origin
// members untouched regardless of the round (spec.md invariant 4).
func (b *BridgeShadow) applyMemberList(names []string) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
		if _, ok := b.memberByName(n); !ok {
			dev := b.factory.GetOrCreateDevice(n)
			CreateMember(b.registry, b, dev, false)
		}
	}

	b.bmu.Lock()
	var stale []string
	for name, m := range b.Members {
		if m.Hotplug {
			continue
		}
		if !wanted[name] {
			stale = append(stale, name)
		}
	}
	b.bmu.Unlock()

	for _, name := range stale {
		b.deleteMember(name)
	}
}

func (b *BridgeShadow) memberByName(name string) (*MemberShadow, bool) {
	b.bmu.Lock()
	defer b.bmu.Unlock()
	m, ok := b.Members[name]
	return m, ok
}

func (b *BridgeShadow) deleteMember(name string) {
	b.bmu.Lock()
	m, ok := b.Members[name]
	if ok {
		delete(b.Members, name)
		if m.present() {
			b.NPresent--
		}
	}
	empty := len(b.Members) == 0 || b.NPresent == 0
	b.bmu.Unlock()
	if empty {
		b.Device.SetPresent(false)
	}
}

// Reload parses newConfig, diffs against the stored config, and — on any
// difference — dispatches async reload and enters PENDING_RELOAD,
// replacing the stored config only once the RPC was dispatched
// successfully (spec.md §4.4).
func (b *BridgeShadow) Reload(peer Peer, raw Blob) (ReloadResult, error) {
	b.DeviceShadow.mu.Lock()
	_, synced := b.DeviceShadow.State.(Synced)
	b.DeviceShadow.mu.Unlock()
	if !synced {
		return NoChange, nil
	}

	newCfg := parseBridgeConfig(raw)
	b.bmu.Lock()
	prev := b.Config
	b.bmu.Unlock()

	if prev != nil && bridgeConfigsEqual(prev, newCfg) {
		return NoChange, nil
	}

	owned := raw.Clone()
	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.Attempts = 0
	b.DeviceShadow.setStateLocked(PendingReload{Config: owned})
	b.DeviceShadow.mu.Unlock()

	if _, err := b.invoker.InvokeAsync(peer, methodReload, owned); err != nil {
		util.WithFields(map[string]interface{}{"device": b.Device.Name(), "error": err}).
			Error("ubusdev: bridge reload dispatch failed")
		b.DeviceShadow.mu.Lock()
		b.DeviceShadow.armTimerLocked(peer)
		b.DeviceShadow.mu.Unlock()
		return Restart, err
	}

	b.bmu.Lock()
	b.Config = newCfg
	b.bmu.Unlock()
	b.applyMemberList(newCfg.IfNames)

	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.armTimerLocked(peer)
	b.DeviceShadow.mu.Unlock()
	return Restart, nil
}

// SetUp enables every present member and, if none end up present and
// force_active is false, disables the interface remotely (spec.md §4.4).
// It never itself marks the bridge active — that only happens once the
// subsequent create notification arrives.
func (b *BridgeShadow) SetUp(peer Peer) error {
	b.bmu.Lock()
	nPresent := b.NPresent
	forceActive := b.ForceActive
	members := make([]*MemberShadow, 0, len(b.Members))
	for _, m := range b.Members {
		members = append(members, m)
	}
	b.bmu.Unlock()

	if nPresent == 0 && !forceActive {
		return ErrNoMembers
	}

	for _, m := range members {
		if m.present() {
			m.EnableMember(false)
		}
	}

	b.bmu.Lock()
	nowPresent := b.NPresent
	b.bmu.Unlock()
	if nowPresent == 0 && !forceActive {
		b.Device.SetPresent(false)
		return b.disableRemote(peer)
	}
	return nil
}

// SetDown tears the bridge down locally: invokes the preserved "up"
// callback with false, disables every present member, and issues async
// free under PENDING_DISABLE — which, unlike PENDING_FREE, does not
// deallocate the shadow on confirmation (spec.md §4.4).
func (b *BridgeShadow) SetDown(peer Peer) error {
	if err := b.activator.SetUp(false); err != nil {
		util.WithFields(map[string]interface{}{"device": b.Device.Name(), "error": err}).
			Warn("ubusdev: preserved up-callback returned an error on set_down")
	}

	b.bmu.Lock()
	members := make([]*MemberShadow, 0, len(b.Members))
	for _, m := range b.Members {
		members = append(members, m)
	}
	b.bmu.Unlock()
	for _, m := range members {
		if m.present() {
			m.DisableMember()
		}
	}

	return b.disableRemote(peer)
}

// disableRemote issues the stateless free({name}) call and enters
// PENDING_DISABLE (shared by SetDown and SetUp's zero-member fallback).
func (b *BridgeShadow) disableRemote(peer Peer) error {
	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.Attempts = 0
	b.DeviceShadow.setStateLocked(PendingDisable{})
	b.DeviceShadow.mu.Unlock()

	args := Blob{"name": b.Device.Name()}
	_, err := b.invoker.InvokeAsync(peer, methodFree, args)
	if err != nil {
		util.WithFields(map[string]interface{}{"device": b.Device.Name(), "error": err}).
			Error("ubusdev: bridge disable dispatch failed")
	}
	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.armTimerLocked(peer)
	b.DeviceShadow.mu.Unlock()
	return err
}

// FreeBridge disables every present member locally, then issues the
// stateless free({name}) call under PENDING_FREE — unlike disableRemote's
// PENDING_DISABLE, confirmation destroys the shadow (spec.md §4.4/§4.6).
func (b *BridgeShadow) FreeBridge(peer Peer) error {
	b.bmu.Lock()
	members := make([]*MemberShadow, 0, len(b.Members))
	for _, m := range b.Members {
		members = append(members, m)
	}
	b.bmu.Unlock()
	for _, m := range members {
		if m.present() {
			m.DisableMember()
		}
	}
	return b.DeviceShadow.Free(peer)
}

// HotplugPrepare pre-activates the bridge (force_active, present=true)
// before the first member is added — the one adapter operation that
// activates a bridge ahead of any create notification (spec.md §4.7).
func (b *BridgeShadow) HotplugPrepare(peer Peer) error {
	b.bmu.Lock()
	b.ForceActive = true
	b.bmu.Unlock()
	b.Device.SetPresent(true)

	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.Attempts = 0
	b.DeviceShadow.setStateLocked(PendingPrepare{})
	b.DeviceShadow.mu.Unlock()

	args := Blob{"bridge": b.Device.Name()}
	_, err := b.invoker.InvokeAsync(peer, methodPrepare, args)
	if err != nil {
		util.WithFields(map[string]interface{}{"device": b.Device.Name(), "error": err}).
			Error("ubusdev: hotplug-prepare dispatch failed")
	}
	b.DeviceShadow.mu.Lock()
	b.DeviceShadow.armTimerLocked(peer)
	b.DeviceShadow.mu.Unlock()
	return err
}

// OnCreateNotify overrides DeviceShadow's: a bridge additionally invokes
// the preserved "up"-callback and becomes active, then gives every member
// still waiting on the bridge a chance to attach (spec.md §4.6).
func (b *BridgeShadow) OnCreateNotify() bool {
	if !b.DeviceShadow.OnCreateNotify() {
		return false
	}

	b.bmu.Lock()
	b.Active = true
	b.bmu.Unlock()

	if err := b.activator.SetUp(true); err != nil {
		util.WithFields(map[string]interface{}{"device": b.Device.Name(), "error": err}).
			Error("ubusdev: preserved up-callback failed on create")
	}

	b.retryFailedMembers()
	return true
}

// OnPrepareNotify transitions a PENDING_PREPARE bridge to SYNCED.
func (b *BridgeShadow) OnPrepareNotify() bool {
	b.DeviceShadow.mu.Lock()
	if _, ok := b.DeviceShadow.State.(PendingPrepare); !ok {
		b.DeviceShadow.mu.Unlock()
		return false
	}
	b.DeviceShadow.syncLocked()
	b.DeviceShadow.mu.Unlock()
	b.Device.SetPresent(true)
	return true
}

// OnFreeNotify overrides DeviceShadow's: PENDING_DISABLE becomes SYNCED
// with active=false but the shadow survives; PENDING_FREE releases the
// configuration, flushes every member, and destroys the shadow (spec.md
// §4.6).
func (b *BridgeShadow) OnFreeNotify() bool {
	b.DeviceShadow.mu.Lock()
	state := b.DeviceShadow.State
	b.DeviceShadow.mu.Unlock()

	switch state.(type) {
	case PendingDisable:
		b.DeviceShadow.mu.Lock()
		b.DeviceShadow.syncLocked()
		b.DeviceShadow.mu.Unlock()
		b.bmu.Lock()
		b.Active = false
		b.bmu.Unlock()
		return true
	case PendingFree:
		ok := b.DeviceShadow.OnFreeNotify() // SYNCED, not present, removed from the registry via onFree
		if !ok {
			return false
		}
		b.bmu.Lock()
		b.Config = nil
		b.Active = false
		members := b.Members
		b.Members = make(map[string]*MemberShadow)
		b.NPresent, b.NFailed = 0, 0
		if b.memberRetryTimer != nil {
			b.memberRetryTimer.Stop()
			b.memberRetryTimer = nil
		}
		b.bmu.Unlock()
		for name := range members {
			delete(members, name)
		}
		return true
	default:
		return false
	}
}

// retryFailedMembers walks every member not yet present and retries
// enable_member on it now that the bridge is synchronized (spec.md §4.4,
// "Member-failure retry").
func (b *BridgeShadow) retryFailedMembers() {
	b.bmu.Lock()
	nFailed := b.NFailed
	var candidates []*MemberShadow
	for _, m := range b.Members {
		if !m.present() {
			candidates = append(candidates, m)
		}
	}
	b.bmu.Unlock()

	if nFailed == 0 && len(candidates) == 0 {
		return
	}

	for _, m := range candidates {
		if _, pendingAdd := m.currentState().(PendingAdd); pendingAdd {
			m.reissueAdd()
			continue
		}
		m.EnableMember(true)
	}
}

// scheduleMemberRetry arms a bounded-time retry of retryFailedMembers, used
// when a member fails to attach for reasons other than the immediate
// post-create sweep (e.g. a late-arriving DEV_EVENT_ADD).
func (b *BridgeShadow) scheduleMemberRetry() {
	b.bmu.Lock()
	if b.memberRetryTimer != nil {
		b.bmu.Unlock()
		return
	}
	b.memberRetryTimer = b.loop.AfterFunc(memberRetryDelay, func() {
		b.bmu.Lock()
		b.memberRetryTimer = nil
		b.bmu.Unlock()
		b.retryFailedMembers()
	})
	b.bmu.Unlock()
}

// onMemberPresent adjusts NPresent by delta; called by MemberShadow under
// its own event handling. NFailed is kept by incFailed/decFailed.
func (b *BridgeShadow) onMemberPresent(delta int) {
	b.bmu.Lock()
	b.NPresent += delta
	b.bmu.Unlock()
}

func (b *BridgeShadow) incFailed() {
	b.bmu.Lock()
	b.NFailed++
	b.bmu.Unlock()
}

func (b *BridgeShadow) decFailed() {
	b.bmu.Lock()
	if b.NFailed > 0 {
		b.NFailed--
	}
	b.bmu.Unlock()
}

// Member looks up a tracked member shadow by name.
func (b *BridgeShadow) Member(name string) (*MemberShadow, bool) {
	b.bmu.Lock()
	defer b.bmu.Unlock()
	m, ok := b.Members[name]
	return m, ok
}

func (b *BridgeShadow) peer() (Peer, bool) {
	return b.Class.Link.Peer()
}

func (b *BridgeShadow) String() string {
	b.bmu.Lock()
	defer b.bmu.Unlock()
	return fmt.Sprintf("%s[active=%v force=%v present=%d/%d failed=%d]",
		b.Device.Name(), b.Active, b.ForceActive, b.NPresent, len(b.Members), b.NFailed)
}
