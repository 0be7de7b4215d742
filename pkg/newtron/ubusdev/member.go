package ubusdev

import (
	"fmt"
	"sync"
	"time"

	"github.com/newtron-network/newtron/pkg/util"
)

// DeviceClaimer is an optional extension a LocalDevice may implement to
// participate in member claim/release accounting. Implementing it is
// entirely optional — a LocalDevice that doesn't is simply never claimed
// (spec.md §1 scopes user/claim accounting to the daemon's generic device,
// out of scope here beyond this narrow hook).
type DeviceClaimer interface {
	Claim(owner string) bool
	Release(owner string)
}

// MemberShadow is a bridge membership's own small state machine (spec.md
// §4.5), distinct from DeviceShadow: it never wraps one, since a member
// entry tracks attach/detach of an existing device into a bridge rather
// than the device's own lifecycle.
type MemberShadow struct {
	registry *Registry

	// BridgeName is resolved fresh via registry.Bridge on every access
	// rather than held as a pointer, avoiding a cyclic reference between
	// bridge and member that would complicate teardown (spec.md §9).
	BridgeName string
	Name       string
	Device     LocalDevice
	Hotplug    bool

	invoker *Invoker
	loop    *Loop

	mu       sync.Mutex
	State    SyncState
	Attempts int
	timer    *time.Timer
	isPresent bool

	maxRetry    int
	retryPeriod time.Duration
}

// CreateMember installs a member shadow for dev under bridge, or returns
// the existing one if dev is already tracked — re-adding an existing
// member (e.g. a config-init round re-declaring an ifname already added
// via hotplug) only updates its Hotplug flag in the hotplug direction,
// never clears it (spec.md §4.4 vlist semantics).
func CreateMember(registry *Registry, bridge *BridgeShadow, dev LocalDevice, hotplug bool) *MemberShadow {
	name := dev.Name()

	bridge.bmu.Lock()
	if existing, ok := bridge.Members[name]; ok {
		if hotplug {
			existing.Hotplug = true
		}
		bridge.bmu.Unlock()
		return existing
	}
	bridge.bmu.Unlock()

	m := &MemberShadow{
		registry:    registry,
		BridgeName:  bridge.Device.Name(),
		Name:        name,
		Device:      dev,
		Hotplug:     hotplug,
		invoker:     bridge.invoker,
		loop:        bridge.loop,
		State:       Synced{},
		maxRetry:    bridge.maxRetry,
		retryPeriod: bridge.retryPeriod,
	}

	bridge.bmu.Lock()
	bridge.Members[name] = m
	bridge.bmu.Unlock()

	return m
}

func (m *MemberShadow) bridge() (*BridgeShadow, bool) {
	return m.registry.Bridge(m.BridgeName)
}

func (m *MemberShadow) present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isPresent
}

func (m *MemberShadow) currentState() SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State
}

// HandleDeviceEvent is the entry point the daemon's device layer calls
// whenever the underlying member device fires DEV_EVENT_ADD/REMOVE
// (spec.md §4.5).
func (m *MemberShadow) HandleDeviceEvent(event DeviceEvent) {
	switch event {
	case DevEventAdd:
		m.onDeviceAdd()
	case DevEventRemove:
		m.onDeviceRemove()
	}
}

// onDeviceAdd marks the member present and, if this is the bridge's first
// present member and the bridge isn't active yet, triggers the bridge's
// own async create — otherwise it attempts enable_member directly
// (spec.md §4.5).
func (m *MemberShadow) onDeviceAdd() {
	b, ok := m.bridge()
	if !ok {
		return
	}

	m.mu.Lock()
	m.isPresent = true
	m.mu.Unlock()

	b.onMemberPresent(1)
	b.bmu.Lock()
	first := b.NPresent == 1
	active := b.Active
	b.bmu.Unlock()

	if first && !active {
		peer, ok := b.peer()
		if !ok {
			util.WithField("bridge", b.Device.Name()).
				Warn("ubusdev: first member present but handler not subscribed, deferring bridge create")
			return
		}
		if err := b.DeviceShadow.Create(peer, b.DeviceShadow.Config); err != nil {
			util.WithFields(map[string]interface{}{"bridge": b.Device.Name(), "error": err}).
				Error("ubusdev: bridge create on first member failed")
		}
		return
	}

	m.EnableMember(false)
}

// onDeviceRemove either drops a hotplug-origin member entirely (vlist
// delete) or, for a configuration-declared member, simply marks it absent
// (spec.md §4.5).
func (m *MemberShadow) onDeviceRemove() {
	b, ok := m.bridge()
	if !ok {
		return
	}

	if m.Hotplug {
		b.deleteMember(m.Name)
		return
	}

	m.mu.Lock()
	wasPresent := m.isPresent
	m.isPresent = false
	m.mu.Unlock()

	if wasPresent {
		b.onMemberPresent(-1)
	}

	b.bmu.Lock()
	empty := b.NPresent == 0
	b.bmu.Unlock()
	if empty {
		b.Device.SetPresent(false)
	}
}

// EnableMember claims the underlying device and dispatches hotplug-add. If
// the bridge is not yet synchronized the claim is abandoned and the
// failure is recorded on the bridge for its post-sync retry sweep
// (spec.md §4.5); isRetry marks an attempt driven by that sweep rather
// than a fresh device event, so the bridge's failure counter is only
// decremented on the retry path.
func (m *MemberShadow) EnableMember(isRetry bool) {
	b, ok := m.bridge()
	if !ok {
		return
	}

	if !b.synced() {
		m.mu.Lock()
		m.isPresent = false
		m.mu.Unlock()
		if !isRetry {
			b.incFailed()
		}
		if dc, ok := m.Device.(DeviceClaimer); ok {
			dc.Release(m.BridgeName)
		}
		// The bridge may never send another create notification soon
		// enough to trigger OnCreateNotify's sweep (e.g. this is a
		// late-arriving DEV_EVENT_ADD against a bridge that was already
		// synced and active moments ago and flapped). Arm a bounded-time
		// catch-up retry so this member isn't left stranded on NFailed
		// indefinitely.
		b.scheduleMemberRetry()
		return
	}

	if dc, ok := m.Device.(DeviceClaimer); ok {
		dc.Claim(m.BridgeName)
	}

	peer, ok := b.peer()
	if !ok {
		return
	}
	args := Blob{"bridge": b.Device.Name(), "member": m.Name}

	m.mu.Lock()
	m.Attempts = 0
	m.setStateLocked(PendingAdd{})
	m.mu.Unlock()

	if _, err := m.invoker.InvokeAsync(peer, methodAdd, args); err != nil {
		util.WithFields(map[string]interface{}{"bridge": b.Device.Name(), "member": m.Name, "error": err}).
			Error("ubusdev: hotplug-add dispatch failed")
	}
	m.armTimer(peer)

	if isRetry {
		b.decFailed()
	}
}

// reissueAdd reissues hotplug-add without resetting State/Attempts, used
// by the bridge-wide retry sweep against a member already PENDING_ADD
// whose own timer fired (spec.md §4.5, "re-enter the bridge-wide
// member-enable retry").
func (m *MemberShadow) reissueAdd() {
	b, ok := m.bridge()
	if !ok {
		return
	}
	peer, ok := b.peer()
	if !ok {
		return
	}
	args := Blob{"bridge": b.Device.Name(), "member": m.Name}
	if _, err := m.invoker.InvokeAsync(peer, methodAdd, args); err != nil {
		util.WithFields(map[string]interface{}{"bridge": b.Device.Name(), "member": m.Name, "error": err}).
			Error("ubusdev: hotplug-add retry dispatch failed")
	}
	m.armTimer(peer)
}

// DisableMember issues hotplug-remove and enters PENDING_REMOVE.
func (m *MemberShadow) DisableMember() {
	b, ok := m.bridge()
	if !ok {
		return
	}
	peer, ok := b.peer()
	if !ok {
		return
	}
	args := Blob{"bridge": b.Device.Name(), "member": m.Name}

	m.mu.Lock()
	m.Attempts = 0
	m.setStateLocked(PendingRemove{})
	m.mu.Unlock()

	if _, err := m.invoker.InvokeAsync(peer, methodRemove, args); err != nil {
		util.WithFields(map[string]interface{}{"bridge": b.Device.Name(), "member": m.Name, "error": err}).
			Error("ubusdev: hotplug-remove dispatch failed")
	}
	m.armTimer(peer)
}

// MarkHotplugSynced installs m as a member the handler already attached on
// its own, with no outbound hotplug-add of this package's issuing: sync
// starts at SYNCED and present is true immediately (spec.md §4.6, "treat as
// unsolicited hotplug"). Used for an "add" notification naming a member the
// registry never created, as opposed to OnAddNotify's PENDING_ADD→SYNCED
// confirmation of an add this package itself requested.
func (m *MemberShadow) MarkHotplugSynced() {
	m.mu.Lock()
	m.isPresent = true
	m.syncLocked()
	m.mu.Unlock()

	if b, ok := m.bridge(); ok {
		b.onMemberPresent(1)
	}
	m.Device.Broadcast(DevEventTopoChange)
}

// OnAddNotify transitions a PENDING_ADD member to SYNCED.
func (m *MemberShadow) OnAddNotify() bool {
	m.mu.Lock()
	if _, ok := m.State.(PendingAdd); !ok {
		m.mu.Unlock()
		return false
	}
	m.syncLocked()
	m.mu.Unlock()
	m.Device.Broadcast(DevEventTopoChange)
	return true
}

// OnRemoveNotify transitions a PENDING_REMOVE member to SYNCED and
// releases the claim taken in EnableMember.
func (m *MemberShadow) OnRemoveNotify() bool {
	m.mu.Lock()
	if _, ok := m.State.(PendingRemove); !ok {
		m.mu.Unlock()
		return false
	}
	m.syncLocked()
	m.mu.Unlock()
	if dc, ok := m.Device.(DeviceClaimer); ok {
		dc.Release(m.BridgeName)
	}
	m.Device.Broadcast(DevEventTopoChange)
	if m.Hotplug {
		if b, ok := m.bridge(); ok {
			b.deleteMember(m.Name)
		}
	}
	return true
}

// handleTimeout reissues the RPC for the current pending state, or gives
// up terminally past MAX_RETRY. A PENDING_ADD timeout additionally
// re-enters the bridge-wide member-enable retry so other stalled members
// get a chance alongside this one (spec.md §4.5).
func (m *MemberShadow) handleTimeout(peer Peer) {
	m.mu.Lock()
	if !m.State.pending() {
		m.mu.Unlock()
		return
	}
	if m.Attempts >= m.maxRetry {
		util.WithFields(map[string]interface{}{
			"member":   m.Name,
			"bridge":   m.BridgeName,
			"state":    m.State.Name(),
			"attempts": m.Attempts,
		}).Error("ubusdev: member exhausted retries, giving up")
		m.timer = nil
		m.mu.Unlock()
		if dc, ok := m.Device.(DeviceClaimer); ok {
			dc.Release(m.BridgeName)
		}
		return
	}
	m.Attempts++
	state := m.State
	m.mu.Unlock()

	switch state.(type) {
	case PendingAdd:
		m.reissueAdd()
		if b, ok := m.bridge(); ok {
			b.retryFailedMembers()
		}
	case PendingRemove:
		b, ok := m.bridge()
		if !ok {
			return
		}
		args := Blob{"bridge": b.Device.Name(), "member": m.Name}
		if _, err := m.invoker.InvokeAsync(peer, methodRemove, args); err != nil {
			util.WithFields(map[string]interface{}{"bridge": b.Device.Name(), "member": m.Name, "error": err}).
				Error("ubusdev: hotplug-remove retry dispatch failed")
		}
		m.armTimer(peer)
	}
}

func (m *MemberShadow) setStateLocked(next SyncState) {
	m.cancelTimerLocked()
	m.State = next
}

func (m *MemberShadow) syncLocked() {
	m.cancelTimerLocked()
	m.State = Synced{}
	m.Attempts = 0
}

func (m *MemberShadow) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *MemberShadow) armTimer(peer Peer) {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.timer = m.loop.AfterFunc(m.retryPeriod, func() { m.handleTimeout(peer) })
	m.mu.Unlock()
}

func (m *MemberShadow) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("%s/%s[%s present=%v attempts=%d]", m.BridgeName, m.Name, m.State.Name(), m.isPresent, m.Attempts)
}
