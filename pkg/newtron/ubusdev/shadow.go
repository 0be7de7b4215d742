package ubusdev

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/newtron-network/newtron/pkg/util"
)

// ReloadResult is the outcome C7's reload entry point surfaces to the
// daemon (spec.md §4.3).
type ReloadResult string

const (
	NoChange ReloadResult = "no_change"
	Restart  ReloadResult = "restart"
)

// DeviceShadow wraps one local (non-bridge) device bound to its
// DeviceClass, maintaining SyncState and the retry timer (spec.md §4.3).
type DeviceShadow struct {
	Device LocalDevice
	Class  *DeviceClass

	invoker *Invoker
	loop    *Loop
	onFree  func(name string) // registry.removeDevice, injected by adapter.go

	mu       sync.Mutex
	State    SyncState
	Attempts int
	Config   Blob // last config dispatched/confirmed, owned copy
	timer    *time.Timer

	maxRetry    int
	retryPeriod time.Duration
}

// newDeviceShadow constructs a shadow in the Synced state with no config.
func newDeviceShadow(device LocalDevice, class *DeviceClass, invoker *Invoker, loop *Loop, maxRetry int, retryPeriod time.Duration) *DeviceShadow {
	return &DeviceShadow{
		Device:      device,
		Class:       class,
		invoker:     invoker,
		loop:        loop,
		State:       Synced{},
		maxRetry:    maxRetry,
		retryPeriod: retryPeriod,
	}
}

// Create allocates the shadow's remote counterpart: issues async create
// with config and enters PENDING_CREATE. No config_init RPC is issued here,
// and OnCreateNotify runs no config-init step either: the create
// notification only marks the shadow SYNCED and the device present.
func (s *DeviceShadow) Create(peer Peer, config Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := config.Clone()
	s.Config = owned
	s.Attempts = 0
	s.setStateLocked(PendingCreate{Config: owned})

	if _, err := s.invoker.InvokeAsync(peer, methodCreate, owned); err != nil {
		util.WithFields(map[string]interface{}{
			"device": s.Device.Name(),
			"error":  err,
		}).Error("ubusdev: create dispatch failed")
		s.armTimerLocked(peer)
		return err
	}
	s.armTimerLocked(peer)
	return nil
}

// Reload parses/diffs newConfig against the current config. Per spec.md §9's
// resolved Open Question, a reload arriving while the shadow is not Synced
// returns NoChange without issuing any RPC or mutating state — it is
// treated as redundant, not queued.
func (s *DeviceShadow) Reload(peer Peer, newConfig Blob) (ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, synced := s.State.(Synced); !synced {
		return NoChange, nil
	}

	if reflect.DeepEqual(map[string]interface{}(s.Config), map[string]interface{}(newConfig)) {
		return NoChange, nil
	}

	owned := newConfig.Clone()
	s.Device.SetPresent(false)
	s.Attempts = 0
	s.setStateLocked(PendingReload{Config: owned})

	if _, err := s.invoker.InvokeAsync(peer, methodReload, owned); err != nil {
		util.WithFields(map[string]interface{}{
			"device": s.Device.Name(),
			"error":  err,
		}).Error("ubusdev: reload dispatch failed")
		s.armTimerLocked(peer)
		return Restart, err
	}
	s.armTimerLocked(peer)
	return Restart, nil
}

// Free issues async free({name}) and enters PENDING_FREE.
func (s *DeviceShadow) Free(peer Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Attempts = 0
	s.setStateLocked(PendingFree{})

	args := Blob{"name": s.Device.Name()}
	if _, err := s.invoker.InvokeAsync(peer, methodFree, args); err != nil {
		util.WithFields(map[string]interface{}{
			"device": s.Device.Name(),
			"error":  err,
		}).Error("ubusdev: free dispatch failed")
		s.armTimerLocked(peer)
		return err
	}
	s.armTimerLocked(peer)
	return nil
}

// OnCreateNotify transitions a PENDING_CREATE shadow to SYNCED and marks
// the device present. Returns false if the shadow was not awaiting create.
func (s *DeviceShadow) OnCreateNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.State.(PendingCreate); !ok {
		return false
	}
	s.syncLocked()
	s.Device.SetPresent(true)
	return true
}

// OnReloadNotify transitions a PENDING_RELOAD shadow to SYNCED, marks the
// device present, and replaces the stored config with the one dispatched.
func (s *DeviceShadow) OnReloadNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.State.(PendingReload)
	if !ok {
		return false
	}
	s.Config = pending.Config
	s.syncLocked()
	s.Device.SetPresent(true)
	return true
}

// OnFreeNotify transitions a PENDING_FREE shadow to SYNCED, marks the device
// not present, and runs onFree (removal from the registry). Returns false if
// the shadow was not awaiting free.
func (s *DeviceShadow) OnFreeNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.State.(PendingFree); !ok {
		return false
	}
	s.syncLocked()
	s.Device.SetPresent(false)
	if s.onFree != nil {
		s.onFree(s.Device.Name())
	}
	return true
}

// handleTimeout reissues the current pending RPC, or gives up terminally
// past MAX_RETRY (spec.md §4.3, §5).
func (s *DeviceShadow) handleTimeout(peer Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.State.pending() {
		return
	}
	if s.Attempts >= s.maxRetry {
		util.WithFields(map[string]interface{}{
			"device":   s.Device.Name(),
			"state":    s.State.Name(),
			"attempts": s.Attempts,
		}).Error("ubusdev: exhausted retries, giving up")
		s.timer = nil
		return
	}
	s.Attempts++

	var method string
	var args Blob
	switch st := s.State.(type) {
	case PendingCreate:
		method, args = methodCreate, st.Config
	case PendingReload:
		method, args = methodReload, st.Config
	case PendingFree, PendingDisable:
		method, args = methodFree, Blob{"name": s.Device.Name()}
	default:
		return
	}

	if _, err := s.invoker.InvokeAsync(peer, method, args); err != nil {
		util.WithFields(map[string]interface{}{
			"device": s.Device.Name(),
			"error":  err,
		}).Error("ubusdev: retry dispatch failed")
	}
	s.armTimerLocked(peer)
}

// setStateLocked replaces State and cancels any armed timer; callers that
// want a new timer call armTimerLocked afterward.
func (s *DeviceShadow) setStateLocked(next SyncState) {
	s.cancelTimerLocked()
	s.State = next
}

// syncLocked transitions to Synced, cancels the timer, and resets the
// attempt counter (spec.md invariant 1/2).
func (s *DeviceShadow) syncLocked() {
	s.cancelTimerLocked()
	s.State = Synced{}
	s.Attempts = 0
}

func (s *DeviceShadow) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *DeviceShadow) armTimerLocked(peer Peer) {
	s.cancelTimerLocked()
	s.timer = s.loop.AfterFunc(s.retryPeriod, func() { s.handleTimeout(peer) })
}

func (s *DeviceShadow) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s[%s attempts=%d]", s.Device.Name(), s.State.Name(), s.Attempts)
}
