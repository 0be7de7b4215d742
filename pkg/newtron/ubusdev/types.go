package ubusdev

import "time"

// Default retry bound and period, spec.md §5 ("MAX_RETRY / T"). Both are
// overridable per ClassRegistry (test doubles shrink them to avoid slow
// unit tests).
const (
	DefaultMaxRetry = 3
	DefaultRetryPeriod = time.Second
)

// Blob is a key-value argument/reply payload, the wire shape every outbound
// RPC method and inbound notification payload uses (spec.md §6.2/§6.3).
type Blob map[string]interface{}

// Clone returns an owned deep-enough copy of the blob. Async paths always
// copy a config blob before storing it in a shadow (spec.md §5, "Shared
// resources") so the caller's buffer can be reused or discarded immediately.
func (b Blob) Clone() Blob {
	if b == nil {
		return nil
	}
	out := make(Blob, len(b))
	for k, v := range b {
		if nested, ok := v.(Blob); ok {
			out[k] = nested.Clone()
		} else {
			out[k] = v
		}
	}
	return out
}

// DeviceEvent mirrors the daemon's generic device event broadcast (out of
// scope per spec.md §1; only the vocabulary ubusdev emits/consumes lives
// here).
type DeviceEvent int

const (
	DevEventAdd DeviceEvent = iota
	DevEventRemove
	DevEventTopoChange
)

func (e DeviceEvent) String() string {
	switch e {
	case DevEventAdd:
		return "add"
	case DevEventRemove:
		return "remove"
	case DevEventTopoChange:
		return "topo-change"
	default:
		return "unknown"
	}
}

// LocalDevice is the narrow slice of the daemon's generic device object
// (presence flag and event broadcast) that ubusdev needs. The daemon's real
// device type implements it directly. Claim accounting is not part of it;
// see the optional DeviceClaimer in member.go.
type LocalDevice interface {
	Name() string
	SetPresent(present bool)
	Present() bool
	Broadcast(event DeviceEvent)
}

// DeviceActivator is the preserved "up"-callback capability described in
// spec.md §9: the generic device implements it, and BridgeShadow composes
// it instead of saving and overriding a raw function pointer.
type DeviceActivator interface {
	SetUp(up bool) error
}

// SyncState is the tagged variant tracking which remote request, if any, a
// shadow currently awaits (spec.md §3, re-architected per §9 to carry its
// own payload so the timer handler never reconstructs arguments by
// case-analysis on shadow fields).
type SyncState interface {
	// Name is the stable state name used in logs and CLI output.
	Name() string
	// pending reports whether a retry timer should be armed for this state.
	pending() bool
}

// Synced is the terminal, idle state: no timer armed, no outstanding RPC.
type Synced struct{}

func (Synced) Name() string  { return "SYNCED" }
func (Synced) pending() bool { return false }

// PendingCreate awaits a "create" notification; Config is the exact blob
// most recently dispatched so a timeout can reissue it verbatim.
type PendingCreate struct{ Config Blob }

func (PendingCreate) Name() string  { return "PENDING_CREATE" }
func (PendingCreate) pending() bool { return true }

// PendingReload awaits a "reload" notification.
type PendingReload struct{ Config Blob }

func (PendingReload) Name() string  { return "PENDING_RELOAD" }
func (PendingReload) pending() bool { return true }

// PendingFree awaits a "free" notification that destroys the shadow.
type PendingFree struct{}

func (PendingFree) Name() string  { return "PENDING_FREE" }
func (PendingFree) pending() bool { return true }

// PendingDisable awaits a "free" notification that, unlike PendingFree,
// leaves the shadow allocated (bridge set_down).
type PendingDisable struct{}

func (PendingDisable) Name() string  { return "PENDING_DISABLE" }
func (PendingDisable) pending() bool { return true }

// PendingPrepare awaits a "prepare" notification (hotplug-prepare).
type PendingPrepare struct{}

func (PendingPrepare) Name() string  { return "PENDING_PREPARE" }
func (PendingPrepare) pending() bool { return true }

// PendingAdd awaits an "add" notification for a bridge member.
type PendingAdd struct{}

func (PendingAdd) Name() string  { return "PENDING_ADD" }
func (PendingAdd) pending() bool { return true }

// PendingRemove awaits a "remove" notification for a bridge member.
type PendingRemove struct{}

func (PendingRemove) Name() string  { return "PENDING_REMOVE" }
func (PendingRemove) pending() bool { return true }
