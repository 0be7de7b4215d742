package ubusdev

import "github.com/newtron-network/newtron/pkg/util"

// Router dispatches an inbound Notification, already hopped onto the
// event-loop goroutine by ClassRegistry.Register's link callback, to the
// shadow it names (spec.md §4.6). It never itself retries or mutates
// state beyond what the shadow's On*Notify method does.
type Router struct {
	registry *Registry
	factory  MemberDeviceFactory
}

// NewRouter binds a Router to the live shadow registry it routes into.
// factory resolves or creates the LocalDevice backing an "add" notification
// naming a member this package never created itself (spec.md §4.6,
// unsolicited hotplug); it may be nil, in which case such a notification is
// dropped as malformed rather than materializing a member record.
func NewRouter(registry *Registry, factory MemberDeviceFactory) *Router {
	return &Router{registry: registry, factory: factory}
}

func stringField(b Blob, key string) (string, bool) {
	v, ok := b[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Route dispatches n to the shadow class names. An unrecognized type, or a
// payload missing the field identifying its shadow, is logged and dropped
// rather than causing a panic or a misrouted transition (spec.md §4.6,
// "malformed notifications are dropped").
func (r *Router) Route(class *DeviceClass, n Notification) {
	if n.Message != "" {
		util.WithFields(map[string]interface{}{
			"class":   class.Name,
			"type":    n.Type,
			"message": n.Message,
		}).Info("ubusdev: handler notice")
	}

	switch n.Type {
	case "create":
		r.routeLifecycle(class, n, func(s *DeviceShadow) bool { return s.OnCreateNotify() }, func(b *BridgeShadow) bool { return b.OnCreateNotify() })
	case "reload":
		r.routeLifecycle(class, n, func(s *DeviceShadow) bool { return s.OnReloadNotify() }, func(b *BridgeShadow) bool { return b.OnReloadNotify() })
	case "free":
		r.routeLifecycle(class, n, func(s *DeviceShadow) bool { return s.OnFreeNotify() }, func(b *BridgeShadow) bool { return b.OnFreeNotify() })
	case "prepare":
		r.routePrepare(class, n)
	case "add":
		r.routeMember(class, n, func(m *MemberShadow) bool { return m.OnAddNotify() })
	case "remove":
		r.routeMember(class, n, func(m *MemberShadow) bool { return m.OnRemoveNotify() })
	default:
		r.drop(class, n, newProtocolError(n.Type, "unrecognized notification type", n.Payload))
	}
}

func (r *Router) drop(class *DeviceClass, n Notification, err *ProtocolError) {
	util.WithFields(map[string]interface{}{
		"class": class.Name,
		"type":  n.Type,
		"error": err,
	}).Error("ubusdev: dropping malformed notification")
}

// routeLifecycle handles create/reload/free, which name the target device
// or bridge via a "name" field (spec.md §6.3). Bridge-capable classes
// route to the BridgeShadow override so activation/membership side effects
// fire; plain classes route to the embedded DeviceShadow behavior.
func (r *Router) routeLifecycle(class *DeviceClass, n Notification, onDevice func(*DeviceShadow) bool, onBridge func(*BridgeShadow) bool) {
	name, ok := stringField(n.Payload, "name")
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "missing name field", n.Payload))
		return
	}

	if class.BridgeCapable {
		b, ok := r.registry.Bridge(name)
		if !ok {
			r.drop(class, n, newProtocolError(n.Type, "no shadow for "+name, n.Payload))
			return
		}
		if !onBridge(b) {
			util.WithFields(map[string]interface{}{"class": class.Name, "device": name, "type": n.Type}).
				Warn("ubusdev: notification did not match bridge's pending state, ignored")
		}
		return
	}

	s, ok := r.registry.Device(name)
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "no shadow for "+name, n.Payload))
		return
	}
	if !onDevice(s) {
		util.WithFields(map[string]interface{}{"class": class.Name, "device": name, "type": n.Type}).
			Warn("ubusdev: notification did not match device's pending state, ignored")
	}
}

func (r *Router) routePrepare(class *DeviceClass, n Notification) {
	name, ok := stringField(n.Payload, "name")
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "missing name field", n.Payload))
		return
	}
	b, ok := r.registry.Bridge(name)
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "no shadow for "+name, n.Payload))
		return
	}
	if !b.OnPrepareNotify() {
		util.WithFields(map[string]interface{}{"class": class.Name, "device": name}).
			Warn("ubusdev: prepare notification did not match bridge's pending state, ignored")
	}
}

// routeMember handles add/remove, which name their member via "bridge" and
// "member" fields (spec.md §6.3). An "add" naming a member the registry
// never created is not malformed: it is an unsolicited hotplug the handler
// originated on its own, and is installed directly via
// MemberShadow.MarkHotplugSynced rather than dropped (spec.md §4.6).
func (r *Router) routeMember(class *DeviceClass, n Notification, onMember func(*MemberShadow) bool) {
	bridgeName, ok := stringField(n.Payload, "bridge")
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "missing bridge field", n.Payload))
		return
	}
	memberName, ok := stringField(n.Payload, "member")
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "missing member field", n.Payload))
		return
	}

	b, ok := r.registry.Bridge(bridgeName)
	if !ok {
		r.drop(class, n, newProtocolError(n.Type, "no shadow for bridge "+bridgeName, n.Payload))
		return
	}
	m, ok := b.Member(memberName)
	if !ok {
		if n.Type == "add" && r.factory != nil {
			dev := r.factory.GetOrCreateDevice(memberName)
			hotplug := CreateMember(r.registry, b, dev, true)
			hotplug.MarkHotplugSynced()
			return
		}
		r.drop(class, n, newProtocolError(n.Type, "no member "+memberName+" on bridge "+bridgeName, n.Payload))
		return
	}
	if !onMember(m) {
		util.WithFields(map[string]interface{}{"bridge": bridgeName, "member": memberName, "type": n.Type}).
			Warn("ubusdev: notification did not match member's pending state, ignored")
	}
}
