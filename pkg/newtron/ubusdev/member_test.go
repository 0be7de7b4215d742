package ubusdev

import (
	"testing"
	"time"
)

func TestEnableMemberFailsWhenBridgeNotSynced(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	factory := newFakeFactory()
	b, _, _ := newTestBridge(bus, loop, factory)
	_ = b.ConfigInit(Peer("bridge"), Blob{"ifname": []interface{}{"eth0"}})

	m := b.Members["eth0"]
	m.EnableMember(false)

	if bus.callCount(methodAdd) != 0 {
		t.Error("enable_member must not dispatch add while the bridge is unsynced")
	}
	if m.present() {
		t.Error("member should not be marked present on a failed enable attempt")
	}
	if b.NFailed != 1 {
		t.Errorf("NFailed = %d, want 1", b.NFailed)
	}
	dev := factory.get("eth0")
	if dev.claimed != "" {
		t.Error("a failed enable must not leave the device claimed")
	}
}

func TestEnableMemberDispatchesWhenSynced(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	factory := newFakeFactory()
	b, _, _ := newTestBridge(bus, loop, factory)
	_ = b.ConfigInit(Peer("bridge"), Blob{"empty": true})
	b.OnCreateNotify() // bridge now SYNCED and Active

	dev := newFakeDevice("eth0")
	m := CreateMember(b.registry, b, dev, false)
	m.EnableMember(false)

	inv, ok := bus.lastCall(methodAdd)
	if !ok {
		t.Fatal("expected a hotplug-add dispatch")
	}
	if inv.Args["bridge"] != "br-lan" || inv.Args["member"] != "eth0" {
		t.Errorf("add args = %v, want bridge=br-lan member=eth0", inv.Args)
	}
	if _, ok := m.State.(PendingAdd); !ok {
		t.Errorf("member state = %v, want PENDING_ADD", m.State.Name())
	}
	if dev.claimed != "br-lan" {
		t.Errorf("device should be claimed by the bridge, got %q", dev.claimed)
	}

	if !m.OnAddNotify() {
		t.Fatal("OnAddNotify should succeed from PENDING_ADD")
	}
	if _, ok := m.State.(Synced); !ok {
		t.Errorf("member state = %v, want SYNCED", m.State.Name())
	}
	if len(dev.events) == 0 || dev.events[len(dev.events)-1] != DevEventTopoChange {
		t.Error("expected a topo-change broadcast on add confirmation")
	}
}

func TestHotplugRemoveDeletesMemberOnConfirmation(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	factory := newFakeFactory()
	b, _, _ := newTestBridge(bus, loop, factory)
	_ = b.ConfigInit(Peer("bridge"), Blob{"empty": true})
	b.OnCreateNotify()

	dev := newFakeDevice("eth0")
	m := CreateMember(b.registry, b, dev, true) // hotplug-origin
	m.EnableMember(false)
	m.OnAddNotify()

	m.DisableMember()
	if _, ok := m.State.(PendingRemove); !ok {
		t.Fatalf("member state = %v, want PENDING_REMOVE", m.State.Name())
	}

	if !m.OnRemoveNotify() {
		t.Fatal("OnRemoveNotify should succeed from PENDING_REMOVE")
	}
	if dev.claimed != "" {
		t.Error("claim should be released on remove confirmation")
	}
	if _, ok := b.Members["eth0"]; ok {
		t.Error("a hotplug-origin member should be dropped from the map once removed")
	}
}

func TestMemberHandleTimeoutExhaustsRetries(t *testing.T) {
	bus := newFakeBus()
	bus.completeAsync = false
	loop := NewLoop()
	factory := newFakeFactory()
	b, _, _ := newTestBridge(bus, loop, factory)
	_ = b.ConfigInit(Peer("bridge"), Blob{"empty": true})
	b.OnCreateNotify()
	bus.completeAsync = false

	dev := newFakeDevice("eth0")
	m := CreateMember(b.registry, b, dev, false)
	m.maxRetry = 1
	m.retryPeriod = time.Hour
	m.EnableMember(false)

	if bus.callCount(methodAdd) != 1 {
		t.Fatalf("expected 1 add dispatch, got %d", bus.callCount(methodAdd))
	}

	m.handleTimeout(Peer("bridge")) // attempt 1, hits maxRetry
	if bus.callCount(methodAdd) < 2 {
		t.Fatalf("expected a retry dispatch, got %d", bus.callCount(methodAdd))
	}

	calls := bus.callCount(methodAdd)
	m.handleTimeout(Peer("bridge")) // exhausted
	if bus.callCount(methodAdd) != calls {
		t.Error("handleTimeout past MAX_RETRY should not reissue")
	}
	if dev.claimed != "" {
		t.Error("claim should be released once retries are exhausted")
	}
}
