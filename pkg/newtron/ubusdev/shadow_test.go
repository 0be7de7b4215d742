package ubusdev

import (
	"testing"
	"time"
)

func newTestShadow(bus *fakeBus, loop *Loop) (*DeviceShadow, *fakeDevice) {
	dev := newFakeDevice("eth0")
	class := &DeviceClass{Name: "vlan", Endpoint: "vlan"}
	invoker := NewInvoker(bus, loop)
	return newDeviceShadow(dev, class, invoker, loop, DefaultMaxRetry, time.Hour), dev
}

func TestDeviceShadowCreate(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	s, dev := newTestShadow(bus, loop)

	cfg := Blob{"mtu": 1500}
	if err := s.Create(Peer("vlan"), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, ok := s.State.(PendingCreate); !ok {
		t.Fatalf("state = %v, want PENDING_CREATE", s.State.Name())
	}
	inv, ok := bus.lastCall(methodCreate)
	if !ok {
		t.Fatal("expected a create RPC to be dispatched")
	}
	if inv.Args["mtu"] != 1500 {
		t.Errorf("dispatched args = %v, want mtu=1500", inv.Args)
	}
	if dev.Present() {
		t.Error("device should not be present until the create notification arrives")
	}
}

func TestDeviceShadowOnCreateNotify(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	s, dev := newTestShadow(bus, loop)

	_ = s.Create(Peer("vlan"), Blob{"mtu": 1500})
	if !s.OnCreateNotify() {
		t.Fatal("OnCreateNotify should succeed from PENDING_CREATE")
	}
	if _, ok := s.State.(Synced); !ok {
		t.Errorf("state = %v, want SYNCED", s.State.Name())
	}
	if !dev.Present() {
		t.Error("device should be present after create notification")
	}
	if s.OnCreateNotify() {
		t.Error("a second OnCreateNotify from SYNCED should report false")
	}
}

func TestDeviceShadowReloadNoChangeWhenNotSynced(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	s, _ := newTestShadow(bus, loop)

	_ = s.Create(Peer("vlan"), Blob{"mtu": 1500}) // now PENDING_CREATE

	result, err := s.Reload(Peer("vlan"), Blob{"mtu": 9000})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if result != NoChange {
		t.Errorf("result = %v, want NoChange for a reload arriving mid-PENDING_CREATE", result)
	}
	if bus.callCount(methodReload) != 0 {
		t.Error("reload arriving on a non-SYNCED shadow must not issue any RPC")
	}
}

func TestDeviceShadowReloadNoChangeWhenIdentical(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	s, _ := newTestShadow(bus, loop)

	_ = s.Create(Peer("vlan"), Blob{"mtu": 1500})
	s.OnCreateNotify()

	result, err := s.Reload(Peer("vlan"), Blob{"mtu": 1500})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if result != NoChange {
		t.Errorf("result = %v, want NoChange for an identical config", result)
	}
	if bus.callCount(methodReload) != 0 {
		t.Error("an identical reload must not issue any RPC")
	}
}

func TestDeviceShadowReloadDispatchesOnDifference(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	s, dev := newTestShadow(bus, loop)

	_ = s.Create(Peer("vlan"), Blob{"mtu": 1500})
	s.OnCreateNotify()

	result, err := s.Reload(Peer("vlan"), Blob{"mtu": 9000})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if result != Restart {
		t.Errorf("result = %v, want Restart", result)
	}
	if _, ok := s.State.(PendingReload); !ok {
		t.Fatalf("state = %v, want PENDING_RELOAD", s.State.Name())
	}
	if dev.Present() {
		t.Error("device should be marked not-present while reload is pending")
	}

	if !s.OnReloadNotify() {
		t.Fatal("OnReloadNotify should succeed from PENDING_RELOAD")
	}
	if s.Config["mtu"] != 9000 {
		t.Errorf("stored config = %v, want mtu=9000", s.Config)
	}
	if !dev.Present() {
		t.Error("device should be present again after reload confirmation")
	}
}

func TestDeviceShadowFreeDestroys(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	s, dev := newTestShadow(bus, loop)
	destroyed := false
	s.onFree = func(name string) { destroyed = true }

	_ = s.Create(Peer("vlan"), Blob{"mtu": 1500})
	s.OnCreateNotify()

	if err := s.Free(Peer("vlan")); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, ok := s.State.(PendingFree); !ok {
		t.Fatalf("state = %v, want PENDING_FREE", s.State.Name())
	}
	if !s.OnFreeNotify() {
		t.Fatal("OnFreeNotify should succeed from PENDING_FREE")
	}
	if dev.Present() {
		t.Error("device should not be present after free")
	}
	if !destroyed {
		t.Error("onFree callback should run on free confirmation")
	}
}

func TestDeviceShadowHandleTimeoutExhaustsRetries(t *testing.T) {
	bus := newFakeBus()
	bus.completeAsync = false // never auto-confirm, force the retry path
	loop := NewLoop()
	s, _ := newTestShadow(bus, loop)
	s.maxRetry = 2

	_ = s.Create(Peer("vlan"), Blob{"mtu": 1500})
	if bus.callCount(methodCreate) != 1 {
		t.Fatalf("expected 1 create dispatch, got %d", bus.callCount(methodCreate))
	}

	s.handleTimeout(Peer("vlan")) // attempt 1
	if bus.callCount(methodCreate) != 2 {
		t.Fatalf("expected 2 create dispatches after one retry, got %d", bus.callCount(methodCreate))
	}

	s.handleTimeout(Peer("vlan")) // attempt 2, hits maxRetry
	if bus.callCount(methodCreate) != 3 {
		t.Fatalf("expected 3 create dispatches, got %d", bus.callCount(methodCreate))
	}

	s.handleTimeout(Peer("vlan")) // exhausted, must not dispatch again
	if bus.callCount(methodCreate) != 3 {
		t.Errorf("handleTimeout past MAX_RETRY should not reissue, got %d dispatches", bus.callCount(methodCreate))
	}
	if _, ok := s.State.(PendingCreate); !ok {
		t.Error("shadow should remain PENDING_CREATE, un-synchronized, after exhausting retries")
	}
}
