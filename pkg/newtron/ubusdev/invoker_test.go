package ubusdev

import (
	"context"
	"testing"
)

func TestInvokerInvokeAsync(t *testing.T) {
	bus := newFakeBus()
	loop := NewLoop()
	inv := NewInvoker(bus, loop)

	result, err := inv.InvokeAsync(Peer("bridge"), methodCreate, Blob{"name": "br-lan"})
	if err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}
	if result != Dispatched {
		t.Errorf("result = %v, want Dispatched", result)
	}
	call, ok := bus.lastCall(methodCreate)
	if !ok || call.Args["name"] != "br-lan" {
		t.Errorf("unexpected dispatch record: %+v", call)
	}
}

func TestInvokerInvokeAsyncWithCallback(t *testing.T) {
	bus := newFakeBus()
	bus.asyncStatus = 0
	loop := NewLoop()
	inv := NewInvoker(bus, loop)

	done := make(chan int, 1)
	_, err := inv.InvokeAsyncWithCallback(Peer("bridge"), methodCreate, Blob{}, func(status int) { done <- status })
	if err != nil {
		t.Fatalf("InvokeAsyncWithCallback: %v", err)
	}

	go loop.Run()
	defer loop.Stop()

	if status := <-done; status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
}

func TestInvokerInvokeSync(t *testing.T) {
	bus := newFakeBus()
	bus.syncReply = Blob{"mtu": 1500}
	loop := NewLoop()
	inv := NewInvoker(bus, loop)

	reply, err := inv.InvokeSync(context.Background(), Peer("bridge"), methodDumpInfo, Blob{"name": "br-lan"})
	if err != nil {
		t.Fatalf("InvokeSync: %v", err)
	}
	if reply["mtu"] != 1500 {
		t.Errorf("reply = %v, want mtu=1500", reply)
	}
}
