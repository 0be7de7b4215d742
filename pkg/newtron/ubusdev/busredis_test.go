package ubusdev

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedisBus(t *testing.T) (*RedisBus, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client), client, mr
}

func TestRedisBusResolveAbsent(t *testing.T) {
	bus, _, _ := newTestRedisBus(t)

	if _, err := bus.Resolve("bridge"); err != ErrHandlerAbsent {
		t.Fatalf("Resolve of an unregistered endpoint = %v, want ErrHandlerAbsent", err)
	}
}

func TestRedisBusResolvePresent(t *testing.T) {
	bus, client, _ := newTestRedisBus(t)
	ctx := context.Background()
	if err := client.SAdd(ctx, handlersSetKey, "bridge").Err(); err != nil {
		t.Fatal(err)
	}

	peer, err := bus.Resolve("bridge")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if peer != Peer("bridge") {
		t.Errorf("peer = %q, want %q", peer, "bridge")
	}
}

func TestRedisBusSubscribeDeliversNotification(t *testing.T) {
	bus, client, _ := newTestRedisBus(t)
	ctx := context.Background()

	got := make(chan Notification, 1)
	sub, err := bus.Subscribe(Peer("bridge"), func(n Notification) { got <- n }, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	payload, _ := json.Marshal(Notification{Type: "create", Payload: Blob{"name": "br-lan"}})
	if err := client.Publish(ctx, notifyChannel("bridge"), payload).Err(); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-got:
		if n.Type != "create" || n.Payload["name"] != "br-lan" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestRedisBusInvokeAsyncPublishesRequest(t *testing.T) {
	bus, client, _ := newTestRedisBus(t)
	ctx := context.Background()

	requests := make(chan rpcRequest, 1)
	ps := client.Subscribe(ctx, requestChannel("bridge"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		msg := <-ps.Channel()
		var req rpcRequest
		_ = json.Unmarshal([]byte(msg.Payload), &req)
		requests <- req
	}()

	if err := bus.InvokeAsync(Peer("bridge"), methodCreate, Blob{"name": "br-lan"}, nil); err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}

	select {
	case req := <-requests:
		if req.Method != methodCreate || req.Args["name"] != "br-lan" {
			t.Errorf("unexpected request: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never published")
	}
}

func TestRedisBusInvokeAsyncCompletion(t *testing.T) {
	bus, client, _ := newTestRedisBus(t)
	ctx := context.Background()

	// Act as the handler: subscribe before the request is published, read
	// it to learn its reply-to channel, then publish a completion on it.
	ps := client.Subscribe(ctx, requestChannel("bridge"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	status := make(chan int, 1)
	err := bus.InvokeAsync(Peer("bridge"), methodCreate, Blob{}, func(s int) { status <- s })
	if err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}

	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var req rpcRequest
	if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
		t.Fatal(err)
	}
	completion, _ := json.Marshal(rpcCompletion{Status: 0})
	if err := client.Publish(ctx, req.ReplyTo, completion).Err(); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-status:
		if s != 0 {
			t.Errorf("status = %d, want 0", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestRedisBusInvokeSyncRoundTrip(t *testing.T) {
	bus, client, _ := newTestRedisBus(t)
	ctx := context.Background()

	// Act as the handler in the background: receive the request, push a
	// reply onto its reply-list key. The subscription is confirmed before
	// InvokeSync publishes, so the request cannot be missed.
	ps := client.Subscribe(ctx, requestChannel("bridge"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
			return
		}
		reply, _ := json.Marshal(Blob{"mtu": float64(1500)})
		client.RPush(context.Background(), req.ReplyKey, reply)
	}()

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reply, err := bus.InvokeSync(callCtx, Peer("bridge"), methodDumpInfo, Blob{"name": "br-lan"})
	if err != nil {
		t.Fatalf("InvokeSync: %v", err)
	}
	if reply["mtu"] != float64(1500) {
		t.Errorf("reply = %v, want mtu=1500", reply)
	}
}
