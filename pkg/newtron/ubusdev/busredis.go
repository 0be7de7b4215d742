// busredis.go grounds the Bus interface on the go-redis/redis/v8 client,
// used as a local message-passing bus rather than a database: Pub/Sub
// channels stand in for ubus
// subscribe/notify, and a BLPOP-backed reply list stands in for a
// synchronous ubus call.
package ubusdev

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/newtron-network/newtron/pkg/util"
)

const (
	handlersSetKey     = "ubusdev:handlers"
	defaultSyncTimeout = 5 * time.Second
)

func requestChannel(endpoint string) string  { return "ubusdev:req:" + endpoint }
func notifyChannel(endpoint string) string   { return "ubusdev:notify:" + endpoint }
func objectAddChannel(endpoint string) string { return "ubusdev:objectadd:" + endpoint }
func completionChannel(cookie string) string { return "ubusdev:complete:" + cookie }
func syncReplyKey(cookie string) string      { return "ubusdev:reply:" + cookie }

// rpcRequest is the wire envelope published on a request channel.
type rpcRequest struct {
	Method   string `json:"method"`
	Args     Blob   `json:"args"`
	Cookie   string `json:"cookie"`
	ReplyTo  string `json:"reply_to,omitempty"`  // pub/sub channel for async completion
	ReplyKey string `json:"reply_key,omitempty"` // list key for synchronous reply
}

type rpcCompletion struct {
	Status int `json:"status"`
}

// RedisBus is the production Bus implementation.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing go-redis client. The caller owns the
// client's lifecycle.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Resolve checks whether endpoint has registered itself as present in the
// handlers set. External handler processes are expected to SADD their
// endpoint name to handlersSetKey on startup and SREM it on clean shutdown;
// this package never writes to that set itself.
func (b *RedisBus) Resolve(endpoint string) (Peer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSyncTimeout)
	defer cancel()

	present, err := b.client.SIsMember(ctx, handlersSetKey, endpoint).Result()
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrTransport, endpoint, err)
	}
	if !present {
		return "", ErrHandlerAbsent
	}
	return Peer(endpoint), nil
}

// Subscribe opens a Pub/Sub subscription on the peer's notify channel.
// Subscription loss is detected by the receive loop exiting (connection
// drop, explicit unsubscribe), at which point onRemove fires exactly once.
func (b *RedisBus) Subscribe(peer Peer, onNotify func(Notification), onRemove func()) (Subscription, error) {
	ctx := context.Background()
	ps := b.client.Subscribe(ctx, notifyChannel(string(peer)))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransport, peer, err)
	}

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				// Not valid JSON: logged and dropped here; the router never sees it.
				util.WithFields(map[string]interface{}{
					"endpoint": string(peer),
					"error":    newProtocolError("", err.Error(), nil),
				}).Error("ubusdev: dropping malformed notification")
				continue
			}
			onNotify(n)
		}
		if onRemove != nil {
			onRemove()
		}
	}()

	return ps, nil
}

// WatchObjectAdd subscribes to the endpoint's object-added announcements.
// A handler process is expected to PUBLISH an empty message to this
// channel (and SADD itself to handlersSetKey) the moment it comes up.
func (b *RedisBus) WatchObjectAdd(endpoint string, onAdd func()) (Watch, error) {
	ctx := context.Background()
	ps := b.client.Subscribe(ctx, objectAddChannel(endpoint))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: watch %s: %v", ErrTransport, endpoint, err)
	}

	ch := ps.Channel()
	go func() {
		for range ch {
			onAdd()
		}
	}()

	return ps, nil
}

// InvokeAsync publishes a fire-and-forget request. If onComplete is set, a
// one-shot subscriber listens for a single completion message on a
// per-call channel before detaching.
func (b *RedisBus) InvokeAsync(peer Peer, method string, args Blob, onComplete func(status int)) error {
	ctx := context.Background()
	cookie := uuid.NewString()

	req := rpcRequest{Method: method, Args: args, Cookie: cookie}
	if onComplete != nil {
		req.ReplyTo = completionChannel(cookie)
		go b.awaitCompletion(req.ReplyTo, onComplete)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrTransport, method, err)
	}
	if err := b.client.Publish(ctx, requestChannel(string(peer)), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, method, err)
	}
	return nil
}

func (b *RedisBus) awaitCompletion(channel string, onComplete func(status int)) {
	ctx := context.Background()
	ps := b.client.Subscribe(ctx, channel)
	defer ps.Close()

	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		return
	}
	var c rpcCompletion
	if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
		return
	}
	onComplete(c.Status)
}

// InvokeSync publishes a request carrying a reply-list key and blocks on
// BLPOP until the handler pushes a reply or ctx expires. Using a list
// rather than Pub/Sub avoids the race of a reply published before the
// caller subscribes.
func (b *RedisBus) InvokeSync(ctx context.Context, peer Peer, method string, args Blob) (Blob, error) {
	cookie := uuid.NewString()
	replyKey := syncReplyKey(cookie)
	req := rpcRequest{Method: method, Args: args, Cookie: cookie, ReplyKey: replyKey}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrTransport, method, err)
	}
	if err := b.client.Publish(ctx, requestChannel(string(peer)), payload).Err(); err != nil {
		return nil, fmt.Errorf("%w: publish %s: %v", ErrTransport, method, err)
	}

	timeout := defaultSyncTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	res, err := b.client.BLPop(ctx, timeout, replyKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %s reply: %v", ErrTransport, method, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: %s: malformed reply frame", ErrTransport, method)
	}

	var reply Blob
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("%w: %s: decode reply: %v", ErrTransport, method, err)
	}
	return reply, nil
}
