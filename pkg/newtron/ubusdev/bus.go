package ubusdev

import "context"

// Peer identifies a resolved external handler endpoint. For the Redis-backed
// Bus (busredis.go) it is just the endpoint name; it exists as a distinct
// type so a future transport can resolve to something richer (a ubus object
// id, say) without changing call sites.
type Peer string

// Notification is an inbound message from the external handler: a type tag
// plus its payload (spec.md §6.3). Message, when non-empty, is logged at
// notice level and otherwise ignored (spec.md §6.3).
type Notification struct {
	Type    string
	Payload Blob
	Message string
}

// Subscription represents a live subscription to a peer's notification
// stream. Close ends it; it does not itself trigger re-subscription logic,
// that lives in HandlerLink.
type Subscription interface {
	Close() error
}

// Watch represents a one-shot "object added" watch on an endpoint name.
type Watch interface {
	Close() error
}

// Bus is the narrow RPC/notification transport surface ubusdev depends on.
// It stands in for ubus's subscribe/notify/invoke primitives; busredis.go
// grounds it on the go-redis client.
type Bus interface {
	// Resolve translates an endpoint name to a Peer. Returns
	// ErrHandlerAbsent if the name is unknown, or a wrapped ErrTransport on
	// other faults.
	Resolve(endpoint string) (Peer, error)

	// Subscribe opens a live notification stream for peer. onNotify is
	// invoked for every inbound notification; onRemove is invoked once if
	// the subscription is lost (peer disappears, connection drops).
	Subscribe(peer Peer, onNotify func(Notification), onRemove func()) (Subscription, error)

	// WatchObjectAdd arms a watch that fires onAdd the next time endpoint
	// becomes resolvable again. Implementations may fire onAdd more than
	// once for repeated arrivals; HandlerLink collapses that into a single
	// subscribe attempt.
	WatchObjectAdd(endpoint string, onAdd func()) (Watch, error)

	// InvokeAsync dispatches method(args) to peer without blocking.
	// onComplete, if non-nil, is invoked with the remote status once a
	// completion arrives. Returns ErrTransport on dispatch failure.
	InvokeAsync(peer Peer, method string, args Blob, onComplete func(status int)) error

	// InvokeSync dispatches method(args) to peer and blocks until a reply
	// or ctx is done. Used only by the dump_info/dump_stats paths.
	InvokeSync(ctx context.Context, peer Peer, method string, args Blob) (Blob, error)
}
