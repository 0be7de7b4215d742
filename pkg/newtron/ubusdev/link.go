package ubusdev

import (
	"sync"

	"github.com/newtron-network/newtron/pkg/util"
)

// LinkState is HandlerLink's state machine tag (spec.md §4.1):
// Unresolved → Resolving → Subscribed ↔ Waiting.
type LinkState int

const (
	LinkUnresolved LinkState = iota
	LinkResolving
	LinkSubscribed
	LinkWaiting
)

func (s LinkState) String() string {
	switch s {
	case LinkUnresolved:
		return "unresolved"
	case LinkResolving:
		return "resolving"
	case LinkSubscribed:
		return "subscribed"
	case LinkWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// HandlerLink maintains a live subscription to one DeviceClass's external
// handler endpoint. It never retries an operational RPC itself — that is a
// per-shadow concern (DeviceShadow/BridgeShadow) — it only re-subscribes
// when the handler reappears.
type HandlerLink struct {
	mu       sync.Mutex
	endpoint string
	bus      Bus
	state    LinkState
	peer     Peer
	sub      Subscription
	watch    Watch
	onNotify func(Notification)

	// watching guards against a watch being armed twice; object-added
	// events for the same endpoint must collapse into a single subscribe
	// attempt (spec.md §4.1).
	watching bool
}

// NewHandlerLink constructs a link in the Unresolved state. onNotify is
// invoked for every notification the subscription delivers once
// Subscribed.
func NewHandlerLink(endpoint string, bus Bus, onNotify func(Notification)) *HandlerLink {
	return &HandlerLink{
		endpoint: endpoint,
		bus:      bus,
		state:    LinkUnresolved,
		onNotify: onNotify,
	}
}

// State returns the current LinkState.
func (l *HandlerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Subscribed reports whether handler calls may proceed.
func (l *HandlerLink) Subscribed() bool {
	return l.State() == LinkSubscribed
}

// Peer returns the currently resolved peer, if the link is Subscribed.
func (l *HandlerLink) Peer() (Peer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkSubscribed {
		return "", false
	}
	return l.peer, true
}

// Resolve attempts to translate the endpoint name to a peer identifier.
func (l *HandlerLink) Resolve() (Peer, error) {
	l.mu.Lock()
	l.state = LinkResolving
	l.mu.Unlock()

	peer, err := l.bus.Resolve(l.endpoint)
	if err != nil {
		l.mu.Lock()
		l.state = LinkUnresolved
		l.mu.Unlock()
		return "", err
	}
	return peer, nil
}

// Subscribe resolves the endpoint, then subscribes to its notification
// stream. On success the link becomes Subscribed; on subscription loss it
// transitions to Waiting and arms a one-shot object-added watch.
func (l *HandlerLink) Subscribe() error {
	peer, err := l.Resolve()
	if err != nil {
		l.armWatch()
		return err
	}

	sub, err := l.bus.Subscribe(peer, l.dispatchNotify, l.onSubscriptionLost)
	if err != nil {
		l.armWatch()
		return err
	}

	l.mu.Lock()
	l.peer = peer
	l.sub = sub
	l.state = LinkSubscribed
	l.mu.Unlock()

	util.WithEndpoint(l.endpoint).Info("ubusdev: subscribed to handler")
	return nil
}

func (l *HandlerLink) dispatchNotify(n Notification) {
	if l.onNotify != nil {
		l.onNotify(n)
	}
}

// onSubscriptionLost is the remove callback carried up by the bus (spec.md
// §4.1). It transitions Subscribed → Waiting and arms the reappearance
// watch.
func (l *HandlerLink) onSubscriptionLost() {
	l.mu.Lock()
	l.state = LinkWaiting
	l.peer = ""
	l.sub = nil
	l.mu.Unlock()

	util.WithEndpoint(l.endpoint).Warn("ubusdev: lost subscription to handler")
	l.armWatch()
}

// armWatch arms the one-shot object-added watch, idempotently: repeated
// calls while a watch is already armed are no-ops.
func (l *HandlerLink) armWatch() {
	l.mu.Lock()
	if l.watching {
		l.mu.Unlock()
		return
	}
	l.watching = true
	l.state = LinkWaiting
	l.mu.Unlock()

	watch, err := l.bus.WatchObjectAdd(l.endpoint, l.onObjectAdd)
	if err != nil {
		util.WithEndpoint(l.endpoint).WithField("error", err).
			Error("ubusdev: failed to arm object-add watch")
		l.mu.Lock()
		l.watching = false
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.watch = watch
	l.mu.Unlock()
}

// onObjectAdd is the watch callback. Repeated events for the same endpoint
// collapse into a single subscribe attempt: watching is cleared before the
// attempt so a genuinely new loss can re-arm the watch, but concurrent
// duplicate events observed while an attempt is in flight are dropped.
func (l *HandlerLink) onObjectAdd() {
	l.mu.Lock()
	if !l.watching {
		l.mu.Unlock()
		return
	}
	l.watching = false
	if w := l.watch; w != nil {
		l.watch = nil
		_ = w.Close()
	}
	l.mu.Unlock()

	util.WithEndpoint(l.endpoint).Info("ubusdev: handler object reappeared, resubscribing")
	_ = l.Subscribe()
}

// Close tears down any live subscription or watch.
func (l *HandlerLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		_ = l.sub.Close()
		l.sub = nil
	}
	if l.watch != nil {
		_ = l.watch.Close()
		l.watch = nil
	}
	l.state = LinkUnresolved
	return nil
}
