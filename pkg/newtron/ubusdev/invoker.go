package ubusdev

import (
	"context"
	"fmt"

	"github.com/newtron-network/newtron/pkg/util"
)

// DispatchResult is the successful outcome of a fire-and-forget dispatch.
type DispatchResult string

const Dispatched DispatchResult = "dispatched"

// Outbound method name vocabulary (spec.md §6.2). checkState is enumerated
// for documentation parity with the wire protocol but is never issued by
// this package (spec.md §9 Open Questions: treated as reserved).
const (
	methodCreate     = "create"
	methodConfigInit = "config_init"
	methodReload     = "reload"
	methodFree       = "free"
	methodDumpInfo   = "dump_info"
	methodDumpStats  = "dump_stats"
	methodCheckState = "check_state" //nolint:unused // reserved, spec.md §9
	methodPrepare    = "prepare"
	methodAdd        = "add"
	methodRemove     = "remove"
)

// Invoker issues RPCs on behalf of a shadow, carrying per-call data and
// completion callbacks (spec.md §4.2). Non-zero completion statuses are
// logged critical; they never themselves cause a state transition — only a
// matching notification does that (spec.md §4.6).
type Invoker struct {
	bus  Bus
	loop *Loop
}

// NewInvoker wraps a Bus. Completion callbacks arrive on whatever goroutine
// the Bus implementation uses internally; loop.Post hops them back onto the
// single event-loop goroutine before they touch any shadow.
func NewInvoker(bus Bus, loop *Loop) *Invoker {
	return &Invoker{bus: bus, loop: loop}
}

// InvokeAsync dispatches method(args) to peer without blocking the caller.
func (i *Invoker) InvokeAsync(peer Peer, method string, args Blob) (DispatchResult, error) {
	return i.InvokeAsyncWithCallback(peer, method, args, nil)
}

// InvokeAsyncWithCallback is InvokeAsync plus an explicit completion
// callback, used by callers that care about the remote's RPC status
// independent of the notification that eventually drives the transition.
func (i *Invoker) InvokeAsyncWithCallback(peer Peer, method string, args Blob, onComplete func(status int)) (DispatchResult, error) {
	wrapped := func(status int) {
		i.loop.Post(func() {
			if status != 0 {
				util.WithFields(map[string]interface{}{
					"peer":   peer,
					"method": method,
					"status": status,
				}).Error("ubusdev: remote RPC completed with non-zero status")
			}
			if onComplete != nil {
				onComplete(status)
			}
		})
	}

	if err := i.bus.InvokeAsync(peer, method, args, wrapped); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	return Dispatched, nil
}

// InvokeSync blocks the calling context until a reply arrives or ctx
// expires. Used only by the dump_info/dump_stats paths (spec.md §4.2); the
// caller is responsible for collating reply fields into its own output
// blob — see collate in dump.go.
func (i *Invoker) InvokeSync(ctx context.Context, peer Peer, method string, args Blob) (Blob, error) {
	reply, err := i.bus.InvokeSync(ctx, peer, method, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	return reply, nil
}
