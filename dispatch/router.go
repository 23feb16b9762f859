// Package dispatch binds inbound event names to the handlers that update
// the session store, settle pending requests and feed the stream
// aggregators.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kasuganosora/guidegame/client/protocol"
	"go.uber.org/zap"
)

// HandlerFunc processes a decoded packet payload.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Drop reasons reported to the observer.
const (
	DropReplay    = "replay"
	DropUnhandled = "unhandled"
)

// Observer sees every packet the router is given, with the reason it was
// dropped, or "" when a handler ran.
type Observer func(ctx context.Context, pkt *protocol.Packet, dropped string)

// Router dispatches inbound packets to registered handlers. It is not safe
// for concurrent use.
type Router struct {
	handlers map[string]HandlerFunc
	lastSeq  uint64
	observer Observer
	logger   *zap.Logger
}

// NewRouter creates a new Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers a HandlerFunc for the given event. A second registration
// replaces the first.
func (r *Router) On(event string, fn HandlerFunc) {
	r.handlers[event] = fn
}

// Handles reports whether a handler is registered for event.
func (r *Router) Handles(event string) bool {
	_, ok := r.handlers[event]
	return ok
}

// Observe installs the packet observer.
func (r *Router) Observe(fn Observer) {
	r.observer = fn
}

// ResetSeq forgets the last seen seq. Called when a new transport connects.
func (r *Router) ResetSeq() {
	r.lastSeq = 0
}

// Dispatch validates seq and invokes the handler for pkt.
func (r *Router) Dispatch(pkt *protocol.Packet) {
	traceID := uuid.NewString()
	ctx := context.WithValue(context.Background(), ctxKeyTraceID{}, traceID)

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if pkt.Seq != 0 && pkt.Seq <= r.lastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.String("type", pkt.Type),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", r.lastSeq))
		r.observe(ctx, pkt, DropReplay)
		return
	}
	if pkt.Seq != 0 {
		r.lastSeq = pkt.Seq
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type", zap.String("type", pkt.Type))
		r.observe(ctx, pkt, DropUnhandled)
		return
	}
	r.observe(ctx, pkt, "")

	if err := fn(ctx, pkt.Payload); err != nil {
		fields := []zap.Field{
			zap.String("type", pkt.Type),
			zap.String("trace_id", traceID),
			zap.Error(err),
		}
		if protocol.IsAnomaly(err) {
			r.logger.Warn("protocol anomaly", fields...)
			return
		}
		r.logger.Error("handler error", fields...)
	}
}

func (r *Router) observe(ctx context.Context, pkt *protocol.Packet, dropped string) {
	if r.observer != nil {
		r.observer(ctx, pkt, dropped)
	}
}

type ctxKeyTraceID struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}
