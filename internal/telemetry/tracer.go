package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for broker/proxy operations, following OpenTelemetry
// semantic conventions where applicable.
const (
	// Request attributes
	AttrOp        = "gate.op"         // broker operation: acquire, release, heartbeat, status
	AttrPath      = "gate.path"       // lock path key
	AttrMode      = "gate.mode"       // read or write
	AttrOwner     = "gate.owner"      // owner token (hex)
	AttrRequestID = "gate.request_id" // monotonic request id
	AttrResult    = "gate.result"     // granted, queued, timeout, not_held, expired, error
	AttrErrorKind = "gate.error_kind"

	// Proxy/VFS attributes
	AttrVFSOp  = "gate.vfs_op" // lookup, open, read, write, rename, ...
	AttrHandle = "gate.handle"
	AttrOffset = "gate.offset"
	AttrCount  = "gate.count"

	// Store attributes
	AttrStoreBackend = "gate.store.backend" // badger, gorm
	AttrQueueDepth   = "gate.queue_depth"
)

// Span names for broker and proxy operations.
const (
	SpanBrokerAcquire   = "broker.acquire"
	SpanBrokerRelease   = "broker.release"
	SpanBrokerHeartbeat = "broker.heartbeat"
	SpanBrokerStatus    = "broker.status"
	SpanBrokerSweep     = "broker.sweep"

	SpanProxyOp        = "proxy.op"
	SpanProxyHeartbeat = "proxy.heartbeat"

	SpanStoreTxn = "store.txn"
)

// Op returns an attribute for the broker operation name.
func Op(op string) attribute.KeyValue {
	return attribute.String(AttrOp, op)
}

// Path returns an attribute for the lock path key.
func Path(path string) attribute.KeyValue {
	return attribute.String(AttrPath, path)
}

// Mode returns an attribute for the lock mode (read/write).
func Mode(mode string) attribute.KeyValue {
	return attribute.String(AttrMode, mode)
}

// Owner returns an attribute for the owner token.
func Owner(owner string) attribute.KeyValue {
	return attribute.String(AttrOwner, owner)
}

// RequestID returns an attribute for the request id.
func RequestID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrRequestID, int64(id))
}

// Result returns an attribute for the broker response status.
func Result(result string) attribute.KeyValue {
	return attribute.String(AttrResult, result)
}

// ErrorKind returns an attribute for a distinguishable error kind.
func ErrorKind(kind string) attribute.KeyValue {
	return attribute.String(AttrErrorKind, kind)
}

// VFSOp returns an attribute for the VFS operation name.
func VFSOp(op string) attribute.KeyValue {
	return attribute.String(AttrVFSOp, op)
}

// Handle returns an attribute for the proxy file handle id.
func Handle(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrHandle, int64(id))
}

// Offset returns an attribute for an I/O offset.
func Offset(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, offset)
}

// Count returns an attribute for a byte count.
func Count(count int) attribute.KeyValue {
	return attribute.Int64(AttrCount, int64(count))
}

// StoreBackend returns an attribute for the durable store backend in use.
func StoreBackend(name string) attribute.KeyValue {
	return attribute.String(AttrStoreBackend, name)
}

// QueueDepth returns an attribute for the waiting-queue depth of a path.
func QueueDepth(depth int) attribute.KeyValue {
	return attribute.Int(AttrQueueDepth, depth)
}

// StartBrokerSpan starts a span for a broker operation against a path.
func StartBrokerSpan(ctx context.Context, name, op, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{Op(op), Path(path)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartProxySpan starts a span for a proxy VFS operation.
func StartProxySpan(ctx context.Context, vfsOp, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{VFSOp(vfsOp), Path(path)}, attrs...)
	return StartSpan(ctx, SpanProxyOp, trace.WithAttributes(allAttrs...))
}
