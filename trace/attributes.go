package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys
const (
	AttrRunID       = "run.id"
	AttrSource      = "device.source"
	AttrClone       = "device.clone"
	AttrPID         = "passthrough.pid"
	AttrSceneTarget = "scene.target"
	AttrSceneSide   = "scene.side"
	AttrFrame       = "frame.sequence"
	AttrMarkerIDs   = "marker.ids"
)

// DeviceAttrs describes the physical and cloned devices
func DeviceAttrs(source, clone string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSource, source),
		attribute.String(AttrClone, clone),
	}
}

// InstrumentPassthroughStart creates a span around launching the duplication process
func InstrumentPassthroughStart(ctx context.Context, source, clone string) (context.Context, trace.Span) {
	return StartSpan(ctx, "passthrough.start", trace.WithAttributes(DeviceAttrs(source, clone)...))
}

// InstrumentSceneSwitch creates a span for one emitted scene intent
func InstrumentSceneSwitch(ctx context.Context, target, side string, frame int64, ids []int) (context.Context, trace.Span) {
	return StartSpan(ctx, "scene.switch", trace.WithAttributes(
		attribute.String(AttrSceneTarget, target),
		attribute.String(AttrSceneSide, side),
		attribute.Int64(AttrFrame, frame),
		attribute.IntSlice(AttrMarkerIDs, ids),
	))
}

// PIDAttr records the duplication process id
func PIDAttr(pid int) attribute.KeyValue {
	return attribute.Int(AttrPID, pid)
}

// RunIDAttr records the passthrough run id
func RunIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrRunID, id)
}
