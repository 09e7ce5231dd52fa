package observability

import (
	"context"
	"time"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordOp does nothing.
func (NoopMetrics) RecordOp(_ context.Context, _, _ string, _ time.Duration, _ error) {}

// RecordCheckpointSize does nothing.
func (NoopMetrics) RecordCheckpointSize(_ context.Context, _ string, _ int64) {}
