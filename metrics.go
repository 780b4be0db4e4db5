package partmesh

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricMsgInBytes        = []string{"partmesh", "msg", "in", "bytes"}
	MetricMsgInCount        = []string{"partmesh", "msg", "in", "count"}
	MetricMsgOutBytes       = []string{"partmesh", "msg", "out", "bytes"}
	MetricMsgOutCount       = []string{"partmesh", "msg", "out", "count"}
	MetricMsgOutDropCount   = []string{"partmesh", "msg", "out", "drop", "count"}
	MetricConnEstCount      = []string{"partmesh", "connection", "established", "count"}
	MetricConnErrorCount    = []string{"partmesh", "connection", "error", "count"}
	MetricConnRedialCount   = []string{"partmesh", "connection", "redial", "count"}
	MetricCallCount         = []string{"partmesh", "call", "count"}
	MetricCallErrorCount    = []string{"partmesh", "call", "error", "count"}
	MetricCallTimeoutCount  = []string{"partmesh", "call", "timeout", "count"}
	MetricCallLatencyMs     = []string{"partmesh", "call", "latency", "ms"}
	MetricLateResponseCount = []string{"partmesh", "call", "late", "response", "count"}
	MetricHandlerCount      = []string{"partmesh", "handler", "count"}
	MetricHandlerRejectOver = []string{"partmesh", "handler", "rejected", "overload", "count"}
	MetricBarrierWaiters    = []string{"partmesh", "barrier", "waiters"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerID    TelemetryLabel = "peer_id"
	LabelPartition TelemetryLabel = "partition"
	LabelService   TelemetryLabel = "service"
	LabelStatus    TelemetryLabel = "status"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
