package pgbarrier

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricBarrierMessageOutCount     = []string{"pgbarrier", "message", "out", "count"}
	MetricBarrierMessageInCount      = []string{"pgbarrier", "message", "in", "count"}
	MetricBarrierMessageInvalidCount = []string{"pgbarrier", "message", "invalid", "count"}
	MetricBarrierChannelErrorCount   = []string{"pgbarrier", "channel", "error", "count"}
	MetricBarrierRunFailureCount     = []string{"pgbarrier", "run", "failure", "count"}
	MetricBarrierRunCompleteCount    = []string{"pgbarrier", "run", "complete", "count"}
	// MetricBarrierPhaseDurationMs is sampled once per barrier phase.
	MetricBarrierPhaseDurationMs = []string{"pgbarrier", "phase", "duration", "ms"}
	MetricBarrierGroupSize       = []string{"pgbarrier", "group", "size"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelParticipant TelemetryLabel = "participant"
	LabelPeer        TelemetryLabel = "peer"
	LabelRole        TelemetryLabel = "role"
	LabelPhase       TelemetryLabel = "phase"
	LabelType        TelemetryLabel = "type"
	LabelDuration    TelemetryLabel = "duration"
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
