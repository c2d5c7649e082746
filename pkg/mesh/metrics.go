package mesh

import (
	"strconv"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgbarrier"
)

var (
	MetricMeshChannelEstInCount       = []string{"pgbarrier", "mesh", "channel", "establishment", "in", "count"}
	MetricMeshChannelEstOutCount      = []string{"pgbarrier", "mesh", "channel", "establishment", "out", "count"}
	MetricMeshChannelEstErrorCount    = []string{"pgbarrier", "mesh", "channel", "establishment", "error", "count"}
	MetricMeshChannelClosedCount      = []string{"pgbarrier", "mesh", "channel", "closed", "count"}
	MetricMeshConnectDurationMs       = []string{"pgbarrier", "mesh", "connect", "duration", "ms"}
	MetricMeshUnreadOnCloseCount      = []string{"pgbarrier", "mesh", "close", "unread", "count"}
	MetricMeshGracePeriodExpiredCount = []string{"pgbarrier", "mesh", "close", "grace", "expired", "count"}
)

func peerLabel(peer pgbarrier.ID) metrics.Label {
	return pgbarrier.LabelPeer.M(strconv.Itoa(int(peer)))
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
