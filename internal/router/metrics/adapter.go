package metrics

import (
	"go.flowcatalyst.tech/internal/router/health"
)

// HealthQueueStatsAdapter exposes a QueueMetricsService through the health
// subsystem's QueueStatsGetter interface.
type HealthQueueStatsAdapter struct {
	service QueueMetricsService
}

// NewHealthQueueStatsAdapter wraps service for the monitoring surface.
func NewHealthQueueStatsAdapter(service QueueMetricsService) *HealthQueueStatsAdapter {
	return &HealthQueueStatsAdapter{service: service}
}

// GetAllQueueStats implements health.QueueStatsGetter.
func (a *HealthQueueStatsAdapter) GetAllQueueStats() map[string]*health.QueueStats {
	all := a.service.GetAllQueueStats()
	out := make(map[string]*health.QueueStats, len(all))
	for name, s := range all {
		out[name] = &health.QueueStats{
			Name:               s.Name,
			TotalMessages:      s.TotalMessages,
			TotalConsumed:      s.TotalConsumed,
			TotalFailed:        s.TotalFailed,
			SuccessRate:        s.SuccessRate,
			CurrentSize:        s.CurrentSize,
			Throughput:         s.Throughput,
			PendingMessages:    s.PendingMessages,
			MessagesNotVisible: s.MessagesNotVisible,
		}
	}
	return out
}

// GetTotalQueueDepth implements health.QueueStatsGetter.
func (a *HealthQueueStatsAdapter) GetTotalQueueDepth() int64 {
	var total int64
	for _, s := range a.service.GetAllQueueStats() {
		total += s.PendingMessages + s.CurrentSize
	}
	return total
}

// GetThroughput implements health.QueueStatsGetter.
func (a *HealthQueueStatsAdapter) GetThroughput() float64 {
	var total float64
	for _, s := range a.service.GetAllQueueStats() {
		total += s.Throughput
	}
	return total
}

var _ health.QueueStatsGetter = (*HealthQueueStatsAdapter)(nil)
