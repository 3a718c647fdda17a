package warning

import (
	"go.flowcatalyst.tech/internal/router/health"
)

// HealthAdapter exposes a warning Service through the health subsystem's
// read/mutate interfaces used by the monitoring surface.
type HealthAdapter struct {
	service Service
}

// NewHealthAdapter wraps service for the monitoring surface.
func NewHealthAdapter(service Service) *HealthAdapter {
	return &HealthAdapter{service: service}
}

// GetAllWarnings implements health.WarningGetter.
func (a *HealthAdapter) GetAllWarnings() []*health.Warning {
	return toHealthWarnings(a.service.GetAllWarnings())
}

// GetUnacknowledgedWarnings implements health.WarningGetter.
func (a *HealthAdapter) GetUnacknowledgedWarnings() []*health.Warning {
	return toHealthWarnings(a.service.GetUnacknowledgedWarnings())
}

// GetWarningsBySeverity implements the monitoring severity filter.
func (a *HealthAdapter) GetWarningsBySeverity(severity string) []*health.Warning {
	return toHealthWarnings(a.service.GetWarningsBySeverity(severity))
}

// AcknowledgeWarning implements the monitoring warning mutator.
func (a *HealthAdapter) AcknowledgeWarning(id string) bool {
	return a.service.AcknowledgeWarning(id)
}

// ClearAllWarnings implements the monitoring warning mutator.
func (a *HealthAdapter) ClearAllWarnings() {
	a.service.ClearAllWarnings()
}

// ClearOldWarnings implements the monitoring warning mutator.
func (a *HealthAdapter) ClearOldWarnings(hours int) {
	a.service.ClearOldWarnings(hours)
}

func toHealthWarnings(warnings []Warning) []*health.Warning {
	out := make([]*health.Warning, len(warnings))
	for i := range warnings {
		w := warnings[i]
		out[i] = &health.Warning{
			ID:           w.ID,
			Category:     w.Category,
			Severity:     w.Severity,
			Message:      w.Message,
			Source:       w.Source,
			Timestamp:    w.Timestamp,
			Acknowledged: w.Acknowledged,
		}
	}
	return out
}
