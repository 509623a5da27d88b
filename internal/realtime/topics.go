package realtime

import (
	"fmt"
	"strings"

	"report-pipeline/internal/models"
)

// Topic names join their parts with ':'. Tenant ids never contain one (see
// models.ValidateTenantID), so every name parses back to exactly one tenant.

// ReportsTopic carries report state changes for one tenant.
func ReportsTopic(tenantID string) string {
	return "org:" + tenantID + ":reports"
}

// JobsTopic carries every job state change for one tenant.
func JobsTopic(tenantID string) string {
	return "report:" + tenantID + ":jobs"
}

// JobTopic carries state changes of a single job.
func JobTopic(tenantID, jobID string) string {
	return JobsTopic(tenantID) + ":" + jobID
}

// TenantFromTopic extracts the tenant a topic is scoped to.
func TenantFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, ":")
	switch {
	case len(parts) == 3 && parts[0] == "org" && parts[2] == "reports":
	case len(parts) == 3 && parts[0] == "report" && parts[2] == "jobs":
	case len(parts) == 4 && parts[0] == "report" && parts[2] == "jobs" && parts[3] != "":
	default:
		return "", fmt.Errorf("unknown topic %q", topic)
	}
	if err := models.ValidateTenantID(parts[1]); err != nil {
		return "", fmt.Errorf("topic %q: %w", topic, err)
	}
	return parts[1], nil
}
