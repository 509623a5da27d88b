package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"report-pipeline/internal/models"
	"report-pipeline/internal/telemetry"
)

// Manager maps job and report state changes to tenant topics and publishes them.
// Publishing is best effort: failures are logged and counted, never returned,
// because the store row is the system of record.
type Manager struct {
	broker  Broker
	logger  zerolog.Logger
	timeout time.Duration
}

// NewManager builds a manager over broker.
func NewManager(broker Broker, logger zerolog.Logger) *Manager {
	return &Manager{
		broker:  broker,
		logger:  logger.With().Str("component", "realtime").Logger(),
		timeout: 2 * time.Second,
	}
}

// PublishJob notifies the tenant job topic and the per-job topic.
func (m *Manager) PublishJob(ctx context.Context, job models.Job) {
	ev, err := JobEvent(job)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cannot build job event")
		telemetry.PublishFailures.Inc()
		return
	}
	m.publish(ctx, JobsTopic(ev.TenantID), ev)
	m.publish(ctx, JobTopic(ev.TenantID, ev.ID), ev)
}

// PublishReport notifies the tenant report topic.
func (m *Manager) PublishReport(ctx context.Context, r models.Report) {
	m.publish(ctx, ReportsTopic(r.TenantID), ReportEvent(r))
}

func (m *Manager) publish(ctx context.Context, topic string, ev Event) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("encode event")
		telemetry.PublishFailures.Inc()
		return
	}
	// Detached from the caller's cancellation; bounded by our own timeout.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.broker.Publish(pubCtx, topic, payload); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Str("id", ev.ID).Msg("publish failed")
		telemetry.PublishFailures.Inc()
		return
	}
	m.logger.Debug().Str("topic", topic).Str("id", ev.ID).Str("status", ev.Status).Msg("published")
}
