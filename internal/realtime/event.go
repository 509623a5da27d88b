package realtime

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"report-pipeline/internal/models"
)

// Event kinds.
const (
	KindJob    = "job"
	KindReport = "report"
)

// GenericFailure is the only failure text exposed on the channel; the detailed
// error stays on the job row.
const GenericFailure = "report generation failed"

// Event is a state-change notification. UpdatedAt orders events for the same entity.
type Event struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// JobEvent describes the current state of a job.
func JobEvent(job models.Job) (Event, error) {
	meta, err := models.DecodeReportMeta(job)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Kind:      KindJob,
		ID:        job.ID,
		TenantID:  meta.TenantID,
		Status:    job.Status,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status == models.StatusFailed {
		ev.Error = GenericFailure
	}
	return ev, nil
}

// ReportEvent describes the current state of a report.
func ReportEvent(r models.Report) Event {
	return Event{
		Kind:      KindReport,
		ID:        r.ID,
		TenantID:  r.TenantID,
		Status:    r.Status,
		UpdatedAt: r.UpdatedAt,
	}
}

// EncodeEvent marshals an event for the broker.
func EncodeEvent(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// DecodeEvent unmarshals a broker payload.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Websocket protocol message types.
const (
	MessageSubscribe    = "subscribe"
	MessageUnsubscribe  = "unsubscribe"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessageEvent        = "event"
	MessageError        = "error"
	MessagePing         = "ping"
	MessagePong         = "pong"
)

// Error codes sent in MessageError replies.
const (
	CodeAuthExpired = "auth_expired"
	CodeForbidden   = "forbidden"
	CodeBadRequest  = "bad_request"
	CodeUnavailable = "unavailable"
)

// ClientMessage is sent by subscribers to the gateway.
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Token string `json:"token,omitempty"`
}

// ServerMessage is sent by the gateway to subscribers.
type ServerMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Code  string `json:"code,omitempty"`
	Event *Event `json:"event,omitempty"`
}
