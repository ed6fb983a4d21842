package models

import "time"

// Kind identifies the shape of an event payload. The set is closed; readers
// treat unknown kinds as a validation error and quarantine the record.
type Kind string

const (
	KindHTTPTrace         Kind = "http_trace"
	KindWebhookDelivery   Kind = "webhook_delivery"
	KindPayment           Kind = "payment"
	KindSchedulerTick     Kind = "scheduler_tick"
	KindSchedulerRun      Kind = "scheduler_run"
	KindQueueJob          Kind = "queue_job"
	KindIncident          Kind = "incident"
	KindPage              Kind = "page"
	KindAnomaly           Kind = "anomaly"
	KindAutoscaleDecision Kind = "autoscale_decision"
	KindSLOSnapshot       Kind = "slo_snapshot"
	KindRetentionSweep    Kind = "retention_sweep"
	KindValidationTick    Kind = "validation_tick"
)

// knownKinds is the closed set accepted by the log reader.
var knownKinds = map[Kind]bool{
	KindHTTPTrace:         true,
	KindWebhookDelivery:   true,
	KindPayment:           true,
	KindSchedulerTick:     true,
	KindSchedulerRun:      true,
	KindQueueJob:          true,
	KindIncident:          true,
	KindPage:              true,
	KindAnomaly:           true,
	KindAutoscaleDecision: true,
	KindSLOSnapshot:       true,
	KindRetentionSweep:    true,
	KindValidationTick:    true,
}

// KnownKind reports whether k belongs to the closed event-kind set.
func KnownKind(k Kind) bool { return knownKinds[k] }

// Event is the base record written to every log. Events are append-only:
// once written they are never mutated. Global ordering is (segment, offset);
// IDs are monotonic within a log.
type Event struct {
	ID            int64          `json:"id"`
	TS            time.Time      `json:"ts"`
	Kind          Kind           `json:"kind"`
	Source        string         `json:"source"`
	Fingerprint   string         `json:"fingerprint,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// NewEvent builds an unappended event; the log assigns ID and fills TS if zero.
func NewEvent(kind Kind, source string, payload map[string]any) Event {
	return Event{Kind: kind, Source: source, Payload: payload}
}

// PayloadString returns the named payload field as a string, or "".
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadFloat returns the named payload field as a float64. JSON numbers
// decode as float64, so this covers ints written by producers as well.
func (e Event) PayloadFloat(key string) float64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// PayloadBool returns the named payload field as a bool.
func (e Event) PayloadBool(key string) bool {
	b, _ := e.Payload[key].(bool)
	return b
}
