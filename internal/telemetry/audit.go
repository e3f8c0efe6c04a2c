package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Publisher is the broker side of the auditor.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditAction names an audited change.
type AuditAction string

const (
	AuditChatCreated    AuditAction = "chat_created"
	AuditMessageDeleted AuditAction = "message_deleted"
	AuditProbe          AuditAction = "audit_probe"
)

// AuditRecord describes who changed what.
type AuditRecord struct {
	Action    AuditAction `json:"action"`
	ActorID   string      `json:"actor_id,omitempty"`
	ChatID    string      `json:"chat_id,omitempty"`
	TargetID  string      `json:"target_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// auditEntry is the published form of a record.
type auditEntry struct {
	Schema      int       `json:"schema"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	At          time.Time `json:"at"`
	AuditRecord
}

// Auditor publishes audit records and mirrors them to the log.
// A nil *Auditor records nothing.
type Auditor struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      zerolog.Logger
	now         func() time.Time
}

func NewAuditor(publisher Publisher, routingKey, service, environment string, logger zerolog.Logger) *Auditor {
	return &Auditor{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

// Record publishes rec. Publish failures are logged, never returned.
func (a *Auditor) Record(ctx context.Context, rec AuditRecord) {
	if a == nil {
		return
	}
	a.logger.Info().
		Str("action", string(rec.Action)).
		Str("actor_id", rec.ActorID).
		Str("chat_id", rec.ChatID).
		Str("target_id", rec.TargetID).
		Str("request_id", rec.RequestID).
		Msg("audit")
	if a.publisher == nil {
		return
	}

	entry := auditEntry{
		Schema:      2,
		Service:     a.service,
		Environment: a.environment,
		At:          a.now().UTC(),
		AuditRecord: rec,
	}
	var headers map[string]string
	if rec.RequestID != "" {
		headers = map[string]string{"x-request-id": rec.RequestID}
	}
	if err := a.publisher.Publish(ctx, a.routingKey, entry, headers); err != nil {
		a.logger.Error().Err(err).Str("action", string(rec.Action)).Msg("audit publish failed")
	}
}
