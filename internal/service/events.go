package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventLinkProtected        EventType = "link.protected"
	EventVerificationReleased EventType = "verification.released"
	EventVerificationFailed   EventType = "verification.failed"
	EventRecipientRemoved     EventType = "recipient.removed"
	EventBroadcastCompleted   EventType = "broadcast.completed"
)

// AuditEvent is one domain fact published for downstream consumers. Challenge
// codes and target URLs are never part of it.
type AuditEvent struct {
	Type        EventType         `json:"type"`
	RecipientID int64             `json:"recipient_id,omitempty"`
	Token       string            `json:"token,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	At          time.Time         `json:"at"`
}

// EventPublisher is fire-and-forget; a failure never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, ev AuditEvent)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AuditEvent) {}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaEventPublisher keys events by recipient so one recipient's events stay
// ordered within a partition.
type KafkaEventPublisher struct {
	producer MessageProducer
	logger   *zap.Logger
}

func NewKafkaEventPublisher(producer MessageProducer, logger *zap.Logger) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, logger: logger}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, ev AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode audit event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	key := ev.RunID
	if ev.RecipientID != 0 {
		key = strconv.FormatInt(ev.RecipientID, 10)
	}
	headers := map[string]string{"event_type": string(ev.Type)}

	if err := p.producer.ProduceMessage(ctx, []byte(key), value, headers); err != nil {
		p.logger.Warn("Failed to publish audit event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
