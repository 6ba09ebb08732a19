package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryRecord is an append-only log entry of one dispatch attempt.
type DeliveryRecord struct {
	ID           uuid.UUID   `db:"delivery_id" json:"delivery_id"`
	OrgID        uuid.UUID   `db:"org_id" json:"org_id"`
	RuleID       uuid.UUID   `db:"reminder_rule_id" json:"reminder_rule_id"`
	Attempt      int         `db:"attempt" json:"attempt"`
	Success      bool        `db:"success" json:"success"`
	ChannelType  ChannelType `db:"channel_type" json:"channel_type"`
	MessageText  string      `db:"message_text" json:"message_text,omitempty"`
	ExternalID   string      `db:"external_id" json:"external_id,omitempty"`
	ErrorKind    ErrorKind   `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage string      `db:"error_message" json:"error_message,omitempty"`
	AttemptedAt  time.Time   `db:"attempted_at" json:"attempted_at"`
}

// OutboundMessage is the conversation-history entry written alongside a successful send.
type OutboundMessage struct {
	OrgID       uuid.UUID
	PersonID    uuid.UUID
	ChannelType ChannelType
	Subject     string
	AgentName   string
	Content     string
	ExternalID  string
	CreatedAt   time.Time
}

// SentUpdate is the compare-and-set payload for a successful dispatch.
type SentUpdate struct {
	RuleID  uuid.UUID
	Token   uuid.UUID
	SentAt  time.Time
	Record  DeliveryRecord
	Message *OutboundMessage
}

// FailureUpdate records a failed dispatch attempt under a claim.
type FailureUpdate struct {
	RuleID      uuid.UUID
	Token       uuid.UUID
	Kind        ErrorKind
	Message     string
	At          time.Time
	Permanent   bool
	MaxAttempts int
	Record      DeliveryRecord
}
