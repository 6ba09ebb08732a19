package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind selects how a rule's effective scheduled time is derived.
type TriggerKind string

const (
	// TriggerLeadTime fires LeadTimeDays before the parent date item's next occurrence.
	TriggerLeadTime TriggerKind = "lead_time"
	// TriggerFixedSchedule fires at an explicit timestamp.
	TriggerFixedSchedule TriggerKind = "scheduled"
)

func (k TriggerKind) Valid() bool {
	return k == TriggerLeadTime || k == TriggerFixedSchedule
}

// RuleStatus is derived from sent_at and the delivery state; it is never stored.
type RuleStatus string

const (
	StatusPending        RuleStatus = "pending"
	StatusFailed         RuleStatus = "failed"
	StatusFailedTerminal RuleStatus = "failed_terminal"
	StatusSent           RuleStatus = "sent"
)

// ErrorKind classifies the last delivery failure of a rule.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindRecurrence         ErrorKind = "recurrence"
	ErrorKindConfiguration      ErrorKind = "configuration"
	ErrorKindContextUnavailable ErrorKind = "context_unavailable"
	ErrorKindComposition        ErrorKind = "composition"
	ErrorKindDeliveryTransient  ErrorKind = "delivery_transient"
	ErrorKindDeliveryPermanent  ErrorKind = "delivery_permanent"
	ErrorKindStorage            ErrorKind = "storage"
	ErrorKindUnknown            ErrorKind = "unknown"
)

// DeliveryState is the typed failure metadata of a rule. A zero value means no
// failure has been recorded since the last successful send or retry.
type DeliveryState struct {
	AttemptCount     int        `db:"attempt_count" json:"attempt_count"`
	LastErrorKind    ErrorKind  `db:"last_error_kind" json:"last_error_kind,omitempty"`
	LastErrorMessage string     `db:"last_error_message" json:"last_error_message,omitempty"`
	LastErrorAt      *time.Time `db:"last_error_at" json:"last_error_at,omitempty"`
	Terminal         bool       `db:"failed_terminal" json:"failed_terminal"`
}

// ReminderRule describes when and where to notify someone, optionally about a DateItem.
type ReminderRule struct {
	ID             uuid.UUID   `db:"reminder_rule_id" json:"reminder_rule_id"`
	OrgID          uuid.UUID   `db:"org_id" json:"org_id"`
	DateItemID     *uuid.UUID  `db:"date_item_id" json:"date_item_id,omitempty"`
	CommIdentityID uuid.UUID   `db:"comm_identity_id" json:"comm_identity_id"`
	PersonID       uuid.UUID   `db:"person_id" json:"person_id"`
	Kind           TriggerKind `db:"reminder_type" json:"reminder_type"`
	LeadTimeDays   *int        `db:"lead_time_days" json:"lead_time_days,omitempty"`
	ScheduledAt    time.Time   `db:"scheduled_at" json:"scheduled_at"` // Effective time, explicit for FIXED_SCHEDULE
	SentAt         *time.Time  `db:"sent_at" json:"sent_at,omitempty"`
	ClaimedAt      *time.Time  `db:"claimed_at" json:"claimed_at,omitempty"`
	ClaimToken     *uuid.UUID  `db:"claim_token" json:"-"`
	Action         string      `db:"action" json:"action,omitempty"`
	CreatedBy      string      `db:"created_by" json:"created_by,omitempty"`
	DeletedAt      *time.Time  `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`

	DeliveryState
}

// Status derives the lifecycle state from sent_at and the failure metadata.
func (r *ReminderRule) Status() RuleStatus {
	switch {
	case r.SentAt != nil:
		return StatusSent
	case r.Terminal:
		return StatusFailedTerminal
	case r.AttemptCount > 0:
		return StatusFailed
	default:
		return StatusPending
	}
}

// IsStandalone reports whether the rule has no parent date item.
func (r *ReminderRule) IsStandalone() bool {
	return r.DateItemID == nil
}

// DueAt reports whether the rule is eligible for automatic dispatch at now.
func (r *ReminderRule) DueAt(now time.Time) bool {
	return r.SentAt == nil && r.DeletedAt == nil && !r.Terminal && !r.ScheduledAt.After(now)
}

// Clone returns a deep copy so stores can hand out rules without sharing pointers.
func (r *ReminderRule) Clone() *ReminderRule {
	c := *r
	c.DateItemID = cloneUUID(r.DateItemID)
	c.ClaimToken = cloneUUID(r.ClaimToken)
	c.SentAt = cloneTime(r.SentAt)
	c.ClaimedAt = cloneTime(r.ClaimedAt)
	c.DeletedAt = cloneTime(r.DeletedAt)
	c.LastErrorAt = cloneTime(r.LastErrorAt)
	if r.LeadTimeDays != nil {
		d := *r.LeadTimeDays
		c.LeadTimeDays = &d
	}
	return &c
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	OrgID    uuid.UUID
	PersonID *uuid.UUID
	Status   RuleStatus // empty = all
	Offset   int
	Limit    int
}

func cloneUUID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
