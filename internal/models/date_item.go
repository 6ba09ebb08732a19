package models

import (
	"time"

	"github.com/google/uuid"
)

// DateItem is an important calendar date owned by a person (birthday, anniversary, renewal).
type DateItem struct {
	ID             uuid.UUID  `db:"date_item_id" json:"date_item_id"`
	OrgID          uuid.UUID  `db:"org_id" json:"org_id"`
	PersonID       uuid.UUID  `db:"person_id" json:"person_id"`
	CategoryID     *uuid.UUID `db:"category_id" json:"category_id,omitempty"`
	CategoryName   string     `db:"category_name" json:"category_name,omitempty"`
	Title          string     `db:"title" json:"title"`
	DateValue      time.Time  `db:"date_value" json:"date_value"`           // Anchor date
	RecurrenceRule string     `db:"recurrence_rule" json:"recurrence_rule"` // "yearly" or RFC 5545 RRULE
	NextOccurrence time.Time  `db:"next_occurrence" json:"next_occurrence"`
	Notes          string     `db:"notes" json:"notes,omitempty"`
	SeriesEndedAt  *time.Time `db:"series_ended_at" json:"series_ended_at,omitempty"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// IsRecurring returns true if this date item has a recurrence rule
func (d *DateItem) IsRecurring() bool {
	return d.RecurrenceRule != ""
}

func (d *DateItem) IsDeleted() bool {
	return d.DeletedAt != nil
}

// Rolls reports whether the item still moves to later occurrences.
func (d *DateItem) Rolls() bool {
	return d.IsRecurring() && d.SeriesEndedAt == nil
}

// RuleReschedule moves one lead-time rule when its date item is refreshed.
// Rearm also clears sent_at and the delivery state of a rule sent for the
// previous occurrence.
type RuleReschedule struct {
	RuleID      uuid.UUID
	ScheduledAt time.Time
	Rearm       bool
}
