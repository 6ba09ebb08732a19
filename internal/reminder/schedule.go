package reminder

import (
	"fmt"
	"time"

	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/recurrence"
)

// DefaultDeliveryHour is the local hour at which lead-time reminders fire.
const DefaultDeliveryHour = 9

// DeliveryPolicy places lead-time reminders at a fixed local time of day.
type DeliveryPolicy struct {
	Hour     int
	Location *time.Location
}

func DefaultPolicy() DeliveryPolicy {
	return DeliveryPolicy{Hour: DefaultDeliveryHour, Location: time.UTC}
}

// In returns the policy evaluated in the named IANA zone. Unknown or empty
// names keep the policy's own location.
func (p DeliveryPolicy) In(tz string) DeliveryPolicy {
	if tz == "" {
		return p
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return p
	}
	p.Location = loc
	return p
}

func (p DeliveryPolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// ResolveScheduledAt computes the effective delivery time of a rule.
// Fixed-schedule rules keep their explicit timestamp. Lead-time rules fire
// LeadTimeDays before parentNext at the policy hour. The result depends only
// on the arguments.
func ResolveScheduledAt(rule *models.ReminderRule, parentNext *time.Time, policy DeliveryPolicy) (time.Time, error) {
	switch rule.Kind {
	case models.TriggerFixedSchedule:
		if rule.ScheduledAt.IsZero() {
			return time.Time{}, fmt.Errorf("%w: scheduled rule has no timestamp", ErrConfiguration)
		}
		return rule.ScheduledAt, nil

	case models.TriggerLeadTime:
		if rule.LeadTimeDays == nil {
			return time.Time{}, fmt.Errorf("%w: lead-time rule has no lead_time_days", ErrConfiguration)
		}
		if *rule.LeadTimeDays < 0 {
			return time.Time{}, fmt.Errorf("%w: negative lead_time_days", ErrConfiguration)
		}
		if parentNext == nil || parentNext.IsZero() {
			return time.Time{}, fmt.Errorf("%w: lead-time rule requires a date item", ErrConfiguration)
		}
		day := recurrence.Day(*parentNext).AddDate(0, 0, -*rule.LeadTimeDays)
		local := time.Date(day.Year(), day.Month(), day.Day(), policy.Hour, 0, 0, 0, policy.location())
		return local.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown reminder type %q", ErrConfiguration, rule.Kind)
	}
}
