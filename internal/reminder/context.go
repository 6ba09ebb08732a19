package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/recurrence"
	"github.com/hray3182/concierge/internal/repository"
)

// Directory resolves the people, identities and history around a rule.
type Directory interface {
	GetPerson(ctx context.Context, orgID, personID uuid.UUID) (*models.Person, error)
	GetCommIdentity(ctx context.Context, orgID, identityID uuid.UUID) (*models.CommIdentity, error)
	GetDateItem(ctx context.Context, orgID, dateItemID uuid.UUID) (*models.DateItem, error)
	UpcomingDateItems(ctx context.Context, orgID, personID uuid.UUID, from, to time.Time, limit int) ([]*models.DateItem, error)
	RecentMessages(ctx context.Context, orgID, personID uuid.UUID, limit int) ([]models.HistoryMessage, error)
}

const (
	upcomingHorizon = 30 * 24 * time.Hour
	upcomingLimit   = 5
	historyLimit    = 10
)

type ContextBuilder struct {
	dir Directory
}

func NewContextBuilder(dir Directory) *ContextBuilder {
	return &ContextBuilder{dir: dir}
}

// Build resolves the target identity, person and subject of a rule. Anything
// missing or soft-deleted yields ErrContextUnavailable.
func (b *ContextBuilder) Build(ctx context.Context, rule *models.ReminderRule, now time.Time) (*models.PersonContext, error) {
	identity, err := b.dir.GetCommIdentity(ctx, rule.OrgID, rule.CommIdentityID)
	if err := unavailable("comm identity", rule.CommIdentityID, err, identity != nil && identity.DeletedAt != nil); err != nil {
		return nil, err
	}

	person, err := b.dir.GetPerson(ctx, rule.OrgID, identity.PersonID)
	if err := unavailable("person", identity.PersonID, err, person != nil && person.DeletedAt != nil); err != nil {
		return nil, err
	}

	pc := &models.PersonContext{
		Person:   *person,
		Identity: *identity,
	}

	if rule.DateItemID != nil {
		item, err := b.dir.GetDateItem(ctx, rule.OrgID, *rule.DateItemID)
		if err := unavailable("date item", *rule.DateItemID, err, item != nil && item.IsDeleted()); err != nil {
			return nil, err
		}
		pc.Subject = item
	}

	from := recurrence.Day(now)
	pc.UpcomingDates, err = b.dir.UpcomingDateItems(ctx, rule.OrgID, person.ID, from, from.Add(upcomingHorizon), upcomingLimit)
	if err != nil {
		return nil, fmt.Errorf("upcoming dates: %w: %w", ErrStorage, err)
	}

	pc.RecentMessages, err = b.dir.RecentMessages(ctx, rule.OrgID, person.ID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w: %w", ErrStorage, err)
	}
	return pc, nil
}

func unavailable(what string, id uuid.UUID, err error, deleted bool) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s %s not found: %w", what, id, ErrContextUnavailable)
	case err != nil:
		return fmt.Errorf("%s %s: %w: %w", what, id, ErrStorage, err)
	case deleted:
		return fmt.Errorf("%s %s deleted: %w", what, id, ErrContextUnavailable)
	}
	return nil
}

// Describe renders the composer request for a rule.
func Describe(rule *models.ReminderRule, item *models.DateItem) string {
	var b strings.Builder
	if item == nil {
		action := rule.Action
		if action == "" {
			action = "a scheduled reminder"
		}
		fmt.Fprintf(&b, "Generate a reminder message about: %s\n", action)
		fmt.Fprintf(&b, "- Scheduled for: %s\n", rule.ScheduledAt.Format("Monday, January 2, 2006 15:04 MST"))
		b.WriteString("\nUse the client's context to personalize the reminder.")
		return b.String()
	}

	category := item.CategoryName
	if category == "" {
		category = "N/A"
	}
	notes := item.Notes
	if notes == "" {
		notes = "None"
	}

	b.WriteString("Generate a reminder message for this important date:\n")
	fmt.Fprintf(&b, "- Title: %s\n", item.Title)
	fmt.Fprintf(&b, "- Date: %s (%s)\n", item.NextOccurrence.Format("Monday, January 2, 2006"), recurrence.Describe(item.RecurrenceRule))
	fmt.Fprintf(&b, "- Category: %s\n", category)
	fmt.Fprintf(&b, "- Notes: %s\n", notes)
	if rule.LeadTimeDays != nil {
		fmt.Fprintf(&b, "- Days ahead: %d\n", *rule.LeadTimeDays)
	}
	if rule.Action != "" {
		fmt.Fprintf(&b, "- Requested action: %s\n", rule.Action)
	}
	b.WriteString("\nUse the client's context to personalize the reminder and suggest helpful next steps.")
	return b.String()
}
