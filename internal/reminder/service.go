package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/recurrence"
	"github.com/hray3182/concierge/internal/repository"
)

// Store is the persistence the service needs. Both repository stores implement it.
type Store interface {
	CreateRule(ctx context.Context, rule *models.ReminderRule) error
	GetRule(ctx context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error)
	ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ReminderRule, error)
	ListRulesForDateItem(ctx context.Context, orgID, dateItemID uuid.UUID) ([]*models.ReminderRule, error)
	ResetForRetry(ctx context.Context, orgID, ruleID uuid.UUID, scheduledAt, claimCutoff time.Time) (*models.ReminderRule, error)
	ListDeliveries(ctx context.Context, orgID, ruleID uuid.UUID) ([]models.DeliveryRecord, error)

	CreateDateItem(ctx context.Context, item *models.DateItem, rules []*models.ReminderRule) error
	GetDateItem(ctx context.Context, orgID, dateItemID uuid.UUID) (*models.DateItem, error)
	RolloverDateItem(ctx context.Context, orgID, dateItemID uuid.UUID, prev, next time.Time, moves []models.RuleReschedule) error
	EndSeries(ctx context.Context, orgID, dateItemID uuid.UUID, at time.Time) error
	ListRolloverCandidates(ctx context.Context, orgID uuid.UUID, today time.Time, limit int) ([]*models.DateItem, error)
	SoftDeleteDateItem(ctx context.Context, orgID, dateItemID uuid.UUID, at time.Time) error

	GetPerson(ctx context.Context, orgID, personID uuid.UUID) (*models.Person, error)
	GetCommIdentity(ctx context.Context, orgID, identityID uuid.UUID) (*models.CommIdentity, error)
}

// RuleSpec is the trigger and target of one reminder.
type RuleSpec struct {
	CommIdentityID uuid.UUID          `json:"comm_identity_id" validate:"required"`
	Kind           models.TriggerKind `json:"reminder_type" validate:"required,oneof=lead_time scheduled"`
	LeadTimeDays   *int               `json:"lead_time_days,omitempty" validate:"omitempty,min=0,max=366"`
	ScheduledAt    *time.Time         `json:"scheduled_at,omitempty"`
	Action         string             `json:"action,omitempty" validate:"max=2000"`
	CreatedBy      string             `json:"created_by,omitempty" validate:"max=200"`
}

type CreateRuleRequest struct {
	OrgID      uuid.UUID  `json:"org_id" validate:"required"`
	DateItemID *uuid.UUID `json:"date_item_id,omitempty"`
	RuleSpec
}

type CreateDateItemRequest struct {
	OrgID          uuid.UUID  `json:"org_id" validate:"required"`
	PersonID       uuid.UUID  `json:"person_id" validate:"required"`
	CategoryID     *uuid.UUID `json:"category_id,omitempty"`
	Title          string     `json:"title" validate:"required,max=255"`
	DateValue      time.Time  `json:"date_value" validate:"required"`
	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Reminders      []RuleSpec `json:"reminders,omitempty" validate:"dive"`
}

// Service owns rule creation, date-item refresh and the retry path.
type Service struct {
	store    Store
	policy   DeliveryPolicy
	claimTTL time.Duration
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, policy DeliveryPolicy, claimTTL time.Duration, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policy:   policy,
		claimTTL: claimTTL,
		validate: validator.New(),
		logger:   logger.With(zap.String("component", "reminder_service")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRule validates a rule against its target and parent, resolves its
// scheduled time and persists it.
func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest) (*models.ReminderRule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	var item *models.DateItem
	if req.DateItemID != nil {
		var err error
		item, err = s.GetDateItem(ctx, req.OrgID, *req.DateItemID)
		if err != nil {
			return nil, err
		}
	}

	rule, err := s.buildRule(ctx, req.OrgID, item, req.RuleSpec)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, storeErr("create rule", err)
	}

	s.logger.Info("reminder rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("reminder_type", string(rule.Kind)),
		zap.Time("scheduled_at", rule.ScheduledAt),
	)
	return rule, nil
}

// CreateDateItem stores a date item together with its reminders in one batch.
func (s *Service) CreateDateItem(ctx context.Context, req CreateDateItemRequest) (*models.DateItem, []*models.ReminderRule, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	pattern, err := recurrence.Parse(req.RecurrenceRule)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	next, err := pattern.Next(req.DateValue, now)
	if err != nil {
		return nil, nil, err
	}

	person, err := s.store.GetPerson(ctx, req.OrgID, req.PersonID)
	if err != nil {
		return nil, nil, storeErr("get person", err)
	}
	if person.DeletedAt != nil {
		return nil, nil, fmt.Errorf("person %s: %w", req.PersonID, ErrNotFound)
	}

	item := &models.DateItem{
		ID:             uuid.New(),
		OrgID:          req.OrgID,
		PersonID:       req.PersonID,
		CategoryID:     req.CategoryID,
		Title:          req.Title,
		DateValue:      recurrence.Day(req.DateValue),
		RecurrenceRule: pattern.String(),
		NextOccurrence: next,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rules := make([]*models.ReminderRule, 0, len(req.Reminders))
	for _, spec := range req.Reminders {
		rule, err := s.buildRule(ctx, req.OrgID, item, spec)
		if err != nil {
			return nil, nil, err
		}
		rules = append(rules, rule)
	}

	if err := s.store.CreateDateItem(ctx, item, rules); err != nil {
		return nil, nil, storeErr("create date item", err)
	}
	return item, rules, nil
}

func (s *Service) buildRule(ctx context.Context, orgID uuid.UUID, item *models.DateItem, spec RuleSpec) (*models.ReminderRule, error) {
	switch spec.Kind {
	case models.TriggerLeadTime:
		if spec.LeadTimeDays == nil || spec.ScheduledAt != nil {
			return nil, fmt.Errorf("%w: lead_time rules take lead_time_days only", ErrConfiguration)
		}
		if item == nil {
			return nil, fmt.Errorf("%w: lead_time rules require a date item", ErrConfiguration)
		}
	case models.TriggerFixedSchedule:
		if spec.ScheduledAt == nil || spec.LeadTimeDays != nil {
			return nil, fmt.Errorf("%w: scheduled rules take scheduled_at only", ErrConfiguration)
		}
	}

	identity, err := s.store.GetCommIdentity(ctx, orgID, spec.CommIdentityID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && identity.DeletedAt != nil) {
		return nil, fmt.Errorf("%w: comm identity %s does not exist", ErrConfiguration, spec.CommIdentityID)
	}
	if err != nil {
		return nil, storeErr("get comm identity", err)
	}

	now := s.now()
	rule := &models.ReminderRule{
		ID:             uuid.New(),
		OrgID:          orgID,
		CommIdentityID: identity.ID,
		PersonID:       identity.PersonID,
		Kind:           spec.Kind,
		LeadTimeDays:   spec.LeadTimeDays,
		Action:         spec.Action,
		CreatedBy:      spec.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.ScheduledAt != nil {
		rule.ScheduledAt = spec.ScheduledAt.UTC()
	}

	var parentNext *time.Time
	if item != nil {
		rule.DateItemID = &item.ID
		parentNext = &item.NextOccurrence
	}

	policy, err := s.policyFor(ctx, orgID, identity.PersonID)
	if err != nil {
		return nil, err
	}

	rule.ScheduledAt, err = ResolveScheduledAt(rule, parentNext, policy)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Service) policyFor(ctx context.Context, orgID, personID uuid.UUID) (DeliveryPolicy, error) {
	person, err := s.store.GetPerson(ctx, orgID, personID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.policy, nil
	}
	if err != nil {
		return DeliveryPolicy{}, storeErr("get person", err)
	}
	return s.policy.In(person.Timezone), nil
}

// GetDateItem returns a live date item with next_occurrence brought up to date.
func (s *Service) GetDateItem(ctx context.Context, orgID, id uuid.UUID) (*models.DateItem, error) {
	item, err := s.store.GetDateItem(ctx, orgID, id)
	if err != nil {
		return nil, storeErr("get date item", err)
	}
	if item.IsDeleted() {
		return nil, fmt.Errorf("date item %s: %w", id, ErrNotFound)
	}

	if item.Rolls() && item.NextOccurrence.Before(recurrence.Day(s.now())) {
		return s.RefreshDateItem(ctx, orgID, id)
	}
	return item, nil
}

// RefreshDateItem recomputes next_occurrence relative to now and re-resolves
// the lead-time rules hanging off the item. When a recurring item rolls over,
// rules already sent for the previous occurrence are re-armed for the new one.
// The item and its rules are written together, so a failed refresh leaves
// both untouched for the next attempt.
func (s *Service) RefreshDateItem(ctx context.Context, orgID, id uuid.UUID) (*models.DateItem, error) {
	item, err := s.store.GetDateItem(ctx, orgID, id)
	if err != nil {
		return nil, storeErr("get date item", err)
	}
	if item.IsDeleted() {
		return nil, fmt.Errorf("date item %s: %w", id, ErrNotFound)
	}
	if item.SeriesEndedAt != nil {
		return item, nil
	}

	now := s.now()
	next, err := recurrence.NextOccurrence(item.DateValue, item.RecurrenceRule, now)
	if errors.Is(err, recurrence.ErrSeriesEnded) {
		return s.endSeries(ctx, orgID, item, now)
	}
	if err != nil {
		return nil, err
	}

	prev := item.NextOccurrence
	if next.Equal(prev) {
		return item, nil
	}
	rolled := item.IsRecurring() && next.After(prev)

	rules, err := s.store.ListRulesForDateItem(ctx, orgID, id)
	if err != nil {
		return nil, storeErr("list rules for date item", err)
	}

	policy, err := s.policyFor(ctx, orgID, item.PersonID)
	if err != nil {
		return nil, err
	}

	var moves []models.RuleReschedule
	for _, rule := range rules {
		if rule.Kind != models.TriggerLeadTime || rule.DeletedAt != nil {
			continue
		}
		at, err := ResolveScheduledAt(rule, &next, policy)
		if err != nil {
			s.logger.Warn("lead-time rule no longer resolves",
				zap.String("rule_id", rule.ID.String()), zap.Error(err))
			continue
		}

		switch {
		case rule.SentAt == nil:
			if !at.Equal(rule.ScheduledAt) {
				moves = append(moves, models.RuleReschedule{RuleID: rule.ID, ScheduledAt: at})
			}
		case rolled:
			moves = append(moves, models.RuleReschedule{RuleID: rule.ID, ScheduledAt: at, Rearm: true})
		}
	}

	if err := s.store.RolloverDateItem(ctx, orgID, id, prev, next, moves); err != nil {
		return nil, storeErr("roll over date item", err)
	}
	item.NextOccurrence = next
	item.UpdatedAt = now

	s.logger.Debug("date item refreshed",
		zap.String("date_item_id", id.String()),
		zap.Time("previous", prev),
		zap.Time("next_occurrence", next),
		zap.Bool("rolled_over", rolled),
		zap.Int("rules_moved", len(moves)),
	)
	return item, nil
}

func (s *Service) endSeries(ctx context.Context, orgID uuid.UUID, item *models.DateItem, now time.Time) (*models.DateItem, error) {
	if err := s.store.EndSeries(ctx, orgID, item.ID, now); err != nil {
		return nil, storeErr("end series", err)
	}
	item.SeriesEndedAt = &now
	item.UpdatedAt = now
	s.logger.Info("date item series ended",
		zap.String("date_item_id", item.ID.String()),
		zap.String("recurrence_rule", item.RecurrenceRule),
	)
	return item, nil
}

// RolloverDue refreshes every recurring item whose next occurrence is in the
// past. Items that fail to refresh are logged and left untouched.
func (s *Service) RolloverDue(ctx context.Context, orgID uuid.UUID, limit int) (int, error) {
	items, err := s.store.ListRolloverCandidates(ctx, orgID, recurrence.Day(s.now()), limit)
	if err != nil {
		return 0, storeErr("list rollover candidates", err)
	}

	refreshed := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := s.RefreshDateItem(ctx, item.OrgID, item.ID); err != nil {
			s.logger.Warn("date item rollover failed",
				zap.String("date_item_id", item.ID.String()),
				zap.String("recurrence_rule", item.RecurrenceRule),
				zap.Error(err),
			)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// DeleteDateItem soft-deletes the item and every rule attached to it.
func (s *Service) DeleteDateItem(ctx context.Context, orgID, id uuid.UUID) error {
	item, err := s.store.GetDateItem(ctx, orgID, id)
	if err != nil {
		return storeErr("get date item", err)
	}
	if item.IsDeleted() {
		return fmt.Errorf("date item %s: %w", id, ErrNotFound)
	}
	if err := s.store.SoftDeleteDateItem(ctx, orgID, id, s.now()); err != nil {
		return storeErr("delete date item", err)
	}
	return nil
}

// Retry re-admits a failed or sent rule: sent_at and the failure state are
// cleared and the rule becomes due immediately. Pending rules are rejected.
func (s *Service) Retry(ctx context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error) {
	rule, err := s.store.GetRule(ctx, orgID, ruleID)
	if err != nil {
		return nil, storeErr("get rule", err)
	}
	if rule.DeletedAt != nil {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if rule.Status() == models.StatusPending {
		return nil, fmt.Errorf("rule %s is pending: %w", ruleID, ErrInvalidState)
	}

	now := s.now()
	updated, err := s.rearm(ctx, orgID, ruleID, now, now)
	if err != nil {
		return nil, err
	}
	s.logger.Info("reminder rule re-admitted",
		zap.String("rule_id", ruleID.String()),
		zap.String("previous_status", string(rule.Status())),
	)
	return updated, nil
}

func (s *Service) rearm(ctx context.Context, orgID, ruleID uuid.UUID, scheduledAt, now time.Time) (*models.ReminderRule, error) {
	rule, err := s.store.ResetForRetry(ctx, orgID, ruleID, scheduledAt, now.Add(-s.claimTTL))
	if err != nil {
		return nil, storeErr("reset rule", err)
	}
	return rule, nil
}

// GetRule returns a live rule. Soft-deleted rules are reported as not found.
func (s *Service) GetRule(ctx context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error) {
	rule, err := s.store.GetRule(ctx, orgID, ruleID)
	if err != nil {
		return nil, storeErr("get rule", err)
	}
	if rule.DeletedAt != nil {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return rule, nil
}

func (s *Service) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ReminderRule, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = 100
	case filter.Limit > 500:
		filter.Limit = 500
	}
	rules, err := s.store.ListRules(ctx, filter)
	if err != nil {
		return nil, storeErr("list rules", err)
	}
	return rules, nil
}

func (s *Service) ListDeliveries(ctx context.Context, orgID, ruleID uuid.UUID) ([]models.DeliveryRecord, error) {
	if _, err := s.GetRule(ctx, orgID, ruleID); err != nil {
		return nil, err
	}
	records, err := s.store.ListDeliveries(ctx, orgID, ruleID)
	if err != nil {
		return nil, storeErr("list deliveries", err)
	}
	return records, nil
}
