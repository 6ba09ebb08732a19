package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/concierge/internal/models"
)

// Store is the rule persistence the scheduler drives.
type Store interface {
	FindDue(ctx context.Context, orgID uuid.UUID, now time.Time, limit int) ([]*models.ReminderRule, error)
	ClaimRule(ctx context.Context, orgID, ruleID, token uuid.UUID, now, claimCutoff time.Time) (*models.ReminderRule, error)
	MarkSent(ctx context.Context, orgID uuid.UUID, u models.SentUpdate) (*models.ReminderRule, error)
	RecordFailure(ctx context.Context, orgID uuid.UUID, u models.FailureUpdate) (*models.ReminderRule, error)
}

// Scanner lists due rules. It never mutates state; claiming happens in the Dispatcher.
type Scanner struct {
	store Store
	limit int
}

func NewScanner(store Store, limit int) *Scanner {
	if limit <= 0 {
		limit = 100
	}
	return &Scanner{store: store, limit: limit}
}

// FindDue returns unsent rules scheduled at or before now, oldest first with
// ties broken by rule id. An empty result is not an error.
func (s *Scanner) FindDue(ctx context.Context, orgID uuid.UUID, now time.Time) ([]*models.ReminderRule, error) {
	rules, err := s.store.FindDue(ctx, orgID, now, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due reminders: %w", err)
	}
	return rules, nil
}
