package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hray3182/concierge/internal/models"
)

var (
	testOrg = uuid.MustParse("0b5f5a3e-7f7a-4b55-9d1d-6f3d8d2c0a01")
	base    = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newRule(at time.Time) *models.ReminderRule {
	return &models.ReminderRule{
		ID:             uuid.New(),
		OrgID:          testOrg,
		CommIdentityID: uuid.New(),
		PersonID:       uuid.New(),
		Kind:           models.TriggerFixedSchedule,
		ScheduledAt:    at,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func TestMemoryStore_FindDueOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	late := newRule(base.Add(5 * time.Minute))
	early := newRule(base)
	future := newRule(base.Add(time.Hour))
	for _, r := range []*models.ReminderRule{late, early, future} {
		require.NoError(t, s.CreateRule(ctx, r))
	}

	due, err := s.FindDue(ctx, testOrg, base.Add(10*time.Minute), 10)
	require.NoError(t, err)

	got := make([]uuid.UUID, len(due))
	for i, r := range due {
		got[i] = r.ID
	}
	if diff := cmp.Diff([]uuid.UUID{early.ID, late.ID}, got); diff != "" {
		t.Errorf("FindDue order mismatch (-want +got):\n%s", diff)
	}

	none, err := s.FindDue(ctx, uuid.New(), base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_FindDueTieBreak(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := newRule(base)
	a.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	b := newRule(base)
	b.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	require.NoError(t, s.CreateRule(ctx, a))
	require.NoError(t, s.CreateRule(ctx, b))

	due, err := s.FindDue(ctx, testOrg, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, b.ID, due[0].ID)
	assert.Equal(t, a.ID, due[1].ID)
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRule(base)
	require.NoError(t, s.CreateRule(ctx, r))

	first, second := uuid.New(), uuid.New()
	_, err := s.ClaimRule(ctx, testOrg, r.ID, first, base, base.Add(-10*time.Minute))
	require.NoError(t, err)

	_, err = s.ClaimRule(ctx, testOrg, r.ID, second, base, base.Add(-10*time.Minute))
	assert.ErrorIs(t, err, ErrNotClaimable)

	// An abandoned claim can be taken over.
	later := base.Add(11 * time.Minute)
	_, err = s.ClaimRule(ctx, testOrg, r.ID, second, later, later.Add(-10*time.Minute))
	require.NoError(t, err)

	_, err = s.MarkSent(ctx, testOrg, models.SentUpdate{RuleID: r.ID, Token: first, SentAt: later})
	assert.ErrorIs(t, err, ErrClaimLost)

	sent, err := s.MarkSent(ctx, testOrg, models.SentUpdate{
		RuleID: r.ID, Token: second, SentAt: later,
		Record: models.DeliveryRecord{OrgID: testOrg, RuleID: r.ID, Success: true, AttemptedAt: later},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status())
	assert.Nil(t, sent.ClaimToken)

	_, err = s.ClaimRule(ctx, testOrg, r.ID, uuid.New(), later, later)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestMemoryStore_RecordFailureCeiling(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRule(base)
	require.NoError(t, s.CreateRule(ctx, r))

	var got *models.ReminderRule
	for i := 1; i <= 3; i++ {
		token := uuid.New()
		_, err := s.ClaimRule(ctx, testOrg, r.ID, token, base, base)
		require.NoError(t, err, "attempt %d", i)

		got, err = s.RecordFailure(ctx, testOrg, models.FailureUpdate{
			RuleID: r.ID, Token: token, Kind: models.ErrorKindComposition,
			Message: "boom", At: base, MaxAttempts: 3,
			Record: models.DeliveryRecord{OrgID: testOrg, RuleID: r.ID, AttemptedAt: base},
		})
		require.NoError(t, err)
		assert.Equal(t, i, got.AttemptCount)
	}
	assert.True(t, got.Terminal)
	assert.Equal(t, models.StatusFailedTerminal, got.Status())

	due, err := s.FindDue(ctx, testOrg, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	records, err := s.ListDeliveries(ctx, testOrg, r.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 3, records[2].Attempt)
}

func TestMemoryStore_ResetForRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRule(base)
	require.NoError(t, s.CreateRule(ctx, r))

	_, err := s.ResetForRetry(ctx, testOrg, r.ID, base, base)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = s.ResetForRetry(ctx, testOrg, uuid.New(), base, base)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListRulesStatusFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	pending := newRule(base)
	sent := newRule(base.Add(time.Minute))
	require.NoError(t, s.CreateRule(ctx, pending))
	require.NoError(t, s.CreateRule(ctx, sent))

	token := uuid.New()
	_, err := s.ClaimRule(ctx, testOrg, sent.ID, token, base.Add(time.Minute), base)
	require.NoError(t, err)
	_, err = s.MarkSent(ctx, testOrg, models.SentUpdate{RuleID: sent.ID, Token: token, SentAt: base.Add(time.Minute)})
	require.NoError(t, err)

	rules, err := s.ListRules(ctx, models.RuleFilter{OrgID: testOrg, Status: models.StatusSent, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, sent.ID, rules[0].ID)

	rules, err = s.ListRules(ctx, models.RuleFilter{OrgID: testOrg, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestMemoryStore_SoftDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	item := &models.DateItem{ID: uuid.New(), OrgID: testOrg, Title: "Birthday", DateValue: base, NextOccurrence: base}
	r := newRule(base)
	r.DateItemID = &item.ID
	require.NoError(t, s.CreateDateItem(ctx, item, []*models.ReminderRule{r}))

	require.NoError(t, s.SoftDeleteDateItem(ctx, testOrg, item.ID, base))
	assert.ErrorIs(t, s.SoftDeleteDateItem(ctx, testOrg, item.ID, base), ErrNotFound)

	got, err := s.GetRule(ctx, testOrg, r.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)

	due, err := s.FindDue(ctx, testOrg, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStore_RolloverDateItemIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	prev := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	next := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	item := &models.DateItem{ID: uuid.New(), OrgID: testOrg, RecurrenceRule: "yearly", DateValue: prev, NextOccurrence: prev}

	pending := newRule(base)
	pending.DateItemID = &item.ID
	sent := newRule(base)
	sent.DateItemID = &item.ID
	sentAt := base
	sent.SentAt = &sentAt
	require.NoError(t, s.CreateDateItem(ctx, item, []*models.ReminderRule{pending, sent}))

	moved := base.AddDate(1, 0, 0)
	err := s.RolloverDateItem(ctx, testOrg, item.ID, prev, next, []models.RuleReschedule{
		{RuleID: pending.ID, ScheduledAt: moved},
		{RuleID: sent.ID, ScheduledAt: moved},
	})
	assert.ErrorIs(t, err, ErrStateConflict)

	got, err := s.GetDateItem(ctx, testOrg, item.ID)
	require.NoError(t, err)
	assert.Equal(t, prev, got.NextOccurrence)
	r, err := s.GetRule(ctx, testOrg, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, base, r.ScheduledAt)

	require.NoError(t, s.RolloverDateItem(ctx, testOrg, item.ID, prev, next, []models.RuleReschedule{
		{RuleID: pending.ID, ScheduledAt: moved},
		{RuleID: sent.ID, ScheduledAt: moved, Rearm: true},
	}))
	r, err = s.GetRule(ctx, testOrg, sent.ID)
	require.NoError(t, err)
	assert.Nil(t, r.SentAt)
	assert.Equal(t, moved, r.ScheduledAt)

	assert.ErrorIs(t, s.RolloverDateItem(ctx, testOrg, item.ID, prev, next, nil), ErrStateConflict)
}
