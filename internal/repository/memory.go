package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hray3182/concierge/internal/models"
)

// MemoryStore is an in-process store with the same conditional-update
// semantics as PostgresStore. It backs tests and single-process demos.
type MemoryStore struct {
	mu sync.Mutex

	rules      map[uuid.UUID]*models.ReminderRule
	items      map[uuid.UUID]*models.DateItem
	persons    map[uuid.UUID]*models.Person
	identities map[uuid.UUID]*models.CommIdentity
	deliveries map[uuid.UUID][]models.DeliveryRecord
	messages   map[uuid.UUID][]models.HistoryMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[uuid.UUID]*models.ReminderRule),
		items:      make(map[uuid.UUID]*models.DateItem),
		persons:    make(map[uuid.UUID]*models.Person),
		identities: make(map[uuid.UUID]*models.CommIdentity),
		deliveries: make(map[uuid.UUID][]models.DeliveryRecord),
		messages:   make(map[uuid.UUID][]models.HistoryMessage),
	}
}

func inOrg(orgID, owner uuid.UUID) bool {
	return orgID == uuid.Nil || orgID == owner
}

func (s *MemoryStore) PutPerson(p models.Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.ID] = &p
}

func (s *MemoryStore) PutCommIdentity(ci models.CommIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[ci.ID] = &ci
}

func (s *MemoryStore) DeleteCommIdentity(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ci, ok := s.identities[id]; ok {
		ci.DeletedAt = &at
	}
}

func (s *MemoryStore) CreateRule(_ context.Context, rule *models.ReminderRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *MemoryStore) GetRule(_ context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok || !inOrg(orgID, rule.OrgID) {
		return nil, ErrNotFound
	}
	return rule.Clone(), nil
}

func (s *MemoryStore) ListRules(_ context.Context, filter models.RuleFilter) ([]*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.sortedRules(func(r *models.ReminderRule) bool {
		return inOrg(filter.OrgID, r.OrgID) &&
			r.DeletedAt == nil &&
			(filter.PersonID == nil || *filter.PersonID == r.PersonID) &&
			(filter.Status == "" || filter.Status == r.Status())
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) ListRulesForDateItem(_ context.Context, orgID, dateItemID uuid.UUID) ([]*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRules(func(r *models.ReminderRule) bool {
		return inOrg(orgID, r.OrgID) && r.DeletedAt == nil &&
			r.DateItemID != nil && *r.DateItemID == dateItemID
	}), nil
}

func (s *MemoryStore) FindDue(_ context.Context, orgID uuid.UUID, now time.Time, limit int) ([]*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.sortedRules(func(r *models.ReminderRule) bool {
		return inOrg(orgID, r.OrgID) && r.DueAt(now)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimRule(_ context.Context, orgID, ruleID, token uuid.UUID, now, claimCutoff time.Time) (*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok || !inOrg(orgID, rule.OrgID) || !rule.DueAt(now) {
		return nil, ErrNotClaimable
	}
	if rule.ClaimToken != nil && rule.ClaimedAt != nil && rule.ClaimedAt.After(claimCutoff) {
		return nil, ErrNotClaimable
	}
	rule.ClaimToken = &token
	rule.ClaimedAt = &now
	rule.UpdatedAt = now
	return rule.Clone(), nil
}

func (s *MemoryStore) MarkSent(_ context.Context, orgID uuid.UUID, u models.SentUpdate) (*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, err := s.claimed(orgID, u.RuleID, u.Token)
	if err != nil {
		return nil, err
	}

	sentAt := u.SentAt
	rule.SentAt = &sentAt
	rule.ClaimToken = nil
	rule.ClaimedAt = nil
	rule.DeliveryState = models.DeliveryState{}
	rule.UpdatedAt = sentAt

	s.appendDelivery(u.Record)
	if u.Message != nil {
		s.messages[u.Message.PersonID] = append(s.messages[u.Message.PersonID], models.HistoryMessage{
			Direction: "outbound",
			AgentName: u.Message.AgentName,
			Content:   u.Message.Content,
			CreatedAt: u.Message.CreatedAt,
		})
	}
	return rule.Clone(), nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, orgID uuid.UUID, u models.FailureUpdate) (*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, err := s.claimed(orgID, u.RuleID, u.Token)
	if err != nil {
		return nil, err
	}

	at := u.At
	rule.AttemptCount++
	rule.LastErrorKind = u.Kind
	rule.LastErrorMessage = u.Message
	rule.LastErrorAt = &at
	rule.Terminal = u.Permanent || rule.AttemptCount >= u.MaxAttempts
	rule.ClaimToken = nil
	rule.ClaimedAt = nil
	rule.UpdatedAt = at

	rec := u.Record
	rec.Attempt = rule.AttemptCount
	s.appendDelivery(rec)
	return rule.Clone(), nil
}

func (s *MemoryStore) ResetForRetry(_ context.Context, orgID, ruleID uuid.UUID, scheduledAt, claimCutoff time.Time) (*models.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok || !inOrg(orgID, rule.OrgID) || rule.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if rule.Status() == models.StatusPending {
		return nil, ErrStateConflict
	}
	if rule.ClaimToken != nil && rule.ClaimedAt != nil && rule.ClaimedAt.After(claimCutoff) {
		return nil, ErrStateConflict
	}

	rule.SentAt = nil
	rule.ScheduledAt = scheduledAt
	rule.DeliveryState = models.DeliveryState{}
	rule.ClaimToken = nil
	rule.ClaimedAt = nil
	rule.UpdatedAt = time.Now()
	return rule.Clone(), nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, orgID, ruleID uuid.UUID) ([]models.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryRecord
	for _, rec := range s.deliveries[ruleID] {
		if inOrg(orgID, rec.OrgID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateDateItem(_ context.Context, item *models.DateItem, rules []*models.ReminderRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *item
	s.items[item.ID] = &c
	for _, rule := range rules {
		s.rules[rule.ID] = rule.Clone()
	}
	return nil
}

func (s *MemoryStore) GetDateItem(_ context.Context, orgID, dateItemID uuid.UUID) (*models.DateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[dateItemID]
	if !ok || !inOrg(orgID, item.OrgID) {
		return nil, ErrNotFound
	}
	c := *item
	return &c, nil
}

func (s *MemoryStore) RolloverDateItem(_ context.Context, orgID, dateItemID uuid.UUID, prev, next time.Time, moves []models.RuleReschedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[dateItemID]
	if !ok || !inOrg(orgID, item.OrgID) || item.IsDeleted() {
		return ErrNotFound
	}
	if !item.NextOccurrence.Equal(prev) {
		return ErrStateConflict
	}

	rules := make([]*models.ReminderRule, len(moves))
	for i, m := range moves {
		rule, ok := s.rules[m.RuleID]
		if !ok || rule.DeletedAt != nil || rule.DateItemID == nil || *rule.DateItemID != dateItemID ||
			(rule.SentAt != nil) != m.Rearm {
			return ErrStateConflict
		}
		rules[i] = rule
	}

	now := time.Now()
	item.NextOccurrence = next
	item.UpdatedAt = now
	for i, m := range moves {
		rule := rules[i]
		rule.ScheduledAt = m.ScheduledAt
		rule.UpdatedAt = now
		if m.Rearm {
			rule.SentAt = nil
			rule.DeliveryState = models.DeliveryState{}
			rule.ClaimToken = nil
			rule.ClaimedAt = nil
		}
	}
	return nil
}

func (s *MemoryStore) EndSeries(_ context.Context, orgID, dateItemID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[dateItemID]
	if !ok || !inOrg(orgID, item.OrgID) || item.IsDeleted() || item.SeriesEndedAt != nil {
		return ErrNotFound
	}
	item.SeriesEndedAt = &at
	item.UpdatedAt = at
	return nil
}

func (s *MemoryStore) ListRolloverCandidates(_ context.Context, orgID uuid.UUID, today time.Time, limit int) ([]*models.DateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.sortedItems(func(d *models.DateItem) bool {
		return inOrg(orgID, d.OrgID) && !d.IsDeleted() && d.Rolls() && d.NextOccurrence.Before(today)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) SoftDeleteDateItem(_ context.Context, orgID, dateItemID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[dateItemID]
	if !ok || !inOrg(orgID, item.OrgID) || item.IsDeleted() {
		return ErrNotFound
	}
	item.DeletedAt = &at
	for _, rule := range s.rules {
		if rule.DateItemID != nil && *rule.DateItemID == dateItemID && rule.DeletedAt == nil {
			deleted := at
			rule.DeletedAt = &deleted
		}
	}
	return nil
}

func (s *MemoryStore) UpcomingDateItems(_ context.Context, orgID, personID uuid.UUID, from, to time.Time, limit int) ([]*models.DateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.sortedItems(func(d *models.DateItem) bool {
		return inOrg(orgID, d.OrgID) && d.PersonID == personID && !d.IsDeleted() &&
			!d.NextOccurrence.Before(from) && !d.NextOccurrence.After(to)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) GetPerson(_ context.Context, orgID, personID uuid.UUID) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[personID]
	if !ok || !inOrg(orgID, p.OrgID) {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) GetCommIdentity(_ context.Context, orgID, identityID uuid.UUID) (*models.CommIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.identities[identityID]
	if !ok || !inOrg(orgID, ci.OrgID) {
		return nil, ErrNotFound
	}
	c := *ci
	return &c, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, _ uuid.UUID, personID uuid.UUID, limit int) ([]models.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[personID]
	out := make([]models.HistoryMessage, 0, len(all))
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// claimed returns the live rule held by token. Callers hold s.mu.
func (s *MemoryStore) claimed(orgID, ruleID, token uuid.UUID) (*models.ReminderRule, error) {
	rule, ok := s.rules[ruleID]
	if !ok || !inOrg(orgID, rule.OrgID) || rule.SentAt != nil ||
		rule.ClaimToken == nil || *rule.ClaimToken != token {
		return nil, ErrClaimLost
	}
	return rule, nil
}

func (s *MemoryStore) appendDelivery(rec models.DeliveryRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	s.deliveries[rec.RuleID] = append(s.deliveries[rec.RuleID], rec)
}

func (s *MemoryStore) sortedRules(keep func(*models.ReminderRule) bool) []*models.ReminderRule {
	var out []*models.ReminderRule
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func (s *MemoryStore) sortedItems(keep func(*models.DateItem) bool) []*models.DateItem {
	var out []*models.DateItem
	for _, d := range s.items {
		if keep(d) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextOccurrence.Equal(out[j].NextOccurrence) {
			return out[i].NextOccurrence.Before(out[j].NextOccurrence)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}
