package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hray3182/concierge/internal/database"
	"github.com/hray3182/concierge/internal/models"
)

const dateItemSelect = `SELECT d.date_item_id, d.org_id, d.person_id, d.category_id,
	COALESCE(c.category_name, '') AS category_name, d.title, d.date_value, d.recurrence_rule,
	d.next_occurrence, d.notes, d.series_ended_at, d.deleted_at, d.created_at, d.updated_at
	FROM date_items d
	LEFT JOIN date_categories c ON c.category_id = d.category_id`

type DateItemRepository struct {
	db *database.DB
}

func NewDateItemRepository(db *database.DB) *DateItemRepository {
	return &DateItemRepository{db: db}
}

// CreateDateItem inserts the item and its rules in one transaction.
func (r *DateItemRepository) CreateDateItem(ctx context.Context, item *models.DateItem, rules []*models.ReminderRule) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO date_items (date_item_id, org_id, person_id, category_id, title, date_value,
				recurrence_rule, next_occurrence, notes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			item.ID, item.OrgID, item.PersonID, item.CategoryID, item.Title, item.DateValue,
			item.RecurrenceRule, item.NextOccurrence, item.Notes, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert date item: %w", err)
		}

		for _, rule := range rules {
			if err := insertRule(ctx, tx, rule); err != nil {
				return fmt.Errorf("insert rule %s: %w", rule.ID, err)
			}
		}
		return nil
	})
}

func (r *DateItemRepository) GetDateItem(ctx context.Context, orgID, dateItemID uuid.UUID) (*models.DateItem, error) {
	item := &models.DateItem{}
	err := pgxscan.Get(ctx, r.db.Pool, item,
		dateItemSelect+` WHERE d.date_item_id = $2 AND ($1::uuid IS NULL OR d.org_id = $1)`,
		orgScope(orgID), dateItemID,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return item, nil
}

// RolloverDateItem moves next_occurrence from prev to next and applies the rule
// moves in one transaction. It fails with ErrStateConflict and changes nothing
// when the item or any rule was changed concurrently.
func (r *DateItemRepository) RolloverDateItem(ctx context.Context, orgID, dateItemID uuid.UUID, prev, next time.Time, moves []models.RuleReschedule) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE date_items SET next_occurrence = $4, updated_at = now()
			 WHERE date_item_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
			   AND deleted_at IS NULL AND next_occurrence = $3`,
			orgScope(orgID), dateItemID, prev, next,
		)
		if err != nil {
			return fmt.Errorf("update next occurrence: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.itemMissingOrConflict(ctx, tx, orgID, dateItemID)
		}

		for _, m := range moves {
			query := `UPDATE reminder_rules SET scheduled_at = $3, updated_at = now()
				 WHERE reminder_rule_id = $2 AND date_item_id = $1
				   AND sent_at IS NULL AND deleted_at IS NULL`
			if m.Rearm {
				query = `UPDATE reminder_rules SET
					sent_at = NULL, scheduled_at = $3,
					attempt_count = 0, last_error_kind = '', last_error_message = '', last_error_at = NULL,
					failed_terminal = FALSE, claim_token = NULL, claimed_at = NULL, updated_at = now()
				 WHERE reminder_rule_id = $2 AND date_item_id = $1
				   AND sent_at IS NOT NULL AND deleted_at IS NULL`
			}
			tag, err := tx.Exec(ctx, query, dateItemID, m.RuleID, m.ScheduledAt)
			if err != nil {
				return fmt.Errorf("reschedule rule %s: %w", m.RuleID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("reschedule rule %s: %w", m.RuleID, ErrStateConflict)
			}
		}
		return nil
	})
}

// EndSeries marks a recurring item whose series has no further occurrences,
// taking it out of the rollover scan.
func (r *DateItemRepository) EndSeries(ctx context.Context, orgID, dateItemID uuid.UUID, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE date_items SET series_ended_at = $3, updated_at = $3
		 WHERE date_item_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
		   AND deleted_at IS NULL AND series_ended_at IS NULL`,
		orgScope(orgID), dateItemID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DateItemRepository) itemMissingOrConflict(ctx context.Context, tx pgx.Tx, orgID, dateItemID uuid.UUID) error {
	var deleted bool
	err := tx.QueryRow(ctx,
		`SELECT deleted_at IS NOT NULL FROM date_items
		 WHERE date_item_id = $2 AND ($1::uuid IS NULL OR org_id = $1)`,
		orgScope(orgID), dateItemID,
	).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) || deleted {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStateConflict
}

// ListRolloverCandidates returns live recurring items whose cached next
// occurrence is before today. Ended series are skipped.
func (r *DateItemRepository) ListRolloverCandidates(ctx context.Context, orgID uuid.UUID, today time.Time, limit int) ([]*models.DateItem, error) {
	var items []*models.DateItem
	err := pgxscan.Select(ctx, r.db.Pool, &items,
		dateItemSelect+`
		 WHERE ($1::uuid IS NULL OR d.org_id = $1)
		   AND d.deleted_at IS NULL AND d.recurrence_rule <> '' AND d.series_ended_at IS NULL
		   AND d.next_occurrence < $2
		 ORDER BY d.next_occurrence ASC, d.date_item_id ASC
		 LIMIT $3`,
		orgScope(orgID), today, limit,
	)
	return items, err
}

// SoftDeleteDateItem marks the item and its live rules deleted.
func (r *DateItemRepository) SoftDeleteDateItem(ctx context.Context, orgID, dateItemID uuid.UUID, at time.Time) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE date_items SET deleted_at = $3, updated_at = $3
			 WHERE date_item_id = $2 AND ($1::uuid IS NULL OR org_id = $1) AND deleted_at IS NULL`,
			orgScope(orgID), dateItemID, at,
		)
		if err != nil {
			return fmt.Errorf("delete date item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		_, err = tx.Exec(ctx,
			`UPDATE reminder_rules SET deleted_at = $2, updated_at = $2
			 WHERE date_item_id = $1 AND deleted_at IS NULL`,
			dateItemID, at,
		)
		if err != nil {
			return fmt.Errorf("delete rules: %w", err)
		}
		return nil
	})
}

func (r *DateItemRepository) UpcomingDateItems(ctx context.Context, orgID, personID uuid.UUID, from, to time.Time, limit int) ([]*models.DateItem, error) {
	var items []*models.DateItem
	err := pgxscan.Select(ctx, r.db.Pool, &items,
		dateItemSelect+`
		 WHERE ($1::uuid IS NULL OR d.org_id = $1)
		   AND d.person_id = $2 AND d.deleted_at IS NULL
		   AND d.next_occurrence BETWEEN $3 AND $4
		 ORDER BY d.next_occurrence ASC, d.date_item_id ASC
		 LIMIT $5`,
		orgScope(orgID), personID, from, to, limit,
	)
	return items, err
}
