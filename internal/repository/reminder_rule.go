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

const ruleColumns = `reminder_rule_id, org_id, date_item_id, comm_identity_id, person_id, reminder_type,
	lead_time_days, scheduled_at, sent_at, claimed_at, claim_token, action, created_by,
	attempt_count, last_error_kind, last_error_message, last_error_at, failed_terminal,
	deleted_at, created_at, updated_at`

// ruleStatusSQL mirrors models.ReminderRule.Status.
const ruleStatusSQL = `CASE
	WHEN sent_at IS NOT NULL THEN 'sent'
	WHEN failed_terminal THEN 'failed_terminal'
	WHEN attempt_count > 0 THEN 'failed'
	ELSE 'pending' END`

type ReminderRuleRepository struct {
	db *database.DB
}

func NewReminderRuleRepository(db *database.DB) *ReminderRuleRepository {
	return &ReminderRuleRepository{db: db}
}

func (r *ReminderRuleRepository) CreateRule(ctx context.Context, rule *models.ReminderRule) error {
	return insertRule(ctx, r.db.Pool, rule)
}

func insertRule(ctx context.Context, q pgxscan.Querier, rule *models.ReminderRule) error {
	return pgxscan.Get(ctx, q, rule,
		`INSERT INTO reminder_rules (reminder_rule_id, org_id, date_item_id, comm_identity_id, person_id,
			reminder_type, lead_time_days, scheduled_at, action, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 RETURNING `+ruleColumns,
		rule.ID, rule.OrgID, rule.DateItemID, rule.CommIdentityID, rule.PersonID,
		rule.Kind, rule.LeadTimeDays, rule.ScheduledAt, rule.Action, rule.CreatedBy, rule.CreatedAt,
	)
}

func (r *ReminderRuleRepository) GetRule(ctx context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error) {
	rule := &models.ReminderRule{}
	err := pgxscan.Get(ctx, r.db.Pool, rule,
		`SELECT `+ruleColumns+` FROM reminder_rules
		 WHERE reminder_rule_id = $2 AND ($1::uuid IS NULL OR org_id = $1)`,
		orgScope(orgID), ruleID,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return rule, nil
}

func (r *ReminderRuleRepository) ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ReminderRule, error) {
	var rules []*models.ReminderRule
	err := pgxscan.Select(ctx, r.db.Pool, &rules,
		`SELECT `+ruleColumns+` FROM reminder_rules
		 WHERE ($1::uuid IS NULL OR org_id = $1)
		   AND ($2::uuid IS NULL OR person_id = $2)
		   AND deleted_at IS NULL
		   AND ($3::text = '' OR (`+ruleStatusSQL+`) = $3)
		 ORDER BY scheduled_at ASC, reminder_rule_id ASC
		 LIMIT $4 OFFSET $5`,
		orgScope(filter.OrgID), filter.PersonID, string(filter.Status), filter.Limit, filter.Offset,
	)
	return rules, err
}

func (r *ReminderRuleRepository) ListRulesForDateItem(ctx context.Context, orgID, dateItemID uuid.UUID) ([]*models.ReminderRule, error) {
	var rules []*models.ReminderRule
	err := pgxscan.Select(ctx, r.db.Pool, &rules,
		`SELECT `+ruleColumns+` FROM reminder_rules
		 WHERE date_item_id = $2 AND ($1::uuid IS NULL OR org_id = $1) AND deleted_at IS NULL
		 ORDER BY scheduled_at ASC, reminder_rule_id ASC`,
		orgScope(orgID), dateItemID,
	)
	return rules, err
}

// FindDue lists unsent, live, non-terminal rules scheduled at or before now,
// oldest first with the rule id as tie-break. It never writes.
func (r *ReminderRuleRepository) FindDue(ctx context.Context, orgID uuid.UUID, now time.Time, limit int) ([]*models.ReminderRule, error) {
	var rules []*models.ReminderRule
	err := pgxscan.Select(ctx, r.db.Pool, &rules,
		`SELECT `+ruleColumns+` FROM reminder_rules
		 WHERE ($1::uuid IS NULL OR org_id = $1)
		   AND sent_at IS NULL AND deleted_at IS NULL AND NOT failed_terminal
		   AND scheduled_at <= $2
		 ORDER BY scheduled_at ASC, reminder_rule_id ASC
		 LIMIT $3`,
		orgScope(orgID), now, limit,
	)
	return rules, err
}

// ClaimRule reserves a due rule for one dispatch. Claims taken at or before
// claimCutoff are treated as abandoned.
func (r *ReminderRuleRepository) ClaimRule(ctx context.Context, orgID, ruleID, token uuid.UUID, now, claimCutoff time.Time) (*models.ReminderRule, error) {
	rule := &models.ReminderRule{}
	err := pgxscan.Get(ctx, r.db.Pool, rule,
		`UPDATE reminder_rules SET claim_token = $3, claimed_at = $4, updated_at = $4
		 WHERE reminder_rule_id = (
			SELECT reminder_rule_id FROM reminder_rules
			WHERE reminder_rule_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
			  AND sent_at IS NULL AND deleted_at IS NULL AND NOT failed_terminal
			  AND scheduled_at <= $4
			  AND (claim_token IS NULL OR claimed_at <= $5)
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+ruleColumns,
		orgScope(orgID), ruleID, token, now, claimCutoff,
	)
	if pgxscan.NotFound(err) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// MarkSent sets sent_at under the caller's claim, clears the failure state and
// appends the delivery record and conversation message in one transaction.
func (r *ReminderRuleRepository) MarkSent(ctx context.Context, orgID uuid.UUID, u models.SentUpdate) (*models.ReminderRule, error) {
	rule := &models.ReminderRule{}
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		err := pgxscan.Get(ctx, tx, rule,
			`UPDATE reminder_rules SET
				sent_at = $4, claim_token = NULL, claimed_at = NULL,
				attempt_count = 0, last_error_kind = '', last_error_message = '', last_error_at = NULL,
				failed_terminal = FALSE, updated_at = $4
			 WHERE reminder_rule_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
			   AND claim_token = $3 AND sent_at IS NULL
			 RETURNING `+ruleColumns,
			orgScope(orgID), u.RuleID, u.Token, u.SentAt,
		)
		if pgxscan.NotFound(err) {
			return ErrClaimLost
		}
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}

		if err := insertDelivery(ctx, tx, &u.Record); err != nil {
			return err
		}
		if u.Message != nil {
			return appendMessage(ctx, tx, u.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// RecordFailure bumps the attempt count under the caller's claim and releases
// the claim. The rule turns terminal when the failure is permanent or the
// attempt ceiling is reached.
func (r *ReminderRuleRepository) RecordFailure(ctx context.Context, orgID uuid.UUID, u models.FailureUpdate) (*models.ReminderRule, error) {
	rule := &models.ReminderRule{}
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		err := pgxscan.Get(ctx, tx, rule,
			`UPDATE reminder_rules SET
				attempt_count = attempt_count + 1,
				last_error_kind = $4, last_error_message = $5, last_error_at = $6,
				failed_terminal = ($7 OR attempt_count + 1 >= $8),
				claim_token = NULL, claimed_at = NULL, updated_at = $6
			 WHERE reminder_rule_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
			   AND claim_token = $3 AND sent_at IS NULL
			 RETURNING `+ruleColumns,
			orgScope(orgID), u.RuleID, u.Token, u.Kind, u.Message, u.At, u.Permanent, u.MaxAttempts,
		)
		if pgxscan.NotFound(err) {
			return ErrClaimLost
		}
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}

		u.Record.Attempt = rule.AttemptCount
		return insertDelivery(ctx, tx, &u.Record)
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ResetForRetry clears sent_at and the failure state of a sent or failed rule
// and reschedules it. Pending rules and rules under a live claim are left alone.
func (r *ReminderRuleRepository) ResetForRetry(ctx context.Context, orgID, ruleID uuid.UUID, scheduledAt, claimCutoff time.Time) (*models.ReminderRule, error) {
	rule := &models.ReminderRule{}
	err := pgxscan.Get(ctx, r.db.Pool, rule,
		`UPDATE reminder_rules SET
			sent_at = NULL, scheduled_at = $3,
			attempt_count = 0, last_error_kind = '', last_error_message = '', last_error_at = NULL,
			failed_terminal = FALSE, claim_token = NULL, claimed_at = NULL, updated_at = now()
		 WHERE reminder_rule_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
		   AND deleted_at IS NULL
		   AND (sent_at IS NOT NULL OR failed_terminal OR attempt_count > 0)
		   AND (claim_token IS NULL OR claimed_at <= $4)
		 RETURNING `+ruleColumns,
		orgScope(orgID), ruleID, scheduledAt, claimCutoff,
	)
	if pgxscan.NotFound(err) {
		return nil, r.missingOrConflict(ctx, orgID, ruleID)
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *ReminderRuleRepository) ListDeliveries(ctx context.Context, orgID, ruleID uuid.UUID) ([]models.DeliveryRecord, error) {
	var records []models.DeliveryRecord
	err := pgxscan.Select(ctx, r.db.Pool, &records,
		`SELECT delivery_id, org_id, reminder_rule_id, attempt, success, channel_type, message_text,
			external_id, error_kind, error_message, attempted_at
		 FROM delivery_records
		 WHERE reminder_rule_id = $2 AND ($1::uuid IS NULL OR org_id = $1)
		 ORDER BY attempted_at ASC, delivery_id ASC`,
		orgScope(orgID), ruleID,
	)
	return records, err
}

func (r *ReminderRuleRepository) missingOrConflict(ctx context.Context, orgID, ruleID uuid.UUID) error {
	rule, err := r.GetRule(ctx, orgID, ruleID)
	if err != nil {
		return err
	}
	if rule.DeletedAt != nil {
		return ErrNotFound
	}
	return ErrStateConflict
}

func insertDelivery(ctx context.Context, tx pgx.Tx, rec *models.DeliveryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO delivery_records (delivery_id, org_id, reminder_rule_id, attempt, success, channel_type,
			message_text, external_id, error_kind, error_message, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.OrgID, rec.RuleID, rec.Attempt, rec.Success, rec.ChannelType,
		rec.MessageText, rec.ExternalID, rec.ErrorKind, rec.ErrorMessage, rec.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

func appendMessage(ctx context.Context, tx pgx.Tx, msg *models.OutboundMessage) error {
	var conversationID uuid.UUID
	err := tx.QueryRow(ctx,
		`INSERT INTO conversations (conversation_id, org_id, person_id, channel_type, subject)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (person_id, channel_type, subject) WHERE deleted_at IS NULL
		 DO UPDATE SET status = 'active'
		 RETURNING conversation_id`,
		uuid.New(), msg.OrgID, msg.PersonID, msg.ChannelType, msg.Subject,
	).Scan(&conversationID)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (message_id, org_id, conversation_id, direction, agent_name, content_text, external_id, created_at)
		 VALUES ($1, $2, $3, 'outbound', $4, $5, $6, $7)`,
		uuid.New(), msg.OrgID, conversationID, msg.AgentName, msg.Content, msg.ExternalID, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
