package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hray3182/concierge/internal/ai"
	"github.com/hray3182/concierge/internal/channel"
	"github.com/hray3182/concierge/internal/metrics"
	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/reminder"
	"github.com/hray3182/concierge/internal/repository"
)

// ContextProvider resolves who a rule is for.
type ContextProvider interface {
	Build(ctx context.Context, rule *models.ReminderRule, now time.Time) (*models.PersonContext, error)
}

// Composer writes the reminder text.
type Composer interface {
	Compose(ctx context.Context, pc *models.PersonContext, description string) (string, error)
}

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeTerminal Outcome = "terminal"
	// OutcomeSkipped means another worker holds the rule or it is no longer due.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeLost means the claim expired before the result could be stored.
	OutcomeLost Outcome = "lost"
)

type DispatchResult struct {
	RuleID  uuid.UUID
	Outcome Outcome
	Kind    models.ErrorKind
	Err     error
	Rule    *models.ReminderRule
}

type DispatcherConfig struct {
	MaxAttempts     int
	ClaimTTL        time.Duration
	DispatchTimeout time.Duration
	SendRetries     uint64
	SendBackoff     time.Duration
}

// ConversationSubject groups reminder messages in the person's history.
const ConversationSubject = "Reminders"

// PersistTimeout bounds recording a dispatch outcome after the send. A rule in
// flight can run for DispatchTimeout plus PersistTimeout.
const PersistTimeout = 10 * time.Second

// Dispatcher runs one rule through claim, context, compose, send and record.
type Dispatcher struct {
	store    Store
	contexts ContextProvider
	composer Composer
	sender   channel.Sender
	cfg      DispatcherConfig
	metrics  *metrics.Collectors
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(store Store, contexts ContextProvider, composer Composer, sender channel.Sender,
	cfg DispatcherConfig, m *metrics.Collectors, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = time.Minute
	}
	if cfg.ClaimTTL < cfg.DispatchTimeout+PersistTimeout {
		cfg.ClaimTTL = cfg.DispatchTimeout + PersistTimeout
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = time.Second
	}
	return &Dispatcher{
		store:    store,
		contexts: contexts,
		composer: composer,
		sender:   sender,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(zap.String("component", "dispatcher")),
		now:      time.Now,
	}
}

// Dispatch never returns an error; every failure is recorded on the rule and
// reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *models.ReminderRule) (res DispatchResult) {
	res.RuleID = rule.ID
	done := d.metrics.DispatchStarted()
	defer func() { done(string(res.Outcome), string(res.Kind)) }()

	log := d.logger.With(zap.String("rule_id", rule.ID.String()))

	now := d.now()
	token := uuid.New()
	claimed, err := d.store.ClaimRule(ctx, rule.OrgID, rule.ID, token, now, now.Add(-d.cfg.ClaimTTL))
	if errors.Is(err, repository.ErrNotClaimable) {
		log.Debug("rule not claimable, skipping")
		res.Outcome = OutcomeSkipped
		return res
	}
	if err != nil {
		log.Error("failed to claim rule", zap.Error(err))
		res.Outcome, res.Kind, res.Err = OutcomeFailed, models.ErrorKindStorage, err
		return res
	}
	log = log.With(zap.Int("attempt", claimed.AttemptCount+1))

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	var (
		identity *models.CommIdentity
		text     string
		receipt  channel.Receipt
	)
	err = func() error {
		pc, err := d.contexts.Build(dctx, claimed, now)
		if err != nil {
			return err
		}
		identity = &pc.Identity

		text, err = d.composer.Compose(dctx, pc, reminder.Describe(claimed, pc.Subject))
		if err != nil {
			return fmt.Errorf("%w: %w", reminder.ErrComposition, err)
		}

		receipt, err = d.send(dctx, identity, text)
		if err != nil {
			return err
		}

		sent, err := d.markSent(ctx, claimed, token, identity, text, receipt)
		if err != nil {
			return err
		}
		res.Rule = sent
		return nil
	}()

	switch {
	case err == nil:
		log.Info("reminder sent",
			zap.String("channel", string(identity.ChannelType)),
			zap.String("external_id", receipt.ExternalID),
		)
		res.Outcome = OutcomeSent
		return res

	case errors.Is(err, repository.ErrClaimLost):
		// The message went out but the claim was taken over; the other worker may resend.
		log.Error("claim lost after send", zap.Error(err))
		res.Outcome, res.Kind, res.Err = OutcomeLost, models.ErrorKindStorage, err
		return res

	case errors.Is(err, errPersist):
		log.Error("failed to store sent state", zap.Error(err))
		res.Outcome, res.Kind, res.Err = OutcomeFailed, models.ErrorKindStorage, err
		return res
	}

	return d.fail(ctx, log, claimed, token, identity, text, err)
}

var errPersist = errors.New("persist sent state")

func (d *Dispatcher) send(ctx context.Context, identity *models.CommIdentity, text string) (channel.Receipt, error) {
	var receipt channel.Receipt
	backoff := retry.WithMaxRetries(d.cfg.SendRetries, retry.NewExponential(d.cfg.SendBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := d.sender.Send(ctx, identity, text)
		if err != nil {
			if channel.IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		var de *channel.DeliveryError
		if !errors.As(err, &de) {
			err = channel.Transient(identity.ChannelType, err)
		}
		return channel.Receipt{}, err
	}
	return receipt, nil
}

func (d *Dispatcher) markSent(ctx context.Context, rule *models.ReminderRule, token uuid.UUID,
	identity *models.CommIdentity, text string, receipt channel.Receipt) (*models.ReminderRule, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PersistTimeout)
	defer cancel()

	at := d.now()
	sent, err := d.store.MarkSent(pctx, rule.OrgID, models.SentUpdate{
		RuleID: rule.ID,
		Token:  token,
		SentAt: at,
		Record: models.DeliveryRecord{
			OrgID:       rule.OrgID,
			RuleID:      rule.ID,
			Attempt:     rule.AttemptCount + 1,
			Success:     true,
			ChannelType: identity.ChannelType,
			MessageText: text,
			ExternalID:  receipt.ExternalID,
			AttemptedAt: at,
		},
		Message: &models.OutboundMessage{
			OrgID:       rule.OrgID,
			PersonID:    identity.PersonID,
			ChannelType: identity.ChannelType,
			Subject:     ConversationSubject,
			AgentName:   ai.AgentName,
			Content:     text,
			ExternalID:  receipt.ExternalID,
			CreatedAt:   at,
		},
	})
	if errors.Is(err, repository.ErrClaimLost) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errPersist, err)
	}
	return sent, nil
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, rule *models.ReminderRule, token uuid.UUID,
	identity *models.CommIdentity, text string, cause error) DispatchResult {
	kind := reminder.KindOf(cause)
	res := DispatchResult{RuleID: rule.ID, Kind: kind, Err: cause, Outcome: OutcomeFailed}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PersistTimeout)
	defer cancel()

	at := d.now()
	record := models.DeliveryRecord{
		OrgID:        rule.OrgID,
		RuleID:       rule.ID,
		Attempt:      rule.AttemptCount + 1,
		MessageText:  text,
		ErrorKind:    kind,
		ErrorMessage: cause.Error(),
		AttemptedAt:  at,
	}
	if identity != nil {
		record.ChannelType = identity.ChannelType
	}

	updated, err := d.store.RecordFailure(pctx, rule.OrgID, models.FailureUpdate{
		RuleID:      rule.ID,
		Token:       token,
		Kind:        kind,
		Message:     cause.Error(),
		At:          at,
		Permanent:   kind == models.ErrorKindDeliveryPermanent,
		MaxAttempts: d.cfg.MaxAttempts,
		Record:      record,
	})
	if err != nil {
		log.Error("failed to record dispatch failure",
			zap.String("error_kind", string(kind)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		if errors.Is(err, repository.ErrClaimLost) {
			res.Outcome = OutcomeLost
		}
		return res
	}

	res.Rule = updated
	if updated.Terminal {
		res.Outcome = OutcomeTerminal
		log.Warn("reminder failed terminally",
			zap.String("error_kind", string(kind)),
			zap.Int("attempts", updated.AttemptCount),
			zap.Error(cause),
		)
		return res
	}

	log.Warn("reminder dispatch failed",
		zap.String("error_kind", string(kind)),
		zap.Int("attempts", updated.AttemptCount),
		zap.Error(cause),
	)
	return res
}
