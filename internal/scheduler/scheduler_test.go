package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hray3182/concierge/internal/channel"
	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/reminder"
	"github.com/hray3182/concierge/internal/repository"
)

type fakeComposer struct {
	mu    sync.Mutex
	descs []string
	fn    func(pc *models.PersonContext, desc string) (string, error)
}

func (f *fakeComposer) Compose(_ context.Context, pc *models.PersonContext, desc string) (string, error) {
	f.mu.Lock()
	f.descs = append(f.descs, desc)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(pc, desc)
	}
	return "Hi " + pc.Person.DisplayName() + "! " + firstLine(desc), nil
}

func (f *fakeComposer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.descs...)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fn    func(ctx context.Context, identity *models.CommIdentity, text string) error
}

func (f *fakeSender) Send(ctx context.Context, identity *models.CommIdentity, text string) (channel.Receipt, error) {
	if f.fn != nil {
		if err := f.fn(ctx, identity, text); err != nil {
			return channel.Receipt{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return channel.Receipt{ExternalID: "ext-" + identity.IdentityValue}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type env struct {
	store      *repository.MemoryStore
	composer   *fakeComposer
	sender     *fakeSender
	dispatcher *Dispatcher
	worker     *Worker
	org        uuid.UUID
	person     models.Person
	identity   models.CommIdentity
	now        time.Time
}

func newEnv(t *testing.T, cfg DispatcherConfig, opts ...WorkerOption) *env {
	t.Helper()
	e := &env{
		store:    repository.NewMemoryStore(),
		composer: &fakeComposer{},
		sender:   &fakeSender{},
		org:      uuid.New(),
		now:      time.Now().UTC(),
	}
	e.person = models.Person{ID: uuid.New(), OrgID: e.org, FullName: "Sarah Chen"}
	e.store.PutPerson(e.person)
	e.identity = e.addIdentity()

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	cfg.SendBackoff = time.Millisecond
	logger := zap.NewNop()
	e.dispatcher = NewDispatcher(e.store, reminder.NewContextBuilder(e.store), e.composer, e.sender, cfg, nil, logger)
	e.worker = NewWorker(NewScanner(e.store, 100), e.dispatcher, WorkerConfig{OrgID: e.org}, logger, opts...)
	return e
}

func (e *env) addIdentity() models.CommIdentity {
	ci := models.CommIdentity{
		ID:            uuid.New(),
		OrgID:         e.org,
		PersonID:      e.person.ID,
		ChannelType:   models.ChannelTelegram,
		IdentityValue: uuid.NewString()[:8],
	}
	e.store.PutCommIdentity(ci)
	return ci
}

func (e *env) addRule(t *testing.T, identity models.CommIdentity, at time.Time, action string) *models.ReminderRule {
	t.Helper()
	r := &models.ReminderRule{
		ID:             uuid.New(),
		OrgID:          e.org,
		CommIdentityID: identity.ID,
		PersonID:       identity.PersonID,
		Kind:           models.TriggerFixedSchedule,
		ScheduledAt:    at,
		Action:         action,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	require.NoError(t, e.store.CreateRule(context.Background(), r))
	return r
}

func (e *env) rule(t *testing.T, id uuid.UUID) *models.ReminderRule {
	t.Helper()
	r, err := e.store.GetRule(context.Background(), e.org, id)
	require.NoError(t, err)
	return r
}

func (e *env) deliveries(t *testing.T, id uuid.UUID) []models.DeliveryRecord {
	t.Helper()
	recs, err := e.store.ListDeliveries(context.Background(), e.org, id)
	require.NoError(t, err)
	return recs
}

func TestDispatch_Sent(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "renew the passport")

	res := e.dispatcher.Dispatch(context.Background(), r)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSent, res.Outcome)

	got := e.rule(t, r.ID)
	assert.Equal(t, models.StatusSent, got.Status())
	assert.Nil(t, got.ClaimToken)
	assert.Zero(t, got.AttemptCount)

	recs := e.deliveries(t, r.ID)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, models.ChannelTelegram, recs[0].ChannelType)
	assert.Equal(t, "Hi Sarah! Generate a reminder message about: renew the passport", recs[0].MessageText)
	assert.Equal(t, "ext-"+e.identity.IdentityValue, recs[0].ExternalID)

	history, err := e.store.RecentMessages(context.Background(), e.org, e.person.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "reminder", history[0].AgentName)

	// Sent rules are never dispatched again.
	again := e.dispatcher.Dispatch(context.Background(), r)
	assert.Equal(t, OutcomeSkipped, again.Outcome)
	assert.Len(t, e.sender.sent(), 1)
}

func TestWorker_FailureIsolation(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	broken := e.addIdentity()

	var rules []*models.ReminderRule
	for i := 0; i < 5; i++ {
		ci := e.identity
		if i == 2 {
			ci = broken
		}
		rules = append(rules, e.addRule(t, ci, e.now.Add(time.Duration(i-10)*time.Minute), "item"))
	}
	e.store.DeleteCommIdentity(broken.ID, e.now)

	report, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Due)
	assert.Equal(t, 4, report.Sent)
	assert.Equal(t, 1, report.Failed)

	for i, r := range rules {
		got := e.rule(t, r.ID)
		if i == 2 {
			assert.Nil(t, got.SentAt)
			continue
		}
		assert.Equal(t, models.StatusSent, got.Status(), "rule %d", i)
	}
}

func TestDispatch_ContextUnavailable(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")
	e.store.DeleteCommIdentity(e.identity.ID, e.now)

	res := e.dispatcher.Dispatch(context.Background(), r)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, models.ErrorKindContextUnavailable, res.Kind)
	assert.ErrorIs(t, res.Err, reminder.ErrContextUnavailable)

	got := e.rule(t, r.ID)
	assert.Nil(t, got.SentAt)
	assert.False(t, got.Terminal)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, models.ErrorKindContextUnavailable, got.LastErrorKind)
	assert.True(t, got.DueAt(e.now))

	recs := e.deliveries(t, r.ID)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Empty(t, e.sender.sent())
	assert.Empty(t, e.composer.calls())
}

func TestDispatch_ConcurrentClaim(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	const workers = 8
	results := make([]DispatchResult, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i] = e.dispatcher.Dispatch(context.Background(), r)
		}()
	}
	close(start)
	wg.Wait()

	sent := 0
	for _, res := range results {
		switch res.Outcome {
		case OutcomeSent:
			sent++
		case OutcomeSkipped:
		default:
			t.Errorf("unexpected outcome %s: %v", res.Outcome, res.Err)
		}
	}
	assert.Equal(t, 1, sent)
	assert.Len(t, e.sender.sent(), 1)
	assert.Len(t, e.deliveries(t, r.ID), 1)
}

func TestWorker_DispatchOrder(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	e.worker.now = func() time.Time { return base.Add(10 * time.Minute) }
	e.dispatcher.now = e.worker.now

	later := e.addRule(t, e.identity, base.Add(5*time.Minute), "ten-oh-five")
	earlier := e.addRule(t, e.identity, base, "ten-oh-clock")

	due, err := e.worker.scanner.FindDue(context.Background(), e.org, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlier.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)

	report, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	require.Len(t, report.Results, 2)
	assert.Equal(t, earlier.ID, report.Results[0].RuleID)

	calls := e.composer.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "ten-oh-clock")
	assert.Contains(t, calls[1], "ten-oh-five")
}

func TestWorker_TerminalAfterCeiling(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 3})
	e.composer.fn = func(*models.PersonContext, string) (string, error) {
		return "", errors.New("upstream model timeout")
	}
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	for i := 1; i <= 3; i++ {
		report, err := e.worker.RunCycle(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Due, "cycle %d", i)
	}

	got := e.rule(t, r.ID)
	assert.True(t, got.Terminal)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, models.ErrorKindComposition, got.LastErrorKind)
	assert.Equal(t, models.StatusFailedTerminal, got.Status())

	report, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Len(t, e.deliveries(t, r.ID), 3)
}

func TestDispatch_PermanentDeliveryIsTerminal(t *testing.T) {
	e := newEnv(t, DispatcherConfig{SendRetries: 3})
	calls := 0
	e.sender.fn = func(context.Context, *models.CommIdentity, string) error {
		calls++
		return channel.Permanent(models.ChannelTelegram, errors.New("bot was blocked by the user"))
	}
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	res := e.dispatcher.Dispatch(context.Background(), r)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, models.ErrorKindDeliveryPermanent, res.Kind)
	assert.Equal(t, 1, calls)

	got := e.rule(t, r.ID)
	assert.True(t, got.Terminal)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestDispatch_TransientSendRetried(t *testing.T) {
	e := newEnv(t, DispatcherConfig{SendRetries: 2})
	calls := 0
	e.sender.fn = func(context.Context, *models.CommIdentity, string) error {
		calls++
		if calls == 1 {
			return channel.Transient(models.ChannelTelegram, errors.New("502 bad gateway"))
		}
		return nil
	}
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	res := e.dispatcher.Dispatch(context.Background(), r)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 2, calls)
}

func TestDispatch_TransientExhaustedStaysPending(t *testing.T) {
	e := newEnv(t, DispatcherConfig{SendRetries: 1})
	e.sender.fn = func(context.Context, *models.CommIdentity, string) error {
		return errors.New("connection reset by peer")
	}
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	res := e.dispatcher.Dispatch(context.Background(), r)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, models.ErrorKindDeliveryTransient, res.Kind)

	got := e.rule(t, r.ID)
	assert.False(t, got.Terminal)
	assert.Nil(t, got.SentAt)
	assert.Equal(t, "Hi Sarah! Generate a reminder message about: a scheduled reminder", e.deliveries(t, r.ID)[0].MessageText)
}

func TestRetry_ReadmitsTerminalRule(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 1})
	failing := true
	e.composer.fn = func(pc *models.PersonContext, _ string) (string, error) {
		if failing {
			return "", errors.New("model unavailable")
		}
		return "Hi " + pc.Person.DisplayName(), nil
	}
	r := e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	_, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, e.rule(t, r.ID).Terminal)

	svc := reminder.NewService(e.store, reminder.DefaultPolicy(), 10*time.Minute, zap.NewNop())
	retried, err := svc.Retry(context.Background(), e.org, r.ID)
	require.NoError(t, err)
	assert.Nil(t, retried.SentAt)
	assert.Zero(t, retried.AttemptCount)
	assert.False(t, retried.Terminal)
	assert.False(t, retried.ScheduledAt.After(time.Now()))

	failing = false
	report, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, models.StatusSent, e.rule(t, r.ID).Status())
}

func TestWorker_SkipsOverlappingCycle(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	entered := make(chan struct{})
	release := make(chan struct{})
	e.sender.fn = func(context.Context, *models.CommIdentity, string) error {
		close(entered)
		<-release
		return nil
	}
	e.addRule(t, e.identity, e.now.Add(-time.Minute), "")

	done := make(chan error, 1)
	go func() {
		_, err := e.worker.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	_, err := e.worker.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestWorker_ShutdownFinishesCurrentRule(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	entered := make(chan struct{})
	release := make(chan struct{})
	first := e.addRule(t, e.identity, e.now.Add(-2*time.Minute), "first")
	second := e.addRule(t, e.identity, e.now.Add(-time.Minute), "second")

	var once sync.Once
	e.sender.fn = func(ctx context.Context, _ *models.CommIdentity, _ string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		e.worker.Start(ctx)
		close(stopped)
	}()

	<-entered
	cancel()
	close(release)
	<-stopped

	assert.Equal(t, models.StatusSent, e.rule(t, first.ID).Status())
	got := e.rule(t, second.ID)
	assert.Equal(t, models.StatusPending, got.Status())
	assert.Nil(t, got.ClaimToken)
}

func TestWorker_PanicIsContained(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	e.composer.fn = func(pc *models.PersonContext, desc string) (string, error) {
		if strings.Contains(desc, "explode") {
			panic("composer bug")
		}
		return "ok", nil
	}
	e.addRule(t, e.identity, e.now.Add(-2*time.Minute), "explode")
	fine := e.addRule(t, e.identity, e.now.Add(-time.Minute), "fine")

	report, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, models.StatusSent, e.rule(t, fine.ID).Status())
}

func TestWorker_BoundedConcurrency(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	e.worker.cfg.Concurrency = 3
	for i := 0; i < 9; i++ {
		e.addRule(t, e.identity, e.now.Add(time.Duration(-i)*time.Minute), "")
	}

	report, err := e.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, report.Sent)
	assert.Len(t, e.sender.sent(), 9)
}

type failingStore struct {
	*repository.MemoryStore
}

func (failingStore) FindDue(context.Context, uuid.UUID, time.Time, int) ([]*models.ReminderRule, error) {
	return nil, errors.New("connection refused")
}

func TestWorker_ScanErrorSkipsCycle(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	w := NewWorker(NewScanner(failingStore{e.store}, 10), e.dispatcher, WorkerConfig{OrgID: e.org}, zap.NewNop())

	_, err := w.RunCycle(context.Background())
	require.Error(t, err)

	// The guard is released so the next tick can run.
	_, err = w.RunCycle(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCycleInProgress)
}
