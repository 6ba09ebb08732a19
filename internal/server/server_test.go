package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hray3182/concierge/internal/metrics"
	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/reminder"
	"github.com/hray3182/concierge/internal/repository"
)

type fixture struct {
	store    *repository.MemoryStore
	srv      *httptest.Server
	org      uuid.UUID
	identity models.CommIdentity
	notified atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: repository.NewMemoryStore(), org: uuid.New()}
	person := models.Person{ID: uuid.New(), OrgID: f.org, FullName: "Sarah Chen"}
	f.identity = models.CommIdentity{
		ID: uuid.New(), OrgID: f.org, PersonID: person.ID,
		ChannelType: models.ChannelDiscord, IdentityValue: "4242",
	}
	f.store.PutPerson(person)
	f.store.PutCommIdentity(f.identity)

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.New().Register(reg))

	svc := reminder.NewService(f.store, reminder.DefaultPolicy(), 10*time.Minute, zap.NewNop())
	opts = append([]Option{WithRetryHook(func() { f.notified.Add(1) })}, opts...)
	f.srv = httptest.NewServer(New(svc, reg, f.org, zap.NewNop(), opts...).Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) addRule(t *testing.T, at time.Time) *models.ReminderRule {
	t.Helper()
	r := &models.ReminderRule{
		ID: uuid.New(), OrgID: f.org, CommIdentityID: f.identity.ID, PersonID: f.identity.PersonID,
		Kind: models.TriggerFixedSchedule, ScheduledAt: at, CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, f.store.CreateRule(context.Background(), r))
	return r
}

func (f *fixture) fail(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	token := uuid.New()
	_, err := f.store.ClaimRule(ctx, f.org, id, token, now, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = f.store.RecordFailure(ctx, f.org, models.FailureUpdate{
		RuleID: id, Token: token, Kind: models.ErrorKindDeliveryPermanent, Message: "unknown user",
		At: now, Permanent: true, MaxAttempts: 5,
		Record: models.DeliveryRecord{OrgID: f.org, RuleID: id, ChannelType: models.ChannelDiscord, AttemptedAt: now},
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	down := newFixture(t, WithPinger(pingFunc(func(context.Context) error { return errors.New("pool closed") })))
	code, _ = down.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListRules(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.addRule(t, now.Add(time.Hour))
	failed := f.addRule(t, now.Add(-time.Hour))
	f.fail(t, failed.ID)

	code, body := f.do(t, http.MethodGet, "/reminders", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["reminders"], 2)

	code, body = f.do(t, http.MethodGet, "/reminders?status=failed_terminal", nil)
	require.Equal(t, http.StatusOK, code)
	list := body["reminders"].([]any)
	require.Len(t, list, 1)
	item := list[0].(map[string]any)
	assert.Equal(t, failed.ID.String(), item["reminder_rule_id"])
	assert.Equal(t, "failed_terminal", item["status"])
	assert.Equal(t, "delivery_permanent", item["last_error_kind"])

	code, body = f.do(t, http.MethodGet, "/reminders?limit=1&offset=5", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["reminders"])

	code, _ = f.do(t, http.MethodGet, "/reminders?status=snoozed", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/reminders?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/reminders", map[string]string{OrgHeader: uuid.NewString()})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["reminders"])
}

func TestGetRuleAndDeliveries(t *testing.T) {
	f := newFixture(t)
	rule := f.addRule(t, time.Now().Add(-time.Hour))
	f.fail(t, rule.ID)

	code, body := f.do(t, http.MethodGet, "/reminders/"+rule.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "scheduled", body["reminder_type"])
	assert.EqualValues(t, 1, body["attempt_count"])
	assert.NotContains(t, body, "claim_token")

	code, body = f.do(t, http.MethodGet, "/reminders/"+rule.ID.String()+"/deliveries", nil)
	require.Equal(t, http.StatusOK, code)
	deliveries := body["deliveries"].([]any)
	require.Len(t, deliveries, 1)
	assert.Equal(t, false, deliveries[0].(map[string]any)["success"])

	code, _ = f.do(t, http.MethodGet, "/reminders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/reminders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	pending := f.addRule(t, time.Now().Add(time.Hour))
	failed := f.addRule(t, time.Now().Add(-time.Hour))
	f.fail(t, failed.ID)

	code, body := f.do(t, http.MethodPost, "/reminders/"+pending.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.True(t, strings.Contains(body["error"].(string), "pending"))
	assert.Zero(t, f.notified.Load())

	code, body = f.do(t, http.MethodPost, "/reminders/"+failed.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 0, body["attempt_count"])
	assert.EqualValues(t, 1, f.notified.Load())

	code, _ = f.do(t, http.MethodPost, "/reminders/"+uuid.NewString()+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
