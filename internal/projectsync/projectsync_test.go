package projectsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

type recordingSyncer struct {
	mu    sync.Mutex
	ids   []string
	fail  bool
	calls int
}

func (r *recordingSyncer) Sync(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.ids = append(r.ids, id)
	if r.fail {
		return errors.New("backend down")
	}
	return nil
}

func (r *recordingSyncer) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *recordingSyncer) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type countingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *countingAlerter) Alert(_ context.Context, a Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *countingAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestAlertThresholdFiresOncePerStreak(t *testing.T) {
	syncer := &recordingSyncer{fail: true}
	alerter := &countingAlerter{}
	e := NewEngine(syncer, Options{Threshold: 2, Alerter: alerter})
	ctx := context.Background()

	require.Error(t, e.SyncTask(ctx, "1"))
	assert.Equal(t, 0, alerter.count())
	require.Error(t, e.SyncTask(ctx, "1"))
	assert.Equal(t, 1, alerter.count())
	assert.EqualValues(t, 1, e.Metrics().AlertsTriggered)

	require.Error(t, e.SyncTask(ctx, "1"))
	require.Error(t, e.SyncTask(ctx, "1"))
	assert.Equal(t, 1, alerter.count(), "no re-fire within the same streak")

	syncer.setFail(false)
	require.NoError(t, e.SyncTask(ctx, "1"))
	m := e.Metrics()
	assert.EqualValues(t, 0, m.ConsecutiveFailures)
	assert.EqualValues(t, 1, m.SyncSuccess)
	assert.EqualValues(t, 4, m.SyncFailure)
	assert.Empty(t, m.LastError)
	require.NotNil(t, m.LastSyncAt)

	syncer.setFail(true)
	require.Error(t, e.SyncTask(ctx, "1"))
	require.Error(t, e.SyncTask(ctx, "1"))
	assert.Equal(t, 2, alerter.count(), "re-armed after success")
	assert.EqualValues(t, 2, e.Metrics().AlertsTriggered)
}

func TestSyncTaskValidation(t *testing.T) {
	syncer := &recordingSyncer{}
	e := NewEngine(syncer, Options{})
	assert.ErrorIs(t, e.SyncTask(context.Background(), "  "), apperr.ErrValidation)
	assert.Zero(t, syncer.calls)
}

func newWebhook(t *testing.T, syncer Syncer) (*WebhookHandler, *Engine) {
	t.Helper()
	e := NewEngine(syncer, Options{Threshold: 2})
	h := NewWebhookHandler(e, WebhookOptions{Secret: testSecret, RequireSignature: true})
	t.Cleanup(h.Close)
	return h, e
}

func post(h http.Handler, body []byte, sig, event string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Hub-Signature-256", sig)
	}
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookValidSignatureTriggersSync(t *testing.T) {
	syncer := &recordingSyncer{}
	h, e := newWebhook(t, syncer)
	body := []byte(`{"action":"edited","projects_v2_item":{"content":{"number":42,"url":"https://github.com/acme/widgets/issues/42"}}}`)

	rec := post(h, body, sign(body), "projects_v2_item")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])

	h.Wait()
	assert.Equal(t, []string{"42"}, syncer.seen())
	assert.EqualValues(t, 1, e.Metrics().SyncSuccess)
	assert.EqualValues(t, 0, e.Metrics().InvalidSignature)
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	syncer := &recordingSyncer{}
	h, e := newWebhook(t, syncer)
	body := []byte(`{"projects_v2_item":{"content":{"number":42}}}`)
	sig := sign(body)
	tampered := []byte(`{"projects_v2_item":{"content":{"number":43}}}`)

	rec := post(h, tampered, sig, "projects_v2_item")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ok"])

	rec = post(h, body, "", "projects_v2_item")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, body, "sha256=deadbeef", "projects_v2_item")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h.Wait()
	assert.Empty(t, syncer.seen())
	assert.EqualValues(t, 3, e.Metrics().InvalidSignature)
}

func TestWebhookPingAndSkips(t *testing.T) {
	syncer := &recordingSyncer{}
	h, _ := newWebhook(t, syncer)

	ping := []byte(`{"zen":"Keep it logically awesome."}`)
	assert.Equal(t, http.StatusOK, post(h, ping, sign(ping), "ping").Code)

	noRef := []byte(`{"action":"created","projects_v2_item":{"content":{}}}`)
	rec := post(h, noRef, sign(noRef), "projects_v2_item")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["skipped"])

	bad := []byte(`{"projects_v2_item":`)
	assert.Equal(t, http.StatusBadRequest, post(h, bad, sign(bad), "projects_v2_item").Code)

	issue := []byte(`{"action":"opened","issue":{"number":9}}`)
	assert.Equal(t, http.StatusAccepted, post(h, issue, sign(issue), "issues").Code)

	h.Wait()
	assert.Equal(t, []string{"9"}, syncer.seen())
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h, _ := newWebhook(t, &recordingSyncer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultWebhookPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookWithoutSignatureEnforcement(t *testing.T) {
	syncer := &recordingSyncer{}
	e := NewEngine(syncer, Options{})
	h := NewWebhookHandler(e, WebhookOptions{})
	t.Cleanup(h.Close)

	body := []byte(`{"projects_v2_item":{"content":{"number":5}}}`)
	assert.Equal(t, http.StatusAccepted, post(h, body, "", "").Code)
	h.Wait()
	assert.Equal(t, []string{"5"}, syncer.seen())
}

func TestWebhookFailuresReachAlert(t *testing.T) {
	syncer := &recordingSyncer{fail: true}
	alerter := &countingAlerter{}
	e := NewEngine(syncer, Options{Threshold: 2, Alerter: alerter})
	h := NewWebhookHandler(e, WebhookOptions{Secret: testSecret, RequireSignature: true})
	t.Cleanup(h.Close)

	body := []byte(`{"projects_v2_item":{"content":{"number":1}}}`)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusAccepted, post(h, body, sign(body), "projects_v2_item").Code)
		h.Wait()
	}
	assert.Equal(t, 1, alerter.count())
	assert.EqualValues(t, 1, e.Metrics().AlertsTriggered)
}

type fakePublisher struct {
	subject string
	data    []byte
	closed  bool
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func (f *fakePublisher) Close() { f.closed = true }

func TestNATSAlerter(t *testing.T) {
	pub := &fakePublisher{}
	a := newNATSAlerter(pub, "", "inst-a")
	require.NoError(t, a.Alert(context.Background(), Alert{TaskID: "42", ConsecutiveFailures: 2, Threshold: 2}))
	assert.Equal(t, DefaultAlertSubject, pub.subject)

	var got Alert
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "42", got.TaskID)
	assert.Equal(t, "inst-a", got.Instance)

	pub.err = errors.New("no responders")
	assert.ErrorContains(t, a.Alert(context.Background(), Alert{}), "no responders")

	a.Close()
	assert.True(t, pub.closed)
}

func TestMultiAlerter(t *testing.T) {
	first := &countingAlerter{}
	failing := AlerterFunc(func(context.Context, Alert) error { return errors.New("boom") })
	last := &countingAlerter{}
	err := MultiAlerter{first, failing, last}.Alert(context.Background(), Alert{})
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, last.count())
}

type fakeSource struct {
	tasks map[string]*models.Task
	err   error
}

func (f *fakeSource) GetTask(_ context.Context, id string) (*models.Task, error) {
	return f.tasks[id], f.err
}

type fakeDispatcher struct {
	ids []string
	err error
}

func (f *fakeDispatcher) ExecuteTask(_ context.Context, task models.Task) (int, error) {
	if f.err != nil {
		return -1, f.err
	}
	f.ids = append(f.ids, task.ID)
	return 0, nil
}

func TestTaskSyncer(t *testing.T) {
	src := &fakeSource{tasks: map[string]*models.Task{
		"1": {ID: "1", Status: models.TaskStatusTodo},
		"2": {ID: "2", Status: models.TaskStatusDone},
	}}
	disp := &fakeDispatcher{}
	s := NewTaskSyncer(src, disp, nil)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, "1"))
	require.NoError(t, s.Sync(ctx, "2"))
	assert.Equal(t, []string{"1"}, disp.ids)

	assert.ErrorIs(t, s.Sync(ctx, "missing"), apperr.ErrNotFound)

	disp.err = apperr.Conflict("executor.execute", "1", errors.New("no free executor slot"))
	assert.NoError(t, s.Sync(ctx, "1"), "busy pool is not a sync failure")

	src.err = apperr.Unavailable("kanban.get", "1", errors.New("gh down"))
	assert.ErrorIs(t, s.Sync(ctx, "1"), apperr.ErrUnavailable)
}
