package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/objectstore"
	"github.com/djlord-it/pixlewatch/internal/registry"
	"github.com/djlord-it/pixlewatch/internal/transport/channel"
)

// mockSchedules implements Schedules for handler tests.
type mockSchedules struct {
	mu sync.Mutex

	registerFn func(urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error)
	updateFn   func(id uuid.UUID, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error)
	pauseFn    func(id uuid.UUID) error
	resumeFn   func(id uuid.UUID) error
	deleteFn   func(id uuid.UUID) error
	runNowFn   func(id uuid.UUID) error
	getFn      func(id uuid.UUID) (registry.Snapshot, error)
	listFn     func() []registry.Snapshot

	runNowCalls int
}

func (m *mockSchedules) Register(_ context.Context, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerFn != nil {
		return m.registerFn(urlTemplate, locales, cronExpr)
	}
	return domain.Schedule{ID: uuid.New(), URLTemplate: urlTemplate, Locales: locales, CronExpression: cronExpr}, nil
}

func (m *mockSchedules) Update(_ context.Context, id uuid.UUID, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateFn != nil {
		return m.updateFn(id, urlTemplate, locales, cronExpr)
	}
	return domain.Schedule{ID: id, URLTemplate: urlTemplate, Locales: locales, CronExpression: cronExpr}, nil
}

func (m *mockSchedules) Pause(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseFn != nil {
		return m.pauseFn(id)
	}
	return nil
}

func (m *mockSchedules) Resume(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeFn != nil {
		return m.resumeFn(id)
	}
	return nil
}

func (m *mockSchedules) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(id)
	}
	return nil
}

func (m *mockSchedules) RunNow(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runNowCalls++
	if m.runNowFn != nil {
		return m.runNowFn(id)
	}
	return nil
}

func (m *mockSchedules) Get(id uuid.UUID) (registry.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getFn != nil {
		return m.getFn(id)
	}
	return registry.Snapshot{Schedule: domain.Schedule{ID: id}, Active: true}, nil
}

func (m *mockSchedules) List() []registry.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listFn != nil {
		return m.listFn()
	}
	return nil
}

// mockStore implements Store for handler tests.
type mockStore struct {
	listResultsFn func(filter ResultFilter) ([]domain.TestResult, error)
	dailyStatsFn  func(since time.Time) ([]domain.DailyStat, error)
}

func (s *mockStore) ListResults(_ context.Context, filter ResultFilter) ([]domain.TestResult, error) {
	if s.listResultsFn != nil {
		return s.listResultsFn(filter)
	}
	return nil, nil
}

func (s *mockStore) DailyStats(_ context.Context, since time.Time) ([]domain.DailyStat, error) {
	if s.dailyStatsFn != nil {
		return s.dailyStatsFn(since)
	}
	return nil, nil
}

type mockImages map[string][]byte

func (m mockImages) Get(_ context.Context, key string) ([]byte, error) {
	if err := objectstore.ValidateKey(key); err != nil {
		return nil, err
	}
	data, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrObjectNotFound, key)
	}
	return data, nil
}

type mockVerdicts struct {
	counts map[domain.Verdict]int64
	err    error

	gotID  string
	gotDay time.Time
}

func (m *mockVerdicts) Counts(_ context.Context, scheduleID string, day time.Time) (map[domain.Verdict]int64, error) {
	m.gotID = scheduleID
	m.gotDay = day
	return m.counts, m.err
}

// mockHealthChecker implements HealthChecker for handler tests.
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	return m.err
}

type leaderFlag bool

func (l leaderFlag) IsLeader() bool { return bool(l) }

var fixedNow = time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)

func newTestHandler(schedules *mockSchedules, store *mockStore) *Handler {
	return NewHandler(schedules, store, mockImages{}).WithClock(func() time.Time { return fixedNow })
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const validScheduleBody = `{
	"url_template": "https://example.com/{locale}",
	"locales": ["en", "fr"],
	"cron_expression": "0 0 * * * *"
}`

// --- Health ---

func TestHandler_Health_Simple(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestHandler_Health_VerboseDegraded(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{}).
		WithHealthChecker(&mockHealthChecker{err: errors.New("connection refused")})

	w := serve(h, http.MethodGet, "/health?verbose=true", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	var resp HealthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", resp.Status)
	}
	if !strings.Contains(resp.Components["database"], "connection refused") {
		t.Errorf("database component = %q", resp.Components["database"])
	}
}

func TestHandler_Health_VerboseHealthy(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{}).WithHealthChecker(&mockHealthChecker{})

	w := serve(h, http.MethodGet, "/health?verbose=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandler_Health_VerboseRole(t *testing.T) {
	for _, tc := range []struct {
		leader bool
		want   string
	}{
		{true, "leader"},
		{false, "follower"},
	} {
		h := newTestHandler(&mockSchedules{}, &mockStore{}).
			WithHealthChecker(&mockHealthChecker{}).
			WithLeaderStatus(leaderFlag(tc.leader))

		w := serve(h, http.MethodGet, "/health?verbose=true", "")

		var resp HealthResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Components["role"] != tc.want {
			t.Errorf("leader=%v: role = %q, want %q", tc.leader, resp.Components["role"], tc.want)
		}
	}
}

// --- Create ---

func TestHandler_CreateSchedule_Success(t *testing.T) {
	var gotLocales []string
	schedules := &mockSchedules{
		registerFn: func(urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error) {
			gotLocales = locales
			return domain.Schedule{
				ID:             uuid.New(),
				URLTemplate:    urlTemplate,
				Locales:        locales,
				CronExpression: cronExpr,
				CreatedAt:      fixedNow,
				UpdatedAt:      fixedNow,
			}, nil
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules", validScheduleBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp ScheduleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.ID == "" {
		t.Error("ID should not be empty")
	}
	if resp.URLTemplate != "https://example.com/{locale}" {
		t.Errorf("URLTemplate = %q", resp.URLTemplate)
	}
	if !resp.Active || resp.Paused {
		t.Errorf("new schedule should be active and unpaused: %+v", resp)
	}
	if resp.LastRunAt != nil {
		t.Errorf("LastRunAt = %v, want nil", *resp.LastRunAt)
	}
	if len(gotLocales) != 2 || gotLocales[1] != "fr" {
		t.Errorf("registry got locales %v", gotLocales)
	}
}

func TestHandler_CreateSchedule_InvalidExpression(t *testing.T) {
	schedules := &mockSchedules{
		registerFn: func(string, []string, string) (domain.Schedule, error) {
			return domain.Schedule{}, fmt.Errorf("%w: expected 6 fields", domain.ErrInvalidExpression)
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules", validScheduleBody)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.Contains(resp.Error, "invalid recurrence expression") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestHandler_CreateSchedule_ValidationError(t *testing.T) {
	schedules := &mockSchedules{}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules", `{"locales": ["en"], "cron_expression": "0 0 * * * *"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.Contains(resp.Error, "url_template") {
		t.Errorf("error should mention url_template: %q", resp.Error)
	}
}

func TestHandler_CreateSchedule_InvalidJSON(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules", "{invalid")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_CreateSchedule_BodyTooLarge(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	large := `{"url_template": "` + strings.Repeat("a", 1<<20+1) + `"}`
	w := serve(h, http.MethodPost, "/schedules", large)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestHandler_CreateSchedule_StoreError(t *testing.T) {
	schedules := &mockSchedules{
		registerFn: func(string, []string, string) (domain.Schedule, error) {
			return domain.Schedule{}, errors.New("database error")
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules", validScheduleBody)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

// --- List / Get ---

func TestHandler_ListSchedules(t *testing.T) {
	lastRun := fixedNow.Add(-time.Hour)
	schedules := &mockSchedules{
		listFn: func() []registry.Snapshot {
			return []registry.Snapshot{
				{Schedule: domain.Schedule{ID: uuid.New(), URLTemplate: "https://a.test/{locale}", RunCount: 4, LastRunAt: &lastRun}, Active: true},
				{Schedule: domain.Schedule{ID: uuid.New(), URLTemplate: "https://b.test/{locale}", Paused: true}, Active: false},
			}
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodGet, "/schedules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ListSchedulesResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Schedules) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(resp.Schedules))
	}
	if resp.Schedules[0].RunCount != 4 || resp.Schedules[0].LastRunAt == nil {
		t.Errorf("unexpected first schedule %+v", resp.Schedules[0])
	}
	if *resp.Schedules[0].LastRunAt != "2024-06-10T14:30:00Z" {
		t.Errorf("LastRunAt = %q", *resp.Schedules[0].LastRunAt)
	}
	if !resp.Schedules[1].Paused || resp.Schedules[1].Active {
		t.Errorf("second schedule should be paused and inactive: %+v", resp.Schedules[1])
	}
	if resp.Schedules[1].Locales == nil {
		t.Error("Locales should encode as an empty list, not null")
	}
}

func TestHandler_ListSchedules_Empty(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodGet, "/schedules", "")
	if !strings.Contains(w.Body.String(), `"schedules":[]`) {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}
}

func TestHandler_GetSchedule_NotFound(t *testing.T) {
	schedules := &mockSchedules{
		getFn: func(id uuid.UUID) (registry.Snapshot, error) {
			return registry.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodGet, "/schedules/"+uuid.NewString(), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_GetSchedule_InvalidID(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodGet, "/schedules/not-a-uuid", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Update / Delete ---

func TestHandler_UpdateSchedule_Success(t *testing.T) {
	id := uuid.New()
	var gotID uuid.UUID
	schedules := &mockSchedules{
		updateFn: func(i uuid.UUID, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error) {
			gotID = i
			return domain.Schedule{ID: i, URLTemplate: urlTemplate, Locales: locales, CronExpression: cronExpr, Paused: true}, nil
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPut, "/schedules/"+id.String(), validScheduleBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotID != id {
		t.Errorf("registry got id %s, want %s", gotID, id)
	}

	var resp ScheduleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Paused || resp.Active {
		t.Errorf("update should preserve pause state: %+v", resp)
	}
}

func TestHandler_UpdateSchedule_NotFound(t *testing.T) {
	schedules := &mockSchedules{
		updateFn: func(id uuid.UUID, _ string, _ []string, _ string) (domain.Schedule, error) {
			return domain.Schedule{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPut, "/schedules/"+uuid.NewString(), validScheduleBody)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_DeleteSchedule_Success(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodDelete, "/schedules/"+uuid.NewString(), "")
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestHandler_DeleteSchedule_NotFound(t *testing.T) {
	schedules := &mockSchedules{
		deleteFn: func(id uuid.UUID) error { return fmt.Errorf("%w: %s", domain.ErrNotFound, id) },
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodDelete, "/schedules/"+uuid.NewString(), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Pause / Resume / Run ---

func TestHandler_PauseResume(t *testing.T) {
	id := uuid.New()
	paused := false
	schedules := &mockSchedules{
		pauseFn:  func(uuid.UUID) error { paused = true; return nil },
		resumeFn: func(uuid.UUID) error { paused = false; return nil },
		getFn: func(i uuid.UUID) (registry.Snapshot, error) {
			return registry.Snapshot{Schedule: domain.Schedule{ID: i, Paused: paused}, Active: !paused}, nil
		},
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules/"+id.String()+"/pause", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}
	var resp ScheduleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Paused || resp.Active {
		t.Errorf("after pause: %+v", resp)
	}

	w = serve(h, http.MethodPost, "/schedules/"+id.String()+"/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", w.Code)
	}
	resp = ScheduleResponse{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Paused || !resp.Active {
		t.Errorf("after resume: %+v", resp)
	}
}

func TestHandler_Pause_NotFound(t *testing.T) {
	schedules := &mockSchedules{
		pauseFn: func(id uuid.UUID) error { return fmt.Errorf("%w: %s", domain.ErrNotFound, id) },
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules/"+uuid.NewString()+"/pause", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_RunNow_Accepted(t *testing.T) {
	schedules := &mockSchedules{}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules/"+uuid.NewString()+"/run", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
	if schedules.runNowCalls != 1 {
		t.Errorf("RunNow calls = %d, want 1", schedules.runNowCalls)
	}
}

func TestHandler_RunNow_BufferFull(t *testing.T) {
	schedules := &mockSchedules{
		runNowFn: func(uuid.UUID) error { return fmt.Errorf("emit manual trigger: %w", channel.ErrBufferFull) },
	}
	h := newTestHandler(schedules, &mockStore{})

	w := serve(h, http.MethodPost, "/schedules/"+uuid.NewString()+"/run", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestHandler_RunNow_RateLimited(t *testing.T) {
	schedules := &mockSchedules{}
	h := newTestHandler(schedules, &mockStore{}).WithRunLimiter(rate.NewLimiter(rate.Every(time.Hour), 1))
	target := "/schedules/" + uuid.NewString() + "/run"

	if w := serve(h, http.MethodPost, target, ""); w.Code != http.StatusAccepted {
		t.Fatalf("first trigger: expected 202, got %d", w.Code)
	}

	w := serve(h, http.MethodPost, target, "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second trigger: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if schedules.runNowCalls != 1 {
		t.Errorf("RunNow calls = %d, want 1", schedules.runNowCalls)
	}
}

// --- Verdicts ---

func TestHandler_Verdicts_Disabled(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodGet, "/schedules/"+uuid.NewString()+"/verdicts", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_Verdicts_DefaultsToToday(t *testing.T) {
	id := uuid.New()
	counter := &mockVerdicts{counts: map[domain.Verdict]int64{domain.VerdictPass: 3, domain.VerdictFail: 1}}
	h := newTestHandler(&mockSchedules{}, &mockStore{}).WithVerdicts(counter)

	w := serve(h, http.MethodGet, "/schedules/"+id.String()+"/verdicts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp VerdictCountsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Day != "2024-06-10" {
		t.Errorf("Day = %q, want 2024-06-10", resp.Day)
	}
	if resp.Counts["Pass"] != 3 || resp.Counts["Fail"] != 1 {
		t.Errorf("unexpected counts %v", resp.Counts)
	}
	if counter.gotID != id.String() {
		t.Errorf("counter got id %q", counter.gotID)
	}
}

func TestHandler_Verdicts_BadDay(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{}).WithVerdicts(&mockVerdicts{})

	w := serve(h, http.MethodGet, "/schedules/"+uuid.NewString()+"/verdicts?day=June", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Results ---

func TestHandler_ListResults(t *testing.T) {
	scheduleID := uuid.New()
	pct := 3.5
	var gotFilter ResultFilter
	store := &mockStore{
		listResultsFn: func(filter ResultFilter) ([]domain.TestResult, error) {
			gotFilter = filter
			return []domain.TestResult{
				{ID: uuid.New(), ScheduleID: scheduleID, TestedAt: fixedNow, URL: "https://a.test/en", Locale: "en",
					Verdict: domain.VerdictPass, Status: "Acceptable differences: 3.50% different.", DiffPercentage: &pct},
				{ID: uuid.New(), ScheduleID: scheduleID, TestedAt: fixedNow, URL: "https://a.test/fr", Locale: "fr",
					Verdict: domain.VerdictNull, Status: "No baseline, created one."},
			}, nil
		},
	}
	h := newTestHandler(&mockSchedules{}, store)

	w := serve(h, http.MethodGet, "/results?schedule_id="+scheduleID.String()+"&limit=20&offset=40", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotFilter.ScheduleID == nil || *gotFilter.ScheduleID != scheduleID {
		t.Errorf("filter schedule = %v", gotFilter.ScheduleID)
	}
	if gotFilter.Limit != 20 || gotFilter.Offset != 40 {
		t.Errorf("filter pagination = %d/%d", gotFilter.Limit, gotFilter.Offset)
	}

	var resp ListResultsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].DiffPercentage == nil || *resp.Results[0].DiffPercentage != 3.5 {
		t.Errorf("unexpected diff %v", resp.Results[0].DiffPercentage)
	}
	if resp.Results[1].DiffPercentage != nil {
		t.Error("Null result should have no diff percentage")
	}
}

func TestHandler_ListResults_InvalidScheduleID(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	w := serve(h, http.MethodGet, "/results?schedule_id=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_ListResults_StoreError(t *testing.T) {
	store := &mockStore{
		listResultsFn: func(ResultFilter) ([]domain.TestResult, error) { return nil, errors.New("boom") },
	}
	h := newTestHandler(&mockSchedules{}, store)

	w := serve(h, http.MethodGet, "/results", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

// --- Stats ---

func TestHandler_Stats_DefaultWindow(t *testing.T) {
	var gotSince time.Time
	store := &mockStore{
		dailyStatsFn: func(since time.Time) ([]domain.DailyStat, error) {
			gotSince = since
			return []domain.DailyStat{
				{ScheduleID: uuid.New(), URLTemplate: "https://a.test/{locale}", Day: fixedNow, Total: 2, Passed: 1},
			}, nil
		},
	}
	h := newTestHandler(&mockSchedules{}, store)

	w := serve(h, http.MethodGet, "/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if want := fixedNow.AddDate(0, 0, -DefaultStatsDays); !gotSince.Equal(want) {
		t.Errorf("since = %v, want %v", gotSince, want)
	}

	var resp StatsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Days != DefaultStatsDays {
		t.Errorf("Days = %d", resp.Days)
	}
	if len(resp.Schedules) != 1 || resp.Schedules[0].PassRates[0] != 50 {
		t.Errorf("unexpected series %+v", resp.Schedules)
	}
}

func TestHandler_Stats_InvalidDays(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	for _, q := range []string{"0", "-3", "abc", "366"} {
		w := serve(h, http.MethodGet, "/stats?days="+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("days=%s: expected 400, got %d", q, w.Code)
		}
	}
}

// --- Images ---

func TestHandler_Image(t *testing.T) {
	images := mockImages{"baseline/https___a_test_en_baseline.png": []byte("\x89PNG")}
	h := NewHandler(&mockSchedules{}, &mockStore{}, images)

	w := serve(h, http.MethodGet, "/images/baseline/https___a_test_en_baseline.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Body.String() != "\x89PNG" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestHandler_Image_NotFound(t *testing.T) {
	h := NewHandler(&mockSchedules{}, &mockStore{}, mockImages{})

	w := serve(h, http.MethodGet, "/images/current/missing.png", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Routing ---

func TestHandler_UnknownRoute(t *testing.T) {
	h := newTestHandler(&mockSchedules{}, &mockStore{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/jobs"},
		{http.MethodPatch, "/schedules"},
		{http.MethodGet, "/schedules/" + uuid.NewString() + "/run"},
		{http.MethodPost, "/schedules/" + uuid.NewString() + "/explode"},
	} {
		w := serve(h, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}
