package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/objectstore"
	"github.com/djlord-it/pixlewatch/internal/registry"
	"github.com/djlord-it/pixlewatch/internal/transport/channel"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Stats window defaults and limits, in days.
const (
	DefaultStatsDays = 7
	MaxStatsDays     = 365
)

// Schedules is the live schedule registry. *registry.Registry satisfies it.
type Schedules interface {
	Register(ctx context.Context, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error)
	Update(ctx context.Context, id uuid.UUID, urlTemplate string, locales []string, cronExpr string) (domain.Schedule, error)
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	RunNow(ctx context.Context, id uuid.UUID) error
	Get(id uuid.UUID) (registry.Snapshot, error)
	List() []registry.Snapshot
}

// Store serves read-only result queries.
type Store interface {
	ListResults(ctx context.Context, filter ResultFilter) ([]domain.TestResult, error)
	DailyStats(ctx context.Context, since time.Time) ([]domain.DailyStat, error)
}

// Images reads captured screenshots by object key.
type Images interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// VerdictCounter reports per-day verdict counters for one schedule.
type VerdictCounter interface {
	Counts(ctx context.Context, scheduleID string, day time.Time) (map[domain.Verdict]int64, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// LeaderStatus reports whether this instance fires schedule timers.
type LeaderStatus interface {
	IsLeader() bool
}

type Handler struct {
	schedules Schedules
	store     Store
	images    Images

	db         HealthChecker
	leader     LeaderStatus
	verdicts   VerdictCounter
	runLimiter *rate.Limiter
	clock      func() time.Time
}

func NewHandler(schedules Schedules, store Store, images Images) *Handler {
	return &Handler{
		schedules: schedules,
		store:     store,
		images:    images,
		clock:     time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithLeaderStatus adds a "role" component to verbose /health responses.
func (h *Handler) WithLeaderStatus(l LeaderStatus) *Handler {
	h.leader = l
	return h
}

// WithVerdicts enables GET /schedules/{id}/verdicts.
func (h *Handler) WithVerdicts(v VerdictCounter) *Handler {
	h.verdicts = v
	return h
}

// WithRunLimiter bounds manual triggers across all schedules.
// Requests over the limit get 429.
func (h *Handler) WithRunLimiter(l *rate.Limiter) *Handler {
	h.runLimiter = l
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r)

	case path == "/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case path == "/results" && r.Method == http.MethodGet:
		h.listResults(w, r)

	case path == "/stats" && r.Method == http.MethodGet:
		h.stats(w, r)

	case strings.HasPrefix(path, "/images/") && r.Method == http.MethodGet:
		h.image(w, r, strings.TrimPrefix(path, "/images/"))

	case len(parts) == 2 && parts[0] == "schedules":
		h.scheduleRoute(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "schedules":
		h.scheduleAction(w, r, parts[1], parts[2])

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) scheduleRoute(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getSchedule(w, id)
	case http.MethodPut:
		h.updateSchedule(w, r, id)
	case http.MethodDelete:
		h.deleteSchedule(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) scheduleAction(w http.ResponseWriter, r *http.Request, rawID, action string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	switch {
	case action == "pause" && r.Method == http.MethodPost:
		h.setPaused(w, r, id, true)
	case action == "resume" && r.Method == http.MethodPost:
		h.setPaused(w, r, id, false)
	case action == "run" && r.Method == http.MethodPost:
		h.runNow(w, r, id)
	case action == "verdicts" && r.Method == http.MethodGet:
		h.verdictCounts(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	if h.leader != nil {
		if h.leader.IsLeader() {
			resp.Components["role"] = "leader"
		} else {
			resp.Components["role"] = "follower"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func decodeScheduleRequest(w http.ResponseWriter, r *http.Request) (ScheduleRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return req, false
	}

	if err := validateScheduleRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeScheduleRequest(w, r)
	if !ok {
		return
	}

	s, err := h.schedules.Register(r.Context(), req.URLTemplate, req.Locales, req.CronExpression)
	if err != nil {
		writeScheduleError(w, "create schedule", err)
		return
	}

	writeJSON(w, http.StatusCreated, toScheduleResponse(registry.Snapshot{Schedule: s, Active: !s.Paused}))
}

func (h *Handler) listSchedules(w http.ResponseWriter, _ *http.Request) {
	snaps := h.schedules.List()

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(snaps))}
	for i, snap := range snaps {
		resp.Schedules[i] = toScheduleResponse(snap)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSchedule(w http.ResponseWriter, id uuid.UUID) {
	snap, err := h.schedules.Get(id)
	if err != nil {
		writeScheduleError(w, "get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(snap))
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	req, ok := decodeScheduleRequest(w, r)
	if !ok {
		return
	}

	s, err := h.schedules.Update(r.Context(), id, req.URLTemplate, req.Locales, req.CronExpression)
	if err != nil {
		writeScheduleError(w, "update schedule", err)
		return
	}

	writeJSON(w, http.StatusOK, toScheduleResponse(registry.Snapshot{Schedule: s, Active: !s.Paused}))
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.schedules.Delete(r.Context(), id); err != nil {
		writeScheduleError(w, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, id uuid.UUID, paused bool) {
	var err error
	op := "resume schedule"
	if paused {
		op = "pause schedule"
		err = h.schedules.Pause(r.Context(), id)
	} else {
		err = h.schedules.Resume(r.Context(), id)
	}
	if err != nil {
		writeScheduleError(w, op, err)
		return
	}

	h.getSchedule(w, id)
}

func (h *Handler) runNow(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if h.runLimiter != nil && !h.runLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := h.schedules.RunNow(r.Context(), id); err != nil {
		writeScheduleError(w, "trigger schedule", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) verdictCounts(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if h.verdicts == nil {
		writeError(w, http.StatusNotFound, "verdict analytics disabled")
		return
	}

	day := h.clock().UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	counts, err := h.verdicts.Counts(r.Context(), id.String(), day)
	if err != nil {
		log.Printf("api: verdict counts error: schedule=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to read verdict counts")
		return
	}

	resp := VerdictCountsResponse{
		ScheduleID: id.String(),
		Day:        formatDay(day),
		Counts:     make(map[string]int64, len(counts)),
	}
	for v, n := range counts {
		resp.Counts[string(v)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listResults(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := ResultFilter{Limit: limit, Offset: offset}
	if raw := r.URL.Query().Get("schedule_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid schedule_id")
			return
		}
		filter.ScheduleID = &id
	}

	results, err := h.store.ListResults(r.Context(), filter)
	if err != nil {
		log.Printf("api: list results error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}

	resp := ListResultsResponse{Results: make([]ResultResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = ResultResponse{
			ID:             res.ID.String(),
			ScheduleID:     res.ScheduleID.String(),
			TestedAt:       formatTime(res.TestedAt),
			URL:            res.URL,
			Locale:         res.Locale,
			Verdict:        string(res.Verdict),
			Status:         res.Status,
			BaselinePath:   res.BaselinePath,
			CurrentPath:    res.CurrentPath,
			DiffPath:       res.DiffPath,
			DiffPercentage: res.DiffPercentage,
			DiffPixels:     res.DiffPixels,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	days := DefaultStatsDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxStatsDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and "+strconv.Itoa(MaxStatsDays))
			return
		}
		days = n
	}

	since := h.clock().UTC().AddDate(0, 0, -days)
	rows, err := h.store.DailyStats(r.Context(), since)
	if err != nil {
		log.Printf("api: stats error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{Days: days, Schedules: groupStats(rows)})
}

// groupStats folds per-day rows into one series per schedule, keeping row order.
func groupStats(rows []domain.DailyStat) []ScheduleStats {
	out := make([]ScheduleStats, 0)
	index := make(map[uuid.UUID]int)

	for _, row := range rows {
		i, ok := index[row.ScheduleID]
		if !ok {
			i = len(out)
			index[row.ScheduleID] = i
			out = append(out, ScheduleStats{
				ScheduleID:         row.ScheduleID.String(),
				URLTemplate:        row.URLTemplate,
				Dates:              []string{},
				PassRates:          []float64{},
				AvgDiffPercentages: []*float64{},
			})
		}

		var passRate float64
		if row.Total > 0 {
			passRate = round2(float64(row.Passed) / float64(row.Total) * 100)
		}
		var avg *float64
		if row.AvgDiffPercent != nil {
			v := round2(*row.AvgDiffPercent)
			avg = &v
		}

		s := &out[i]
		s.Dates = append(s.Dates, formatDay(row.Day))
		s.PassRates = append(s.PassRates, passRate)
		s.AvgDiffPercentages = append(s.AvgDiffPercentages, avg)
	}
	return out
}

func (h *Handler) image(w http.ResponseWriter, r *http.Request, key string) {
	data, err := h.images.Get(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, objectstore.ErrInvalidKey):
			writeError(w, http.StatusBadRequest, "invalid image key")
		case errors.Is(err, objectstore.ErrObjectNotFound):
			writeError(w, http.StatusNotFound, "image not found")
		default:
			log.Printf("api: image error: key=%s err=%v", key, err)
			writeError(w, http.StatusInternalServerError, "failed to read image")
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("api: image write error: key=%s err=%v", key, err)
	}
}

func toScheduleResponse(snap registry.Snapshot) ScheduleResponse {
	s := snap.Schedule
	resp := ScheduleResponse{
		ID:             s.ID.String(),
		URLTemplate:    s.URLTemplate,
		Locales:        s.Locales,
		CronExpression: s.CronExpression,
		Paused:         s.Paused,
		Active:         snap.Active,
		RunCount:       s.RunCount,
		CreatedAt:      formatTime(s.CreatedAt),
		UpdatedAt:      formatTime(s.UpdatedAt),
	}
	if resp.Locales == nil {
		resp.Locales = []string{}
	}
	if s.LastRunAt != nil {
		t := formatTime(*s.LastRunAt)
		resp.LastRunAt = &t
	}
	return resp
}

// writeScheduleError maps registry errors to status codes.
func writeScheduleError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidExpression), errors.Is(err, domain.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, channel.ErrBufferFull):
		writeError(w, http.StatusServiceUnavailable, "trigger queue full")
	default:
		log.Printf("api: %s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
