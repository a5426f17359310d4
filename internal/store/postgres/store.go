package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/pixlewatch/internal/api"
	"github.com/djlord-it/pixlewatch/internal/dispatcher"
	"github.com/djlord-it/pixlewatch/internal/domain"
	"github.com/djlord-it/pixlewatch/internal/orchestrator"
	"github.com/djlord-it/pixlewatch/internal/reconciler"
	"github.com/djlord-it/pixlewatch/internal/registry"
)

// Store persists schedules and test results in PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithOpTimeout bounds every query. Zero keeps only the caller's deadline.
func (s *Store) WithOpTimeout(d time.Duration) *Store {
	s.opTimeout = d
	return s
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateSchedule inserts a new schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.URLTemplate,
		pq.Array(sched.Locales),
		sched.CronExpression,
		sched.Paused,
		sched.RunCount,
		sched.LastRunAt,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: duplicate schedule id %s", domain.ErrStorage, sched.ID)
		}
		return err
	}
	return nil
}

// UpdateScheduleConfig replaces the URL template, locales and expression.
// Returns domain.ErrNotFound if no row matches.
func (s *Store) UpdateScheduleConfig(ctx context.Context, id uuid.UUID, urlTemplate string, locales []string, cronExpr string, updatedAt time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryUpdateScheduleConfig, id, urlTemplate, pq.Array(locales), cronExpr, updatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetSchedulePaused flips the paused flag.
// Returns domain.ErrNotFound if no row matches.
func (s *Store) SetSchedulePaused(ctx context.Context, id uuid.UUID, paused bool, updatedAt time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, querySetSchedulePaused, id, paused, updatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteSchedule removes the schedule row. Results referencing it are kept.
func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryDeleteSchedule, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// ListSchedules returns every schedule ordered by creation time.
func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListSchedules)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		var sched domain.Schedule
		var lastRun sql.NullTime

		err := rows.Scan(
			&sched.ID,
			&sched.URLTemplate,
			pq.Array(&sched.Locales),
			&sched.CronExpression,
			&sched.Paused,
			&sched.RunCount,
			&lastRun,
			&sched.CreatedAt,
			&sched.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time.UTC()
			sched.LastRunAt = &t
		}
		sched.CreatedAt = sched.CreatedAt.UTC()
		sched.UpdatedAt = sched.UpdatedAt.UTC()
		result = append(result, sched)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// RecordRun atomically increments run_count and sets last_run_at.
func (s *Store) RecordRun(ctx context.Context, scheduleID uuid.UUID, at time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryRecordRun, scheduleID, at)
	if err != nil {
		return err
	}
	return requireRow(res, scheduleID)
}

// InsertResult appends one test result.
func (s *Store) InsertResult(ctx context.Context, result domain.TestResult) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var diff sql.NullFloat64
	if result.DiffPercentage != nil {
		diff = sql.NullFloat64{Float64: *result.DiffPercentage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, queryInsertResult,
		result.ID,
		result.ScheduleID,
		result.TestedAt,
		result.URL,
		result.Locale,
		string(result.Verdict),
		result.Status,
		result.BaselinePath,
		result.CurrentPath,
		result.DiffPath,
		diff,
		result.DiffPixels,
	)
	return err
}

// ListResults returns results newest first, optionally limited to one schedule.
func (s *Store) ListResults(ctx context.Context, filter api.ResultFilter) ([]domain.TestResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var scheduleID uuid.NullUUID
	if filter.ScheduleID != nil {
		scheduleID = uuid.NullUUID{UUID: *filter.ScheduleID, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, queryListResults, scheduleID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.TestResult
	for rows.Next() {
		var r domain.TestResult
		var verdict string
		var diff sql.NullFloat64

		err := rows.Scan(
			&r.ID,
			&r.ScheduleID,
			&r.TestedAt,
			&r.URL,
			&r.Locale,
			&verdict,
			&r.Status,
			&r.BaselinePath,
			&r.CurrentPath,
			&r.DiffPath,
			&diff,
			&r.DiffPixels,
		)
		if err != nil {
			return nil, err
		}
		r.Verdict = domain.Verdict(verdict)
		r.TestedAt = r.TestedAt.UTC()
		if diff.Valid {
			v := diff.Float64
			r.DiffPercentage = &v
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// DailyStats aggregates results per schedule and UTC day since the given time.
// Results of deleted schedules and ad-hoc runs are excluded by the join.
func (s *Store) DailyStats(ctx context.Context, since time.Time) ([]domain.DailyStat, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryDailyStats, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DailyStat
	for rows.Next() {
		var st domain.DailyStat
		var avg sql.NullFloat64

		if err := rows.Scan(&st.ScheduleID, &st.URLTemplate, &st.Day, &st.Total, &st.Passed, &avg); err != nil {
			return nil, err
		}
		st.Day = st.Day.UTC()
		if avg.Valid {
			v := avg.Float64
			st.AvgDiffPercent = &v
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// PingContext reports database reachability for /health.
func (s *Store) PingContext(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

// isDuplicateKeyError reports a PostgreSQL unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var (
	_ registry.Store          = (*Store)(nil)
	_ dispatcher.Store        = (*Store)(nil)
	_ reconciler.Store        = (*Store)(nil)
	_ orchestrator.ResultSink = (*Store)(nil)
	_ api.Store               = (*Store)(nil)
	_ api.HealthChecker       = (*Store)(nil)
)
