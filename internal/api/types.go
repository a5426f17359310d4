package api

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ScheduleRequest is the body of POST /schedules and PUT /schedules/{id}.
type ScheduleRequest struct {
	URLTemplate    string   `json:"url_template"`
	Locales        []string `json:"locales"`
	CronExpression string   `json:"cron_expression"`
}

type ScheduleResponse struct {
	ID             string   `json:"id"`
	URLTemplate    string   `json:"url_template"`
	Locales        []string `json:"locales"`
	CronExpression string   `json:"cron_expression"`
	Paused         bool     `json:"paused"`
	Active         bool     `json:"active"`
	RunCount       int64    `json:"run_count"`
	LastRunAt      *string  `json:"last_run_at"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type ResultResponse struct {
	ID             string   `json:"id"`
	ScheduleID     string   `json:"schedule_id"`
	TestedAt       string   `json:"tested_at"`
	URL            string   `json:"url"`
	Locale         string   `json:"locale"`
	Verdict        string   `json:"verdict"`
	Status         string   `json:"status"`
	BaselinePath   string   `json:"baseline_path,omitempty"`
	CurrentPath    string   `json:"current_path,omitempty"`
	DiffPath       string   `json:"diff_path,omitempty"`
	DiffPercentage *float64 `json:"diff_percentage"`
	DiffPixels     int      `json:"diff_pixels"`
}

type ListResultsResponse struct {
	Results []ResultResponse `json:"results"`
}

// ScheduleStats is the per-day series for one schedule.
// Values are percentages rounded to two decimals. A day with no comparable
// results has a null average.
type ScheduleStats struct {
	ScheduleID         string     `json:"schedule_id"`
	URLTemplate        string     `json:"url_template"`
	Dates              []string   `json:"dates"`
	PassRates          []float64  `json:"pass_rates"`
	AvgDiffPercentages []*float64 `json:"avg_diff_percentages"`
}

type StatsResponse struct {
	Days      int             `json:"days"`
	Schedules []ScheduleStats `json:"schedules"`
}

type VerdictCountsResponse struct {
	ScheduleID string           `json:"schedule_id"`
	Day        string           `json:"day"`
	Counts     map[string]int64 `json:"counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ResultFilter narrows GET /results. A nil ScheduleID lists all results.
type ResultFilter struct {
	ScheduleID *uuid.UUID
	Limit      int
	Offset     int
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatDay(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
