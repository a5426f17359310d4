package domain

import (
	"time"

	"github.com/google/uuid"
)

type Verdict string

const (
	VerdictNull  Verdict = "Null" // no prior baseline
	VerdictPass  Verdict = "Pass"
	VerdictFail  Verdict = "Fail"
	VerdictError Verdict = "Error"
)

// FailThresholdPercent is the diff percentage above which a comparison fails.
const FailThresholdPercent = 15.0

// TestResult records one capture-and-compare attempt for a resolved URL.
// Results are append-only.
type TestResult struct {
	ID         uuid.UUID
	ScheduleID uuid.UUID // uuid.Nil for ad-hoc runs

	TestedAt time.Time
	URL      string
	Locale   string

	Verdict Verdict
	Status  string

	BaselinePath string
	CurrentPath  string // empty for Error
	DiffPath     string // empty for Null and Error

	DiffPercentage *float64 // nil for Null and Error
	DiffPixels     int
}

// DailyStat is one (schedule, day) bucket of aggregated results.
type DailyStat struct {
	ScheduleID     uuid.UUID
	URLTemplate    string
	Day            time.Time
	Total          int
	Passed         int
	AvgDiffPercent *float64
}
