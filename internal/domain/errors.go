package domain

import "errors"

var (
	// ErrInvalidExpression is returned for a malformed recurrence expression.
	ErrInvalidExpression = errors.New("invalid recurrence expression")

	// ErrInvalidSchedule is returned for a schedule with an unusable URL template or locale list.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNotFound is returned for operations on an unknown schedule id.
	ErrNotFound = errors.New("schedule not found")

	// ErrCapture wraps browsing and navigation failures.
	ErrCapture = errors.New("capture failed")

	// ErrDiff wraps image decode/encode failures.
	ErrDiff = errors.New("image diff failed")

	// ErrStorage wraps config, object or result store failures.
	ErrStorage = errors.New("storage error")
)
