package domain

import (
	"time"

	"github.com/google/uuid"
)

// LocalePlaceholder is substituted with each locale code to produce a resolved URL.
const LocalePlaceholder = "{locale}"

// Schedule is a persisted visual test configuration.
// Live timer handles are owned by the registry, not by this record.
type Schedule struct {
	ID uuid.UUID

	URLTemplate    string
	Locales        []string
	CronExpression string
	Paused         bool

	RunCount  int64
	LastRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that does not share the Locales slice or LastRunAt pointer.
func (s Schedule) Clone() Schedule {
	c := s
	c.Locales = append([]string(nil), s.Locales...)
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	return c
}
