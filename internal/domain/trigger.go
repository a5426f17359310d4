package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is emitted by the registry when a schedule's timer fires
// or an operator requests a manual run.
type TriggerEvent struct {
	ScheduleID uuid.UUID
	Manual     bool
	FiredAt    time.Time
}
