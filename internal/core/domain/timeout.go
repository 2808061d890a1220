package domain

import "time"

type MisfirePolicy string

const (
	MisfireFireNow MisfirePolicy = "fire_now"
	MisfireDiscard MisfirePolicy = "discard"
)

type TriggerState string

const (
	TriggerWaiting  TriggerState = "WAITING"
	TriggerAcquired TriggerState = "ACQUIRED"
)

// ScheduledJob is a persisted fire-once job and its trigger.
type ScheduledJob struct {
	Group      string
	Name       string
	Payload    []byte
	FireAt     time.Time
	Misfire    MisfirePolicy
	State      TriggerState
	AcquiredBy string
	AcquiredAt *time.Time
	Attempts   int
}
