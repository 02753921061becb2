package keel

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps for records, blob ages and rate windows.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock in UTC, the zone every tier stores.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator mints operation and pending-fix ids.
type IDGenerator interface {
	New() string
}

// UUIDGenerator mints version 7 UUIDs, so ids sort by creation time. A
// random UUID stands in if the v7 source fails.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
