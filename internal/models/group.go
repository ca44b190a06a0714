package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GroupStatus is the lifecycle state of a job group.
type GroupStatus string

const (
	GroupStatusActive    GroupStatus = "active"
	GroupStatusCompleted GroupStatus = "completed"
	GroupStatusCancelled GroupStatus = "cancelled"
)

// ParseGroupStatus converts a stored group status string into a GroupStatus.
func ParseGroupStatus(s string) (GroupStatus, error) {
	switch GroupStatus(s) {
	case GroupStatusActive, GroupStatusCompleted, GroupStatusCancelled:
		return GroupStatus(s), nil
	default:
		return "", fmt.Errorf("unknown group status %q", s)
	}
}

func (s GroupStatus) String() string { return string(s) }

// Group is a logical batch of related jobs, typically one crawl. Groups share
// a TTL and support bulk cancellation of their queued members.
type Group struct {
	ID         uuid.UUID   `json:"id"`
	Status     GroupStatus `json:"status"`
	OwnerID    *uuid.UUID  `json:"owner_id,omitempty"`
	TTLMs      int64       `json:"ttl"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
}

// NewGroup builds an active Group with its expiry derived from the TTL.
func NewGroup(id uuid.UUID, ownerID *uuid.UUID, ttl time.Duration) *Group {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	return &Group{
		ID:        id,
		Status:    GroupStatusActive,
		OwnerID:   ownerID,
		TTLMs:     ttl.Milliseconds(),
		CreatedAt: now,
		ExpiresAt: &expires,
	}
}

// ConcurrencySetting caps how many jobs of one group may be active at once
// in a named queue. Max nil means unlimited.
type ConcurrencySetting struct {
	Queue string `json:"queue"`
	Max   *int   `json:"max_concurrency,omitempty"`
}
