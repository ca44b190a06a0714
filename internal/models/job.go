// Package models defines the domain types shared across the queue, storage,
// and transport layers.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job. It is typed in memory and only
// rendered to/parsed from its string form at the store boundary.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBacklog   Status = "backlog"
)

// ParseStatus converts a stored status string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusActive, StatusCompleted, StatusFailed, StatusBacklog:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// Terminal reports whether the status is a terminal state. Terminal states are
// monotonic: a completed or failed job is never re-queued.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// FailedReasonCancelled is the reason string stamped on queued jobs that are
// bulk-failed by a group cancellation. Callers may special-case it.
const FailedReasonCancelled = "CANCELLED"

// FailedReasonTimedOut is stamped on backlog jobs whose admission window
// expired before they were promoted.
const FailedReasonTimedOut = "TIMED_OUT"

// Job is a unit of scrape work in the queue.
//
// While active, the job is borrowed by exactly one worker holding the Lock
// token. Every worker-side mutation (renew, finish, fail) must present the
// matching token; a mismatch means the lease was reclaimed and the mutation
// reports false.
type Job struct {
	ID              uuid.UUID       `json:"id"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"` // smaller dispatches first
	Data            json.RawMessage `json:"data,omitempty"`
	ReturnValue     json.RawMessage `json:"return_value,omitempty"`
	FailedReason    string          `json:"failed_reason,omitempty"`
	Lock            *uuid.UUID      `json:"lock,omitempty"`
	LockedAt        *time.Time      `json:"locked_at,omitempty"`
	OwnerID         *uuid.UUID      `json:"owner_id,omitempty"`
	GroupID         *uuid.UUID      `json:"group_id,omitempty"`
	ListenChannelID string          `json:"listen_channel_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	TimesOutAt      *time.Time      `json:"times_out_at,omitempty"`
}

// JobOptions carries the caller-supplied attributes of a new job.
type JobOptions struct {
	ID              uuid.UUID
	Priority        int
	Data            json.RawMessage
	OwnerID         *uuid.UUID
	GroupID         *uuid.UUID
	ListenChannelID string

	// Backlog holds the job in the admission pre-queue instead of queuing it
	// directly. TimesOutAt bounds how long it may wait there.
	Backlog    bool
	TimesOutAt *time.Time
}

// NewJob builds a Job in its initial state from caller options.
func NewJob(opts JobOptions) *Job {
	status := StatusQueued
	if opts.Backlog {
		status = StatusBacklog
	}
	return &Job{
		ID:              opts.ID,
		Status:          status,
		Priority:        opts.Priority,
		Data:            opts.Data,
		OwnerID:         opts.OwnerID,
		GroupID:         opts.GroupID,
		ListenChannelID: opts.ListenChannelID,
		CreatedAt:       time.Now().UTC(),
		TimesOutAt:      opts.TimesOutAt,
	}
}

// OwnerConcurrency is the live-count summary row for one owner.
// Max nil means the cap has not been resolved yet; Current never drifts
// below zero.
type OwnerConcurrency struct {
	ID      uuid.UUID `json:"id"`
	Current int       `json:"current_concurrency"`
	Max     *int      `json:"max_concurrency,omitempty"`
}

// GroupConcurrency is the live-count summary row for one capped group.
// Max nil means unlimited.
type GroupConcurrency struct {
	ID      uuid.UUID `json:"id"`
	Current int       `json:"current_concurrency"`
	Max     *int      `json:"max_concurrency,omitempty"`
}

// StatusConcurrencyLimited is the synthetic metrics status for queued jobs
// whose (owner, group) partition currently has zero free slots.
const StatusConcurrencyLimited = "concurrency-limited"
