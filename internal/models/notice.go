package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// JobNotice is the wakeup signal fanned out when a job reaches a terminal
// state. It carries only the id and the terminal status; listeners re-read
// the row for the actual result or failure reason.
type JobNotice struct {
	JobID  uuid.UUID `json:"job_id"`
	Status Status    `json:"status"`

	// ListenChannelID identifies the producing process to wake. Transported
	// out of band (queue routing / notify channel), not in the payload.
	ListenChannelID string `json:"-"`
}

// Encode renders the notice in the "<jobId>|<status>" wire form used on the
// database notify channel.
func (n JobNotice) Encode() string {
	return n.JobID.String() + "|" + string(n.Status)
}

// DecodeJobNotice parses a "<jobId>|<status>" payload. Only terminal statuses
// are valid on the wire.
func DecodeJobNotice(payload string) (JobNotice, error) {
	idStr, statusStr, ok := strings.Cut(payload, "|")
	if !ok {
		return JobNotice{}, fmt.Errorf("malformed job notice %q", payload)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return JobNotice{}, fmt.Errorf("malformed job id in notice %q: %w", payload, err)
	}
	status, err := ParseStatus(statusStr)
	if err != nil {
		return JobNotice{}, err
	}
	if !status.Terminal() {
		return JobNotice{}, fmt.Errorf("non-terminal status %q in notice", statusStr)
	}
	return JobNotice{JobID: id, Status: status}, nil
}
