package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"queued", "active", "completed", "failed", "backlog"} {
		status, err := ParseStatus(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, status.String())
	}

	_, err := ParseStatus("exploded")
	assert.Error(t, err)
	_, err = ParseStatus("")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusBacklog.Terminal())
}

func TestNewJobDefaults(t *testing.T) {
	id := uuid.New()
	job := NewJob(JobOptions{ID: id})

	assert.Equal(t, id, job.ID)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Zero(t, job.Priority)
	assert.Nil(t, job.Lock)
	assert.WithinDuration(t, time.Now(), job.CreatedAt, time.Second)
}

func TestNewJobBacklog(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	job := NewJob(JobOptions{ID: uuid.New(), Backlog: true, TimesOutAt: &deadline})

	assert.Equal(t, StatusBacklog, job.Status)
	require.NotNil(t, job.TimesOutAt)
	assert.Equal(t, deadline, *job.TimesOutAt)
}

func TestNewGroupExpiry(t *testing.T) {
	owner := uuid.New()
	group := NewGroup(uuid.New(), &owner, 2*time.Hour)

	assert.Equal(t, GroupStatusActive, group.Status)
	assert.Equal(t, int64(2*time.Hour/time.Millisecond), group.TTLMs)
	require.NotNil(t, group.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *group.ExpiresAt, time.Second)
}

func TestJobNoticeWireFormat(t *testing.T) {
	id := uuid.New()
	encoded := JobNotice{JobID: id, Status: StatusCompleted}.Encode()
	assert.Equal(t, id.String()+"|completed", encoded)

	decoded, err := DecodeJobNotice(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded.JobID)
	assert.Equal(t, StatusCompleted, decoded.Status)
}

func TestDecodeJobNoticeRejectsBadPayloads(t *testing.T) {
	id := uuid.New()
	for _, payload := range []string{
		"",
		"no-separator",
		"not-a-uuid|completed",
		id.String() + "|queued",
		id.String() + "|exploded",
	} {
		_, err := DecodeJobNotice(payload)
		assert.Error(t, err, "payload %q", payload)
	}
}
