package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/models"
)

// AddGroup creates an active group with the given TTL and per-queue
// concurrency caps. OwnerID is the raw external identifier, normalized the
// same way job owners are.
func (s *Service) AddGroup(ctx context.Context, id uuid.UUID, ownerID string, ttl time.Duration, caps []models.ConcurrencySetting) (*models.Group, error) {
	var owner *uuid.UUID
	if ownerID != "" {
		normalized := common.NormalizeOwnerID(ownerID)
		owner = &normalized
	}

	group := models.NewGroup(id, owner, ttl)
	if err := s.store.InsertGroup(ctx, group, caps); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("group_id", id.String()).Dur("ttl", ttl).Msg("Group added")
	return group, nil
}

// GetGroup returns the group or nil when absent.
func (s *Service) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return s.store.GetGroup(ctx, id)
}

// GetOngoingByOwner returns the owner's active groups. Used by admission
// layers to bound parallel crawls per team.
func (s *Service) GetOngoingByOwner(ctx context.Context, ownerID string) ([]*models.Group, error) {
	return s.store.ListOngoingByOwner(ctx, common.NormalizeOwnerID(ownerID))
}

// CancelGroup cancels an active group and bulk-fails its queued and backlog
// members with reason CANCELLED. Active members run to completion. False
// when the group was not active, including on repeat calls.
func (s *Service) CancelGroup(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.CancelGroup(ctx, id)
}
