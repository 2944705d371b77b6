package service

import (
	"context"
	"fmt"

	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/logging"
	"go.uber.org/zap"
)

// CommunityLister reads the community table
type CommunityLister interface {
	ListCommunities(ctx context.Context) ([]db.Community, error)
}

// CommunityCache holds the community list between reads
type CommunityCache interface {
	GetCommunities(ctx context.Context) ([]db.Community, bool, error)
	SetCommunities(ctx context.Context, communities []db.Community) error
}

// CommunityService lists communities for the picker
type CommunityService struct {
	lister CommunityLister
	cache  CommunityCache
	logger *zap.Logger
}

// NewCommunityService creates a new community service
func NewCommunityService(lister CommunityLister, cache CommunityCache, logger *zap.Logger) *CommunityService {
	return &CommunityService{lister: lister, cache: cache, logger: logger}
}

// ListCommunities returns non-deleted communities ordered by name. Cache
// failures are logged and the database is read instead.
func (s *CommunityService) ListCommunities(ctx context.Context) ([]db.Community, error) {
	logger := logging.FromContext(ctx, s.logger)

	communities, ok, err := s.cache.GetCommunities(ctx)
	if err != nil {
		logger.Warn("community cache read failed", zap.Error(err))
	} else if ok {
		return communities, nil
	}

	communities, err = s.lister.ListCommunities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch communities: %w", err)
	}

	if err := s.cache.SetCommunities(ctx, communities); err != nil {
		logger.Warn("community cache write failed", zap.Error(err))
	}

	return communities, nil
}
