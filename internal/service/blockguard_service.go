package service

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/models"
	"labguard/internal/repository"
)

const (
	bloomCapacity     = 100000
	bloomFalsePosRate = 0.01
)

// BlockGuardService answers "is this IP blocked" on the hot path. A bloom
// filter over the active block list screens out the overwhelmingly common
// negative case without touching the database; only bloom hits are confirmed
// against blocked_ips. New blocks are added to the filter immediately and the
// whole filter is rebuilt on an interval to age out expired entries.
type BlockGuardService struct {
	repo *repository.PostgresRepository

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

func NewBlockGuardService(repo *repository.PostgresRepository) *BlockGuardService {
	return &BlockGuardService{
		repo:   repo,
		filter: bloom.NewWithEstimates(bloomCapacity, bloomFalsePosRate),
	}
}

// IsBlocked reports whether the IP has an active block. Lookup errors fail
// open: an unreachable database must not lock everyone out.
func (s *BlockGuardService) IsBlocked(ctx context.Context, ip string) (*models.BlockedIP, bool) {
	s.mu.RLock()
	maybe := s.filter.TestString(ip)
	s.mu.RUnlock()
	if !maybe {
		return nil, false
	}

	block, err := s.repo.GetActiveBlock(ctx, ip)
	if err != nil {
		if err != repository.ErrNotFound {
			zlog.Error().Err(err).Str("ip", ip).Msg("block lookup failed")
		}
		return nil, false
	}
	return block, true
}

// NoteBlocked makes a fresh block visible to the filter without waiting for
// the next rebuild.
func (s *BlockGuardService) NoteBlocked(ip string) {
	s.mu.Lock()
	s.filter.AddString(ip)
	s.mu.Unlock()
}

// Refresh rebuilds the filter from the active block list.
func (s *BlockGuardService) Refresh(ctx context.Context) error {
	blocks, err := s.repo.ListActiveBlocks(ctx)
	if err != nil {
		return err
	}
	fresh := bloom.NewWithEstimates(bloomCapacity, bloomFalsePosRate)
	for _, b := range blocks {
		fresh.AddString(b.IPAddress)
	}
	s.mu.Lock()
	s.filter = fresh
	s.mu.Unlock()
	zlog.Debug().Int("count", len(blocks)).Msg("block filter rebuilt")
	return nil
}

// StartRefresher rebuilds the filter periodically until ctx is cancelled.
func (s *BlockGuardService) StartRefresher(ctx context.Context, interval time.Duration) {
	if err := s.Refresh(ctx); err != nil {
		zlog.Error().Err(err).Msg("initial block filter build failed")
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx); err != nil {
					zlog.Error().Err(err).Msg("block filter rebuild failed")
				}
			}
		}
	}()
}
