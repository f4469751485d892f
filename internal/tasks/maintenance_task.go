package tasks

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/service"
)

const (
	TypeReputationDecay = "maintenance:decay"
	TypeSecurityCleanup = "maintenance:cleanup"
)

func NewReputationDecayTask() *asynq.Task {
	return asynq.NewTask(TypeReputationDecay, nil, asynq.MaxRetry(2), asynq.Queue("low"))
}

func NewSecurityCleanupTask() *asynq.Task {
	return asynq.NewTask(TypeSecurityCleanup, nil, asynq.MaxRetry(2), asynq.Queue("low"))
}

// MaintenanceHandler runs the periodic hygiene passes: reputation decay and
// retention cleanup across the security tables.
type MaintenanceHandler struct {
	reputation *service.ReputationService
	alerts     *service.AlertService
	rateLimits *service.RateLimitService
	retainDays int
}

func NewMaintenanceHandler(reputation *service.ReputationService, alerts *service.AlertService, rateLimits *service.RateLimitService, retainDays int) *MaintenanceHandler {
	return &MaintenanceHandler{
		reputation: reputation,
		alerts:     alerts,
		rateLimits: rateLimits,
		retainDays: retainDays,
	}
}

func (h *MaintenanceHandler) ProcessDecay(ctx context.Context, t *asynq.Task) error {
	decayed, err := h.reputation.ApplyDecay(ctx)
	if err != nil {
		return fmt.Errorf("reputation decay failed: %v", err)
	}
	zlog.Info().Int("decayed", decayed).Msg("reputation decay pass complete")
	return nil
}

func (h *MaintenanceHandler) ProcessCleanup(ctx context.Context, t *asynq.Task) error {
	removed, err := h.reputation.Cleanup(ctx, h.retainDays)
	if err != nil {
		return fmt.Errorf("reputation cleanup failed: %v", err)
	}
	if err := h.alerts.CleanupMetrics(ctx); err != nil {
		return fmt.Errorf("alert metric cleanup failed: %v", err)
	}
	if err := h.rateLimits.CleanupCounters(ctx); err != nil {
		return fmt.Errorf("rate counter cleanup failed: %v", err)
	}
	zlog.Info().Int64("reputation_removed", removed).Msg("security cleanup pass complete")
	return nil
}
