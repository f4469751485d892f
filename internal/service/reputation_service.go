package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/audit"
	"labguard/internal/cache"
	"labguard/internal/metrics"
	"labguard/internal/models"
	"labguard/internal/repository"
)

const (
	scoreWarning   = 1
	scoreCritical  = 3
	scoreAutoBlock = 5
	scoreMin       = -100
	scoreMax       = 1000

	thresholdSuspicious = 10
	thresholdMalicious  = 51
	thresholdAutoBlock  = 30

	decayIntervalHours = 24
	decayRate          = 0.1
	minScoreForDecay   = 1

	escalationWindowHours     = 24.0
	escalationMultiplierBase  = 1.0
	escalationMultiplierMax   = 3.0
	preemptiveBaseDurationSec = 3600

	alertHistoryCap = 50
	reputationTTL   = 5 * time.Minute
)

type incidentRecord struct {
	Type          string `json:"type"`
	Severity      string `json:"severity"`
	ScoreIncrease int    `json:"score_increase"`
	Timestamp     string `json:"timestamp"`
}

type reputationMeta struct {
	FirstAlertType     string           `json:"first_alert_type,omitempty"`
	FirstAlertSeverity string           `json:"first_alert_severity,omitempty"`
	LastAlertType      string           `json:"last_alert_type,omitempty"`
	LastAlertSeverity  string           `json:"last_alert_severity,omitempty"`
	LastAlertAt        string           `json:"last_alert_at,omitempty"`
	Country            string           `json:"country,omitempty"`
	AlertHistory       []incidentRecord `json:"alert_history,omitempty"`
}

// reputationSnapshot is the cached projection read on the hot path.
type reputationSnapshot struct {
	Score  int                     `json:"score"`
	Status models.ReputationStatus `json:"status"`
}

// ReputationView is the caller-facing summary with derived multipliers.
type ReputationView struct {
	Score               int                     `json:"score"`
	Status              models.ReputationStatus `json:"status"`
	BlockMultiplier     float64                 `json:"block_multiplier"`
	RateLimitMultiplier float64                 `json:"rate_limit_multiplier"`
}

// ReputationService keeps a per-IP behavior score that decays over time and
// feeds back into blocking and rate limiting.
type ReputationService struct {
	repo  *repository.PostgresRepository
	cch   cache.Cache
	audit *audit.Logger
	geoip *GeoIPService
	guard *BlockGuardService
}

func NewReputationService(repo *repository.PostgresRepository, cch cache.Cache, auditLog *audit.Logger, geoip *GeoIPService) *ReputationService {
	return &ReputationService{repo: repo, cch: cch, audit: auditLog, geoip: geoip}
}

// SetBlockGuard makes preemptive blocks visible to the request-path filter.
func (s *ReputationService) SetBlockGuard(g *BlockGuardService) { s.guard = g }

func reputationKey(ip string) string { return "reputation:" + ip }

func statusFor(score int) models.ReputationStatus {
	switch {
	case score >= thresholdMalicious:
		return models.StatusMalicious
	case score >= thresholdSuspicious:
		return models.StatusSuspicious
	default:
		return models.StatusNormal
	}
}

// escalationMultiplier amplifies penalties for incidents in rapid succession.
// Linear from 3.0 at zero hours down to 1.0 at the 24 hour window edge.
func escalationMultiplier(hoursSinceLast float64) float64 {
	if hoursSinceLast >= escalationWindowHours {
		return escalationMultiplierBase
	}
	m := escalationMultiplierBase + (1-hoursSinceLast/escalationWindowHours)*(escalationMultiplierMax-escalationMultiplierBase)
	return math.Min(escalationMultiplierMax, m)
}

// BlockDurationMultiplier scales auto-block durations with the score.
func BlockDurationMultiplier(score int) float64 {
	switch {
	case score <= 0:
		return 1.0
	case score < 20:
		return 1.0
	case score < 40:
		return 1.5
	case score < 60:
		return 2.0
	case score < 80:
		return 3.0
	default:
		return 5.0
	}
}

// RateLimitMultiplierFor maps score to the limit divisor. Clean IPs get a
// small bonus (0.9), scored IPs get progressively tighter limits.
func RateLimitMultiplierFor(score int) float64 {
	switch {
	case score <= 0:
		return 0.9
	case score < 20:
		return 1.0
	case score < 40:
		return 1.5
	case score < 60:
		return 2.0
	default:
		return 3.0
	}
}

// RecordIncident folds one fired alert into the IP's score. Errors are logged
// and swallowed: reputation bookkeeping never fails the request that caused it.
func (s *ReputationService) RecordIncident(ctx context.Context, ip, severity, alertType string, autoBlocked bool) {
	if ip == "" || ip == "0.0.0.0" {
		return
	}
	metrics.MetricReputationIncidents.WithLabelValues(severity).Inc()

	var newScore int
	now := time.Now()

	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		rep, err := s.repo.GetReputationForUpdate(tx, ip)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		baseScore := scoreWarning
		if severity == audit.SeverityCritical {
			baseScore = scoreCritical
		}
		if autoBlocked {
			baseScore += scoreAutoBlock
		}

		if rep == nil {
			newScore = baseScore
			meta := reputationMeta{
				FirstAlertType:     alertType,
				FirstAlertSeverity: severity,
				Country:            s.country(ip),
				AlertHistory: []incidentRecord{{
					Type: alertType, Severity: severity,
					ScoreIncrease: baseScore, Timestamp: now.UTC().Format(time.RFC3339),
				}},
			}
			metaJSON, _ := json.Marshal(meta)
			criticals, blocks := 0, 0
			if severity == audit.SeverityCritical {
				criticals = 1
			}
			if autoBlocked {
				blocks = 1
			}
			return s.repo.InsertReputation(tx, models.IPReputation{
				IPAddress:      ip,
				Score:          newScore,
				Status:         statusFor(newScore),
				TotalAlerts:    1,
				CriticalAlerts: criticals,
				AutoBlockCount: blocks,
				Metadata:       metaJSON,
			})
		}

		hoursSinceLast := 999.0
		if rep.LastIncidentAt != nil {
			hoursSinceLast = now.Sub(*rep.LastIncidentAt).Hours()
		}
		increase := int(math.Ceil(float64(baseScore) * escalationMultiplier(hoursSinceLast)))
		newScore = rep.Score + increase
		if newScore > scoreMax {
			newScore = scoreMax
		}

		var meta reputationMeta
		_ = json.Unmarshal(rep.Metadata, &meta)
		meta.LastAlertType = alertType
		meta.LastAlertSeverity = severity
		meta.LastAlertAt = now.UTC().Format(time.RFC3339)
		if meta.Country == "" {
			meta.Country = s.country(ip)
		}
		meta.AlertHistory = append(meta.AlertHistory, incidentRecord{
			Type: alertType, Severity: severity,
			ScoreIncrease: increase, Timestamp: now.UTC().Format(time.RFC3339),
		})
		if len(meta.AlertHistory) > alertHistoryCap {
			meta.AlertHistory = meta.AlertHistory[len(meta.AlertHistory)-alertHistoryCap:]
		}
		metaJSON, _ := json.Marshal(meta)

		rep.Score = newScore
		rep.Status = statusFor(newScore)
		rep.TotalAlerts++
		if severity == audit.SeverityCritical {
			rep.CriticalAlerts++
		}
		if autoBlocked {
			rep.AutoBlockCount++
		}
		rep.Metadata = metaJSON
		return s.repo.UpdateReputation(tx, *rep)
	})
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("failed to record reputation incident")
		return
	}

	s.cacheSnapshot(ctx, ip, newScore)

	// A scored-up IP that was not already blocked by the alert itself gets
	// blocked preemptively once it crosses the threshold.
	if newScore >= thresholdAutoBlock && !autoBlocked {
		s.preemptiveBlock(ctx, ip, newScore)
	}
}

func (s *ReputationService) cacheSnapshot(ctx context.Context, ip string, score int) {
	if s.cch == nil {
		return
	}
	snap := reputationSnapshot{Score: score, Status: statusFor(score)}
	if err := s.cch.Set(ctx, reputationKey(ip), snap, reputationTTL); err != nil {
		zlog.Debug().Err(err).Msg("reputation cache write failed")
	}
}

func (s *ReputationService) preemptiveBlock(ctx context.Context, ip string, score int) {
	duration := time.Duration(float64(preemptiveBaseDurationSec)*BlockDurationMultiplier(score)) * time.Second
	blockedUntil := time.Now().Add(duration)
	reason := fmt.Sprintf("REPUTATION_BASED: score=%d", score)

	if err := s.repo.BlockIP(ctx, ip, blockedUntil, reason, nil, true); err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("preemptive block failed")
		return
	}
	metrics.MetricAutoBlocks.WithLabelValues("reputation").Inc()
	if s.guard != nil {
		s.guard.NoteBlocked(ip)
	}
	s.audit.Log(ctx, audit.EventPreemptiveBlock, audit.SeverityWarning, audit.Event{
		IPAddress: ip,
		Metadata: map[string]interface{}{
			"reputation_score": score,
			"block_duration":   int(duration.Seconds()),
		},
	})
	zlog.Warn().Str("ip", ip).Int("score", score).Dur("duration", duration).Msg("preemptive block triggered")
}

// GetView returns the score, status and derived multipliers for an IP,
// serving from cache when possible. Unknown IPs and lookup errors read as a
// clean slate.
func (s *ReputationService) GetView(ctx context.Context, ip string) ReputationView {
	if ip == "" || ip == "0.0.0.0" {
		return ReputationView{Status: models.StatusNormal, BlockMultiplier: 1.0, RateLimitMultiplier: 1.0}
	}

	if s.cch != nil {
		var snap reputationSnapshot
		if err := s.cch.Get(ctx, reputationKey(ip), &snap); err == nil {
			return viewFrom(snap.Score)
		}
	}

	rep, err := s.repo.GetReputation(ctx, ip)
	if errors.Is(err, repository.ErrNotFound) {
		return ReputationView{Status: models.StatusNormal, BlockMultiplier: 1.0, RateLimitMultiplier: 1.0}
	}
	if err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("reputation lookup failed")
		return ReputationView{Status: models.StatusNormal, BlockMultiplier: 1.0, RateLimitMultiplier: 1.0}
	}
	s.cacheSnapshot(ctx, ip, rep.Score)
	return viewFrom(rep.Score)
}

func viewFrom(score int) ReputationView {
	return ReputationView{
		Score:               score,
		Status:              statusFor(score),
		BlockMultiplier:     BlockDurationMultiplier(score),
		RateLimitMultiplier: RateLimitMultiplierFor(score),
	}
}

// RateLimitMultiplier is the rate limiter's entry point.
func (s *ReputationService) RateLimitMultiplier(ctx context.Context, ip string) float64 {
	return s.GetView(ctx, ip).RateLimitMultiplier
}

// BlockMultiplier is the alert engine's entry point for sizing auto-blocks.
func (s *ReputationService) BlockMultiplier(ctx context.Context, ip string) float64 {
	return s.GetView(ctx, ip).BlockMultiplier
}

// ApplyDecay walks scored IPs idle past the decay interval and shaves 10%
// (at least 1 point) off each. Returns the number of rows touched.
func (s *ReputationService) ApplyDecay(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-decayIntervalHours * time.Hour)
	candidates, err := s.repo.ListDecayCandidates(ctx, minScoreForDecay, cutoff)
	if err != nil {
		return 0, err
	}

	decayed := 0
	for _, rep := range candidates {
		amount := int(math.Ceil(float64(rep.Score) * decayRate))
		if amount < 1 {
			amount = 1
		}
		newScore := rep.Score - amount
		if newScore < scoreMin {
			newScore = scoreMin
		}
		if err := s.repo.ApplyReputationDecay(ctx, rep.ID, newScore, statusFor(newScore)); err != nil {
			zlog.Error().Err(err).Str("ip", rep.IPAddress).Msg("decay update failed")
			continue
		}
		if s.cch != nil {
			_ = s.cch.Invalidate(ctx, reputationKey(rep.IPAddress))
		}
		decayed++
	}
	if decayed > 0 {
		zlog.Info().Int("count", decayed).Msg("reputation decay applied")
	}
	return decayed, nil
}

// Cleanup drops reputation rows that have been quiet for the retention period
// and never amounted to anything.
func (s *ReputationService) Cleanup(ctx context.Context, retainDays int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(retainDays) * 24 * time.Hour)
	return s.repo.DeleteStaleReputation(ctx, cutoff)
}

// TopMalicious lists the worst offenders for the admin dashboard.
func (s *ReputationService) TopMalicious(ctx context.Context, limit int) ([]models.IPReputation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.GetTopMalicious(ctx, limit)
}

func (s *ReputationService) country(ip string) string {
	if s.geoip == nil {
		return ""
	}
	return s.geoip.CountryCode(ip)
}
