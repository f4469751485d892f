package service

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/audit"
	"labguard/internal/metrics"
	"labguard/internal/repository"
)

const (
	IdentifierIP    = "ip"
	IdentifierToken = "token"
)

var errRateLimited = errors.New("rate limit exceeded")

// RateLimitResult is the middleware-facing outcome of a window check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter int // seconds
}

// RateLimitService implements the transactional fixed-window counter and the
// login lockout. Both mechanisms fail open: a counting error must never take
// the API down with it.
type RateLimitService struct {
	repo       *repository.PostgresRepository
	audit      *audit.Logger
	alerts     *AlertService
	reputation *ReputationService

	limitUnauth   int
	limitAuth     int
	window        time.Duration
	loginAttempts int
	loginWindow   time.Duration
	loginBlock    time.Duration
}

func NewRateLimitService(repo *repository.PostgresRepository, auditLog *audit.Logger, alerts *AlertService, reputation *ReputationService,
	limitUnauth, limitAuth, windowSeconds, loginAttempts, loginWindowMinutes, loginBlockMinutes int) *RateLimitService {
	return &RateLimitService{
		repo:          repo,
		audit:         auditLog,
		alerts:        alerts,
		reputation:    reputation,
		limitUnauth:   limitUnauth,
		limitAuth:     limitAuth,
		window:        time.Duration(windowSeconds) * time.Second,
		loginAttempts: loginAttempts,
		loginWindow:   time.Duration(loginWindowMinutes) * time.Minute,
		loginBlock:    time.Duration(loginBlockMinutes) * time.Minute,
	}
}

// windowStart aligns now to the fixed window boundary.
func (s *RateLimitService) windowStart(now time.Time) time.Time {
	sec := int64(s.window / time.Second)
	if sec < 1 {
		sec = 1
	}
	return time.Unix(now.Unix()/sec*sec, 0).UTC()
}

// Check runs the fixed-window count for one request. tokenHash is the SHA-256
// digest of a presented bearer token, or "" for anonymous traffic; a live
// token doubles the limit and switches the identifier to the digest so limits
// follow the session rather than the NAT.
func (s *RateLimitService) Check(ctx context.Context, tokenHash, ip, endpoint string, ev audit.Event) RateLimitResult {
	now := time.Now()
	identifier, identifierType := ip, IdentifierIP
	limit := s.limitUnauth

	if tokenHash != "" {
		live, err := s.repo.TokenExists(ctx, tokenHash)
		if err != nil {
			zlog.Error().Err(err).Msg("rate limit tier lookup failed")
		} else if live {
			identifier, identifierType = tokenHash, IdentifierToken
			limit = s.limitAuth
		}
	}

	// Reputation tightens (or slightly relaxes) the IP-keyed limit.
	if identifierType == IdentifierIP && s.reputation != nil {
		if mult := s.reputation.RateLimitMultiplier(ctx, ip); mult > 0 {
			limit = int(float64(limit) / mult)
			if limit < 1 {
				limit = 1
			}
		}
	}

	res := s.countInWindow(ctx, identifier, identifierType, endpoint, limit, now)
	if !res.Allowed {
		metrics.MetricRateLimitHits.WithLabelValues(identifierType).Inc()
		s.audit.RateLimitHit(ctx, identifier, identifierType, ev)
		if s.alerts != nil {
			actx := AlertContext{IP: ip, Endpoint: endpoint}
			if identifierType == IdentifierToken {
				actx.TokenHash = identifier
			}
			s.alerts.Check(ctx, "RATE_LIMIT_HIT", actx)
		}
		return res
	}

	// Authenticated traffic keeps a secondary IP counter so the IP-level
	// limit still exists as a fallback. Bookkeeping only, never a 429.
	if identifierType == IdentifierToken {
		if ipRes := s.countInWindow(ctx, ip, IdentifierIP, endpoint, s.limitUnauth, now); !ipRes.Allowed {
			zlog.Warn().Str("ip", ip).Str("endpoint", endpoint).Msg("IP fallback counter over limit behind token")
		}
	}
	return res
}

// countInWindow does one locked read-modify-write of the counter row. The
// threshold check happens inside the transaction; exceeding the limit aborts
// it so the over-limit request is never counted.
func (s *RateLimitService) countInWindow(ctx context.Context, identifier, identifierType, endpoint string, limit int, now time.Time) RateLimitResult {
	winStart := s.windowStart(now)

	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := s.repo.GetRateCounterForUpdate(tx, identifier, identifierType, endpoint)
		if errors.Is(err, repository.ErrNotFound) {
			return s.repo.InsertRateCounter(tx, identifier, identifierType, endpoint, winStart)
		}
		if err != nil {
			return err
		}
		if !rec.WindowStart.Equal(winStart) {
			// New window: the counter restarts at 1.
			return s.repo.UpdateRateCounter(tx, identifier, identifierType, endpoint, 1, winStart)
		}
		count := rec.RequestCount + 1
		if count > limit {
			return errRateLimited
		}
		return s.repo.UpdateRateCounter(tx, identifier, identifierType, endpoint, count, winStart)
	})

	switch {
	case err == nil:
		return RateLimitResult{Allowed: true}
	case errors.Is(err, errRateLimited):
		retry := int(winStart.Add(s.window).Sub(now).Seconds())
		if retry < 1 {
			retry = 1
		}
		return RateLimitResult{Allowed: false, RetryAfter: retry}
	default:
		zlog.Error().Err(err).Str("identifier_type", identifierType).Msg("rate limit check failed, allowing request")
		return RateLimitResult{Allowed: true}
	}
}

// CheckLogin enforces the lockout before credentials are even examined.
// A standing block wins over the attempt counter; hitting the attempt cap
// inside the window sets a fresh block.
func (s *RateLimitService) CheckLogin(ctx context.Context, ip, username string) RateLimitResult {
	now := time.Now()
	var retryAfter int

	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := s.repo.GetLoginAttemptForUpdate(tx, ip, username)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.BlockedUntil != nil && rec.BlockedUntil.After(now) {
			retryAfter = int(rec.BlockedUntil.Sub(now).Seconds())
			return errRateLimited
		}
		if rec.LastAttempt.After(now.Add(-s.loginWindow)) && rec.Attempts >= s.loginAttempts {
			if err := s.repo.SetLoginBlock(tx, ip, username, now.Add(s.loginBlock)); err != nil {
				return err
			}
			metrics.MetricLoginLockouts.Inc()
			retryAfter = int(s.loginBlock.Seconds())
			return errRateLimited
		}
		return nil
	})

	switch {
	case err == nil:
		return RateLimitResult{Allowed: true}
	case errors.Is(err, errRateLimited):
		if retryAfter < 1 {
			retryAfter = 1
		}
		return RateLimitResult{Allowed: false, RetryAfter: retryAfter}
	default:
		zlog.Error().Err(err).Msg("login lockout check failed, allowing attempt")
		return RateLimitResult{Allowed: true}
	}
}

// RecordLoginFailure bumps the attempt counter. Failures outside the window
// restart the count at 1; reaching the cap sets the block immediately.
func (s *RateLimitService) RecordLoginFailure(ctx context.Context, ip, username string) {
	now := time.Now()
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := s.repo.GetLoginAttemptForUpdate(tx, ip, username)
		if errors.Is(err, repository.ErrNotFound) {
			return s.repo.UpsertLoginAttempt(tx, ip, username, 1, nil)
		}
		if err != nil {
			return err
		}
		attempts := 1
		if rec.LastAttempt.After(now.Add(-s.loginWindow)) {
			attempts = rec.Attempts + 1
		}
		var blockedUntil *time.Time
		if attempts >= s.loginAttempts {
			t := now.Add(s.loginBlock)
			blockedUntil = &t
			metrics.MetricLoginLockouts.Inc()
		}
		return s.repo.UpsertLoginAttempt(tx, ip, username, attempts, blockedUntil)
	})
	if err != nil {
		zlog.Error().Err(err).Msg("failed to record login failure")
	}
}

// CleanupCounters drops counter rows two full windows past their usefulness.
func (s *RateLimitService) CleanupCounters(ctx context.Context) error {
	cutoff := time.Now().Add(-2 * s.window)
	removed, err := s.repo.DeleteStaleRateCounters(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		zlog.Debug().Int64("removed", removed).Msg("stale rate counters purged")
	}
	return nil
}

// ResetLoginAttempts clears the counter after a successful login.
func (s *RateLimitService) ResetLoginAttempts(ctx context.Context, ip, username string) {
	if err := s.repo.DeleteLoginAttempts(ctx, ip, username); err != nil {
		zlog.Error().Err(err).Msg("failed to reset login attempts")
	}
}
