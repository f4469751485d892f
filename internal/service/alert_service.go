package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
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
	alertRulesCacheKey = "alert:rules"
	alertRulesTTL      = time.Minute
	cleanupInterval    = 300 * time.Second
)

var errCooldown = errors.New("alert in cooldown")

// AlertContext carries the request attribution for one security event.
type AlertContext struct {
	IP        string
	TokenHash string
	UserID    *int
	Endpoint  string
	Method    string
	RequestID string
}

// AlertPayload is the outward shape of a fired alert, shared by the log line,
// the websocket broadcast and the notification task.
type AlertPayload struct {
	AlertID           int64                  `json:"alert_id"`
	RuleName          string                 `json:"rule_name"`
	Severity          string                 `json:"severity"`
	SourceType        string                 `json:"source_type"`
	SourceValue       string                 `json:"source_value"`
	TriggerCount      int                    `json:"trigger_count"`
	TimeWindowSeconds int                    `json:"time_window_seconds"`
	Endpoint          string                 `json:"endpoint"`
	RequestID         string                 `json:"request_id,omitempty"`
	Timestamp         string                 `json:"timestamp"`
	SuggestedAction   string                 `json:"suggested_action"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// Broadcaster pushes fired alerts to connected dashboards.
type Broadcaster interface {
	BroadcastAlert(p AlertPayload)
}

// Notifier hands CRITICAL alerts off for out-of-band delivery.
type Notifier interface {
	NotifyCriticalAlert(ctx context.Context, p AlertPayload) error
}

// AlertService is the rule-driven detection engine. Each (rule, source) pair
// walks Idle -> Firing -> Cooldown -> Idle; firing happens under a row lock
// so concurrent triggers collapse into one alert.
type AlertService struct {
	repo       *repository.PostgresRepository
	cch        cache.Cache
	audit      *audit.Logger
	reputation *ReputationService
	hub        Broadcaster
	notifier   Notifier
	guard      *BlockGuardService

	cleanupMu   sync.Mutex
	lastCleanup time.Time
}

func NewAlertService(repo *repository.PostgresRepository, cch cache.Cache, auditLog *audit.Logger, reputation *ReputationService) *AlertService {
	return &AlertService{repo: repo, cch: cch, audit: auditLog, reputation: reputation}
}

// SetBroadcaster wires the websocket hub in after construction; the hub lives
// in the API layer and is built later during bootstrap.
func (s *AlertService) SetBroadcaster(b Broadcaster) { s.hub = b }

// SetNotifier wires the async delivery client in after construction.
func (s *AlertService) SetNotifier(n Notifier) { s.notifier = n }

// SetBlockGuard lets auto-blocks become visible to the request-path filter
// without waiting for its next rebuild.
func (s *AlertService) SetBlockGuard(g *BlockGuardService) { s.guard = g }

// Check runs every enabled rule against one security event. Failures are
// swallowed: detection must never break the request path it observes.
func (s *AlertService) Check(ctx context.Context, eventType string, actx AlertContext) {
	rules, err := s.rules(ctx)
	if err != nil {
		zlog.Error().Err(err).Msg("alert rules unavailable")
		return
	}
	if actx.Endpoint == "" {
		actx.Endpoint = "/"
	}

	for _, rule := range rules {
		if !ruleMatches(rule, actx.Endpoint) {
			continue
		}
		sourceHash := sourceHashFor(rule, actx)
		if sourceHash == "" {
			continue
		}
		windowStart := windowStartFor(rule.TimeWindowSeconds)
		count, err := s.repo.IncrementAlertMetric(ctx, rule.ID, sourceHash, windowStart)
		if err != nil {
			zlog.Error().Err(err).Str("rule", rule.RuleName).Msg("alert metric increment failed")
			continue
		}

		// Critical first; reaching it suppresses the duplicate warning fire.
		switch {
		case count >= rule.ThresholdCritical:
			s.fire(ctx, rule, audit.SeverityCritical, sourceHash, count, eventType, actx)
		case count >= rule.ThresholdWarning:
			s.fire(ctx, rule, audit.SeverityWarning, sourceHash, count, eventType, actx)
		}
	}

	s.maybeCleanup(ctx, rules)
}

func (s *AlertService) rules(ctx context.Context) ([]models.AlertRule, error) {
	if s.cch != nil {
		var cached []models.AlertRule
		if err := s.cch.Get(ctx, alertRulesCacheKey, &cached); err == nil {
			return cached, nil
		}
	}
	rules, err := s.repo.GetEnabledAlertRules(ctx)
	if err != nil {
		return nil, err
	}
	if s.cch != nil {
		if err := s.cch.Set(ctx, alertRulesCacheKey, rules, alertRulesTTL); err != nil {
			zlog.Debug().Err(err).Msg("alert rules cache write failed")
		}
	}
	return rules, nil
}

// ClearRuleCache drops the cached rule set so administrative changes take
// effect without a restart.
func (s *AlertService) ClearRuleCache(ctx context.Context) error {
	if s.cch == nil {
		return nil
	}
	return s.cch.Invalidate(ctx, alertRulesCacheKey)
}

func ruleMatches(rule models.AlertRule, endpoint string) bool {
	if rule.RuleType != models.RuleEndpointBased || rule.Scope == nil || *rule.Scope == "" {
		return true
	}
	pattern := "^" + regexp.QuoteMeta(*rule.Scope) + "$"
	pattern = regexp.MustCompile(`\\\*`).ReplaceAllString(pattern, ".*")
	matched, err := regexp.MatchString(pattern, endpoint)
	if err != nil {
		return false
	}
	return matched
}

// sourceHashFor derives the counting key per rule type. Rules whose required
// attribution is absent skip the event entirely.
func sourceHashFor(rule models.AlertRule, actx AlertContext) string {
	switch rule.RuleType {
	case models.RuleIPBased:
		return sha256Hex("ip:" + actx.IP)
	case models.RuleTokenBased:
		if actx.TokenHash == "" {
			return ""
		}
		return sha256Hex("token:" + actx.TokenHash)
	case models.RuleUserBased:
		if actx.UserID == nil {
			return ""
		}
		return sha256Hex("user:" + strconv.Itoa(*actx.UserID))
	case models.RuleEndpointBased:
		return sha256Hex("endpoint:" + actx.Endpoint)
	default:
		uid := ""
		if actx.UserID != nil {
			uid = strconv.Itoa(*actx.UserID)
		}
		return sha256Hex(actx.IP + "|" + actx.TokenHash + "|" + uid)
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func windowStartFor(windowSeconds int) time.Time {
	w := int64(windowSeconds)
	if w < 1 {
		w = 1
	}
	return time.Unix(time.Now().Unix()/w*w, 0).UTC()
}

// shortHash renders a token hash for logs and metadata without exposing the
// full digest. Hashes shorter than the display prefix pass through unchanged.
func shortHash(h string) string {
	if len(h) < 16 {
		return h
	}
	return h[:16] + "..."
}

func (s *AlertService) fire(ctx context.Context, rule models.AlertRule, severity, sourceHash string, count int, eventType string, actx AlertContext) {
	stateHash := sha256Hex(strconv.Itoa(rule.ID) + "|" + sourceHash)
	now := time.Now()

	meta := map[string]interface{}{
		"event_type":          eventType,
		"trigger_count":       count,
		"time_window_seconds": rule.TimeWindowSeconds,
		"endpoint":            actx.Endpoint,
		"http_method":         actx.Method,
		"request_id":          actx.RequestID,
	}
	if actx.IP != "" {
		meta["ip_address"] = actx.IP
	}
	if actx.TokenHash != "" {
		meta["token_hash"] = shortHash(actx.TokenHash)
	}
	if actx.UserID != nil {
		meta["user_id"] = *actx.UserID
	}
	metaJSON, _ := json.Marshal(meta)

	var alertID int64
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		state, err := s.repo.GetAlertStateForUpdate(tx, rule.ID, stateHash)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		fireCount := 1
		escalated := false
		if state != nil {
			if state.CooldownUntil.After(now) {
				return errCooldown
			}
			fireCount = state.FireCount + 1
			escalated = state.Escalated || (fireCount > 1 && severity == audit.SeverityCritical)
		}
		cooldownUntil := now.Add(time.Duration(rule.CooldownSeconds) * time.Second)
		if err := s.repo.UpsertAlertState(tx, rule.ID, stateHash, fireCount, escalated, cooldownUntil); err != nil {
			return err
		}

		alertID, err = s.repo.InsertAlertEvent(tx, models.AlertEvent{
			RuleID:            rule.ID,
			RuleName:          rule.RuleName,
			Severity:          severity,
			SourceType:        sourceTypeFor(rule),
			SourceValue:       sourceValueFor(rule, actx),
			TriggerCount:      count,
			TimeWindowSeconds: rule.TimeWindowSeconds,
			Metadata:          metaJSON,
			FiredAt:           now,
		})
		return err
	})
	if errors.Is(err, errCooldown) {
		return
	}
	if err != nil {
		zlog.Error().Err(err).Str("rule", rule.RuleName).Msg("alert fire failed")
		return
	}

	metrics.MetricAlertsFired.WithLabelValues(severity).Inc()

	autoBlocked := s.executeAutoActions(ctx, rule, severity, alertID, actx)

	if s.reputation != nil && actx.IP != "" {
		s.reputation.RecordIncident(ctx, actx.IP, severity, rule.RuleName, autoBlocked)
	}

	payload := AlertPayload{
		AlertID:           alertID,
		RuleName:          rule.RuleName,
		Severity:          severity,
		SourceType:        sourceTypeFor(rule),
		SourceValue:       sourceValueFor(rule, actx),
		TriggerCount:      count,
		TimeWindowSeconds: rule.TimeWindowSeconds,
		Endpoint:          actx.Endpoint,
		RequestID:         actx.RequestID,
		Timestamp:         now.UTC().Format(time.RFC3339),
		SuggestedAction:   suggestedAction(rule, severity),
		Metadata:          meta,
	}
	s.emit(ctx, payload)

	auditSeverity := audit.SeverityWarning
	if severity == audit.SeverityCritical {
		auditSeverity = audit.SeverityCritical
	}
	s.audit.Log(ctx, audit.EventAlertFired, auditSeverity, audit.Event{
		UserID:    actx.UserID,
		IPAddress: actx.IP,
		Endpoint:  actx.Endpoint,
		Method:    actx.Method,
		RequestID: actx.RequestID,
		Metadata: map[string]interface{}{
			"alert_id":      alertID,
			"rule_name":     rule.RuleName,
			"severity":      severity,
			"source_type":   payload.SourceType,
			"source_value":  payload.SourceValue,
			"trigger_count": count,
		},
	})
}

// executeAutoActions applies the rule's configured responses. CRITICAL only;
// reports whether an IP block was placed so the reputation incident can carry
// the auto-block bonus.
func (s *AlertService) executeAutoActions(ctx context.Context, rule models.AlertRule, severity string, alertID int64, actx AlertContext) bool {
	if severity != audit.SeverityCritical || len(rule.AutoAction) == 0 {
		return false
	}
	var action models.AutoAction
	if err := json.Unmarshal(rule.AutoAction, &action); err != nil {
		zlog.Error().Err(err).Str("rule", rule.RuleName).Msg("bad auto_action config")
		return false
	}

	blocked := false
	if action.BlockIP && actx.IP != "" {
		duration := action.DurationSeconds
		if duration <= 0 {
			duration = 3600
		}
		// Known-bad IPs get proportionally longer blocks.
		if s.reputation != nil {
			duration = int(float64(duration) * s.reputation.BlockMultiplier(ctx, actx.IP))
		}
		blockedUntil := time.Now().Add(time.Duration(duration) * time.Second)
		if err := s.repo.BlockIP(ctx, actx.IP, blockedUntil, rule.RuleName, &alertID, true); err != nil {
			zlog.Error().Err(err).Str("ip", actx.IP).Msg("auto-block failed")
		} else {
			metrics.MetricAutoBlocks.WithLabelValues("alert").Inc()
			zlog.Warn().Str("ip", actx.IP).Time("until", blockedUntil).Str("rule", rule.RuleName).Msg("IP auto-blocked")
			if s.guard != nil {
				s.guard.NoteBlocked(actx.IP)
			}
			blocked = true
		}
	}
	if action.RevokeToken && actx.TokenHash != "" {
		if err := s.repo.RevokeToken(ctx, actx.TokenHash, "alert:"+rule.RuleName); err != nil {
			zlog.Error().Err(err).Msg("auto-revoke failed")
		} else {
			zlog.Warn().Str("token_hash", shortHash(actx.TokenHash)).Str("rule", rule.RuleName).Msg("token auto-revoked")
		}
	}
	if action.FlagUser && actx.UserID != nil {
		s.audit.SuspiciousUser(ctx, *actx.UserID, "alert:"+rule.RuleName, audit.Event{
			IPAddress: actx.IP,
			Endpoint:  actx.Endpoint,
			RequestID: actx.RequestID,
		})
		zlog.Warn().Int("user_id", *actx.UserID).Str("rule", rule.RuleName).Msg("user flagged")
	}
	return blocked
}

// emit fans a fired alert out to the log file, the dashboard hub and, for
// CRITICAL severity, the notification queue.
func (s *AlertService) emit(ctx context.Context, p AlertPayload) {
	line := fmt.Sprintf("[ALERT] [%s] [%s] Rule: %s | Source: %s:%s | Count: %d/%ds | Endpoint: %s | AlertID: %d | Action: %s",
		p.Timestamp, p.Severity, p.RuleName, p.SourceType, p.SourceValue,
		p.TriggerCount, p.TimeWindowSeconds, p.Endpoint, p.AlertID, p.SuggestedAction)
	s.audit.AppendLine(line)

	if s.hub != nil {
		s.hub.BroadcastAlert(p)
	}
	if p.Severity == audit.SeverityCritical && s.notifier != nil {
		if err := s.notifier.NotifyCriticalAlert(ctx, p); err != nil {
			zlog.Error().Err(err).Int64("alert_id", p.AlertID).Msg("failed to enqueue alert notification")
		}
	}
}

func sourceTypeFor(rule models.AlertRule) string {
	switch rule.RuleType {
	case models.RuleTokenBased:
		return "TOKEN"
	case models.RuleUserBased:
		return "USER"
	case models.RuleEndpointBased:
		return "ENDPOINT"
	default:
		return "IP"
	}
}

func sourceValueFor(rule models.AlertRule, actx AlertContext) string {
	switch rule.RuleType {
	case models.RuleTokenBased:
		if actx.TokenHash == "" {
			return "unknown"
		}
		return shortHash(actx.TokenHash)
	case models.RuleUserBased:
		if actx.UserID == nil {
			return "unknown"
		}
		return strconv.Itoa(*actx.UserID)
	case models.RuleEndpointBased:
		return actx.Endpoint
	default:
		if actx.IP == "" {
			return "unknown"
		}
		return actx.IP
	}
}

func suggestedAction(rule models.AlertRule, severity string) string {
	if severity != audit.SeverityCritical {
		return "Review and monitor"
	}
	var action models.AutoAction
	_ = json.Unmarshal(rule.AutoAction, &action)
	switch {
	case action.BlockIP:
		return "IP has been automatically blocked"
	case action.RevokeToken:
		return "Token has been automatically revoked"
	default:
		return "Immediate manual review required"
	}
}

// maybeCleanup purges expired metric rows and lapsed auto-blocks, at most
// once per interval per process.
func (s *AlertService) maybeCleanup(ctx context.Context, rules []models.AlertRule) {
	s.cleanupMu.Lock()
	if time.Since(s.lastCleanup) < cleanupInterval {
		s.cleanupMu.Unlock()
		return
	}
	s.lastCleanup = time.Now()
	s.cleanupMu.Unlock()

	maxWindow := 0
	for _, r := range rules {
		if r.TimeWindowSeconds*2 > maxWindow {
			maxWindow = r.TimeWindowSeconds * 2
		}
	}
	if maxWindow == 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(maxWindow) * time.Second)
	if _, err := s.repo.DeleteOldAlertMetrics(ctx, cutoff); err != nil {
		zlog.Error().Err(err).Msg("alert metric cleanup failed")
	}
	if _, err := s.repo.DeleteExpiredAutoBlocks(ctx); err != nil {
		zlog.Error().Err(err).Msg("expired auto-block cleanup failed")
	}
}

// CleanupMetrics is the scheduled variant of the inline throttled cleanup,
// run from the worker.
func (s *AlertService) CleanupMetrics(ctx context.Context) error {
	rules, err := s.rules(ctx)
	if err != nil {
		return err
	}
	maxWindow := 0
	for _, r := range rules {
		if r.TimeWindowSeconds*2 > maxWindow {
			maxWindow = r.TimeWindowSeconds * 2
		}
	}
	if maxWindow == 0 {
		return nil
	}
	if _, err := s.repo.DeleteOldAlertMetrics(ctx, time.Now().Add(-time.Duration(maxWindow)*time.Second)); err != nil {
		return err
	}
	_, err = s.repo.DeleteExpiredAutoBlocks(ctx)
	return err
}

// RecentEvents lists fired alerts for the admin dashboard.
func (s *AlertService) RecentEvents(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.GetAlertEvents(ctx, limit)
}
