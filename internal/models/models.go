package models

import "time"

// AuthUser is the user record returned by token validation, joined from users.
type AuthUser struct {
	ID       int     `json:"id" db:"id"`
	Name     string  `json:"name" db:"name"`
	Email    string  `json:"email" db:"email"`
	Username string  `json:"username" db:"username"`
	Photo    *string `json:"photo" db:"photo"`
	Gender   *string `json:"gender" db:"gender"`
	Phone    *string `json:"phone" db:"phone"`
	Major    *string `json:"major" db:"major"`
	Role     string  `json:"role" db:"role"`
}

type APIToken struct {
	ID            int        `json:"id" db:"id"`
	UserID        int        `json:"user_id" db:"user_id"`
	TokenHash     string     `json:"-" db:"token_hash"` // SHA256 hex of the raw token
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	LastIP        *string    `json:"last_ip" db:"last_ip"`
	LastUserAgent *string    `json:"last_user_agent" db:"last_user_agent"`
	LastUsedAt    *time.Time `json:"last_used_at" db:"last_used_at"`
	RevokedAt     *time.Time `json:"revoked_at" db:"revoked_at"`
	RevokedReason *string    `json:"revoked_reason" db:"revoked_reason"`
}

type RateLimitCounter struct {
	Identifier     string    `db:"identifier"`
	IdentifierType string    `db:"identifier_type"` // "ip" or "token"
	Endpoint       string    `db:"endpoint"`
	RequestCount   int       `db:"request_count"`
	WindowStart    time.Time `db:"window_start"`
	LastRequestAt  time.Time `db:"last_request_at"`
}

type LoginAttempt struct {
	IPAddress    string     `db:"ip_address"`
	Username     string     `db:"username"`
	Attempts     int        `db:"attempts"`
	LastAttempt  time.Time  `db:"last_attempt"`
	BlockedUntil *time.Time `db:"blocked_until"`
}

type AlertRuleType string

const (
	RuleIPBased       AlertRuleType = "IP_BASED"
	RuleTokenBased    AlertRuleType = "TOKEN_BASED"
	RuleUserBased     AlertRuleType = "USER_BASED"
	RuleEndpointBased AlertRuleType = "ENDPOINT_BASED"
	RuleGeneric       AlertRuleType = "GENERIC"
)

// AutoAction is the JSON auto_action column of alert_rules.
type AutoAction struct {
	BlockIP         bool `json:"block_ip,omitempty"`
	RevokeToken     bool `json:"revoke_token,omitempty"`
	FlagUser        bool `json:"flag_user,omitempty"`
	DurationSeconds int  `json:"duration_seconds,omitempty"`
}

type AlertRule struct {
	ID                int           `json:"id" db:"id"`
	RuleName          string        `json:"rule_name" db:"rule_name"`
	RuleType          AlertRuleType `json:"rule_type" db:"rule_type"`
	ThresholdWarning  int           `json:"threshold_warning" db:"threshold_warning"`
	ThresholdCritical int           `json:"threshold_critical" db:"threshold_critical"`
	TimeWindowSeconds int           `json:"time_window_seconds" db:"time_window_seconds"`
	Scope             *string       `json:"scope" db:"scope"`
	CooldownSeconds   int           `json:"cooldown_seconds" db:"cooldown_seconds"`
	AutoAction        []byte        `json:"auto_action" db:"auto_action"`
	Enabled           bool          `json:"enabled" db:"enabled"`
}

type AlertState struct {
	RuleID        int       `db:"rule_id"`
	SourceHash    string    `db:"source_hash"`
	LastFiredAt   time.Time `db:"last_fired_at"`
	FireCount     int       `db:"fire_count"`
	Escalated     bool      `db:"escalated"`
	CooldownUntil time.Time `db:"cooldown_until"`
}

type AlertEvent struct {
	ID                int64     `json:"id" db:"id"`
	RuleID            int       `json:"rule_id" db:"rule_id"`
	RuleName          string    `json:"rule_name" db:"rule_name"`
	Severity          string    `json:"severity" db:"severity"`
	SourceType        string    `json:"source_type" db:"source_type"`
	SourceValue       string    `json:"source_value" db:"source_value"`
	TriggerCount      int       `json:"trigger_count" db:"trigger_count"`
	TimeWindowSeconds int       `json:"time_window_seconds" db:"time_window_seconds"`
	Metadata          []byte    `json:"metadata" db:"metadata"`
	FiredAt           time.Time `json:"fired_at" db:"fired_at"`
}

type BlockedIP struct {
	IPAddress    string    `json:"ip_address" db:"ip_address"`
	BlockedAt    time.Time `json:"blocked_at" db:"blocked_at"`
	BlockedUntil time.Time `json:"blocked_until" db:"blocked_until"`
	Reason       string    `json:"reason" db:"reason"`
	AlertID      *int64    `json:"alert_id" db:"alert_id"`
	AutoUnblock  bool      `json:"auto_unblock" db:"auto_unblock"`
}

type ReputationStatus string

const (
	StatusNormal     ReputationStatus = "NORMAL"
	StatusSuspicious ReputationStatus = "SUSPICIOUS"
	StatusMalicious  ReputationStatus = "MALICIOUS"
)

type IPReputation struct {
	ID             int64            `json:"id" db:"id"`
	IPAddress      string           `json:"ip_address" db:"ip_address"`
	Score          int              `json:"reputation_score" db:"reputation_score"`
	Status         ReputationStatus `json:"status" db:"status"`
	FirstSeen      time.Time        `json:"first_seen" db:"first_seen"`
	LastSeen       time.Time        `json:"last_seen" db:"last_seen"`
	LastIncidentAt *time.Time       `json:"last_incident_at" db:"last_incident_at"`
	LastDecayAt    *time.Time       `json:"last_decay_at" db:"last_decay_at"`
	TotalAlerts    int              `json:"total_alerts" db:"total_alerts"`
	CriticalAlerts int              `json:"critical_alerts" db:"critical_alerts"`
	AutoBlockCount int              `json:"auto_block_count" db:"auto_block_count"`
	Metadata       []byte           `json:"metadata" db:"metadata"`
}

type AuditEntry struct {
	ID         int64     `json:"id" db:"id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	EventType  string    `json:"event_type" db:"event_type"`
	UserID     *int      `json:"user_id" db:"user_id"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	HTTPMethod string    `json:"http_method" db:"http_method"`
	RequestID  string    `json:"request_id" db:"request_id"`
	Status     string    `json:"status" db:"status"`
	Severity   string    `json:"severity" db:"severity"`
	Metadata   []byte    `json:"metadata" db:"metadata"`
}

// Thin lab domain records. The business layer around them is deliberately
// shallow; they exist so the security pipeline has real endpoints to guard.

type Room struct {
	ID       int    `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Building string `json:"building" db:"building"`
	Capacity int    `json:"capacity" db:"capacity"`
}

type EquipmentItem struct {
	ID        int    `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	RoomID    int    `json:"room_id" db:"room_id"`
	Condition string `json:"condition" db:"condition"`
	Available int    `json:"available" db:"available"`
}

type EquipmentLoan struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int        `json:"user_id" db:"user_id"`
	EquipmentID int        `json:"equipment_id" db:"equipment_id"`
	Quantity    int        `json:"quantity" db:"quantity"`
	Status      string     `json:"status" db:"status"` // pending, approved, returned
	BorrowedAt  time.Time  `json:"borrowed_at" db:"borrowed_at"`
	ReturnedAt  *time.Time `json:"returned_at" db:"returned_at"`
}
