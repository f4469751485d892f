// Package audit is the append-only security event log. The relational store
// is the primary sink; writes that fail fall back to a rotating plaintext
// file, and WARNING/CRITICAL entries are always mirrored to the file so they
// survive a database outage.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"labguard/internal/models"
)

const (
	EventLoginSuccess    = "LOGIN_SUCCESS"
	EventLoginFail       = "LOGIN_FAIL"
	EventTokenValid      = "TOKEN_VALID"
	EventTokenCreated    = "TOKEN_CREATED"
	EventTokenRevoked    = "TOKEN_REVOKED"
	EventTokenReplay     = "TOKEN_REPLAY"
	EventRateLimitHit    = "RATE_LIMIT_HIT"
	EventUnauthorized    = "UNAUTHORIZED"
	EventForbidden       = "FORBIDDEN"
	EventDBError         = "DB_ERROR"
	EventException       = "EXCEPTION"
	EventSuspiciousUser  = "SUSPICIOUS_USER"
	EventAlertFired      = "ALERT_FIRED"
	EventPreemptiveBlock = "IP_PREEMPTIVE_BLOCK"
	EventLogout          = "LOGOUT"
	EventPasswordChange  = "PASSWORD_CHANGE"
)

const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"

	StatusSuccess = "SUCCESS"
	StatusFail    = "FAIL"
)

const (
	maxFileSize = 10 * 1024 * 1024
	maxBackups  = 10
)

// Store is the relational sink; satisfied by *repository.PostgresRepository.
type Store interface {
	InsertAuditEntry(ctx context.Context, e models.AuditEntry) error
}

// Event carries the per-request correlation fields for one audit record.
type Event struct {
	UserID    *int
	IPAddress string
	UserAgent string
	Endpoint  string
	Method    string
	RequestID string
	Status    string
	Metadata  map[string]interface{}
}

type Logger struct {
	store    Store
	filePath string
	fileMu   sync.Mutex
}

func New(store Store, filePath string) *Logger {
	return &Logger{store: store, filePath: filePath}
}

// Log records one event. DB failure never propagates: the entry is diverted
// to the file sink and the error is self-logged.
func (l *Logger) Log(ctx context.Context, eventType, severity string, ev Event) {
	if ev.Status == "" {
		ev.Status = StatusSuccess
	}

	var metaJSON []byte
	if ev.Metadata != nil {
		metaJSON, _ = json.Marshal(sanitize(ev.Metadata))
	}

	entry := models.AuditEntry{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		UserID:     ev.UserID,
		IPAddress:  ev.IPAddress,
		UserAgent:  truncate(ev.UserAgent, 255),
		Endpoint:   truncate(ev.Endpoint, 255),
		HTTPMethod: ev.Method,
		RequestID:  ev.RequestID,
		Status:     ev.Status,
		Severity:   severity,
		Metadata:   metaJSON,
	}

	dbOK := true
	if l.store != nil {
		if err := l.store.InsertAuditEntry(ctx, entry); err != nil {
			dbOK = false
			zlog.Error().Err(err).Str("event", eventType).Msg("audit: DB write failed, falling back to file")
		}
	} else {
		dbOK = false
	}

	if !dbOK || severity == SeverityWarning || severity == SeverityCritical {
		l.writeToFile(entry)
	}
}

// sanitize strips credentials from metadata before persistence. Raw passwords
// are dropped; raw tokens are replaced by a truncated digest prefix.
func sanitize(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		switch k {
		case "password":
			continue
		case "token":
			if s, ok := v.(string); ok {
				sum := sha256.Sum256([]byte(s))
				out["token_hash"] = hex.EncodeToString(sum[:])[:16]
			}
			continue
		case "token_hash":
			if s, ok := v.(string); ok && len(s) > 32 {
				out[k] = s[:16] + "..."
				continue
			}
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = sanitize(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (l *Logger) writeToFile(e models.AuditEntry) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	dir := filepath.Dir(l.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		zlog.Error().Err(err).Msg("audit: cannot create log directory")
		return
	}

	if fi, err := os.Stat(l.filePath); err == nil && fi.Size() > maxFileSize {
		l.rotate()
	}

	meta := "{}"
	if len(e.Metadata) > 0 {
		meta = string(e.Metadata)
	}
	userID := "NULL"
	if e.UserID != nil {
		userID = fmt.Sprintf("%d", *e.UserID)
	}
	ua := e.UserAgent
	if ua == "" {
		ua = "N/A"
	}

	line := fmt.Sprintf("[%s] [%s] [%s] [%s] IP:%s | UA:%s | Endpoint:%s | Method:%s | RequestID:%s | UserID:%s | Metadata:%s\n",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.Severity, e.EventType, e.Status,
		e.IPAddress, truncate(ua, 100), e.Endpoint, e.HTTPMethod, e.RequestID, userID, meta)

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		zlog.Error().Err(err).Msg("audit: cannot open security log")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		zlog.Error().Err(err).Msg("audit: security log write failed")
	}
}

// AppendLine writes a preformatted line to the security log file, subject to
// the same rotation policy as fallback entries. Used by the alert pipeline,
// which shares the file with the audit trail.
func (l *Logger) AppendLine(line string) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		zlog.Error().Err(err).Msg("audit: cannot create log directory")
		return
	}
	if fi, err := os.Stat(l.filePath); err == nil && fi.Size() > maxFileSize {
		l.rotate()
	}
	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		zlog.Error().Err(err).Msg("audit: cannot open security log")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		zlog.Error().Err(err).Msg("audit: security log write failed")
	}
}

// rotate renames the current file with a timestamp suffix and prunes old
// generations beyond maxBackups. Caller holds fileMu.
func (l *Logger) rotate() {
	backup := l.filePath + "." + time.Now().Format("2006-01-02_150405")
	if err := os.Rename(l.filePath, backup); err != nil {
		zlog.Error().Err(err).Msg("audit: log rotation failed")
		return
	}

	old, err := filepath.Glob(l.filePath + ".*")
	if err != nil {
		return
	}
	sort.Strings(old)
	for len(old) > maxBackups {
		_ = os.Remove(old[0])
		old = old[1:]
	}
}

// Convenience constructors mirroring the closed event taxonomy.

func (l *Logger) LoginSuccess(ctx context.Context, userID int, username string, ev Event) {
	ev.UserID = &userID
	ev.Status = StatusSuccess
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"username": username})
	l.Log(ctx, EventLoginSuccess, SeverityInfo, ev)
}

func (l *Logger) LoginFail(ctx context.Context, username, reason string, ev Event) {
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"username": username, "reason": reason})
	l.Log(ctx, EventLoginFail, SeverityWarning, ev)
}

func (l *Logger) TokenCreated(ctx context.Context, userID int, tokenHash string, ev Event) {
	ev.UserID = &userID
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"token_hash": truncate(tokenHash, 16) + "..."})
	l.Log(ctx, EventTokenCreated, SeverityInfo, ev)
}

func (l *Logger) TokenRevoked(ctx context.Context, userID int, reason, tokenHash string, ev Event) {
	ev.UserID = &userID
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"reason": reason, "token_hash": truncate(tokenHash, 16) + "..."})
	l.Log(ctx, EventTokenRevoked, SeverityWarning, ev)
}

func (l *Logger) TokenReplay(ctx context.Context, userID int, reason string, ev Event) {
	ev.UserID = &userID
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"reason": reason})
	l.Log(ctx, EventTokenReplay, SeverityCritical, ev)
}

func (l *Logger) RateLimitHit(ctx context.Context, identifier, identifierType string, ev Event) {
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{
		"identifier_type":      identifierType,
		"identifier_truncated": truncate(identifier, 16) + "...",
	})
	l.Log(ctx, EventRateLimitHit, SeverityWarning, ev)
}

func (l *Logger) Unauthorized(ctx context.Context, reason string, ev Event) {
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"reason": reason})
	l.Log(ctx, EventUnauthorized, SeverityWarning, ev)
}

func (l *Logger) Forbidden(ctx context.Context, userID int, requiredRoles string, ev Event) {
	ev.UserID = &userID
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"required_role": requiredRoles})
	l.Log(ctx, EventForbidden, SeverityWarning, ev)
}

func (l *Logger) SuspiciousUser(ctx context.Context, userID int, reason string, ev Event) {
	ev.UserID = &userID
	ev.Status = StatusFail
	ev.Metadata = mergeMeta(ev.Metadata, map[string]interface{}{"reason": reason})
	l.Log(ctx, EventSuspiciousUser, SeverityCritical, ev)
}

func mergeMeta(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
