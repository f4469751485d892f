package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"labguard/internal/audit"
	"labguard/internal/metrics"
	"labguard/internal/models"
	"labguard/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMalformedToken     = errors.New("malformed token")
	ErrUnknownToken       = errors.New("unknown or expired token")
	ErrSessionExpired     = errors.New("session expired")
	ErrInternal           = errors.New("token validation failed")
)

var tokenFormat = regexp.MustCompile(`^[0-9a-f]{64}$`)

// bindingViolation aborts the validation transaction so the revocation can be
// committed independently of the rolled-back lookup.
type bindingViolation struct{ reason string }

func (e *bindingViolation) Error() string { return "session binding violation: " + e.reason }

type TokenService struct {
	repo   *repository.PostgresRepository
	audit  *audit.Logger
	alerts *AlertService
	ttl    time.Duration
}

func NewTokenService(repo *repository.PostgresRepository, auditLog *audit.Logger, alerts *AlertService, ttl time.Duration) *TokenService {
	return &TokenService{repo: repo, audit: auditLog, alerts: alerts, ttl: ttl}
}

// Authenticate verifies a username/password pair against the stored bcrypt
// hash. It returns ErrInvalidCredentials for both an unknown user and a wrong
// password so callers cannot distinguish the two.
func (s *TokenService) Authenticate(ctx context.Context, username, password string) (*models.AuthUser, error) {
	creds, err := s.repo.GetUserCredentials(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Burn a comparison anyway to keep timing flat.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &creds.AuthUser, nil
}

// IssueToken mints a fresh bearer token for the user. Only the SHA-256 digest
// is persisted; the plaintext is returned once and never stored.
func (s *TokenService) IssueToken(ctx context.Context, userID int, ev audit.Event) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	plain := hex.EncodeToString(raw)
	digest := hashToken(plain)

	expiresAt := time.Now().Add(s.ttl)
	if err := s.repo.CreateToken(ctx, userID, digest, expiresAt); err != nil {
		return "", err
	}
	s.audit.TokenCreated(ctx, userID, digest, ev)
	return plain, nil
}

// Validate resolves a bearer token to its user. The lookup, session-binding
// check and last-seen update all happen under one row lock so two concurrent
// requests with the same token serialize instead of racing the binding state.
// Internal errors fail closed.
func (s *TokenService) Validate(ctx context.Context, rawToken, ip, userAgent string, ev audit.Event) (*models.AuthUser, error) {
	if !tokenFormat.MatchString(rawToken) {
		metrics.MetricTokenValidations.WithLabelValues("malformed").Inc()
		s.audit.Unauthorized(ctx, "malformed_token", ev)
		return nil, ErrMalformedToken
	}
	digest := hashToken(rawToken)

	var user models.AuthUser
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.repo.GetTokenForUpdate(tx, digest)
		if err != nil {
			return err
		}
		if row.RevokedAt != nil {
			reason := "revoked"
			if row.RevokedReason != nil {
				reason = *row.RevokedReason
			}
			metrics.MetricTokenValidations.WithLabelValues("revoked").Inc()
			uid := row.UserID
			s.audit.TokenRevoked(ctx, uid, reason, digest, ev)
			return ErrSessionExpired
		}
		if reason := bindingMismatch(row, ip, userAgent); reason != "" {
			return &bindingViolation{reason: reason}
		}
		if err := s.repo.UpdateTokenUsage(tx, row.ID, ip, userAgent); err != nil {
			return err
		}
		user = row.User
		return nil
	})

	var violation *bindingViolation
	switch {
	case err == nil:
		metrics.MetricTokenValidations.WithLabelValues("valid").Inc()
		return &user, nil
	case errors.As(err, &violation):
		// The revoke commits on its own connection: the token must die even
		// though the validation transaction rolled back.
		if rerr := s.repo.RevokeToken(ctx, digest, violation.reason); rerr != nil {
			zlog.Error().Err(rerr).Msg("failed to revoke token after binding violation")
		}
		metrics.MetricTokenValidations.WithLabelValues("replay").Inc()
		uid := findTokenUser(ctx, s.repo, digest)
		s.audit.TokenReplay(ctx, uid, violation.reason, ev)
		if s.alerts != nil {
			s.alerts.Check(ctx, "TOKEN_MULTI_IP", AlertContext{IP: ip, TokenHash: digest, UserID: &uid, Endpoint: ev.Endpoint})
		}
		return nil, ErrSessionExpired
	case errors.Is(err, repository.ErrNotFound):
		metrics.MetricTokenValidations.WithLabelValues("unknown").Inc()
		s.audit.Unauthorized(ctx, "invalid_token", ev)
		if s.alerts != nil {
			s.alerts.Check(ctx, "TOKEN_INVALID", AlertContext{IP: ip, TokenHash: digest, Endpoint: ev.Endpoint})
		}
		return nil, ErrUnknownToken
	case errors.Is(err, ErrSessionExpired):
		return nil, ErrSessionExpired
	default:
		metrics.MetricTokenValidations.WithLabelValues("error").Inc()
		zlog.Error().Err(err).Msg("token validation failed")
		s.audit.Log(ctx, audit.EventDBError, audit.SeverityCritical, ev)
		return nil, ErrInternal
	}
}

// Revoke invalidates a token presented in plaintext, e.g. on logout.
func (s *TokenService) Revoke(ctx context.Context, rawToken, reason string) error {
	if !tokenFormat.MatchString(rawToken) {
		return ErrMalformedToken
	}
	return s.repo.RevokeToken(ctx, hashToken(rawToken), reason)
}

// RevokeOthers kills every live token of the user except the one presented,
// used after a password change.
func (s *TokenService) RevokeOthers(ctx context.Context, userID int, keepRawToken, reason string) error {
	_, err := s.repo.RevokeUserTokens(ctx, userID, hashToken(keepRawToken), reason)
	return err
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func bindingMismatch(row *repository.TokenWithUser, ip, userAgent string) string {
	if row.LastUserAgent != nil && *row.LastUserAgent != "" && userAgent != "" && *row.LastUserAgent != userAgent {
		return "ua_mismatch"
	}
	if row.LastIP != nil && *row.LastIP != "" && ip != "" && !sameSubnet(*row.LastIP, ip) {
		return "ip_mismatch"
	}
	return ""
}

// sameSubnet reports whether two addresses share a /24 (IPv4) or /64 (IPv6)
// prefix. Identical strings trivially match; unparseable input does not.
func sameSubnet(a, b string) bool {
	if a == b {
		return true
	}
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return false
	}
	if a4, b4 := ipA.To4(), ipB.To4(); a4 != nil && b4 != nil {
		return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
	}
	a16, b16 := ipA.To16(), ipB.To16()
	if a16 == nil || b16 == nil || ipA.To4() != nil || ipB.To4() != nil {
		return false
	}
	for i := 0; i < 8; i++ {
		if a16[i] != b16[i] {
			return false
		}
	}
	return true
}

// findTokenUser best-effort resolves the owner of a just-revoked token for
// audit attribution. Returns 0 when unknown.
func findTokenUser(ctx context.Context, repo *repository.PostgresRepository, digest string) int {
	id, err := repo.GetTokenOwner(ctx, digest)
	if err != nil {
		return 0
	}
	return id
}
