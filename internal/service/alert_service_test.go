package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"labguard/internal/models"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestRuleMatchesScope(t *testing.T) {
	endpointRule := func(scope string) models.AlertRule {
		return models.AlertRule{RuleType: models.RuleEndpointBased, Scope: strPtr(scope)}
	}

	assert.True(t, ruleMatches(endpointRule("/api/auth/*"), "/api/auth/login"))
	assert.True(t, ruleMatches(endpointRule("/api/auth/*"), "/api/auth/change-password"))
	assert.False(t, ruleMatches(endpointRule("/api/auth/*"), "/api/rooms"))
	assert.True(t, ruleMatches(endpointRule("*"), "/anything"))
	assert.True(t, ruleMatches(endpointRule("/api/loans"), "/api/loans"))
	assert.False(t, ruleMatches(endpointRule("/api/loans"), "/api/loans/7/return"))

	// Non-endpoint rules match every endpoint.
	assert.True(t, ruleMatches(models.AlertRule{RuleType: models.RuleIPBased}, "/whatever"))
	assert.True(t, ruleMatches(models.AlertRule{RuleType: models.RuleEndpointBased}, "/whatever"))
}

func TestSourceHashPerRuleType(t *testing.T) {
	actx := AlertContext{IP: "203.0.113.10", TokenHash: "deadbeef", UserID: intPtr(42), Endpoint: "/api/loans"}

	ipHash := sourceHashFor(models.AlertRule{RuleType: models.RuleIPBased}, actx)
	tokenHash := sourceHashFor(models.AlertRule{RuleType: models.RuleTokenBased}, actx)
	userHash := sourceHashFor(models.AlertRule{RuleType: models.RuleUserBased}, actx)
	endpointHash := sourceHashFor(models.AlertRule{RuleType: models.RuleEndpointBased}, actx)
	genericHash := sourceHashFor(models.AlertRule{RuleType: models.RuleGeneric}, actx)

	hashes := []string{ipHash, tokenHash, userHash, endpointHash, genericHash}
	seen := map[string]bool{}
	for _, h := range hashes {
		assert.Len(t, h, 64)
		assert.False(t, seen[h], "hash collision between rule types")
		seen[h] = true
	}

	assert.Equal(t, sha256Hex("ip:203.0.113.10"), ipHash)
	assert.Equal(t, sha256Hex("token:deadbeef"), tokenHash)
	assert.Equal(t, sha256Hex("user:42"), userHash)
	assert.Equal(t, sha256Hex("endpoint:/api/loans"), endpointHash)
	assert.Equal(t, sha256Hex("203.0.113.10|deadbeef|42"), genericHash)
}

func TestSourceHashSkipsMissingAttribution(t *testing.T) {
	actx := AlertContext{IP: "203.0.113.10", Endpoint: "/api/loans"}
	assert.Empty(t, sourceHashFor(models.AlertRule{RuleType: models.RuleTokenBased}, actx))
	assert.Empty(t, sourceHashFor(models.AlertRule{RuleType: models.RuleUserBased}, actx))
	assert.NotEmpty(t, sourceHashFor(models.AlertRule{RuleType: models.RuleIPBased}, actx))
}

func TestWindowStartAligned(t *testing.T) {
	ws := windowStartFor(60)
	assert.Zero(t, ws.Unix()%60)
	assert.WithinDuration(t, time.Now(), ws, time.Minute)

	ws300 := windowStartFor(300)
	assert.Zero(t, ws300.Unix()%300)
}

func TestWindowStartDegenerateWindows(t *testing.T) {
	// Misconfigured rules with a zero or negative window fall back to
	// one-second alignment instead of panicking.
	assert.NotPanics(t, func() { windowStartFor(0) })
	assert.NotPanics(t, func() { windowStartFor(-30) })
	assert.WithinDuration(t, time.Now(), windowStartFor(0), 2*time.Second)
}

func TestSourceValueTruncatesToken(t *testing.T) {
	token64 := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	actx := AlertContext{TokenHash: token64}
	v := sourceValueFor(models.AlertRule{RuleType: models.RuleTokenBased}, actx)
	assert.Equal(t, "0123456789abcdef...", v)

	assert.Equal(t, "unknown", sourceValueFor(models.AlertRule{RuleType: models.RuleTokenBased}, AlertContext{}))
	assert.Equal(t, "unknown", sourceValueFor(models.AlertRule{RuleType: models.RuleUserBased}, AlertContext{}))
}

func TestShortHashHandlesShortInput(t *testing.T) {
	assert.Equal(t, "0123456789abcdef...", shortHash("0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "abc", shortHash("abc"))
	assert.Equal(t, "", shortHash(""))
	assert.NotPanics(t, func() {
		sourceValueFor(models.AlertRule{RuleType: models.RuleTokenBased}, AlertContext{TokenHash: "short"})
	})
}

func TestSuggestedAction(t *testing.T) {
	blockRule := models.AlertRule{AutoAction: []byte(`{"block_ip":true,"duration_seconds":3600}`)}
	revokeRule := models.AlertRule{AutoAction: []byte(`{"revoke_token":true}`)}
	bareRule := models.AlertRule{}

	assert.Equal(t, "Review and monitor", suggestedAction(blockRule, "WARNING"))
	assert.Equal(t, "IP has been automatically blocked", suggestedAction(blockRule, "CRITICAL"))
	assert.Equal(t, "Token has been automatically revoked", suggestedAction(revokeRule, "CRITICAL"))
	assert.Equal(t, "Immediate manual review required", suggestedAction(bareRule, "CRITICAL"))
}
