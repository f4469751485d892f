package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labguard/internal/models"
)

type fakeStore struct {
	entries []models.AuditEntry
	fail    bool
}

func (s *fakeStore) InsertAuditEntry(_ context.Context, e models.AuditEntry) error {
	if s.fail {
		return errors.New("connection refused")
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestLogWritesToStore(t *testing.T) {
	store := &fakeStore{}
	l := New(store, filepath.Join(t.TempDir(), "security.log"))

	uid := 7
	l.Log(context.Background(), EventTokenValid, SeverityInfo, Event{
		UserID:    &uid,
		IPAddress: "10.0.0.1",
		Endpoint:  "/api/rooms",
		Method:    "GET",
		RequestID: "req-1",
	})

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, EventTokenValid, e.EventType)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.Equal(t, "10.0.0.1", e.IPAddress)
	require.NotNil(t, e.UserID)
	assert.Equal(t, 7, *e.UserID)

	// INFO entries that reached the store must not hit the file.
	_, err := os.Stat(l.filePath)
	assert.True(t, os.IsNotExist(err))
}

func TestLogFallsBackToFileOnStoreFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	l := New(&fakeStore{fail: true}, path)

	l.Log(context.Background(), EventDBError, SeverityInfo, Event{IPAddress: "10.0.0.2", Endpoint: "/api/loans"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[DB_ERROR]")
	assert.Contains(t, string(data), "IP:10.0.0.2")
}

func TestWarningAlwaysMirroredToFile(t *testing.T) {
	store := &fakeStore{}
	path := filepath.Join(t.TempDir(), "security.log")
	l := New(store, path)

	l.Unauthorized(context.Background(), "missing_token", Event{IPAddress: "10.0.0.3", Endpoint: "/api/auth/me"})

	require.Len(t, store.entries, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[UNAUTHORIZED]")
	assert.Contains(t, string(data), "[WARNING]")
}

func TestSanitizeDropsPasswordAndHashesToken(t *testing.T) {
	out := sanitize(map[string]interface{}{
		"password": "hunter2",
		"token":    "aaaabbbbccccdddd",
		"username": "alice",
	})

	assert.NotContains(t, out, "password")
	assert.NotContains(t, out, "token")
	assert.Equal(t, "alice", out["username"])

	hash, ok := out["token_hash"].(string)
	require.True(t, ok)
	assert.Len(t, hash, 16)
	assert.NotContains(t, hash, "aaaabbbb")
}

func TestSanitizeTruncatesLongTokenHash(t *testing.T) {
	long := strings.Repeat("f", 64)
	out := sanitize(map[string]interface{}{"token_hash": long})
	assert.Equal(t, strings.Repeat("f", 16)+"...", out["token_hash"])
}

func TestRotationPrunesOldGenerations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security.log")
	l := New(nil, path)

	// Pre-seed more backups than the retention cap, then force a rotation.
	for i := 0; i < maxBackups+3; i++ {
		name := path + "." + string(rune('a'+i)) + "0000000_000000"
		require.NoError(t, os.WriteFile(name, []byte("old"), 0o644))
	}
	require.NoError(t, os.WriteFile(path, make([]byte, maxFileSize+1), 0o644))

	l.writeToFile(models.AuditEntry{EventType: EventException, Severity: SeverityCritical, Status: StatusFail})

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), maxBackups+1) // cap plus the one just rotated in
}

func TestTokenCreatedHelperShape(t *testing.T) {
	store := &fakeStore{}
	l := New(store, filepath.Join(t.TempDir(), "security.log"))

	digest := strings.Repeat("a", 64)
	l.TokenCreated(context.Background(), 9, digest, Event{IPAddress: "10.0.0.5", Endpoint: "/api/auth/login"})

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, EventTokenCreated, e.EventType)
	assert.Equal(t, SeverityInfo, e.Severity)
	require.NotNil(t, e.UserID)
	assert.Equal(t, 9, *e.UserID)
	assert.Contains(t, string(e.Metadata), strings.Repeat("a", 16)+"...")
	assert.NotContains(t, string(e.Metadata), digest)
}

func TestTokenHelpersToleratesShortHash(t *testing.T) {
	store := &fakeStore{}
	l := New(store, filepath.Join(t.TempDir(), "security.log"))

	assert.NotPanics(t, func() {
		l.TokenCreated(context.Background(), 1, "stub", Event{})
		l.TokenRevoked(context.Background(), 1, "logout", "stub", Event{})
	})
	require.Len(t, store.entries, 2)
}

func TestLoginFailHelperShape(t *testing.T) {
	store := &fakeStore{}
	l := New(store, filepath.Join(t.TempDir(), "security.log"))

	l.LoginFail(context.Background(), "bob", "bad_password", Event{IPAddress: "10.0.0.4"})

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, EventLoginFail, e.EventType)
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.Equal(t, StatusFail, e.Status)
	assert.Contains(t, string(e.Metadata), `"username":"bob"`)
}
