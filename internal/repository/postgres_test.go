package repository

import (
	"context"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"labguard/internal/models"
)

func TestPostgresRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("labguard"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	m, err := migrate.New("file://../../cmd/server/migrations", connStr)
	if err != nil {
		t.Fatalf("failed to init migrate: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(connStr)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	var userID int
	t.Run("Setup", func(t *testing.T) {
		err := repo.db.GetContext(ctx, &userID, `
			INSERT INTO users (name, email, username, role, password)
			VALUES ('Test User', 'test@example.com', 'testuser', 'student', '$2a$10$abcdefghijklmnopqrstuv')
			RETURNING id`)
		require.NoError(t, err)
	})

	t.Run("TokenLifecycle", func(t *testing.T) {
		hash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		require.NoError(t, repo.CreateToken(ctx, userID, hash, time.Now().Add(time.Hour)))

		exists, err := repo.TokenExists(ctx, hash)
		require.NoError(t, err)
		assert.True(t, exists)

		err = repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			tok, err := repo.GetTokenForUpdate(tx, hash)
			if err != nil {
				return err
			}
			assert.Equal(t, userID, tok.UserID)
			assert.Equal(t, "testuser", tok.User.Username)
			return repo.UpdateTokenUsage(tx, tok.ID, "10.0.0.1", "go-test")
		})
		require.NoError(t, err)

		require.NoError(t, repo.RevokeToken(ctx, hash, "test_revoke"))
		exists, err = repo.TokenExists(ctx, hash)
		require.NoError(t, err)
		assert.False(t, exists, "revoked token should not count as live")

		owner, err := repo.GetTokenOwner(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, userID, owner, "owner lookup works regardless of liveness")
	})

	t.Run("RateLimitWindow", func(t *testing.T) {
		window := time.Now().UTC().Truncate(time.Minute)
		err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := repo.InsertRateCounter(tx, "10.0.0.1", "ip", "/api/rooms", window); err != nil {
				return err
			}
			if err := repo.UpdateRateCounter(tx, "10.0.0.1", "ip", "/api/rooms", 3, window); err != nil {
				return err
			}
			ctr, err := repo.GetRateCounterForUpdate(tx, "10.0.0.1", "ip", "/api/rooms")
			if err != nil {
				return err
			}
			assert.Equal(t, 3, ctr.RequestCount)
			return nil
		})
		require.NoError(t, err)

		deleted, err := repo.DeleteStaleRateCounters(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("LoginAttempts", func(t *testing.T) {
		err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := repo.UpsertLoginAttempt(tx, "10.0.0.2", "testuser", 1, nil); err != nil {
				return err
			}
			blocked := time.Now().Add(10 * time.Minute)
			if err := repo.UpsertLoginAttempt(tx, "10.0.0.2", "testuser", 5, &blocked); err != nil {
				return err
			}
			la, err := repo.GetLoginAttemptForUpdate(tx, "10.0.0.2", "testuser")
			if err != nil {
				return err
			}
			assert.Equal(t, 5, la.Attempts)
			require.NotNil(t, la.BlockedUntil)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, repo.DeleteLoginAttempts(ctx, "10.0.0.2", "testuser"))
	})

	t.Run("AlertRulesSeeded", func(t *testing.T) {
		rules, err := repo.GetEnabledAlertRules(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, rules, "seed migration should provide default rules")
	})

	t.Run("AlertMetricsAndState", func(t *testing.T) {
		rules, err := repo.GetEnabledAlertRules(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, rules)
		rule := rules[0]

		window := time.Now().UTC().Truncate(time.Minute)
		src := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

		n, err := repo.IncrementAlertMetric(ctx, rule.ID, src, window)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = repo.IncrementAlertMetric(ctx, rule.ID, src, window)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		err = repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := repo.GetAlertStateForUpdate(tx, rule.ID, src)
			if err != ErrNotFound {
				return err
			}
			return repo.UpsertAlertState(tx, rule.ID, src, 1, false, time.Now().Add(5*time.Minute))
		})
		require.NoError(t, err)

		err = repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			st, err := repo.GetAlertStateForUpdate(tx, rule.ID, src)
			if err != nil {
				return err
			}
			assert.Equal(t, 1, st.FireCount)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("BlockedIPs", func(t *testing.T) {
		until := time.Now().Add(time.Hour)
		require.NoError(t, repo.BlockIP(ctx, "203.0.113.9", until, "test_block", nil, true))

		blk, err := repo.GetActiveBlock(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, blk.AutoUnblock)

		active, err := repo.ListActiveBlocks(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1)

		require.NoError(t, repo.UnblockIP(ctx, "203.0.113.9"))
		_, err = repo.GetActiveBlock(ctx, "203.0.113.9")
		assert.Equal(t, ErrNotFound, err)
	})

	t.Run("Reputation", func(t *testing.T) {
		now := time.Now()
		err := repo.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := repo.GetReputationForUpdate(tx, "198.51.100.7")
			if err != ErrNotFound {
				return err
			}
			return repo.InsertReputation(tx, models.IPReputation{
				IPAddress:      "198.51.100.7",
				Score:          12,
				Status:         models.StatusSuspicious,
				FirstSeen:      now,
				LastSeen:       now,
				LastIncidentAt: &now,
				TotalAlerts:    1,
				Metadata:       []byte(`{"incidents":[]}`),
			})
		})
		require.NoError(t, err)

		rep, err := repo.GetReputation(ctx, "198.51.100.7")
		require.NoError(t, err)
		assert.Equal(t, 12, rep.Score)
		assert.Equal(t, models.StatusSuspicious, rep.Status)

		top, err := repo.GetTopMalicious(ctx, 10)
		require.NoError(t, err)
		assert.NotNil(t, top)
	})

	t.Run("AuditLogs", func(t *testing.T) {
		entry := models.AuditEntry{
			Timestamp: time.Now(),
			EventType: "LOGIN_SUCCESS",
			UserID:    &userID,
			IPAddress: "10.0.0.1",
			Endpoint:  "/api/auth/login",
			Status:    "SUCCESS",
			Severity:  "INFO",
			Metadata:  []byte(`{}`),
		}
		require.NoError(t, repo.InsertAuditEntry(ctx, entry))

		entries, total, err := repo.GetAuditLogsPaginated(ctx, 10, 0, "LOGIN_SUCCESS")
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, entries, 1)
		assert.Equal(t, "LOGIN_SUCCESS", entries[0].EventType)
	})

	t.Run("LabDomain", func(t *testing.T) {
		var roomID int
		require.NoError(t, repo.db.GetContext(ctx, &roomID,
			`INSERT INTO rooms (name, building, capacity) VALUES ('Lab A', 'Science', 24) RETURNING id`))
		var equipID int
		require.NoError(t, repo.db.GetContext(ctx, &equipID,
			`INSERT INTO equipment_items (name, room_id, condition, available) VALUES ('Oscilloscope', $1, 'good', 4) RETURNING id`, roomID))

		rooms, err := repo.ListRooms(ctx)
		require.NoError(t, err)
		assert.Len(t, rooms, 1)

		loanID, err := repo.CreateLoan(ctx, userID, equipID, 2)
		require.NoError(t, err)

		loans, err := repo.ListLoansByUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, loans, 1)
		assert.Equal(t, "pending", loans[0].Status)

		require.NoError(t, repo.ReturnLoan(ctx, loanID, userID))
		assert.Error(t, repo.ReturnLoan(ctx, loanID, userID), "double return should not match a row")
	})
}
