//go:build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tutorstack/quotaledger/internal/config"
	"github.com/tutorstack/quotaledger/internal/ledger"
	"github.com/tutorstack/quotaledger/internal/quota"
)

type TestEnv struct {
	Pool    *pgxpool.Pool
	Records *quota.Repository
	Entries *ledger.Repository
	Engine  *quota.Engine
	Sweeper *quota.Sweeper
	Cfg     config.QuotaConfig
}

var testEnv *TestEnv

// SetupTestEnv starts a PostgreSQL container, runs the migrations and wires
// a quota engine against it. The environment is shared for the duration of
// the calling test and torn down with it.
func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "quotaledger_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("resolving container host: %v", err)
	}
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("resolving container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/quotaledger_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath(t)), dsn)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	cfg := config.QuotaConfig{
		LearningActionsLimit: 150,
		ExplanationsLimit:    50,
		LectureUploadsLimit:  20,
		MaxTxRetries:         10,
		LockTimeout:          2 * time.Second,
		StatementTimeout:     5 * time.Second,
	}

	records := quota.NewRepository(pool)
	entries := ledger.NewRepository(pool)
	engine := quota.NewEngine(pool, records, entries, nil, cfg)
	sweeper := quota.NewSweeper(engine, records, nil, config.SweepConfig{
		Interval:  time.Hour,
		BatchSize: 100,
	})

	testEnv = &TestEnv{
		Pool:    pool,
		Records: records,
		Entries: entries,
		Engine:  engine,
		Sweeper: sweeper,
		Cfg:     cfg,
	}
	// Registered last so it runs before the pool and container cleanups;
	// the next test builds a fresh environment.
	t.Cleanup(func() { testEnv = nil })
	return testEnv
}

func migrationsPath(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("resolving test file path")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "migrations")
}

// provisionUser creates quota records for a fresh user and returns its id.
func provisionUser(t *testing.T, env *TestEnv, signupAt time.Time) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	if err := env.Engine.Provision(context.Background(), userID, signupAt); err != nil {
		t.Fatalf("provisioning user: %v", err)
	}
	return userID
}

// setRecord overrides a record's row directly, for shaping test scenarios.
func setRecord(t *testing.T, env *TestEnv, userID uuid.UUID, bucket quota.Bucket, used, limit int, resetAt time.Time) {
	t.Helper()
	_, err := env.Pool.Exec(context.Background(),
		`UPDATE quota_records SET used = $3, quota_limit = $4, reset_at = $5, updated_at = now()
		 WHERE user_id = $1 AND bucket = $2`,
		userID, bucket, used, limit, resetAt)
	if err != nil {
		t.Fatalf("shaping quota record: %v", err)
	}
}

// countLedger counts ledger entries for a (user, bucket, reason) triple.
func countLedger(t *testing.T, env *TestEnv, userID uuid.UUID, bucket quota.Bucket, reason ledger.Reason) int {
	t.Helper()
	var count int
	err := env.Pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM quota_ledger WHERE user_id = $1 AND bucket = $2 AND reason = $3`,
		userID, bucket, reason).Scan(&count)
	if err != nil {
		t.Fatalf("counting ledger entries: %v", err)
	}
	return count
}

// drainDue sweeps away records left overdue by earlier tests so sweep
// assertions see a known-clean slate.
func drainDue(t *testing.T, env *TestEnv, now time.Time) {
	t.Helper()
	if _, err := env.Sweeper.Run(context.Background(), now); err != nil {
		t.Fatalf("draining due records: %v", err)
	}
}
