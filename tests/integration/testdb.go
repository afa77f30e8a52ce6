// Package integration runs the goal engine against a real PostgreSQL started
// with testcontainers. The tests are skipped with -short.
package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/crm/backend/internal/infrastructure/migration"
	"github.com/crm/backend/internal/infrastructure/persistence/models"
	"github.com/crm/backend/migrations"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB represents a migrated test database
type TestDB struct {
	DB        *gorm.DB
	SqlDB     *sql.DB
	Container testcontainers.Container
	t         *testing.T
}

// NewTestDB starts a PostgreSQL container and applies the embedded migrations.
// Each call creates a fresh container, providing complete isolation.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("crm_goals_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if os.Getenv("TEST_DB_DEBUG") != "" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(gormpostgres.Open(dsn), gormConfig)
	require.NoError(t, err, "Failed to connect to database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "Failed to get underlying SQL DB")
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)

	m, err := migration.New(sqlDB, migration.Embedded(migrations.FS), zap.NewNop())
	require.NoError(t, err, "Failed to create migrator")
	require.NoError(t, m.Up(), "Failed to run migrations")

	tdb := &TestDB{DB: db, SqlDB: sqlDB, Container: container, t: t}
	t.Cleanup(tdb.Close)
	return tdb
}

// Close closes the connection and terminates the container
func (tdb *TestDB) Close() {
	if tdb.SqlDB != nil {
		_ = tdb.SqlDB.Close()
	}
	if tdb.Container != nil {
		if err := tdb.Container.Terminate(context.Background()); err != nil {
			tdb.t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}
}

// CreateClosedWonDeal inserts a won deal for owner closed at closedAt
func (tdb *TestDB) CreateClosedWonDeal(owner uuid.UUID, amount int64, closedAt time.Time) uuid.UUID {
	tdb.t.Helper()

	deal := models.DealModel{
		ID:        uuid.New(),
		OwnerID:   owner,
		Amount:    decimal.NewFromInt(amount),
		Stage:     models.DealStageClosedWon,
		ClosedAt:  &closedAt,
		UpdatedAt: time.Now(),
	}
	require.NoError(tdb.t, tdb.DB.Create(&deal).Error, "Failed to create deal")
	return deal.ID
}

// CreateCompletedActivity inserts an activity completed at completedAt
func (tdb *TestDB) CreateCompletedActivity(owner uuid.UUID, completedAt time.Time) uuid.UUID {
	tdb.t.Helper()

	activity := models.ActivityModel{
		ID:          uuid.New(),
		OwnerID:     owner,
		Status:      models.StatusCompleted,
		CompletedAt: &completedAt,
		UpdatedAt:   time.Now(),
	}
	require.NoError(tdb.t, tdb.DB.Create(&activity).Error, "Failed to create activity")
	return activity.ID
}

// AddTeamMember places user in team
func (tdb *TestDB) AddTeamMember(user, team uuid.UUID) {
	tdb.t.Helper()

	member := models.TeamMemberModel{UserID: user, TeamID: team}
	require.NoError(tdb.t, tdb.DB.Create(&member).Error, "Failed to add team member")
}

// CountRows counts rows of table matching goal_id
func (tdb *TestDB) CountRows(table string, goalID uuid.UUID) int64 {
	tdb.t.Helper()

	var n int64
	require.NoError(tdb.t, tdb.DB.Table(table).Where("goal_id = ?", goalID).Count(&n).Error)
	return n
}
