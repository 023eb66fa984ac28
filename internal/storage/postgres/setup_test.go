package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := OpenSQLite(":memory:", logger.Silent)
	require.NoError(t, err)

	require.NoError(t, Migrate(context.Background(), db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func setupJobRepo(t *testing.T) (*JobRepository, *clock.Fake, *gorm.DB) {
	t.Helper()
	db := SetupTestDB(t)
	clk := clock.NewFake(testEpoch)
	return NewJobRepository(db, clk), clk, db
}

func seedJob(t *testing.T, repo *JobRepository, mutate func(*models.Job)) *models.Job {
	t.Helper()
	j := &models.Job{
		Kind:        string(config.KindProjectInit),
		Payload:     []byte(`{}`),
		PayloadMeta: []byte(`{"hostName":"alpha"}`),
		Requester:   "operator",
	}
	if mutate != nil {
		mutate(j)
	}
	created, dedup, err := repo.Enqueue(context.Background(), j)
	require.NoError(t, err)
	require.False(t, dedup)
	return created
}

func strPtr(s string) *string { return &s }
