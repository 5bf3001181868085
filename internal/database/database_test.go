package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/config"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func strPtr(s string) *string { return &s }

func TestOpenSQLiteMigrates(t *testing.T) {
	cfg := config.DefaultConfig().Database
	cfg.DatabasePath = filepath.Join(t.TempDir(), "nested", "videory.db")

	db, err := Open(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	assert.True(t, db.Migrator().HasTable(&VideoRecord{}))
	assert.True(t, db.Migrator().HasIndex(&VideoRecord{}, "idx_videos_hash_path"))

	rec := VideoRecord{ContentHash: "abc", SourcePath: "/in/a.mp4", IndexedAt: time.Now()}
	require.NoError(t, db.Create(&rec).Error)

	dup := VideoRecord{ContentHash: "abc", SourcePath: "/in/a.mp4", IndexedAt: time.Now()}
	assert.Error(t, db.Create(&dup).Error, "hash and path are unique together")

	other := VideoRecord{ContentHash: "abc", SourcePath: "/in/copy.mp4", IndexedAt: time.Now()}
	assert.NoError(t, db.Create(&other).Error, "same content at another path is a distinct record")
}

func TestOpenRejectsUnknownType(t *testing.T) {
	cfg := config.DefaultConfig().Database
	cfg.Type = "mysql"

	_, err := Open(cfg, nil)
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := config.DefaultConfig().Database
	cfg.Password = "secret"
	assert.Equal(t,
		"host=localhost user=videory password=secret dbname=videory port=5432 sslmode=disable TimeZone=UTC",
		postgresDSN(cfg))

	cfg.URL = "postgres://u:p@db/videory"
	assert.Equal(t, "postgres://u:p@db/videory", postgresDSN(cfg))
}

func TestVideoRecordState(t *testing.T) {
	tests := []struct {
		name   string
		record VideoRecord
		want   VideoState
	}{
		{"fresh", VideoRecord{}, VideoStatePending},
		{"running", VideoRecord{IsTranscoding: true}, VideoStateInProgress},
		{"done", VideoRecord{TranscodedPath: strPtr("/out/a.mp4")}, VideoStateTranscoded},
		{"failed", VideoRecord{FailureReason: strPtr("exit status 1")}, VideoStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.State())
		})
	}
}

func TestVideoRecordValidate(t *testing.T) {
	base := func() VideoRecord {
		return VideoRecord{ContentHash: "h", SourcePath: "/in/a.mp4"}
	}

	ok := base()
	assert.NoError(t, ok.Validate())

	missing := base()
	missing.ContentHash = ""
	assert.ErrorIs(t, missing.Validate(), verrors.ErrInvalidInput)

	doneAndRunning := base()
	doneAndRunning.TranscodedPath = strPtr("/out/a.mp4")
	doneAndRunning.IsTranscoding = true
	assert.ErrorIs(t, doneAndRunning.Validate(), verrors.ErrInvalidTransition)

	doneAndFailed := base()
	doneAndFailed.TranscodedPath = strPtr("/out/a.mp4")
	doneAndFailed.FailureReason = strPtr("boom")
	assert.ErrorIs(t, doneAndFailed.Validate(), verrors.ErrInvalidTransition)

	runningAndFailed := base()
	runningAndFailed.IsTranscoding = true
	runningAndFailed.FailureReason = strPtr("boom")
	assert.ErrorIs(t, runningAndFailed.Validate(), verrors.ErrInvalidTransition)
}

func TestFailedMigrationClosesConnection(t *testing.T) {
	db, err := openSQLite(filepath.Join(t.TempDir(), "videory.db"), &gorm.Config{})
	require.NoError(t, err)

	// A view holding the table name makes the create fail
	require.NoError(t, db.Exec("CREATE VIEW videos AS SELECT 1 AS id").Error)

	require.Error(t, migrateOrClose(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping(), "connection closed after the failed migration")
}

func TestOpenFailsWhenMigrationFails(t *testing.T) {
	cfg := config.DefaultConfig().Database
	cfg.DatabasePath = filepath.Join(t.TempDir(), "videory.db")

	db, err := openSQLite(cfg.DatabasePath, &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE VIEW videos AS SELECT 1 AS id").Error)
	require.NoError(t, Close(db))

	db, err = Open(cfg, hclog.NewNullLogger())
	assert.Error(t, err)
	assert.Nil(t, db)
}
