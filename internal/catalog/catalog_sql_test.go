package catalog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockCatalog(t *testing.T) (*Catalog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	return New(gormDB, hclog.NewNullLogger()), mock
}

func TestUpdateMissingRowRollsBack(t *testing.T) {
	c, mock := setupMockCatalog(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "videos" WHERE content_hash = \$1 AND source_path = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := c.Update(context.Background(), &database.VideoRecord{ContentHash: "h1", SourcePath: "/in/a.mp4"})
	assert.ErrorIs(t, err, verrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingQueryShape(t *testing.T) {
	c, mock := setupMockCatalog(t)

	mock.ExpectQuery(`SELECT \* FROM "videos" WHERE is_transcoding = \$1 AND transcoded_path IS NULL AND failure_reason IS NULL ORDER BY indexed_at ASC, id ASC LIMIT \$2`).
		WithArgs(false, 4).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content_hash", "source_path"}).
			AddRow(1, "h1", "/in/a.mp4"))

	records, err := c.ListPending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "h1", records[0].ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStalledIsOneStatement(t *testing.T) {
	c, mock := setupMockCatalog(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "videos" SET "is_transcoding"=\$1 WHERE is_transcoding = \$2 AND transcoded_path IS NULL`).
		WithArgs(false, true).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := c.RecoverStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
