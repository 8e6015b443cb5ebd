package release_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-release/forest/internal/release"
)

func TestGetStagedReleaseReturnsNilWhenEmpty(t *testing.T) {
	reg, mock := newTestRegistry(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}))
	mock.ExpectRollback()

	item, lease, err := reg.GetStagedRelease(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Nil(t, lease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStagedReleaseLeasesRowAndCommits(t *testing.T) {
	reg, mock := newTestRegistry(t)
	artifactID := "33333333-3333-3333-3333-333333333333"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}).AddRow(7, 70, 100, 5, release.StatusStaged, time.Now(), time.Now(), "web", artifactID))

	mock.ExpectExec(`UPDATE releases SET status`).
		WithArgs(release.StatusSuccess, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	item, lease, err := reg.GetStagedRelease(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, lease)
	assert.Equal(t, int64(7), item.ID)

	require.NoError(t, lease.Commit(context.Background(), release.StatusSuccess))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseCommitRejectsDoubleFinalize(t *testing.T) {
	reg, mock := newTestRegistry(t)
	artifactID := "44444444-4444-4444-4444-444444444444"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}).AddRow(8, 80, 100, 5, release.StatusStaged, time.Now(), time.Now(), "web", artifactID))
	mock.ExpectExec(`UPDATE releases SET status`).
		WithArgs(release.StatusFailure, int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, lease, err := reg.GetStagedRelease(context.Background())
	require.NoError(t, err)

	require.NoError(t, lease.Commit(context.Background(), release.StatusFailure))
	require.Error(t, lease.Commit(context.Background(), release.StatusSuccess))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseRollbackReleasesRow(t *testing.T) {
	reg, mock := newTestRegistry(t)
	artifactID := "55555555-5555-5555-5555-555555555555"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}).AddRow(9, 90, 100, 5, release.StatusStaged, time.Now(), time.Now(), "web", artifactID))
	mock.ExpectRollback()

	_, lease, err := reg.GetStagedRelease(context.Background())
	require.NoError(t, err)

	require.NoError(t, lease.Rollback())
	require.NoError(t, lease.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
