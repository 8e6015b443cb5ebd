package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/forest-release/forest/internal/destination"
	"github.com/forest-release/forest/internal/driver"
	"github.com/forest-release/forest/internal/release"
	"github.com/forest-release/forest/internal/releaselog"
	"github.com/forest-release/forest/internal/storage"
)

type stubDriver struct {
	typ         driver.Type
	prepareErr  error
	releaseErr  error
	prepareCall int
	releaseCall int
}

func (d *stubDriver) DriverType() driver.Type { return d.typ }

func (d *stubDriver) Prepare(ctx context.Context, inv driver.Invocation) error {
	d.prepareCall++
	return d.prepareErr
}

func (d *stubDriver) Release(ctx context.Context, inv driver.Invocation) error {
	d.releaseCall++
	return d.releaseErr
}

type recordingEvents struct {
	statuses []release.Status
}

func (e *recordingEvents) PublishStatus(intentID int64, dest string, status release.Status) {
	e.statuses = append(e.statuses, status)
}

func (e *recordingEvents) PublishLog(intentID int64, dest string, channel releaselog.Channel, line string) {
}

func newTestGateway(t *testing.T) (*storage.Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return storage.NewGatewayForTesting(sqlxDB, logger), mock
}

func TestTickRunsStagedReleaseToSuccess(t *testing.T) {
	gw, mock := newTestGateway(t)
	releases := release.New(gw)
	destinations := destination.New(gw.DB())
	logs := releaselog.New(gw.DB())
	drivers := driver.NewRegistry()

	typ := driver.Type{Organisation: "forest", Name: "stub", Version: "v1"}
	d := &stubDriver{typ: typ}
	drivers.Register(d)

	artifactID := "11111111-1111-1111-1111-111111111111"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}).AddRow(1, 10, 100, 5, release.StatusStaged, time.Now(), time.Now(), "web", artifactID))

	mock.ExpectQuery(`SELECT id, name, environment, metadata, type_organisation, type_name, type_version\s+FROM destinations WHERE id`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "environment", "metadata", "type_organisation", "type_name", "type_version",
		}).AddRow(5, "web", "prod", []byte(`{}`), typ.Organisation, typ.Name, typ.Version))

	mock.ExpectExec(`UPDATE releases SET status`).
		WithArgs(release.StatusSuccess, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events := &recordingEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(releases, destinations, drivers, logs, events, logger, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.tick(ctx)

	require.Equal(t, 1, d.prepareCall)
	require.Equal(t, 1, d.releaseCall)
	require.Equal(t, []release.Status{release.StatusRunning, release.StatusSuccess}, events.statuses)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickFailsWhenDriverUnregistered(t *testing.T) {
	gw, mock := newTestGateway(t)
	releases := release.New(gw)
	destinations := destination.New(gw.DB())
	logs := releaselog.New(gw.DB())
	drivers := driver.NewRegistry()

	artifactID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}).AddRow(2, 20, 100, 6, release.StatusStaged, time.Now(), time.Now(), "db", artifactID))

	mock.ExpectQuery(`SELECT id, name, environment, metadata, type_organisation, type_name, type_version\s+FROM destinations WHERE id`).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "environment", "metadata", "type_organisation", "type_name", "type_version",
		}).AddRow(6, "db", "prod", []byte(`{}`), "forest", "missing", "v1"))

	mock.ExpectExec(`UPDATE releases SET status`).
		WithArgs(release.StatusFailure, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events := &recordingEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(releases, destinations, drivers, logs, events, logger, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.tick(ctx)

	require.Equal(t, []release.Status{release.StatusFailure}, events.statuses)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTickIsNoopWhenNothingStaged(t *testing.T) {
	gw, mock := newTestGateway(t)
	releases := release.New(gw)
	destinations := destination.New(gw.DB())
	logs := releaselog.New(gw.DB())
	drivers := driver.NewRegistry()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT r\.id, r\.release_intent_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "release_intent_id", "project_id", "destination_id", "status", "created", "updated",
			"destination_name", "artifact_id",
		}))
	mock.ExpectRollback()

	events := &recordingEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(releases, destinations, drivers, logs, events, logger, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.tick(ctx)

	require.Empty(t, events.statuses)
}
