package releaselog_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/forest-release/forest/internal/releaselog"
)

func TestPipelineFlushesOnCloseAndInvokesOnLine(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := releaselog.New(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectExec(`INSERT INTO release_logs`).
		WithArgs(sqlmock.AnyArg(), int64(1), int64(2), sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	var seen []releaselog.Line
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := releaselog.NewPipeline(reg, uuid.New(), 1, 2, logger, func(l releaselog.Line) {
		seen = append(seen, l)
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)

	p.Emit(releaselog.ChannelStdout, "terraform init")
	p.Close()
	cancel()

	require.Len(t, seen, 1)
	require.Equal(t, "terraform init", seen[0].Line)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPipelineFlushesContiguousSequences drives the size-based flush path:
// two half-MaxBlockBytes lines together trip MaxBlockBytes and flush block 0, a trailing line
// flushes as block 1 on Close. Sequences must form the contiguous prefix 0,1.
func TestPipelineFlushesContiguousSequences(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := releaselog.New(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectExec(`INSERT INTO release_logs`).
		WithArgs(sqlmock.AnyArg(), int64(1), int64(2), sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO release_logs`).
		WithArgs(sqlmock.AnyArg(), int64(1), int64(2), sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(2, 1))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := releaselog.NewPipeline(reg, uuid.New(), 1, 2, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	big := strings.Repeat("x", releaselog.MaxBlockBytes/2)
	p.Emit(releaselog.ChannelStdout, big)
	p.Emit(releaselog.ChannelStdout, big)
	p.Emit(releaselog.ChannelStderr, "done")
	p.Close()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineCloseIsNoopWithNoBufferedLines(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg := releaselog.New(sqlx.NewDb(db, "sqlmock"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := releaselog.NewPipeline(reg, uuid.New(), 1, 2, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Run(ctx)
	p.Close()
	cancel()

	require.NoError(t, mock.ExpectationsWereMet())
}
