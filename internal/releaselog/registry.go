// Package releaselog implements the log registry: append-only,
// sequence-ordered log blocks per (release, attempt), with cursor reads for
// the WaitRelease stream.
package releaselog

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/storage"
)

// Channel identifies which stdio stream a log line came from.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
)

// Line is one captured log line.
type Line struct {
	Channel     Channel `json:"channel"`
	Line        string  `json:"line"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// MaxBlockBytes is the approximate block size limit, counted as
// sum(len(channel_name)+len(line)).
const MaxBlockBytes = 1 << 20

// BlockSize returns the approximate size of lines, counted the same way as
// MaxBlockBytes.
func BlockSize(lines []Line) int {
	n := 0
	for _, l := range lines {
		n += len(l.Channel) + len(l.Line)
	}
	return n
}

// Block is one persisted, sequence-ordered group of log lines.
type Block struct {
	ID             int64                `db:"id"`
	ReleaseAttempt uuid.UUID            `db:"release_attempt"`
	ReleaseID      int64                `db:"release_id"`
	DestinationID  int64                `db:"destination_id"`
	LogLines       storage.JSON[[]Line] `db:"log_lines"`
	Sequence       int                  `db:"sequence"`
}

// Registry implements append-only log-block storage over a storage.Querier.
type Registry struct {
	q storage.Querier
}

// New builds a Registry against q.
func New(q storage.Querier) *Registry {
	return &Registry{q: q}
}

// InsertLogBlock appends one log block. lines must not be empty — no-op
// flushes are never written.
func (r *Registry) InsertLogBlock(ctx context.Context, attempt uuid.UUID, releaseID, destinationID int64, lines []Line, sequence int) error {
	if len(lines) == 0 {
		return releaseerr.New(releaseerr.CodeValidation, "refusing to insert an empty log block")
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO release_logs (release_attempt, release_id, destination_id, log_lines, sequence)
		VALUES ($1, $2, $3, $4, $5)`,
		attempt, releaseID, destinationID, storage.NewJSON(lines), sequence)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return releaseerr.New(releaseerr.CodeConflict, fmt.Sprintf("log block sequence %d already written for attempt %s", sequence, attempt))
		}
		return releaseerr.Wrap(releaseerr.CodeDatabase, "inserting log block", err)
	}

	return nil
}

// GetLogsByRelease returns every log block ever written for releaseID,
// ordered by created then sequence.
func (r *Registry) GetLogsByRelease(ctx context.Context, releaseID int64) ([]Block, error) {
	var out []Block
	err := r.q.SelectContext(ctx, &out, `
		SELECT id, release_attempt, release_id, destination_id, log_lines, sequence
		FROM release_logs WHERE release_id = $1
		ORDER BY created ASC, sequence ASC`, releaseID)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "fetching logs by release", err)
	}
	return out, nil
}

// GetLogsAfterSequence returns blocks for (releaseID, destinationID) with
// sequence > afterSequence, for cursor tailing.
func (r *Registry) GetLogsAfterSequence(ctx context.Context, releaseID, destinationID int64, afterSequence int) ([]Block, error) {
	var out []Block
	err := r.q.SelectContext(ctx, &out, `
		SELECT id, release_attempt, release_id, destination_id, log_lines, sequence
		FROM release_logs
		WHERE release_id = $1 AND destination_id = $2 AND sequence > $3
		ORDER BY sequence ASC`, releaseID, destinationID, afterSequence)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "fetching logs after sequence", err)
	}
	return out, nil
}
