package release

import (
	"context"
	"database/sql"
	"errors"

	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/storage"
)

// Lease is the open transaction returned by GetStagedRelease. It MUST be
// finalized by exactly one call to Commit or Rollback; while it is open no
// other scheduler replica can select the same release (`SELECT ... FOR
// UPDATE SKIP LOCKED`).
type Lease struct {
	tx        *storage.Tx
	releaseID int64
	done      bool
}

// Commit writes status within the lease's transaction and commits,
// atomically finalizing visibility and ending the lease. Fails if the update
// does not touch exactly one row.
func (l *Lease) Commit(ctx context.Context, status Status) error {
	if l.done {
		return releaseerr.New(releaseerr.CodeInternal, "lease already finalized")
	}

	res, err := l.tx.Querier().ExecContext(ctx, `UPDATE releases SET status = $1, updated = now() WHERE id = $2`, status, l.releaseID)
	if err != nil {
		l.done = true
		_ = l.tx.Rollback()
		return releaseerr.Wrap(releaseerr.CodeDatabase, "writing release status", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		l.done = true
		_ = l.tx.Rollback()
		return releaseerr.Wrap(releaseerr.CodeDatabase, "checking release status update", err)
	}
	if n != 1 {
		l.done = true
		_ = l.tx.Rollback()
		return releaseerr.New(releaseerr.CodeInternal, "release status update touched an unexpected number of rows")
	}

	l.done = true
	if err := l.tx.Commit(); err != nil {
		return releaseerr.Wrap(releaseerr.CodeDatabase, "committing lease", err)
	}

	return nil
}

// Rollback releases the lease without writing a status, returning the row to
// any replica's next GetStagedRelease poll. Safe to call via defer even after
// Commit has already run.
func (l *Lease) Rollback() error {
	if l.done {
		return nil
	}
	l.done = true
	return l.tx.Rollback()
}

// GetStagedRelease selects and leases one STAGED release row, or returns
// (nil, nil, nil) if none are available. The returned Lease MUST be finalized
// by the caller.
func (r *Registry) GetStagedRelease(ctx context.Context) (*ReleaseView, *Lease, error) {
	tx, err := r.gw.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "beginning lease transaction", err)
	}

	var item ReleaseView
	err = tx.Querier().GetContext(ctx, &item, `
		SELECT r.id, r.release_intent_id, r.project_id, r.destination_id, r.status, r.created, r.updated,
		       d.name AS destination_name, ri.artifact AS artifact_id
		FROM releases r
		JOIN destinations d ON d.id = r.destination_id
		JOIN release_intents ri ON ri.id = r.release_intent_id
		WHERE r.status = $1
		FOR UPDATE OF r SKIP LOCKED
		LIMIT 1`, StatusStaged)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, releaseerr.Wrap(releaseerr.CodeDatabase, "leasing staged release", err)
	}

	return &item, &Lease{tx: tx, releaseID: item.ID}, nil
}
