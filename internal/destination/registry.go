// Package destination implements the destination registry: CRUD for named
// deploy targets and their driver type/version/metadata.
package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/storage"
)

// DriverType identifies a destination driver implementation.
type DriverType struct {
	Organisation string `db:"type_organisation"`
	Name         string `db:"type_name"`
	Version      string `db:"type_version"`
}

// Destination is a named logical deploy target.
type Destination struct {
	ID          int64                        `db:"id"`
	Name        string                       `db:"name"`
	Environment string                       `db:"environment"`
	Metadata    storage.JSON[map[string]any] `db:"metadata"`
	DriverType
}

// Registry implements CRUD for destinations over a storage.Querier.
type Registry struct {
	q storage.Querier
}

// New builds a Registry against q.
func New(q storage.Querier) *Registry {
	return &Registry{q: q}
}

// Create inserts a new destination. name must be globally unique.
func (r *Registry) Create(ctx context.Context, name, environment string, metadata map[string]any, driverType DriverType) (*Destination, error) {
	if name == "" {
		return nil, releaseerr.New(releaseerr.CodeValidation, "destination name must not be empty")
	}
	if environment == "" {
		return nil, releaseerr.New(releaseerr.CodeValidation, "destination environment must not be empty")
	}

	if metadata == nil {
		metadata = map[string]any{}
	}

	var id int64
	err := r.q.QueryRowxContext(ctx, `
		INSERT INTO destinations (name, environment, metadata, type_organisation, type_name, type_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		name, environment, storage.NewJSON(metadata), driverType.Organisation, driverType.Name, driverType.Version,
	).Scan(&id)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, releaseerr.New(releaseerr.CodeConflict, fmt.Sprintf("destination %q already exists", name))
		}
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "creating destination", err)
	}

	return &Destination{
		ID: id, Name: name, Environment: environment,
		Metadata: storage.NewJSON(metadata), DriverType: driverType,
	}, nil
}

// Update applies a partial update: only metadata is touched. Fails with
// CodeNotFound when zero rows match.
func (r *Registry) Update(ctx context.Context, name string, metadata map[string]any) error {
	res, err := r.q.ExecContext(ctx, `UPDATE destinations SET metadata = $1 WHERE name = $2`,
		storage.NewJSON(metadata), name)
	if err != nil {
		return releaseerr.Wrap(releaseerr.CodeDatabase, "updating destination", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return releaseerr.Wrap(releaseerr.CodeDatabase, "checking update result", err)
	}
	if n == 0 {
		return releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("destination %q not found", name))
	}

	return nil
}

// Get returns a destination by id.
func (r *Registry) Get(ctx context.Context, id int64) (*Destination, error) {
	var d Destination
	err := r.q.GetContext(ctx, &d, `
		SELECT id, name, environment, metadata, type_organisation, type_name, type_version
		FROM destinations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("destination %d not found", id))
		}
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "fetching destination", err)
	}
	return &d, nil
}

// GetByName returns a destination by its unique name.
func (r *Registry) GetByName(ctx context.Context, name string) (*Destination, error) {
	var d Destination
	err := r.q.GetContext(ctx, &d, `
		SELECT id, name, environment, metadata, type_organisation, type_name, type_version
		FROM destinations WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, releaseerr.New(releaseerr.CodeNotFound, fmt.Sprintf("destination %q not found", name))
		}
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "fetching destination", err)
	}
	return &d, nil
}

// List returns every destination.
func (r *Registry) List(ctx context.Context) ([]Destination, error) {
	var out []Destination
	err := r.q.SelectContext(ctx, &out, `
		SELECT id, name, environment, metadata, type_organisation, type_name, type_version
		FROM destinations ORDER BY name`)
	if err != nil {
		return nil, releaseerr.Wrap(releaseerr.CodeDatabase, "listing destinations", err)
	}
	return out, nil
}
