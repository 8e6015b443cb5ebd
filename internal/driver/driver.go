// Package driver defines the destination driver contract: a small closed
// capability set — name, prepare, release — keyed by (organisation, name,
// version), plus the registry the scheduler consults.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/forest-release/forest/internal/destination"
	"github.com/forest-release/forest/internal/release"
	"github.com/forest-release/forest/internal/releaseerr"
	"github.com/forest-release/forest/internal/releaselog"
)

// Type identifies a driver implementation.
type Type struct {
	Organisation string
	Name         string
	Version      string
}

// Key renders Type as a registry lookup key.
func (t Type) Key() string {
	return fmt.Sprintf("%s/%s@%s", t.Organisation, t.Name, t.Version)
}

func (t Type) String() string { return t.Key() }

// Invocation bundles everything a driver needs to prepare or release.
type Invocation struct {
	Attempt     string // attempt id, for log/correlation
	Release     release.ReleaseView
	Destination destination.Destination
	ArtifactID  string // uuid string of the artifact being released
	Environment string
	Log         *releaselog.Pipeline
}

// Driver is the capability set every destination driver implements.
type Driver interface {
	// DriverType returns the (organisation, name, version) this driver handles.
	DriverType() Type

	// Prepare runs validation/planning steps. Drivers with nothing to
	// validate ahead of release implement it as a no-op.
	Prepare(ctx context.Context, inv Invocation) error

	// Release applies the change to the destination.
	Release(ctx context.Context, inv Invocation) error
}

// Registry maps (organisation,name,version) to a Driver.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Panics if its type is already registered — this is
// a startup-time wiring error, not a runtime condition.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.DriverType().Key()
	if _, exists := r.drivers[key]; exists {
		panic(fmt.Sprintf("driver %q already registered", key))
	}
	r.drivers[key] = d
}

// Lookup finds the driver for t, or returns CodeUnknownDriver; the scheduler
// commits FAILURE and surfaces this via the log stream.
func (r *Registry) Lookup(t Type) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[t.Key()]
	if !ok {
		return nil, releaseerr.New(releaseerr.CodeUnknownDriver, fmt.Sprintf("no driver registered for %s", t.Key()))
	}
	return d, nil
}
