package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
)

// Module is one self-contained unit of device functionality: a single
// energy meter, the brightness control, the child-device list. A
// module declares the query it needs merged into the device's batch
// request, whether it applies to a given device's negotiated
// components, and how to turn a response into Features.
//
// Modules are registered once, statically, via RegisterModule - never
// discovered by reflecting over a components list into a Go type by
// name. See Design Notes §9.
type Module interface {
	// Name identifies the module for logging, the error/disable
	// tracker, and query-merge keys.
	Name() string

	// Supports reports whether this module applies to a device given
	// its negotiated component list (SMART) or sysinfo feature flags
	// (IOT legacy). Called once, during the first Update's negotiation;
	// modules that return false are dropped from the device.
	Supports(d *Device) bool

	// Query returns the method -> params entries this module wants
	// merged into the device's next batch request.
	Query() map[string]any

	// Process parses response (the whole merged response of this
	// Update cycle, keyed by method name; the module reads its own
	// method names from it) and updates d's feature set and any
	// module-local state.
	Process(d *Device, response map[string]any) error
}

// IntervalModule is an optional Module extension for capabilities that
// don't need to be re-queried every Update cycle (spec.md §4.5's
// MINIMUM_UPDATE_INTERVAL_SECS, e.g. slow-changing energy counters or
// cloud-connectivity state). A module not implementing this polls
// every cycle, same as MINIMUM_UPDATE_INTERVAL_SECS defaulting to 0.
type IntervalModule interface {
	Module

	// MinUpdateInterval is the minimum time that must elapse since
	// this module was last polled (successfully or not) before Update
	// includes its Query() again. Checked against the device's clock, so frozen
	// clocks in tests behave deterministically.
	MinUpdateInterval() time.Duration
}

var (
	registryMu sync.Mutex
	registry   []func() Module
)

// RegisterModule adds factory to the static module registry. Called
// from each module package's init(), so the full set of available
// modules is fixed at program start, not discovered at runtime.
func RegisterModule(factory func() Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, factory)
}

// instantiateRegisteredModules builds one fresh Module instance per
// registered factory, for a new Device to negotiate against.
func instantiateRegisteredModules() []Module {
	registryMu.Lock()
	defer registryMu.Unlock()
	modules := make([]Module, 0, len(registry))
	for _, factory := range registry {
		modules = append(modules, factory())
	}
	return modules
}

// registerFeature is a small helper modules use to add a feature to a
// device and fail loudly (returned up through Process) rather than
// silently overwrite on an id collision.
func registerFeature(d *Device, f *feature.Feature) error {
	if err := d.features.Add(f); err != nil {
		return fmt.Errorf("module %s: %w", f.ID, err)
	}
	return nil
}
