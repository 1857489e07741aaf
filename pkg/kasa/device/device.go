// Package device implements the update/query engine (C5): component
// negotiation, the static module registry, merged-query construction
// with response-size splitting, per-module error-count disable with
// cooldown, and the device lifecycle (fresh -> negotiated -> steady).
package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/johnpr01/go-kasa/internal/clock"
	kerrors "github.com/johnpr01/go-kasa/internal/errors"
	"github.com/johnpr01/go-kasa/internal/logger"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
	"github.com/johnpr01/go-kasa/pkg/kasa/metrics"
	"github.com/johnpr01/go-kasa/pkg/kasa/protocol"
)

// DisableAfterErrorCount is how many consecutive Update cycles a
// module may fail before it is disabled for MinimumDisabledInterval.
const DisableAfterErrorCount = 3

// MinimumDisabledInterval is how long a disabled module is skipped
// before Update tries it again.
const MinimumDisabledInterval = 60 * time.Second

// MaxQueryBytesPlug and MaxQueryBytesBulb bound a single batch
// request's estimated response size before Update splits it into
// multiple round trips, per spec.md §4.5.4 (legacy IOT plugs and bulbs
// have different buffer sizes on-device).
const (
	MaxQueryBytesPlug = 16 * 1024
	MaxQueryBytesBulb = 4 * 1024
)

// lifecycle is the device's position in its fresh -> negotiated ->
// steady progression (spec.md §4.5).
type lifecycle int

const (
	lifecycleFresh lifecycle = iota
	lifecycleNegotiated
	lifecycleSteady
)

// Device is the live handle to one physical device: its transport +
// protocol pairing, negotiated modules, discovered features, and
// children. All exported methods that touch the network take a
// context.Context and serialise through Device's own mutex (spec.md §5):
// a caller cancelling mid-call releases the mutex but leaves the
// transport's session state intact for the next attempt.
type Device struct {
	mu sync.Mutex

	host     string
	cfg      config.DeviceConfig
	proto    protocol.Protocol
	clock    clock.Clock
	log      *logger.Logger
	maxBytes int

	lifecycle  lifecycle
	sysInfo    map[string]any
	components map[string]bool

	modules         []Module
	moduleErrors    map[string]int
	moduleDisabled  map[string]time.Time
	moduleLastPoll  map[string]time.Time
	features        feature.Map
	children        map[string]*ChildDevice
	lastUpdateTime  time.Time
	metrics         *metrics.Collector
}

// New constructs a Device bound to proto. The device starts in its
// "fresh" lifecycle state; the first Update call negotiates modules
// and populates features.
func New(cfg config.DeviceConfig, proto protocol.Protocol) *Device {
	maxBytes := MaxQueryBytesPlug
	if cfg.ConnectionParams.DeviceFamily == config.FamilyIotSmartBulb {
		maxBytes = MaxQueryBytesBulb
	}
	return &Device{
		host:           cfg.Host,
		cfg:            cfg,
		proto:          proto,
		clock:          clock.Real{},
		log:            logger.New("device").WithHost(cfg.Host),
		maxBytes:       maxBytes,
		modules:        instantiateRegisteredModules(),
		moduleErrors:   map[string]int{},
		moduleDisabled: map[string]time.Time{},
		moduleLastPoll: map[string]time.Time{},
		features:       feature.Map{},
		children:       map[string]*ChildDevice{},
	}
}

// WithClock overrides the device's clock (tests only).
func (d *Device) WithClock(c clock.Clock) *Device {
	d.clock = c
	return d
}

// WithMetrics attaches a Collector that Update and the module
// error/disable tracker report into. Devices built without calling
// this run uninstrumented; every metrics call below is a guarded nil
// check rather than a required dependency.
func (d *Device) WithMetrics(c *metrics.Collector) *Device {
	d.metrics = c
	return d
}

// Host returns the device's address.
func (d *Device) Host() string { return d.host }

// Family returns the device's negotiated connection family
// ("IOT.SMARTPLUGSWITCH", "SMART.TAPOBULB", ...), the signal module
// Supports implementations gate on before even looking at components.
func (d *Device) Family() config.DeviceFamily { return d.cfg.ConnectionParams.DeviceFamily }

// SysInfo returns the last-fetched raw sysinfo/device_info map.
func (d *Device) SysInfo() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sysInfo
}

// Features returns the device's negotiated feature set.
func (d *Device) Features() feature.Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// Children returns the device's child devices, if any (hubs, power strips).
func (d *Device) Children() map[string]*ChildDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.children
}

// LastUpdateTime reports when Update last completed successfully.
func (d *Device) LastUpdateTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastUpdateTime
}

// Query issues one ad-hoc request outside the normal Update cycle,
// e.g. a feature Setter applying a write immediately rather than
// waiting for the next batch. It serialises through the same mutex as
// Update so a write never interleaves with an in-flight batch query.
func (d *Device) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proto.Query(ctx, request)
}

// QueryHelper is Query for a single method/params pair, the
// _query_helper(method, params) operations call through in spec.md
// §4.5.3 ("zero or more async methods that call through
// device._query_helper(method, params)"). A module Setter invoking
// this should still let the next Update refresh its own cached value
// rather than trusting the echoed response, since not every device
// echoes the new value in set_device_info's reply.
func (d *Device) QueryHelper(ctx context.Context, method string, params any) (map[string]any, error) {
	return d.Query(ctx, map[string]any{method: params})
}

// UpdateOptions controls whether a child-bearing device's Update also
// refreshes its children this cycle (spec.md §4.5.2 step 6).
type UpdateOptions struct {
	// UpdateChildrenOrParent, when true (the default Update(ctx) uses),
	// refreshes hub children's own sub-query this cycle. Strip children
	// never need it: their state already arrives via the parent's own
	// child_device_list response. The deprecated boolean alias
	// update_children from the original maps onto this same field.
	UpdateChildrenOrParent bool
}

// Update fetches base device info (first cycle only) and every
// negotiated, currently-enabled module's query, merging them into as
// few batch requests as MaxQueryBytes allows, then dispatches each
// module's share of the response back to Process. Equivalent to
// UpdateWithOptions(ctx, UpdateOptions{UpdateChildrenOrParent: true}).
func (d *Device) Update(ctx context.Context) error {
	return d.UpdateWithOptions(ctx, UpdateOptions{UpdateChildrenOrParent: true})
}

// UpdateWithOptions is Update with explicit control over whether hub
// children are refreshed this cycle.
func (d *Device) UpdateWithOptions(ctx context.Context, opts UpdateOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.clock.Now()
	err := d.update(ctx)
	if err == nil && opts.UpdateChildrenOrParent {
		err = d.updateHubChildren(ctx)
	}
	if d.metrics != nil {
		d.metrics.ObserveUpdate(d.host, d.clock.Now().Sub(start), err)
	}
	return err
}

// updateHubChildren refreshes each child's own state for hub-style
// devices (spec.md §4.5.2 step 6: "hubs, children each need their own
// sub-query"); strip children are already kept current by the
// child_device module's parent-pushed list, so this is a no-op for
// every other device shape. One failing child doesn't abort the rest,
// matching the per-module failure isolation Update applies to its own
// modules.
func (d *Device) updateHubChildren(ctx context.Context) error {
	if inferDeviceType(d.cfg.ConnectionParams.DeviceFamily, d.components, d.sysInfo) != TypeHub {
		return nil
	}
	for _, child := range d.children {
		if err := child.refresh(ctx); err != nil {
			d.log.Warn("child update failed", map[string]any{"child": child.ID(), "error": err.Error()})
		}
	}
	return nil
}

func (d *Device) update(ctx context.Context) error {
	if d.lifecycle == lifecycleFresh {
		if err := d.fetchBaseInfo(ctx); err != nil {
			return err
		}
		d.negotiateModules()
		d.lifecycle = lifecycleNegotiated
	}

	merged, polled, err := d.queryEnabledModules(ctx)
	if err != nil {
		return err
	}

	for _, m := range d.modules {
		if !d.isEnabled(m) || !polled[m.Name()] {
			continue
		}
		if err := m.Process(d, merged); err != nil {
			d.recordModuleError(m)
			d.log.Warn("module process failed", map[string]any{"module": m.Name(), "error": err.Error()})
			continue
		}
		d.clearModuleError(m)
	}

	d.lifecycle = lifecycleSteady
	d.lastUpdateTime = d.clock.Now()
	return nil
}

func (d *Device) fetchBaseInfo(ctx context.Context) error {
	resp, err := d.proto.Query(ctx, map[string]any{"get_device_info": nil})
	if err != nil {
		// Legacy IOT devices answer "system":{"get_sysinfo":...} instead.
		resp, err = d.proto.Query(ctx, map[string]any{"system": map[string]any{"get_sysinfo": nil}})
		if err != nil {
			return kerrors.NewDeviceError("device: fetch base info failed", 0, err)
		}
		system, _ := resp["system"].(map[string]any)
		d.sysInfo, _ = system["get_sysinfo"].(map[string]any)
	} else {
		d.sysInfo, _ = resp["get_device_info"].(map[string]any)
	}

	d.components = inferComponents(d.sysInfo)
	return nil
}

// inferComponents maps sysinfo/device_info fields to a component-name
// set modules negotiate against, per spec.md §4.5.5: presence of
// specific keys (not a device-reported "component_list" on legacy IOT)
// implies the corresponding capability.
func inferComponents(info map[string]any) map[string]bool {
	components := map[string]bool{}
	if info == nil {
		return components
	}
	if _, ok := info["brightness"]; ok {
		components["brightness"] = true
	}
	if _, ok := info["hsv"]; ok {
		components["color"] = true
	}
	if _, ok := info["children"]; ok {
		components["child_device"] = true
	}
	if flags, ok := info["feature"].(string); ok { // legacy IOT colon-delimited flags, e.g. "TIM:ENE"
		for _, flag := range splitFeatureFlags(flags) {
			if flag == "ENE" {
				components["energy_monitoring"] = true
			}
		}
	}
	if _, ok := info["current_power"]; ok { // SMART-family energy module presence
		components["energy_monitoring"] = true
	}
	if _, ok := info["length"]; ok { // light strips report their pixel/segment count
		components["light_strip"] = true
	}
	if _, ok := info["color_temp_range"]; ok {
		components["color_temperature"] = true
	}
	if _, ok := info["homeBase"]; ok { // doorbell cameras dock to a home base
		components["homeBase"] = true
	}
	components["device"] = true
	return components
}

// DeviceType identifies the high-level kind of device inferred from
// its negotiated family and component set (spec.md §4.5.5, the GLOSSARY's
// "Component" entry). It exists for callers that want to branch on
// device shape (e.g. "is this a strip, so its children are fed by my
// own update cycle") without re-deriving it from components themselves.
type DeviceType string

const (
	TypePlug        DeviceType = "Plug"
	TypeStrip       DeviceType = "Strip"
	TypeStripSocket DeviceType = "StripSocket"
	TypeWallSwitch  DeviceType = "WallSwitch"
	TypeDimmer      DeviceType = "Dimmer"
	TypeBulb        DeviceType = "Bulb"
	TypeLightStrip  DeviceType = "LightStrip"
	TypeFan         DeviceType = "Fan"
	TypeThermostat  DeviceType = "Thermostat"
	TypeHub         DeviceType = "Hub"
	TypeSensor      DeviceType = "Sensor"
	TypeCamera      DeviceType = "Camera"
	TypeDoorbell    DeviceType = "Doorbell"
	TypeVacuum      DeviceType = "Vacuum"
	TypeUnknown     DeviceType = "Unknown"
)

// DeviceType infers the device's kind from its negotiated family and
// components. Returns TypeUnknown before the first successful Update,
// since component negotiation hasn't happened yet.
func (d *Device) DeviceType() DeviceType {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lifecycle == lifecycleFresh {
		return TypeUnknown
	}
	return inferDeviceType(d.cfg.ConnectionParams.DeviceFamily, d.components, d.sysInfo)
}

// inferDeviceType implements spec.md §4.5.5's SMART and IOT rule sets.
func inferDeviceType(family config.DeviceFamily, components map[string]bool, info map[string]any) DeviceType {
	switch family {
	case config.FamilyIotSmartPlugSwitch, config.FamilyIotSmartBulb:
		return inferIotDeviceType(info)
	case config.FamilySmartTapoHub:
		return TypeHub
	case config.FamilySmartIPCamera:
		if components["homeBase"] {
			return TypeDoorbell
		}
		return TypeCamera
	default:
		return inferSmartDeviceType(components)
	}
}

// inferSmartDeviceType applies the non-hub, non-camera SMART rules:
// a device exposing control_child (our "child_device" component)
// without a home base is a power strip; light_strip, then
// color_temperature, then plain brightness narrow what's left; no
// match falls back to a plain plug.
func inferSmartDeviceType(components map[string]bool) DeviceType {
	switch {
	case components["child_device"]:
		return TypeStrip
	case components["light_strip"]:
		return TypeLightStrip
	case components["color_temperature"] || components["color"]:
		return TypeBulb
	case components["brightness"]:
		return TypeDimmer
	default:
		return TypePlug
	}
}

// inferIotDeviceType applies the legacy IOT rules: dev_name naming a
// dimmer wins outright, then type/mic_type's "smartplug"/"smartbulb"
// prefix disambiguates strip/light-strip variants via children/length.
func inferIotDeviceType(info map[string]any) DeviceType {
	if info == nil {
		return TypeUnknown
	}
	if devName, ok := info["dev_name"].(string); ok && strings.Contains(devName, "Dimmer") {
		return TypeDimmer
	}
	typ, _ := info["type"].(string)
	if typ == "" {
		typ, _ = info["mic_type"].(string)
	}
	lower := strings.ToLower(typ)
	switch {
	case strings.Contains(lower, "smartplug"):
		if _, ok := info["children"]; ok {
			return TypeStrip
		}
		return TypePlug
	case strings.Contains(lower, "smartbulb"):
		if _, ok := info["length"]; ok {
			return TypeLightStrip
		}
		return TypeBulb
	default:
		return TypeUnknown
	}
}

func splitFeatureFlags(flags string) []string {
	out := []string{}
	start := 0
	for i := 0; i <= len(flags); i++ {
		if i == len(flags) || flags[i] == ':' {
			if i > start {
				out = append(out, flags[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (d *Device) negotiateModules() {
	negotiated := d.modules[:0]
	for _, m := range d.modules {
		if m.Supports(d) {
			negotiated = append(negotiated, m)
		}
	}
	d.modules = negotiated
}

// queryEnabledModules builds one or more batch requests from every
// currently-enabled module's Query(), skipping modules whose
// MinUpdateInterval (if any) hasn't elapsed since their last poll,
// splitting across round trips once the estimated request size would
// exceed d.maxBytes, and merges every response into one map keyed by
// method name. The returned set records which modules actually had a
// query in this batch, so Update only invokes Process (and the
// error/disable tracker) for modules this cycle touched.
func (d *Device) queryEnabledModules(ctx context.Context) (map[string]any, map[string]bool, error) {
	merged := map[string]any{}
	polled := map[string]bool{}
	batch := map[string]any{}
	batchSize := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		resp, err := d.proto.Query(ctx, batch)
		if err != nil {
			return err
		}
		for k, v := range resp {
			merged[k] = v
		}
		batch = map[string]any{}
		batchSize = 0
		return nil
	}

	for _, m := range d.modules {
		if !d.isEnabled(m) || !d.dueForPoll(m) {
			continue
		}
		queries := m.Query()
		if len(queries) == 0 {
			continue
		}
		for method, params := range queries {
			estimate := estimateSize(method, params)
			if batchSize+estimate > d.maxBytes && len(batch) > 0 {
				if err := flush(); err != nil {
					return nil, nil, err
				}
			}
			batch[method] = params
			batchSize += estimate
		}
		polled[m.Name()] = true
		d.moduleLastPoll[m.Name()] = d.clock.Now()
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	return merged, polled, nil
}

// dueForPoll reports whether m's MinUpdateInterval (spec.md §4.5's
// MINIMUM_UPDATE_INTERVAL_SECS) has elapsed since its last poll. A
// module that doesn't implement IntervalModule is always due, matching
// the spec's default interval of 0.
func (d *Device) dueForPoll(m Module) bool {
	interval, ok := m.(IntervalModule)
	if !ok {
		return true
	}
	min := interval.MinUpdateInterval()
	if min <= 0 {
		return true
	}
	last, polledBefore := d.moduleLastPoll[m.Name()]
	return !polledBefore || d.clock.Now().Sub(last) >= min
}

// estimateSize is a cheap, allocation-free stand-in for a full JSON
// marshal just to decide split points; exactness doesn't matter, only
// that it grows with payload size.
func estimateSize(method string, params any) int {
	return len(method) + 64 + roughValueSize(params)
}

func roughValueSize(v any) int {
	switch val := v.(type) {
	case nil:
		return 4
	case string:
		return len(val) + 2
	case map[string]any:
		n := 2
		for k, vv := range val {
			n += len(k) + roughValueSize(vv) + 4
		}
		return n
	default:
		return 16
	}
}

func (d *Device) isEnabled(m Module) bool {
	until, disabled := d.moduleDisabled[m.Name()]
	if !disabled {
		return true
	}
	if d.clock.Now().After(until) {
		delete(d.moduleDisabled, m.Name())
		if d.metrics != nil {
			d.metrics.SetModuleDisabled(d.host, m.Name(), false)
		}
		return true
	}
	return false
}

func (d *Device) recordModuleError(m Module) {
	d.moduleErrors[m.Name()]++
	if d.metrics != nil {
		d.metrics.RecordModuleError(d.host, m.Name())
	}
	if d.moduleErrors[m.Name()] >= DisableAfterErrorCount {
		d.moduleDisabled[m.Name()] = d.clock.Now().Add(MinimumDisabledInterval)
		d.log.Warn("module disabled after repeated errors", map[string]any{
			"module": m.Name(), "errors": d.moduleErrors[m.Name()],
		})
		if d.metrics != nil {
			d.metrics.SetModuleDisabled(d.host, m.Name(), true)
		}
	}
}

func (d *Device) clearModuleError(m Module) {
	d.moduleErrors[m.Name()] = 0
}

// RegisterFeature is the exported hook modules call (via the device
// passed into Process) to add a Feature, used outside this package by
// modules in pkg/kasa/modules/*.
func (d *Device) RegisterFeature(f *feature.Feature) error {
	return registerFeature(d, f)
}

// Components reports the negotiated component set for module.Supports
// implementations outside this package.
func (d *Device) Components() map[string]bool {
	return d.components
}

// Close releases the underlying protocol/transport.
func (d *Device) Close() error {
	return d.proto.Close()
}
