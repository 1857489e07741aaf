// Package smart implements the SMART-generation (KLAP/AES,
// "get_device_info"-style) module set: device identity, energy
// metering, brightness, and child-device listing.
package smart

import (
	"fmt"

	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
)

func init() {
	device.RegisterModule(func() device.Module { return &DeviceInfo{} })
}

// IsSmartFamily reports whether d negotiated one of the newer
// SMART-generation device families (KLAP/AES, "get_device_info"-style),
// the gate every module in this package applies before Supports looks
// at anything else.
func IsSmartFamily(d *device.Device) bool {
	switch d.Family() {
	case config.FamilySmartKasaPlug, config.FamilySmartKasaSwitch,
		config.FamilySmartTapoPlug, config.FamilySmartTapoBulb,
		config.FamilySmartTapoHub, config.FamilySmartIPCamera:
		return true
	default:
		return false
	}
}

// DeviceInfo is always queried: it supplies the base identity and
// signal-strength sensors every SMART device exposes regardless of
// what else it supports.
type DeviceInfo struct {
	deviceID   string
	model      string
	rssi       int
	overheat   string // "normal", "cold", "overheated", or "unknown" - see Process
	registered bool
}

func (m *DeviceInfo) Name() string { return "device_info" }

// Supports applies to every negotiated SMART-family device; they all
// answer get_device_info regardless of any further component negotiation.
func (m *DeviceInfo) Supports(d *device.Device) bool { return IsSmartFamily(d) }

func (m *DeviceInfo) Query() map[string]any {
	return map[string]any{"get_device_info": nil}
}

// Process reads the merged get_device_info result and registers the
// read-only identity/signal features. overheat_status is reported by
// some firmware as a bool and by others as a tri-state string
// ("normal"/"cold"/"overheated"); this module normalises both into the
// tri-state string form and leaves "unknown" when the field is absent,
// per spec.md §4.5.2's Open Question on the field's type.
func (m *DeviceInfo) Process(d *device.Device, response map[string]any) error {
	info, _ := response["get_device_info"].(map[string]any)
	if info == nil {
		return fmt.Errorf("device_info: missing get_device_info in response")
	}

	m.deviceID, _ = info["device_id"].(string)
	m.model, _ = info["model"].(string)
	if rssi, ok := info["rssi"].(float64); ok {
		m.rssi = int(rssi)
	}
	m.overheat = normalizeOverheatStatus(info["overheat_status"])

	if m.registered {
		return nil
	}
	m.registered = true
	return registerAll(d,
		&feature.Feature{
			ID: "device_id", Name: "Device ID", Type: feature.TypeSensor, Category: feature.CategoryInfo,
			Getter: func() (any, error) { return m.deviceID, nil },
		},
		&feature.Feature{
			ID: "model", Name: "Model", Type: feature.TypeSensor, Category: feature.CategoryInfo,
			Getter: func() (any, error) { return m.model, nil },
		},
		&feature.Feature{
			ID: "rssi", Name: "RSSI", Type: feature.TypeSensor, Category: feature.CategoryDebug, Unit: "dBm",
			Getter: func() (any, error) { return m.rssi, nil },
		},
		&feature.Feature{
			ID: "overheated", Name: "Overheated", Type: feature.TypeChoice, Category: feature.CategoryInfo,
			Choices: []string{"normal", "cold", "overheated", "unknown"},
			Getter:  func() (any, error) { return m.overheat, nil },
		},
	)
}

func normalizeOverheatStatus(raw any) string {
	switch v := raw.(type) {
	case bool:
		if v {
			return "overheated"
		}
		return "normal"
	case string:
		if v == "" {
			return "unknown"
		}
		return v
	default:
		return "unknown"
	}
}

// registerAll registers every feature, stopping at the first error
// (a duplicate id, which indicates two modules disagree about a name).
func registerAll(d *device.Device, features ...*feature.Feature) error {
	for _, f := range features {
		if err := d.RegisterFeature(f); err != nil {
			return err
		}
	}
	return nil
}
