package smart

import (
	"fmt"
	"time"

	"github.com/johnpr01/go-kasa/pkg/kasa"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
)

func init() {
	device.RegisterModule(func() device.Module { return &Energy{} })
}

// energyMinUpdateInterval mirrors the original's MINIMUM_UPDATE_INTERVAL_SECS
// pattern (e.g. its cloud-connectivity module) for a value that changes
// slowly relative to the device's normal poll cadence.
const energyMinUpdateInterval = 30 * time.Second

// Energy exposes get_energy_usage's current power draw and cumulative
// totals as read-only Sensor features, normalising whichever of the
// scaled/unscaled field pairs the firmware actually sent (invariant 4).
type Energy struct {
	status     kasa.EmeterStatus
	registered bool
}

func (m *Energy) Name() string { return "energy" }

func (m *Energy) MinUpdateInterval() time.Duration { return energyMinUpdateInterval }

func (m *Energy) Supports(d *device.Device) bool {
	return IsSmartFamily(d) && d.Components()["energy_monitoring"]
}

func (m *Energy) Query() map[string]any {
	return map[string]any{"get_energy_usage": nil}
}

func (m *Energy) Process(d *device.Device, response map[string]any) error {
	result, _ := response["get_energy_usage"].(map[string]any)
	if result == nil {
		return fmt.Errorf("energy: missing get_energy_usage in response")
	}

	raw := kasa.EmeterStatus{}
	if v, ok := result["current_power"].(float64); ok {
		raw.PowerMW = int(v)
	}
	if v, ok := result["today_energy"].(float64); ok {
		raw.TotalWH = int(v)
	}
	if v, ok := result["voltage"].(float64); ok {
		raw.Voltage = v
	}
	if v, ok := result["current"].(float64); ok {
		raw.Current = v
	}
	m.status = raw.Normalize()

	if m.registered {
		return nil
	}
	m.registered = true
	return registerAll(d,
		&feature.Feature{
			ID: "current_consumption", Name: "Current Consumption", Type: feature.TypeSensor,
			Category: feature.CategoryPrimary, Unit: "W", PrecisionHint: 1,
			Getter: func() (any, error) { return m.status.Power, nil },
		},
		&feature.Feature{
			ID: "today_energy", Name: "Today's Energy", Type: feature.TypeSensor,
			Category: feature.CategoryInfo, Unit: "kWh", PrecisionHint: 3,
			Getter: func() (any, error) { return m.status.Total, nil },
		},
		&feature.Feature{
			ID: "voltage", Name: "Voltage", Type: feature.TypeSensor,
			Category: feature.CategoryDebug, Unit: "V",
			Getter: func() (any, error) { return m.status.Voltage, nil },
		},
	)
}
