package iot

import (
	"fmt"
	"time"

	"github.com/johnpr01/go-kasa/pkg/kasa"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
)

func init() {
	device.RegisterModule(func() device.Module { return &Emeter{} })
}

// emeterMinUpdateInterval throttles emeter polling the way the
// original's slow-changing modules (e.g. cloud connectivity state) use
// MINIMUM_UPDATE_INTERVAL_SECS: a power reading doesn't need to be
// refetched every single Update cycle.
const emeterMinUpdateInterval = 30 * time.Second

// Emeter exposes the legacy emeter.get_realtime reading, which reports
// the scaled millivolt/milliamp/milliwatt fields on older firmware and
// the unscaled volt/amp/watt fields on newer firmware for the same
// module - EmeterStatus.Normalize reconciles the two (invariant 4).
type Emeter struct {
	status     kasa.EmeterStatus
	registered bool
}

func (m *Emeter) Name() string { return "emeter" }

func (m *Emeter) MinUpdateInterval() time.Duration { return emeterMinUpdateInterval }

func (m *Emeter) Supports(d *device.Device) bool {
	return IsIotFamily(d) && d.Components()["energy_monitoring"]
}

func (m *Emeter) Query() map[string]any {
	return map[string]any{"emeter": map[string]any{"get_realtime": nil}}
}

func (m *Emeter) Process(d *device.Device, response map[string]any) error {
	emeter, _ := response["emeter"].(map[string]any)
	result, _ := emeter["get_realtime"].(map[string]any)
	if result == nil {
		return fmt.Errorf("emeter: missing emeter.get_realtime in response")
	}

	raw := kasa.EmeterStatus{}
	if v, ok := result["voltage_mv"].(float64); ok {
		raw.VoltageMV = int(v)
	}
	if v, ok := result["current_ma"].(float64); ok {
		raw.CurrentMA = int(v)
	}
	if v, ok := result["power_mw"].(float64); ok {
		raw.PowerMW = int(v)
	}
	if v, ok := result["total_wh"].(float64); ok {
		raw.TotalWH = int(v)
	}
	if v, ok := result["voltage"].(float64); ok {
		raw.Voltage = v
	}
	if v, ok := result["current"].(float64); ok {
		raw.Current = v
	}
	if v, ok := result["power"].(float64); ok {
		raw.Power = v
	}
	if v, ok := result["total"].(float64); ok {
		raw.Total = v
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
			ID: "total_energy", Name: "Total Energy", Type: feature.TypeSensor,
			Category: feature.CategoryInfo, Unit: "kWh", PrecisionHint: 3,
			Getter: func() (any, error) { return m.status.Total, nil },
		},
	)
}
