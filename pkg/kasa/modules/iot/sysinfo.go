// Package iot implements the legacy IOT-generation module set: flat
// get_sysinfo identity plus its colon-delimited "feature" flag string,
// and the emeter real-time reading.
package iot

import (
	"fmt"
	"strings"

	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
)

// IsIotFamily reports whether d negotiated one of the legacy
// IOT-generation device families, the gate every module in this
// package applies before Supports looks at anything else.
func IsIotFamily(d *device.Device) bool {
	switch d.Family() {
	case config.FamilyIotSmartPlugSwitch, config.FamilyIotSmartBulb:
		return true
	default:
		return false
	}
}

func init() {
	device.RegisterModule(func() device.Module { return &SysInfo{} })
}

// SysInfo is always queried on IOT devices: it supplies identity
// sensors and decodes the legacy "feature" field (e.g. "TIM:ENE"),
// a colon-delimited capability list rather than a proper component
// array, into the same component-set shape SMART devices report
// natively.
type SysInfo struct {
	alias      string
	model      string
	rssi       int
	registered bool
}

func (m *SysInfo) Name() string { return "sysinfo" }

func (m *SysInfo) Supports(d *device.Device) bool { return IsIotFamily(d) }

func (m *SysInfo) Query() map[string]any {
	return map[string]any{"system": map[string]any{"get_sysinfo": nil}}
}

func (m *SysInfo) Process(d *device.Device, response map[string]any) error {
	system, _ := response["system"].(map[string]any)
	info, _ := system["get_sysinfo"].(map[string]any)
	if info == nil {
		return fmt.Errorf("sysinfo: missing system.get_sysinfo in response")
	}

	m.alias, _ = info["alias"].(string)
	m.model, _ = info["model"].(string)
	if rssi, ok := info["rssi"].(float64); ok {
		m.rssi = int(rssi)
	}

	if flags, ok := info["feature"].(string); ok {
		for _, flag := range strings.Split(flags, ":") {
			if flag == "ENE" {
				d.Components()["energy_monitoring"] = true
			}
			if flag == "TIM" {
				d.Components()["timer"] = true
			}
		}
	}

	if m.registered {
		return nil
	}
	m.registered = true
	return registerAll(d,
		&feature.Feature{
			ID: "alias", Name: "Alias", Type: feature.TypeSensor, Category: feature.CategoryInfo,
			Getter: func() (any, error) { return m.alias, nil },
		},
		&feature.Feature{
			ID: "model", Name: "Model", Type: feature.TypeSensor, Category: feature.CategoryInfo,
			Getter: func() (any, error) { return m.model, nil },
		},
		&feature.Feature{
			ID: "rssi", Name: "RSSI", Type: feature.TypeSensor, Category: feature.CategoryDebug, Unit: "dBm",
			Getter: func() (any, error) { return m.rssi, nil },
		},
	)
}

func registerAll(d *device.Device, features ...*feature.Feature) error {
	for _, f := range features {
		if err := d.RegisterFeature(f); err != nil {
			return err
		}
	}
	return nil
}
