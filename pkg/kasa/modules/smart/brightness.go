package smart

import (
	"context"
	"fmt"

	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
)

func init() {
	device.RegisterModule(func() device.Module { return &Brightness{} })
}

// Brightness exposes a dimmable device's brightness as a read/write
// Number feature in [1, 100]. Setting it issues set_device_info
// immediately rather than batching with the next Update cycle, since a
// write is a user action that should take effect at once.
type Brightness struct {
	d          *device.Device
	value      int
	registered bool
}

func (m *Brightness) Name() string { return "brightness" }

func (m *Brightness) Supports(d *device.Device) bool {
	return IsSmartFamily(d) && d.Components()["brightness"]
}

func (m *Brightness) Query() map[string]any {
	return map[string]any{"get_device_info": nil}
}

func (m *Brightness) Process(d *device.Device, response map[string]any) error {
	m.d = d
	info, _ := response["get_device_info"].(map[string]any)
	if info == nil {
		return fmt.Errorf("brightness: missing get_device_info in response")
	}
	if v, ok := info["brightness"].(float64); ok {
		m.value = int(v)
	}

	if m.registered {
		return nil
	}
	m.registered = true
	return registerAll(d, &feature.Feature{
		ID: "brightness", Name: "Brightness", Type: feature.TypeNumber,
		Category: feature.CategoryPrimary, Unit: "%", Range: &feature.Range{Min: 1, Max: 100},
		Getter: func() (any, error) { return m.value, nil },
		Setter: m.setBrightness,
	})
}

func (m *Brightness) setBrightness(v any) error {
	n, ok := v.(int)
	if !ok {
		return fmt.Errorf("brightness: expected int, got %T", v)
	}
	_, err := m.d.QueryHelper(contextForSet(), "set_device_info", map[string]any{"brightness": n})
	if err != nil {
		return err
	}
	m.value = n
	return nil
}

// contextForSet is used by feature Setter closures, which have no
// context parameter of their own; a background context is appropriate
// here since the underlying transport still applies its own timeout.
func contextForSet() context.Context { return context.Background() }
