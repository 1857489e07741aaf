package smart

import (
	"context"
	"testing"

	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/device"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

type fakeProtocol struct {
	handler func(map[string]any) (map[string]any, error)
}

func (f *fakeProtocol) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	return f.handler(request)
}
func (f *fakeProtocol) Close() error                   { return nil }
func (f *fakeProtocol) Transport() transport.Transport { return nil }

func newSmartDevice(family config.DeviceFamily) *device.Device {
	return newSmartDeviceWithHandler(family, func(map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

func newSmartDeviceWithHandler(family config.DeviceFamily, handler func(map[string]any) (map[string]any, error)) *device.Device {
	cfg := config.NewDeviceConfig("10.0.0.30")
	cfg.ConnectionParams.DeviceFamily = family
	cfg.ConnectionParams.EncryptionType = config.EncryptionKlap
	return device.New(cfg, &fakeProtocol{handler: handler})
}

func TestDeviceInfoSupportsGatesOnSmartFamily(t *testing.T) {
	m := &DeviceInfo{}
	if !m.Supports(newSmartDevice(config.FamilySmartTapoPlug)) {
		t.Fatal("DeviceInfo should support any SMART-family device")
	}
	if m.Supports(newSmartDevice(config.FamilyIotSmartPlugSwitch)) {
		t.Fatal("DeviceInfo should not support an IOT-family device")
	}
}

func TestDeviceInfoProcessNormalizesOverheatStatusVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want string
	}{
		{"bool true", true, "overheated"},
		{"bool false", false, "normal"},
		{"string", "cold", "cold"},
		{"absent", nil, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newSmartDevice(config.FamilySmartTapoPlug)
			m := &DeviceInfo{}
			response := map[string]any{"get_device_info": map[string]any{
				"device_id": "abc", "model": "P110", "rssi": float64(-40), "overheat_status": tc.raw,
			}}
			if tc.raw == nil {
				response = map[string]any{"get_device_info": map[string]any{
					"device_id": "abc", "model": "P110", "rssi": float64(-40),
				}}
			}
			if err := m.Process(d, response); err != nil {
				t.Fatalf("Process: %v", err)
			}
			got, _ := d.Features()["overheated"].Value()
			if got != tc.want {
				t.Errorf("overheated = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDeviceInfoProcessIsIdempotentAcrossUpdateCycles(t *testing.T) {
	d := newSmartDevice(config.FamilySmartTapoPlug)
	m := &DeviceInfo{}
	response := map[string]any{"get_device_info": map[string]any{"device_id": "abc"}}
	if err := m.Process(d, response); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := m.Process(d, response); err != nil {
		t.Fatalf("second Process should not re-register features: %v", err)
	}
}

func TestDeviceInfoProcessMissingResponseErrors(t *testing.T) {
	m := &DeviceInfo{}
	if err := m.Process(newSmartDevice(config.FamilySmartTapoPlug), map[string]any{}); err == nil {
		t.Fatal("expected an error when get_device_info is absent")
	}
}
