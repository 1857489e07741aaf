package smart

import (
	"fmt"

	"github.com/johnpr01/go-kasa/pkg/kasa/device"
)

func init() {
	device.RegisterModule(func() device.Module { return &ChildDeviceList{} })
}

// ChildDeviceList fetches a hub or power strip's child device list and
// keeps the device's children map in sync with it, one entry per
// child, across Update cycles.
type ChildDeviceList struct{}

func (m *ChildDeviceList) Name() string { return "child_device" }

func (m *ChildDeviceList) Supports(d *device.Device) bool {
	return IsSmartFamily(d) && d.Components()["child_device"]
}

func (m *ChildDeviceList) Query() map[string]any {
	return map[string]any{"get_child_device_list": nil}
}

func (m *ChildDeviceList) Process(d *device.Device, response map[string]any) error {
	result, _ := response["get_child_device_list"].(map[string]any)
	if result == nil {
		return fmt.Errorf("child_device: missing get_child_device_list in response")
	}
	childList, _ := result["child_device_list"].([]any)
	device.SyncChildren(d, childList)
	return nil
}
