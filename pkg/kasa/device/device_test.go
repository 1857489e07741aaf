package device

import (
	"context"
	"testing"
	"time"

	"github.com/johnpr01/go-kasa/internal/clock"
	"github.com/johnpr01/go-kasa/pkg/kasa/config"
	"github.com/johnpr01/go-kasa/pkg/kasa/feature"
	"github.com/johnpr01/go-kasa/pkg/kasa/transport"
)

// fakeProtocol is an in-memory protocol.Protocol driven by a handler,
// for device-engine tests that don't need real sockets.
type fakeProtocol struct {
	handler func(request map[string]any) (map[string]any, error)
}

func (f *fakeProtocol) Query(ctx context.Context, request map[string]any) (map[string]any, error) {
	return f.handler(request)
}
func (f *fakeProtocol) Close() error                   { return nil }
func (f *fakeProtocol) Transport() transport.Transport { return nil }

// countingModule always supports the device, always wants one query
// key, and either succeeds or fails depending on failUntilCall.
type countingModule struct {
	name          string
	calls         int
	failUntilCall int // Process fails while calls <= failUntilCall
}

func (m *countingModule) Name() string            { return m.name }
func (m *countingModule) Supports(d *Device) bool { return true }
func (m *countingModule) Query() map[string]any   { return map[string]any{m.name: nil} }
func (m *countingModule) Process(d *Device, resp map[string]any) error {
	m.calls++
	if m.calls <= m.failUntilCall {
		return errFakeModule
	}
	return nil
}

var errFakeModule = fakeErr("module failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestDevice(t *testing.T, handler func(map[string]any) (map[string]any, error)) *Device {
	t.Helper()
	cfg := config.NewDeviceConfig("10.0.0.5")
	d := New(cfg, &fakeProtocol{handler: handler})
	d.modules = nil // ignore globally-registered modules for isolation
	return d
}

func baseInfoHandler(request map[string]any) (map[string]any, error) {
	if _, ok := request["get_device_info"]; ok {
		return map[string]any{"get_device_info": map[string]any{"device_id": "abc"}}, nil
	}
	return map[string]any{}, nil
}

func TestUpdateNegotiatesAndRunsModules(t *testing.T) {
	d := newTestDevice(t, func(req map[string]any) (map[string]any, error) {
		if _, ok := req["get_device_info"]; ok {
			return baseInfoHandler(req)
		}
		resp := map[string]any{}
		for k := range req {
			resp[k] = map[string]any{"ok": true}
		}
		return resp, nil
	})

	m := &countingModule{name: "probe"}
	d.modules = []Module{m}

	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("module Process calls = %d, want 1", m.calls)
	}
	if d.LastUpdateTime().IsZero() {
		t.Fatalf("LastUpdateTime should be set after a successful Update")
	}
}

func TestModuleDisabledAfterRepeatedErrorsAndRecoversAfterCooldown(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(1000, 0))
	d := newTestDevice(t, func(req map[string]any) (map[string]any, error) {
		if _, ok := req["get_device_info"]; ok {
			return baseInfoHandler(req)
		}
		resp := map[string]any{}
		for k := range req {
			resp[k] = map[string]any{}
		}
		return resp, nil
	})
	d.WithClock(frozen)

	m := &countingModule{name: "flaky", failUntilCall: 10}
	d.modules = []Module{m}

	for i := 0; i < DisableAfterErrorCount; i++ {
		if err := d.Update(context.Background()); err != nil {
			t.Fatalf("Update iteration %d: %v", i, err)
		}
	}
	if _, disabled := d.moduleDisabled[m.Name()]; !disabled {
		t.Fatalf("module should be disabled after %d consecutive errors", DisableAfterErrorCount)
	}

	callsBeforeCooldown := m.calls
	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update while disabled: %v", err)
	}
	if m.calls != callsBeforeCooldown {
		t.Fatalf("disabled module should not be queried again yet")
	}

	frozen.Advance(MinimumDisabledInterval + time.Second)
	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update after cooldown: %v", err)
	}
	if m.calls != callsBeforeCooldown+1 {
		t.Fatalf("module should resume being queried after its cooldown elapses")
	}
}

// intervalModule wraps countingModule with a fixed MinUpdateInterval,
// for exercising IntervalModule's polling throttle.
type intervalModule struct {
	countingModule
	interval time.Duration
}

func (m *intervalModule) MinUpdateInterval() time.Duration { return m.interval }

func TestIntervalModuleSkippedUntilIntervalElapses(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(2000, 0))
	d := newTestDevice(t, func(req map[string]any) (map[string]any, error) {
		if _, ok := req["get_device_info"]; ok {
			return baseInfoHandler(req)
		}
		resp := map[string]any{}
		for k := range req {
			resp[k] = map[string]any{}
		}
		return resp, nil
	})
	d.WithClock(frozen)

	m := &intervalModule{countingModule: countingModule{name: "slow"}, interval: 30 * time.Second}
	d.modules = []Module{m}

	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("first Update should poll an interval module, calls = %d", m.calls)
	}

	frozen.Advance(10 * time.Second)
	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("module polled before its interval elapsed, calls = %d", m.calls)
	}

	frozen.Advance(25 * time.Second)
	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.calls != 2 {
		t.Fatalf("module should be polled again once its interval elapses, calls = %d", m.calls)
	}
}

func TestQueryEnabledModulesSplitsOnEstimatedSize(t *testing.T) {
	d := newTestDevice(t, nil)
	d.maxBytes = 32 // force a split with only a couple of modules

	var batches []map[string]any
	d.proto = &fakeProtocol{handler: func(req map[string]any) (map[string]any, error) {
		batches = append(batches, req)
		resp := map[string]any{}
		for k := range req {
			resp[k] = map[string]any{}
		}
		return resp, nil
	}}

	m1 := &countingModule{name: "module_one_with_a_long_name"}
	m2 := &countingModule{name: "module_two_with_a_long_name"}
	d.modules = []Module{m1, m2}

	merged, polled, err := d.queryEnabledModules(context.Background())
	if err != nil {
		t.Fatalf("queryEnabledModules: %v", err)
	}
	if !polled[m1.Name()] || !polled[m2.Name()] {
		t.Fatalf("expected both modules to be recorded as polled, got %v", polled)
	}
	if len(batches) < 2 {
		t.Fatalf("expected the query to split into at least 2 batches, got %d", len(batches))
	}
	if _, ok := merged["module_one_with_a_long_name"]; !ok {
		t.Fatalf("merged response missing module_one_with_a_long_name")
	}
	if _, ok := merged["module_two_with_a_long_name"]; !ok {
		t.Fatalf("merged response missing module_two_with_a_long_name")
	}
}

func TestQueryHelperWrapsMethodAndParams(t *testing.T) {
	var gotRequest map[string]any
	d := newTestDevice(t, func(req map[string]any) (map[string]any, error) {
		gotRequest = req
		return map[string]any{"set_device_info": map[string]any{}}, nil
	})

	if _, err := d.QueryHelper(context.Background(), "set_device_info", map[string]any{"brightness": 42}); err != nil {
		t.Fatalf("QueryHelper: %v", err)
	}

	params, ok := gotRequest["set_device_info"].(map[string]any)
	if !ok {
		t.Fatalf("expected set_device_info key in request, got %v", gotRequest)
	}
	if params["brightness"] != 42 {
		t.Fatalf("brightness = %v, want 42", params["brightness"])
	}
}

func TestDeviceTypeUnknownBeforeFirstUpdate(t *testing.T) {
	d := newTestDevice(t, nil)
	if got := d.DeviceType(); got != TypeUnknown {
		t.Fatalf("DeviceType before negotiation = %v, want %v", got, TypeUnknown)
	}
}

func TestInferDeviceTypeSmartFamilyRules(t *testing.T) {
	cases := []struct {
		name       string
		family     config.DeviceFamily
		components map[string]bool
		info       map[string]any
		want       DeviceType
	}{
		{"hub family wins outright", config.FamilySmartTapoHub, nil, nil, TypeHub},
		{"camera without homeBase", config.FamilySmartIPCamera, map[string]bool{}, nil, TypeCamera},
		{"camera with homeBase is a doorbell", config.FamilySmartIPCamera, map[string]bool{"homeBase": true}, nil, TypeDoorbell},
		{"child_device implies a strip", config.FamilySmartTapoPlug, map[string]bool{"child_device": true}, nil, TypeStrip},
		{"light_strip component", config.FamilySmartTapoBulb, map[string]bool{"light_strip": true}, nil, TypeLightStrip},
		{"color_temperature implies a bulb", config.FamilySmartTapoBulb, map[string]bool{"color_temperature": true}, nil, TypeBulb},
		{"brightness only implies a dimmer", config.FamilySmartTapoPlug, map[string]bool{"brightness": true}, nil, TypeDimmer},
		{"no matching component is a plain plug", config.FamilySmartTapoPlug, map[string]bool{}, nil, TypePlug},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := inferDeviceType(tc.family, tc.components, tc.info); got != tc.want {
				t.Fatalf("inferDeviceType(%v, %v) = %v, want %v", tc.family, tc.components, got, tc.want)
			}
		})
	}
}

func TestInferDeviceTypeIotFamilyRules(t *testing.T) {
	cases := []struct {
		name string
		info map[string]any
		want DeviceType
	}{
		{"dev_name naming a dimmer", map[string]any{"dev_name": "Smart Wi-Fi Dimmer"}, TypeDimmer},
		{"smartplug with children is a strip", map[string]any{"type": "IOT.SMARTPLUGSWITCH", "children": []any{}}, TypeStrip},
		{"smartplug without children is a plug", map[string]any{"type": "IOT.SMARTPLUGSWITCH"}, TypePlug},
		{"smartbulb with length is a light strip", map[string]any{"type": "IOT.SMARTBULB", "length": float64(10)}, TypeLightStrip},
		{"smartbulb without length is a bulb", map[string]any{"type": "IOT.SMARTBULB"}, TypeBulb},
		{"unrecognised type is unknown", map[string]any{"type": "IOT.SOMETHINGELSE"}, TypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := inferDeviceType(config.FamilyIotSmartPlugSwitch, nil, tc.info)
			if got != tc.want {
				t.Fatalf("inferDeviceType(iot, %v) = %v, want %v", tc.info, got, tc.want)
			}
		})
	}
}

func TestUpdateRefreshesHubChildrenOwnQuery(t *testing.T) {
	childInfoCalls := 0
	handler := func(req map[string]any) (map[string]any, error) {
		if _, ok := req["get_device_info"]; ok {
			return map[string]any{"get_device_info": map[string]any{"device_id": "hub-1"}}, nil
		}
		if _, ok := req["get_child_device_list"]; ok {
			return map[string]any{"get_child_device_list": map[string]any{
				"child_device_list": []any{
					map[string]any{"device_id": "sensor-1", "alias": "from-list"},
				},
			}}, nil
		}
		if cc, ok := req["control_child"].(map[string]any); ok {
			childInfoCalls++
			if cc["device_id"] != "sensor-1" {
				t.Fatalf("unexpected child id in control_child request: %v", cc["device_id"])
			}
			return map[string]any{"control_child": map[string]any{
				"responseData": map[string]any{"result": map[string]any{
					"responseData": []any{
						map[string]any{"method": "get_device_info", "result": map[string]any{
							"device_id": "sensor-1", "alias": "own-query",
						}},
					},
				}},
			}}, nil
		}
		return map[string]any{}, nil
	}

	cfg := config.NewDeviceConfig("10.0.0.9")
	cfg.ConnectionParams.DeviceFamily = config.FamilySmartTapoHub
	cfg.ConnectionParams.EncryptionType = config.EncryptionKlap
	d := New(cfg, &fakeProtocol{handler: handler})
	d.modules = nil

	if err := d.Update(context.Background()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	syncChildren(d, []any{map[string]any{"device_id": "sensor-1", "alias": "from-list"}})
	if err := d.UpdateWithOptions(context.Background(), UpdateOptions{UpdateChildrenOrParent: true}); err != nil {
		t.Fatalf("UpdateWithOptions: %v", err)
	}
	if childInfoCalls != 1 {
		t.Fatalf("expected exactly one control_child round trip, got %d", childInfoCalls)
	}
	child := d.Children()["sensor-1"]
	if child == nil {
		t.Fatalf("expected child sensor-1 to be present")
	}
	if alias, _ := child.SysInfo()["alias"].(string); alias != "own-query" {
		t.Fatalf("child sysInfo alias = %q, want own-query (its own query, not the parent-pushed list)", alias)
	}
}

func TestRegisterFeatureRejectsDuplicateID(t *testing.T) {
	d := newTestDevice(t, nil)
	f1 := &feature.Feature{ID: "state", Type: feature.TypeSwitch}
	f2 := &feature.Feature{ID: "state", Type: feature.TypeBinarySensor}

	if err := d.RegisterFeature(f1); err != nil {
		t.Fatalf("first RegisterFeature: %v", err)
	}
	if err := d.RegisterFeature(f2); err == nil {
		t.Fatalf("duplicate feature id should fail")
	}
}
