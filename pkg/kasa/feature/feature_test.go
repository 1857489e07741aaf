package feature

import "testing"

func newNumberFeature(min, max int) (*Feature, *int) {
	value := 0
	f := &Feature{
		ID:       "brightness",
		Name:     "Brightness",
		Type:     TypeNumber,
		Category: CategoryPrimary,
		Range:    &Range{Min: min, Max: max},
		Getter:   func() (any, error) { return value, nil },
		Setter:   func(v any) error { value = v.(int); return nil },
	}
	return f, &value
}

func TestNumberFeatureBoundary(t *testing.T) {
	f, value := newNumberFeature(1, 100)

	if err := f.SetValue(1); err != nil {
		t.Fatalf("min value should succeed: %v", err)
	}
	if *value != 1 {
		t.Fatalf("value = %d, want 1", *value)
	}

	if err := f.SetValue(100); err != nil {
		t.Fatalf("max value should succeed: %v", err)
	}

	if err := f.SetValue(0); err == nil {
		t.Fatalf("min-1 should fail")
	}
	if err := f.SetValue(101); err == nil {
		t.Fatalf("max+1 should fail")
	}
}

func TestChoiceFeatureMembership(t *testing.T) {
	value := "Off"
	f := &Feature{
		ID:      "light_effect",
		Type:    TypeChoice,
		Choices: []string{"Off", "Party", "Relax"},
		Getter:  func() (any, error) { return value, nil },
		Setter:  func(v any) error { value = v.(string); return nil },
	}

	if err := f.SetValue("Party"); err != nil {
		t.Fatalf("valid choice should succeed: %v", err)
	}
	if err := f.SetValue("Nonexistent"); err == nil {
		t.Fatalf("invalid choice should fail")
	}
}

func TestSensorFeatureHasNoSetter(t *testing.T) {
	f := &Feature{
		ID:     "rssi",
		Type:   TypeSensor,
		Getter: func() (any, error) { return -52, nil },
	}
	if err := f.SetValue(1); err == nil {
		t.Fatalf("Sensor feature must reject SetValue")
	}
}

func TestFeatureWithNoSetterFails(t *testing.T) {
	f := &Feature{
		ID:     "device_id",
		Type:   TypeUnknown,
		Getter: func() (any, error) { return "abc", nil },
	}
	if err := f.SetValue("xyz"); err == nil {
		t.Fatalf("feature with nil Setter must reject SetValue")
	}
}

func TestFeatureMapRejectsDuplicateID(t *testing.T) {
	m := make(Map)
	f1 := &Feature{ID: "state", Type: TypeSwitch}
	f2 := &Feature{ID: "state", Type: TypeBinarySensor}

	if err := m.Add(f1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.Add(f2); err == nil {
		t.Fatalf("duplicate id should fail")
	}
}
