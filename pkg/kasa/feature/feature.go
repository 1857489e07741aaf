// Package feature implements the uniform read/write handle (C6) that
// modules register against a device: a Feature wraps a typed getter
// and optional setter closure rather than reflecting on a name, per
// the "feature getter/setter names as strings" design note.
package feature

import (
	"fmt"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
)

// Type is the kind of value a Feature surfaces.
type Type string

const (
	TypeSensor       Type = "Sensor"
	TypeBinarySensor Type = "BinarySensor"
	TypeSwitch       Type = "Switch"
	TypeAction       Type = "Action"
	TypeNumber       Type = "Number"
	TypeChoice       Type = "Choice"
	TypeUnknown      Type = "Unknown"
)

// Category groups a Feature for display purposes.
type Category string

const (
	CategoryPrimary Category = "Primary"
	CategoryConfig  Category = "Config"
	CategoryInfo    Category = "Info"
	CategoryDebug   Category = "Debug"
)

// Range is the inclusive bound on a Number feature's value.
type Range struct {
	Min int
	Max int
}

// Feature is a single read/write surface exposed by a module or the
// device itself. Getter is required; Setter is nil for read-only
// features (Sensor, BinarySensor always have a nil Setter).
type Feature struct {
	ID            string
	Name          string
	Type          Type
	Category      Category
	Unit          string
	Range         *Range
	Choices       []string
	PrecisionHint int
	Getter        func() (any, error)
	Setter        func(any) error
}

// Value reads the feature's current value via its getter.
func (f *Feature) Value() (any, error) {
	if f.Getter == nil {
		return nil, kerrors.NewConfigError(fmt.Sprintf("feature %q has no getter", f.ID), nil)
	}
	return f.Getter()
}

// SetValue validates v against the feature's Type and invokes Setter.
// Number values must lie within Range; Choice values must be a member
// of Choices; Sensor/BinarySensor and any feature with a nil Setter
// always fail.
func (f *Feature) SetValue(v any) error {
	if f.Type == TypeSensor || f.Type == TypeBinarySensor {
		return kerrors.NewConfigError(fmt.Sprintf("feature %q (%s) is read-only", f.ID, f.Type), nil)
	}
	if f.Category == CategoryConfig && (f.Type == TypeSensor || f.Type == TypeBinarySensor) {
		return kerrors.NewConfigError(fmt.Sprintf("feature %q cannot be Config and %s", f.ID, f.Type), nil)
	}
	if f.Setter == nil {
		return kerrors.NewConfigError(fmt.Sprintf("feature %q has no setter", f.ID), nil)
	}

	switch f.Type {
	case TypeNumber:
		n, ok := toInt(v)
		if !ok {
			return kerrors.NewConfigError(fmt.Sprintf("feature %q requires a numeric value, got %T", f.ID, v), nil)
		}
		if f.Range != nil && (n < f.Range.Min || n > f.Range.Max) {
			return kerrors.NewConfigError(
				fmt.Sprintf("feature %q value %d out of range [%d, %d]", f.ID, n, f.Range.Min, f.Range.Max), nil)
		}
	case TypeChoice:
		s, ok := v.(string)
		if !ok {
			return kerrors.NewConfigError(fmt.Sprintf("feature %q requires a string choice, got %T", f.ID, v), nil)
		}
		if !contains(f.Choices, s) {
			return kerrors.NewConfigError(
				fmt.Sprintf("feature %q value %q not in choices %v", f.ID, s, f.Choices), nil)
		}
	}

	return f.Setter(v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Map is a device's feature collection keyed by feature id. Add
// enforces invariant 3 (unique feature id per device).
type Map map[string]*Feature

// Add registers f, returning an error if its id is already present.
func (m Map) Add(f *Feature) error {
	if _, exists := m[f.ID]; exists {
		return kerrors.NewConfigError(fmt.Sprintf("duplicate feature id %q", f.ID), nil)
	}
	m[f.ID] = f
	return nil
}
