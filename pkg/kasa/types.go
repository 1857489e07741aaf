// Package kasa defines the shared value types modules and callers
// work with (C3's data model, spec.md §3): energy readings and color
// state, kept independent of any one module's wire-format quirks.
package kasa

// EmeterStatus is one energy-meter reading. Voltage, Current, Power and
// Total follow the unscaled (V, A, W, kWh) convention; VoltageMV,
// CurrentMA, PowerMW and TotalWH carry the legacy 1000x-scaled fields
// some IOT firmware reports instead, per invariant 4. A raw reading
// usually has only one field of each pair populated, depending on which
// the device actually sent; the module deriving EmeterStatus calls
// Normalize to fill in the other.
type EmeterStatus struct {
	Voltage   float64 // volts
	Current   float64 // amps
	Power     float64 // watts
	Total     float64 // cumulative kWh
	VoltageMV int     // millivolts, legacy scaled form
	CurrentMA int     // milliamps, legacy scaled form
	PowerMW   int     // milliwatts, legacy scaled form
	TotalWH   int     // watt-hours, legacy scaled form
}

// Normalize returns a copy with each unscaled/legacy-scaled field pair
// filled from whichever side the device actually sent, so callers never
// have to branch on firmware generation or on which form they hold.
func (e EmeterStatus) Normalize() EmeterStatus {
	out := e
	if out.Voltage == 0 && out.VoltageMV != 0 {
		out.Voltage = float64(out.VoltageMV) / 1000
	}
	if out.VoltageMV == 0 && out.Voltage != 0 {
		out.VoltageMV = int(out.Voltage * 1000)
	}
	if out.Current == 0 && out.CurrentMA != 0 {
		out.Current = float64(out.CurrentMA) / 1000
	}
	if out.CurrentMA == 0 && out.Current != 0 {
		out.CurrentMA = int(out.Current * 1000)
	}
	if out.Power == 0 && out.PowerMW != 0 {
		out.Power = float64(out.PowerMW) / 1000
	}
	if out.PowerMW == 0 && out.Power != 0 {
		out.PowerMW = int(out.Power * 1000)
	}
	if out.Total == 0 && out.TotalWH != 0 {
		out.Total = float64(out.TotalWH) / 1000
	}
	if out.TotalWH == 0 && out.Total != 0 {
		out.TotalWH = int(out.Total * 1000)
	}
	return out
}

// HSV is a bulb's hue/saturation/value color state.
type HSV struct {
	Hue        int // 0-360
	Saturation int // 0-100
	Value      int // 0-100 (brightness)
}

// ColorTempRange is the inclusive Kelvin range a bulb's white channel supports.
type ColorTempRange struct {
	Min int
	Max int
}

// LightState is the effective on/off + color/brightness/temp state a
// bulb module assembles from get_device_info (SMART) or
// get_light_state (IOT legacy).
type LightState struct {
	On         bool
	Brightness int
	ColorTemp  int
	HSV        *HSV
}
