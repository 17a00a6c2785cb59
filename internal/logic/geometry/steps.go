package geometry

import "math"

// Pulses converts between physical degrees and controller encoder pulses.
type Pulses struct {
	perDegree float64
}

// NewPulses creates a converter for the given pulses-per-degree constant.
func NewPulses(perDegree float64) Pulses {
	return Pulses{perDegree: perDegree}
}

// PerDegree returns the conversion constant.
func (p Pulses) PerDegree() float64 {
	return p.perDegree
}

// FromDegrees converts an angle to the nearest integer pulse count.
func (p Pulses) FromDegrees(deg float64) int {
	return int(math.Round(deg * p.perDegree))
}

// ToDegrees converts a pulse count reported by the controller to degrees.
func (p Pulses) ToDegrees(pulses int) float64 {
	return float64(pulses) / p.perDegree
}
