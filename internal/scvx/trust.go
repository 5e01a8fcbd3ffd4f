package scvx

// updateTrustRegion applies the four-band rule to the ratio rho of actual
// to predicted cost decrease. It returns the next radius and whether the
// candidate replaces the reference.
func updateTrustRegion(delta, rho float64, p Params) (float64, bool) {
	switch {
	case rho < p.Rho0:
		return delta / p.Alpha, false
	case rho < p.Rho1:
		return delta / p.Alpha, true
	case rho < p.Rho2:
		return delta, true
	default:
		return delta * p.Alpha, true
	}
}
