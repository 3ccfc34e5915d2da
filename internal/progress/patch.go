package progress

// Patch mutates the named fields of a snapshot and nothing else.
type Patch func(*Snapshot)

// SetStatus sets the status field.
func SetStatus(status Status) Patch {
	return func(s *Snapshot) { s.Status = status }
}

// SetPercent sets the percent field, clamped to [0,100].
func SetPercent(percent float64) Patch {
	return func(s *Snapshot) { s.Percent = clampPercent(percent) }
}

// SetETA sets the remaining time in whole seconds. Negative values are stored as 0.
func SetETA(seconds int) Patch {
	if seconds < 0 {
		seconds = 0
	}
	return func(s *Snapshot) {
		eta := seconds
		s.ETASeconds = &eta
	}
}

// ClearETA marks the remaining time as unknown.
func ClearETA() Patch {
	return func(s *Snapshot) { s.ETASeconds = nil }
}

func clampPercent(p float64) float64 {
	switch {
	case p != p: // NaN
		return 0
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
