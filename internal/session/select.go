package session

import (
	"cmp"
	"slices"

	"github.com/canalplus/rx-player-sub017/internal/manifest"
)

// bandwidthSafetyFactor is the share of the estimated bandwidth a
// representation's bitrate may use.
const bandwidthSafetyFactor = 0.8

// SelectRepresentation returns the representation with the highest bitrate
// under 80% of estimate, or the lowest one when none fits or no estimate is
// available yet.
func SelectRepresentation(reps []*manifest.Representation, estimate float64, known bool) *manifest.Representation {
	if len(reps) == 0 {
		return nil
	}
	sorted := slices.SortedFunc(slices.Values(reps), func(a, b *manifest.Representation) int {
		return cmp.Compare(a.Bitrate, b.Bitrate)
	})
	chosen := sorted[0]
	if !known {
		return chosen
	}
	limit := estimate * bandwidthSafetyFactor
	for _, r := range sorted[1:] {
		if float64(r.Bitrate) > limit {
			break
		}
		chosen = r
	}
	return chosen
}

// adaptationFor returns the first adaptation of type t in period.
func adaptationFor(period *manifest.Period, t manifest.TrackType) *manifest.Adaptation {
	if period == nil {
		return nil
	}
	for _, a := range period.Adaptations[t] {
		if len(a.Representations) > 0 {
			return a
		}
	}
	return nil
}
