package assign

import (
	"errors"
	"sort"

	"github.com/ukydev/ambulance-dispatch/internal/models"
	"github.com/ukydev/ambulance-dispatch/internal/store"
)

// ErrNoEligibleUnit marks an emergency no available unit can serve. It is a
// recorded outcome, not a failure of the pass.
var ErrNoEligibleUnit = errors.New("no eligible unit")

// Reason explains why an emergency stayed pending.
type Reason string

const (
	ReasonNoEligibleUnit  Reason = "no_eligible_unit"
	ReasonEstimatesFailed Reason = "estimates_failed"
)

// Unmatched is a pending emergency the pass could not serve.
type Unmatched struct {
	Emergency models.Emergency
	Reason    Reason
	Err       error
}

// Plan is the outcome of evaluating one snapshot.
type Plan struct {
	Version   uint64
	Proposals []store.Match
	Unmatched []Unmatched
}

// sortQueue orders emergencies by priority, then arrival, then id.
func sortQueue(pending []models.Emergency) {
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

// pickHospital returns the nearest hospital with a free bed whose ER is not
// critical, then the nearest with a free bed, then the nearest overall.
func pickHospital(hospitals []models.Hospital, at models.Location) string {
	best := [3]string{}
	bestKm := [3]float64{}
	for _, h := range hospitals {
		km := at.DistanceKm(h.Location)
		tiers := []bool{h.HasFreeBed() && h.ERStatus != models.ERCritical, h.HasFreeBed(), true}
		for tier, ok := range tiers {
			if !ok {
				continue
			}
			if best[tier] == "" || km < bestKm[tier] || (km == bestKm[tier] && h.ID < best[tier]) {
				best[tier], bestKm[tier] = h.ID, km
			}
		}
	}
	for _, id := range best {
		if id != "" {
			return id
		}
	}
	return ""
}
