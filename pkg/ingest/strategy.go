package ingest

import (
	"github.com/guardant/guardant/pkg/types"
)

// severity orders statuses for quorum tie-breaking: down > degraded > up.
var severity = map[types.ProbeStatus]int{
	types.StatusDown:     3,
	types.StatusDegraded: 2,
	types.StatusUp:       1,
}

// Aggregate derives the service-wide status from per-region observations.
//
// Regions without a result newer than the freshness cutoff are unknown: they
// never flip the status by themselves, and the remaining fresh regions decide.
// With no fresh region at all the answer is unknown, which the ingestor maps
// to "stale" rather than opening an incident.
func Aggregate(perRegion map[string]types.RegionStatus, configured []string, strategy types.Strategy, freshCutoffMs int64) types.ProbeStatus {
	kind, quorum := strategy.Parse()

	fresh := make(map[string]types.ProbeStatus, len(configured))
	for _, region := range configured {
		obs, ok := perRegion[region]
		if !ok || obs.LastAt < freshCutoffMs {
			continue
		}
		fresh[region] = obs.LastStatus
	}
	if len(fresh) == 0 {
		return types.StatusUnknown
	}

	switch kind {
	case types.StrategyClosest:
		// The configured region list is ordered by proximity; the first
		// region with a fresh observation is authoritative.
		for _, region := range configured {
			if status, ok := fresh[region]; ok {
				return status
			}
		}
		return types.StatusUnknown

	case types.StrategyAny:
		for _, status := range fresh {
			if status == types.StatusUp {
				return types.StatusUp
			}
		}
		return types.StatusDown

	case types.StrategyQuorum:
		counts := make(map[types.ProbeStatus]int)
		for _, status := range fresh {
			counts[status]++
		}
		winner := types.StatusUnknown
		for status, n := range counts {
			if n < quorum {
				continue
			}
			if winner == types.StatusUnknown || severity[status] > severity[winner] {
				winner = status
			}
		}
		return winner

	default: // all
		anyDegraded := false
		for _, status := range fresh {
			switch status {
			case types.StatusDown:
				return types.StatusDown
			case types.StatusDegraded:
				anyDegraded = true
			}
		}
		if anyDegraded {
			return types.StatusDegraded
		}
		return types.StatusUp
	}
}
