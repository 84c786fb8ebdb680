package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/guardant/guardant/pkg/types"
)

func regionObs(status types.ProbeStatus, at int64) types.RegionStatus {
	return types.RegionStatus{LastStatus: status, LastAt: at}
}

func TestAggregate(t *testing.T) {
	now := time.Now().UnixMilli()
	cutoff := now - 60_000
	fresh := now - 1_000
	stale := now - 120_000

	regions := []string{"eu-west", "us-east", "ap-south"}

	tests := []struct {
		name      string
		strategy  types.Strategy
		perRegion map[string]types.RegionStatus
		want      types.ProbeStatus
	}{
		{
			name:     "all up means up",
			strategy: "all",
			perRegion: map[string]types.RegionStatus{
				"eu-west":  regionObs(types.StatusUp, fresh),
				"us-east":  regionObs(types.StatusUp, fresh),
				"ap-south": regionObs(types.StatusUp, fresh),
			},
			want: types.StatusUp,
		},
		{
			name:     "all with one down means down",
			strategy: "all",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusUp, fresh),
				"us-east": regionObs(types.StatusDown, fresh),
			},
			want: types.StatusDown,
		},
		{
			name:     "all with degraded but nothing down means degraded",
			strategy: "all",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusUp, fresh),
				"us-east": regionObs(types.StatusDegraded, fresh),
			},
			want: types.StatusDegraded,
		},
		{
			name:     "empty strategy defaults to all",
			strategy: "",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusDown, fresh),
			},
			want: types.StatusDown,
		},
		{
			name:     "stale region is ignored, not counted as down",
			strategy: "all",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusUp, fresh),
				"us-east": regionObs(types.StatusDown, stale),
			},
			want: types.StatusUp,
		},
		{
			name:     "no fresh region at all is unknown",
			strategy: "all",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusDown, stale),
			},
			want: types.StatusUnknown,
		},
		{
			name:     "unconfigured region never participates",
			strategy: "all",
			perRegion: map[string]types.RegionStatus{
				"sa-east": regionObs(types.StatusDown, fresh),
			},
			want: types.StatusUnknown,
		},
		{
			name:     "closest takes the first configured region with data",
			strategy: "closest",
			perRegion: map[string]types.RegionStatus{
				"us-east":  regionObs(types.StatusDown, fresh),
				"ap-south": regionObs(types.StatusUp, fresh),
			},
			want: types.StatusDown,
		},
		{
			name:     "closest skips stale nearest region",
			strategy: "closest",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusDown, stale),
				"us-east": regionObs(types.StatusUp, fresh),
			},
			want: types.StatusUp,
		},
		{
			name:     "any is up while one region sees up",
			strategy: "any",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusDown, fresh),
				"us-east": regionObs(types.StatusUp, fresh),
			},
			want: types.StatusUp,
		},
		{
			name:     "any with every region failing is down",
			strategy: "any",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusDown, fresh),
				"us-east": regionObs(types.StatusDegraded, fresh),
			},
			want: types.StatusDown,
		},
		{
			name:     "quorum reached",
			strategy: "quorum(2)",
			perRegion: map[string]types.RegionStatus{
				"eu-west":  regionObs(types.StatusDown, fresh),
				"us-east":  regionObs(types.StatusDown, fresh),
				"ap-south": regionObs(types.StatusUp, fresh),
			},
			want: types.StatusDown,
		},
		{
			name:     "quorum with a three way split is unknown",
			strategy: "quorum(2)",
			perRegion: map[string]types.RegionStatus{
				"eu-west":  regionObs(types.StatusDown, fresh),
				"us-east":  regionObs(types.StatusUp, fresh),
				"ap-south": regionObs(types.StatusDegraded, fresh),
			},
			want: types.StatusUnknown,
		},
		{
			name:     "quorum prefers the more severe status on double quorum",
			strategy: "quorum(1)",
			perRegion: map[string]types.RegionStatus{
				"eu-west": regionObs(types.StatusUp, fresh),
				"us-east": regionObs(types.StatusDown, fresh),
			},
			want: types.StatusDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.perRegion, regions, tt.strategy, cutoff)
			assert.Equal(t, tt.want, got)
		})
	}
}
