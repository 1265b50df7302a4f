package fl

import (
	"fmt"
	"maps"
	"slices"
)

type Aggregator interface {
	Aggregate(sums map[string][]float64, counts map[string]int) (GlobalGradient, error)
}

// WeightedAggregator divides the total of all noised sums by the total example
// count, so larger partitions weigh proportionally more.
type WeightedAggregator struct{}

var _ Aggregator = WeightedAggregator{}

func NewWeightedAggregator() Aggregator {
	return WeightedAggregator{}
}

func (WeightedAggregator) Aggregate(sums map[string][]float64, counts map[string]int) (GlobalGradient, error) {
	if len(sums) == 0 {
		return GlobalGradient{}, ErrEmptyRound
	}

	roles := slices.Sorted(maps.Keys(sums))
	dim := len(sums[roles[0]])
	if dim == 0 {
		return GlobalGradient{}, fmt.Errorf("%w: role %s sent an empty vector", ErrDimensionMismatch, roles[0])
	}

	total := 0
	vec := make([]float64, dim)
	for _, role := range roles {
		count, ok := counts[role]
		if !ok {
			return GlobalGradient{}, fmt.Errorf("%w: role %s", ErrMissingCount, role)
		}
		if count <= 0 {
			return GlobalGradient{}, fmt.Errorf("%w: role %s reported %d", ErrInvalidCount, role, count)
		}
		sum := sums[role]
		if len(sum) != dim {
			return GlobalGradient{}, fmt.Errorf("%w: role %s has %d, want %d", ErrDimensionMismatch, role, len(sum), dim)
		}
		for i, v := range sum {
			vec[i] += v
		}
		total += count
	}

	den := float64(total)
	for i := range vec {
		vec[i] /= den
	}

	return GlobalGradient{
		Vector:       vec,
		TotalCount:   total,
		Contributors: roles,
	}, nil
}

// AggregateContributions indexes contributions by role and aggregates them,
// stamping the job and step of the round.
func AggregateContributions(agg Aggregator, jobID string, step uint64, contribs []Contribution) (GlobalGradient, error) {
	sums := make(map[string][]float64, len(contribs))
	counts := make(map[string]int, len(contribs))
	for _, c := range contribs {
		if _, dup := sums[c.RoleID]; dup {
			return GlobalGradient{}, fmt.Errorf("%w: %s", ErrDuplicateRole, c.RoleID)
		}
		sums[c.RoleID] = c.Sum
		counts[c.RoleID] = c.Count
	}

	g, err := agg.Aggregate(sums, counts)
	if err != nil {
		return GlobalGradient{}, err
	}
	g.JobID = jobID
	g.Step = step

	return g, nil
}
