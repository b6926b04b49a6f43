package risk

import (
	"fmt"
	"time"
)

// Aggregator combines component outputs into a Record using one weight table.
type Aggregator struct {
	weights Weights
}

// NewAggregator validates w and returns an Aggregator.
func NewAggregator(w Weights) (*Aggregator, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("aggregator weights: %w", err)
	}
	return &Aggregator{weights: w}, nil
}

// Weights returns the table in use.
func (a *Aggregator) Weights() Weights { return a.weights }

// Aggregate scales every component to a 0..1 fraction of its range,
// multiplies by its weight and sums. The result is clamped to [0, 100].
func (a *Aggregator) Aggregate(taskID string, c Components, now time.Time) *Record {
	contributions := []Contribution{
		contribution(ComponentTime, a.weights.Time, c.Time.normalized()),
		contribution(ComponentComplexity, a.weights.Complexity, c.Complexity.Score/100),
		contribution(ComponentRoleFit, a.weights.RoleFit, c.RoleFit.Total/20),
		contribution(ComponentDependency, a.weights.Dependency, c.Dependency.Score/10),
		contribution(ComponentCommunication, a.weights.Communication, c.Communication.Combined/10),
	}
	total := 0.0
	for _, ct := range contributions {
		total += ct.Weighted
	}
	score := round2(clamp(total, 0, 100))

	return &Record{
		TaskID:          taskID,
		Score:           score,
		Level:           LevelForScore(score),
		Components:      c,
		Contributions:   contributions,
		Recommendations: Recommend(c),
		Weights:         a.weights,
		GeneratedAt:     now.UTC(),
	}
}

func contribution(name string, weight, fraction float64) Contribution {
	n := clamp(fraction, 0, 1)
	return Contribution{
		Component:  name,
		Weight:     weight,
		Normalized: round2(n),
		Weighted:   n * weight,
	}
}
