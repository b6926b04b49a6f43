package risk

import (
	"errors"
	"fmt"
	"math"
)

// Weights is the canonical table of component weights. They must sum to 100.
type Weights struct {
	Time          float64 `json:"time" yaml:"time"`
	Complexity    float64 `json:"complexity" yaml:"complexity"`
	RoleFit       float64 `json:"role_fit" yaml:"role_fit"`
	Dependency    float64 `json:"dependency" yaml:"dependency"`
	Communication float64 `json:"communication" yaml:"communication"`
}

// DefaultWeights returns time 35, complexity 25, role fit 20, dependency 10,
// communication 10.
func DefaultWeights() Weights {
	return Weights{Time: 35, Complexity: 25, RoleFit: 20, Dependency: 10, Communication: 10}
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Time + w.Complexity + w.RoleFit + w.Dependency + w.Communication
}

// Validate checks that every weight is non-negative and the total is 100.
func (w Weights) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		ComponentTime:          w.Time,
		ComponentComplexity:    w.Complexity,
		ComponentRoleFit:       w.RoleFit,
		ComponentDependency:    w.Dependency,
		ComponentCommunication: w.Communication,
	} {
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("weight %s must be >= 0, got %v", name, v))
		}
	}
	if sum := w.Sum(); math.Abs(sum-100) > 1e-6 {
		errs = append(errs, fmt.Errorf("weights must sum to 100, got %v", sum))
	}
	return errors.Join(errs...)
}
