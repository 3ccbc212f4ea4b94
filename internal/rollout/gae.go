package rollout

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Estimate holds generalized advantage estimates and discounted returns for
// one completed episode, plus the batch statistics of the advantages. The
// statistics are reported but not applied: whether advantages should be
// normalized before the update is the caller's decision.
type Estimate struct {
	Advantages []float64
	Returns    []float64
	AdvMean    float64
	AdvStd     float64
}

type Estimator struct {
	Gamma  float64
	Lambda float64
}

func NewEstimator() Estimator {
	return Estimator{Gamma: 0.99, Lambda: 0.95}
}

// Compute runs the GAE backward recursion over a completed episode. The
// episode must end with done=true on its last transition; no bootstrap value
// is used beyond zero at the boundary.
func (e Estimator) Compute(transitions []Transition) (Estimate, error) {
	n := len(transitions)
	if n == 0 {
		return Estimate{}, fmt.Errorf("cannot estimate advantages for an empty episode")
	}
	if !transitions[n-1].Done {
		return Estimate{}, fmt.Errorf("episode is not terminated: last transition has done=false")
	}

	advantages := make([]float64, n)
	returns := make([]float64, n)

	nextAdvantage := 0.0
	for t := n - 1; t >= 0; t-- {
		nextValue := 0.0
		if t < n-1 {
			nextValue = transitions[t+1].Value
		}
		nextNonTerminal := 1.0
		if transitions[t].Done {
			nextNonTerminal = 0.0
		}
		delta := transitions[t].Reward + e.Gamma*nextValue*nextNonTerminal - transitions[t].Value
		advantages[t] = delta + e.Gamma*e.Lambda*nextNonTerminal*nextAdvantage
		returns[t] = advantages[t] + transitions[t].Value
		nextAdvantage = advantages[t]
	}

	est := Estimate{
		Advantages: advantages,
		Returns:    returns,
		AdvMean:    stat.Mean(advantages, nil),
	}
	if n > 1 {
		est.AdvStd = stat.StdDev(advantages, nil)
	}
	return est, nil
}
