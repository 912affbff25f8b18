package castle

import "math"

// Params holds the tunable parameters of the CASTLE algorithm.
type Params struct {
	K       int     // min cluster size for release
	Delta   int     // max active tuples before forcing a release decision
	Beta    int     // max active clusters in Γ
	Mu      int     // rolling window of recent losses feeding τ
	L       int     // min distinct sensitive values per released cluster
	Phi     float64 // inverse-scale factor for Laplace noise
	DP      bool    // enable differential-privacy perturbation
	BetaBig float64 // probability a tuple is retained (1 = keep all)
}

// DefaultParams returns the published default parameter values.
func DefaultParams() Params {
	return Params{
		K:       5,
		Delta:   10,
		Beta:    5,
		Mu:      5,
		L:       1,
		Phi:     100 * math.Ln2,
		DP:      true,
		BetaBig: 1,
	}
}

// Validate checks the parameters for configuration errors that must be
// fatal at construction time.
func (p Params) Validate() error {
	switch {
	case p.K < 1:
		return errConfig("k must be >= 1")
	case p.Delta < 1:
		return errConfig("delta must be >= 1")
	case p.Beta < 1:
		return errConfig("beta must be >= 1")
	case p.Mu < 1:
		return errConfig("mu must be >= 1")
	case p.L < 1:
		return errConfig("l must be >= 1")
	case p.L > p.K:
		return errConfig("l must not exceed k (l-diversity cannot exceed k-anonymity group size)")
	case p.BetaBig < 0 || p.BetaBig > 1:
		return errConfig("betaBig must be in [0, 1]")
	case p.Phi <= 0:
		return errConfig("phi must be > 0")
	}
	return nil
}

type configError string

func (e configError) Error() string { return "castle: config error: " + string(e) }

func errConfig(msg string) error { return configError(msg) }
