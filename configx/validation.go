package configx

import "errors"

var (
	ErrInvalidRolloutMode   = errors.New("configx: rollout mode must be full, percentage, or cohort")
	ErrPercentageOutOfRange = errors.New("configx: rollout percentage must be between 0 and 100")
	ErrNegativeConcurrency  = errors.New("configx: max_concurrency and max_per_domain must be >= 0")
	ErrNegativeRetryConfig  = errors.New("configx: retry policy max_retries and initial_delay must be >= 0")
	ErrInvalidConfidence    = errors.New("configx: min_confidence must be between 0 and 1")
)

// ValidateSpec checks an EngineConfigSpec for internally-consistent values
// before it is allowed into a VersionedStore. It does not check
// cross-section consistency (that is the Simulator's job).
func ValidateSpec(spec *EngineConfigSpec) error {
	if spec == nil {
		return nil
	}
	if g := spec.Global; g != nil {
		if g.MaxConcurrency < 0 || g.MaxPerDomain < 0 {
			return ErrNegativeConcurrency
		}
		if rp := g.RetryPolicy; rp != nil {
			if rp.MaxRetries < 0 || rp.InitialDelay < 0 {
				return ErrNegativeRetryConfig
			}
		}
	}
	if s := spec.Strategy; s != nil {
		if s.MinConfidence < 0 || s.MinConfidence > 1 {
			return ErrInvalidConfidence
		}
	}
	if r := spec.Rollout; r != nil {
		switch r.Mode {
		case "full", "percentage", "cohort":
		default:
			return ErrInvalidRolloutMode
		}
		if r.Mode == "percentage" && (r.Percentage < 0 || r.Percentage > 100) {
			return ErrPercentageOutOfRange
		}
	}
	return nil
}
