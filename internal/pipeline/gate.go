package pipeline

import (
	"fmt"

	"github.com/tkodaira/pipeflow/internal/model"
)

// GateOutcome is the explicit decision a quality gate produces.
type GateOutcome string

const (
	// GateContinue admits the run to the next stage.
	GateContinue GateOutcome = "continue"
	// GateRetry re-runs the stage, budget permitting.
	GateRetry GateOutcome = "retry"
	// GateError fails the run without retrying the stage.
	GateError GateOutcome = "error"
)

// StageResult is the material a gate evaluates: the artifacts of completed
// tasks and the error messages of terminally failed or cancelled ones.
type StageResult struct {
	Artifacts  []model.Artifact
	HardErrors []string
}

// MeanQuality averages the quality scores of the completed tasks.
func (r *StageResult) MeanQuality() float64 {
	if len(r.Artifacts) == 0 {
		return 0
	}
	sum := 0.0
	for _, a := range r.Artifacts {
		sum += a.Quality
	}
	return sum / float64(len(r.Artifacts))
}

// EvaluateGate decides whether the stage passes. Hard errors under a
// zero_hard_errors gate are unrecoverable; missing successes or insufficient
// quality are retryable.
func EvaluateGate(spec *StageSpec, res StageResult) (GateOutcome, string) {
	if spec.Gate.ZeroHardErrors && len(res.HardErrors) > 0 {
		return GateError, fmt.Sprintf("stage %s: %d hard error(s), first: %s",
			spec.Name, len(res.HardErrors), res.HardErrors[0])
	}
	if need := spec.minSuccess(); len(res.Artifacts) < need {
		return GateRetry, fmt.Sprintf("stage %s: %d/%d tasks succeeded",
			spec.Name, len(res.Artifacts), need)
	}
	if spec.Gate.MinQuality > 0 {
		if mean := res.MeanQuality(); mean < spec.Gate.MinQuality {
			return GateRetry, fmt.Sprintf("stage %s: mean quality %.3f below %.3f",
				spec.Name, mean, spec.Gate.MinQuality)
		}
	}
	return GateContinue, ""
}
