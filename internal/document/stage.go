package document

// Stage is a step of the processing pipeline.
type Stage string

const (
	StageReceived       Stage = "Received"
	StageDecoding       Stage = "Decoding"
	StageAuthenticating Stage = "Authenticating"
	StageCrossMatching  Stage = "CrossMatching"
	StageAggregating    Stage = "Aggregating"
	StageCompleted      Stage = "Completed"
	StageFailed         Stage = "Failed"
)

// Stages lists the non-terminal-failure sequence in order.
var Stages = []Stage{StageReceived, StageDecoding, StageAuthenticating, StageCrossMatching, StageAggregating, StageCompleted}

// Terminal reports whether no further stage follows s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}
