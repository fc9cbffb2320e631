package models

// PipelineKind selects which stage list a session runs through.
type PipelineKind string

const (
	KindClass    PipelineKind = "class"
	KindExamPrep PipelineKind = "exam_prep"
)

// Valid reports whether the kind is known.
func (k PipelineKind) Valid() bool {
	return k == KindClass || k == KindExamPrep
}

// SessionStatus is a point on the legal transition graph of a pipeline.
type SessionStatus string

const (
	StatusTranscribing     SessionStatus = "transcribing"
	StatusTranscribed      SessionStatus = "transcribed"
	StatusStructuring      SessionStatus = "structuring"
	StatusStructured       SessionStatus = "structured"
	StatusPrereqExtracting SessionStatus = "prereq_extracting"
	StatusPrereqExtracted  SessionStatus = "prereq_extracted"
	StatusPrereqTeaching   SessionStatus = "prereq_teaching"
	StatusPrereqTaught     SessionStatus = "prereq_taught"
	StatusRecapping        SessionStatus = "recapping"
	StatusRecapped         SessionStatus = "recapped"

	StatusExamTranscribing SessionStatus = "exam_transcribing"
	StatusExamTranscribed  SessionStatus = "exam_transcribed"
	StatusExamStructuring  SessionStatus = "exam_structuring"
	StatusExamStructured   SessionStatus = "exam_structured"

	StatusFailed SessionStatus = "failed"
)

// StageName identifies one transformation of a pipeline.
type StageName string

const (
	StageTranscribe     StageName = "class.transcribe"
	StageStructure      StageName = "class.structure"
	StagePrereqExtract  StageName = "class.prereq_extract"
	StagePrereqTeach    StageName = "class.prereq_teach"
	StageRecap          StageName = "class.recap"
	StageExamTranscribe StageName = "exam.transcribe"
	StageExamStructure  StageName = "exam.structure"
)

// Stage describes the status contract of one transformation.
// Input is the status a caller must observe before moving the session to Working;
// the first stage of each pipeline starts directly in its Working status.
type Stage struct {
	Name     StageName
	Kind     PipelineKind
	Step     int
	Input    SessionStatus
	Working  SessionStatus
	Done     SessionStatus
	Artefact ArtefactColumn
	Requires ArtefactColumn
}

var classStages = []Stage{
	{Name: StageTranscribe, Kind: KindClass, Step: 1, Input: StatusTranscribing, Working: StatusTranscribing, Done: StatusTranscribed, Artefact: ArtefactTranscript},
	{Name: StageStructure, Kind: KindClass, Step: 2, Input: StatusTranscribed, Working: StatusStructuring, Done: StatusStructured, Artefact: ArtefactStructure, Requires: ArtefactTranscript},
	{Name: StagePrereqExtract, Kind: KindClass, Step: 3, Input: StatusStructured, Working: StatusPrereqExtracting, Done: StatusPrereqExtracted, Requires: ArtefactTranscript},
	{Name: StagePrereqTeach, Kind: KindClass, Step: 4, Input: StatusPrereqExtracted, Working: StatusPrereqTeaching, Done: StatusPrereqTaught},
	{Name: StageRecap, Kind: KindClass, Step: 5, Input: StatusPrereqTaught, Working: StatusRecapping, Done: StatusRecapped, Artefact: ArtefactRecap, Requires: ArtefactStructure},
}

var examStages = []Stage{
	{Name: StageExamTranscribe, Kind: KindExamPrep, Step: 1, Input: StatusExamTranscribing, Working: StatusExamTranscribing, Done: StatusExamTranscribed, Artefact: ArtefactTranscript},
	{Name: StageExamStructure, Kind: KindExamPrep, Step: 2, Input: StatusExamTranscribed, Working: StatusExamStructuring, Done: StatusExamStructured, Artefact: ArtefactExamPrep, Requires: ArtefactTranscript},
}

// Stages returns the ordered stage list of a pipeline kind.
func Stages(kind PipelineKind) []Stage {
	switch kind {
	case KindClass:
		return classStages
	case KindExamPrep:
		return examStages
	default:
		return nil
	}
}

// NextStage returns the stage that should run for a session currently in status.
// It is the single transition function of the pipeline state machine.
func NextStage(kind PipelineKind, status SessionStatus) (Stage, bool) {
	for _, stage := range Stages(kind) {
		if status == stage.Input || status == stage.Working {
			return stage, true
		}
	}
	return Stage{}, false
}

// StageByName resolves a stage from its queue job name.
func StageByName(name StageName) (Stage, bool) {
	for _, list := range [][]Stage{classStages, examStages} {
		for _, stage := range list {
			if stage.Name == name {
				return stage, true
			}
		}
	}
	return Stage{}, false
}

// StageForStep maps the numbered step API (2..5) onto a stage of kind.
func StageForStep(kind PipelineKind, step int) (Stage, bool) {
	for _, stage := range Stages(kind) {
		if stage.Step == step {
			return stage, true
		}
	}
	return Stage{}, false
}

// InitialStatus is the status a freshly created session starts in.
func InitialStatus(kind PipelineKind) SessionStatus {
	if kind == KindExamPrep {
		return StatusExamTranscribing
	}
	return StatusTranscribing
}

// TerminalSuccess is the final status of a pipeline kind.
func TerminalSuccess(kind PipelineKind) SessionStatus {
	if kind == KindExamPrep {
		return StatusExamStructured
	}
	return StatusRecapped
}

// IsTerminal reports recapped, exam_structured and failed.
func IsTerminal(status SessionStatus) bool {
	return status == StatusRecapped || status == StatusExamStructured || status == StatusFailed
}

// IsTransitional reports whether work is expected to be running for status.
func IsTransitional(status SessionStatus) bool {
	for _, s := range TransitionalStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// TransitionalStatuses lists every working status across both pipelines.
func TransitionalStatuses() []SessionStatus {
	out := make([]SessionStatus, 0, len(classStages)+len(examStages))
	for _, list := range [][]Stage{classStages, examStages} {
		for _, stage := range list {
			out = append(out, stage.Working)
		}
	}
	return out
}

// TransitionalStatusesFor lists the working statuses of one pipeline kind.
func TransitionalStatusesFor(kind PipelineKind) []SessionStatus {
	stages := Stages(kind)
	out := make([]SessionStatus, 0, len(stages))
	for _, stage := range stages {
		out = append(out, stage.Working)
	}
	return out
}

// Rank orders statuses along the legal path of kind. Unknown statuses and failed rank -1.
func Rank(kind PipelineKind, status SessionStatus) int {
	rank := 0
	for _, stage := range Stages(kind) {
		if stage.Input != stage.Working {
			if status == stage.Input {
				return rank
			}
			rank++
		}
		if status == stage.Working {
			return rank
		}
		rank++
		if status == stage.Done && stage.Done == TerminalSuccess(kind) {
			return rank
		}
	}
	return -1
}

// CanTransition reports whether moving from -> to is a legal single step.
func CanTransition(kind PipelineKind, from, to SessionStatus) bool {
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank := Rank(kind, from)
	toRank := Rank(kind, to)
	return fromRank >= 0 && toRank == fromRank+1
}
