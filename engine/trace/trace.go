package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures admission, preemption and speculation decisions.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// EngineTrace collects decision records during an engine run.
// A nil *EngineTrace records nothing.
type EngineTrace struct {
	Config       TraceConfig
	Admissions   []AdmissionRecord
	Preemptions  []PreemptionRecord
	Speculations []SpeculationRecord
}

// NewEngineTrace creates an EngineTrace ready for recording, or nil when
// the level disables tracing.
func NewEngineTrace(config TraceConfig) *EngineTrace {
	if config.Level == "" || config.Level == TraceLevelNone {
		return nil
	}
	return &EngineTrace{
		Config:       config,
		Admissions:   make([]AdmissionRecord, 0),
		Preemptions:  make([]PreemptionRecord, 0),
		Speculations: make([]SpeculationRecord, 0),
	}
}

// RecordAdmission appends an admission decision record.
func (et *EngineTrace) RecordAdmission(record AdmissionRecord) {
	if et == nil {
		return
	}
	et.Admissions = append(et.Admissions, record)
}

// RecordPreemption appends a preemption record.
func (et *EngineTrace) RecordPreemption(record PreemptionRecord) {
	if et == nil {
		return
	}
	et.Preemptions = append(et.Preemptions, record)
}

// RecordSpeculation appends a draft verification record.
func (et *EngineTrace) RecordSpeculation(record SpeculationRecord) {
	if et == nil {
		return
	}
	et.Speculations = append(et.Speculations, record)
}
