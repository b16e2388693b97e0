package workflows

import (
	"github.com/caseweave/orchestrator/internal/models"
)

// Progress milestones are fixed per phase so progress is a pure function
// of the committed phase plus intra-phase activity completions, never of
// wall-clock time. Analysis spans 40-60 as analysts finish.
const (
	analysisProgressBase = 40.0
	analysisProgressSpan = 20.0
)

var phaseMilestones = map[models.Phase]float64{
	models.PhaseNone:             0,
	models.PhaseDiscovery:        10,
	models.PhasePlanning:         20,
	models.PhaseAnalysis:         analysisProgressBase + analysisProgressSpan,
	models.PhaseCorrelation:      75,
	models.PhaseSynthesis:        90,
	models.PhaseReportGeneration: 100,
	models.PhaseDone:             100,
}

// ProgressAfter returns the committed progress percentage once the given
// phase has checkpointed.
func ProgressAfter(phase models.Phase) float64 {
	return phaseMilestones[phase]
}

// AnalysisProgress interpolates intra-phase progress from settled
// analyst counts. With nothing selected the phase is a no-op and jumps
// straight to its milestone.
func AnalysisProgress(settled, selected int) float64 {
	if selected <= 0 {
		return analysisProgressBase + analysisProgressSpan
	}
	if settled > selected {
		settled = selected
	}
	return analysisProgressBase + analysisProgressSpan*float64(settled)/float64(selected)
}
