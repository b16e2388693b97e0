package workflows

import (
	"github.com/caseweave/orchestrator/internal/models"
)

// SelectAnalysts decides which parallel analysis activities must run.
// Pure function: an analyst kind is selected iff its inventory is
// non-empty. An all-empty result degenerates the analysis phase to a
// no-op that still advances the run.
func SelectAnalysts(inv *models.Inventories) []models.AnalystKind {
	if inv == nil {
		return nil
	}
	var kinds []models.AnalystKind
	if len(inv.Documents) > 0 {
		kinds = append(kinds, models.AnalystDocument)
	}
	if len(inv.Transcripts) > 0 {
		kinds = append(kinds, models.AnalystTranscript)
	}
	if len(inv.Communications) > 0 {
		kinds = append(kinds, models.AnalystCommunication)
	}
	return kinds
}
