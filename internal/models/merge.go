package models

// Merge functions are the single place a phase's output enters the run.
// Each takes the existing outputs plus the incoming category and returns
// a new value; an already-committed category is never overwritten, so a
// re-applied merge (e.g. during recovery of an incomplete phase) is a
// no-op for the committed part.

// MergeDiscovery commits the discovery inventories and case map.
func MergeDiscovery(out PhaseOutputs, inv *Inventories, caseMap map[string]string) PhaseOutputs {
	if out.Inventories == nil {
		out.Inventories = inv
	}
	if out.CaseMap == nil {
		out.CaseMap = caseMap
	}
	return out
}

// MergePlan commits the research plan.
func MergePlan(out PhaseOutputs, plan *ResearchPlan) PhaseOutputs {
	if out.Plan == nil {
		out.Plan = plan
	}
	return out
}

// MergeAnalysis commits per-analyst results. Results for a kind that has
// already been committed are ignored; kinds absent from incoming keep
// whatever was committed before.
func MergeAnalysis(out PhaseOutputs, incoming map[AnalystKind]*AnalysisResult) PhaseOutputs {
	merged := make(map[AnalystKind]*AnalysisResult, len(out.Findings)+len(incoming))
	for k, v := range out.Findings {
		merged[k] = v
	}
	for k, v := range incoming {
		if _, exists := merged[k]; !exists && v != nil {
			merged[k] = v
		}
	}
	out.Findings = merged
	return out
}

// MergeCorrelation commits the correlation result.
func MergeCorrelation(out PhaseOutputs, corr *CorrelationResult) PhaseOutputs {
	if out.Correlation == nil {
		out.Correlation = corr
	}
	return out
}

// MergeSynthesis commits the dossier.
func MergeSynthesis(out PhaseOutputs, dossier *Dossier) PhaseOutputs {
	if out.Dossier == nil {
		out.Dossier = dossier
	}
	return out
}

// MergeReport commits the rendered report file paths.
func MergeReport(out PhaseOutputs, paths []string) PhaseOutputs {
	if out.ReportPaths == nil {
		out.ReportPaths = paths
	}
	return out
}

// AllFindings flattens committed analysis results in stable kind order.
func (o PhaseOutputs) AllFindings() []Finding {
	kinds := []AnalystKind{AnalystDocument, AnalystTranscript, AnalystCommunication}
	var all []Finding
	for _, k := range kinds {
		if res := o.Findings[k]; res != nil {
			all = append(all, res.Findings...)
		}
	}
	return all
}

// AllEntities flattens committed entities in stable kind order.
func (o PhaseOutputs) AllEntities() []Entity {
	kinds := []AnalystKind{AnalystDocument, AnalystTranscript, AnalystCommunication}
	var all []Entity
	for _, k := range kinds {
		if res := o.Findings[k]; res != nil {
			all = append(all, res.Entities...)
		}
	}
	return all
}

// AllEvents flattens committed events in stable kind order.
func (o PhaseOutputs) AllEvents() []Event {
	kinds := []AnalystKind{AnalystDocument, AnalystTranscript, AnalystCommunication}
	var all []Event
	for _, k := range kinds {
		if res := o.Findings[k]; res != nil {
			all = append(all, res.Events...)
		}
	}
	return all
}

// AllRelationships flattens committed relationships in stable kind order.
func (o PhaseOutputs) AllRelationships() []Relationship {
	kinds := []AnalystKind{AnalystDocument, AnalystTranscript, AnalystCommunication}
	var all []Relationship
	for _, k := range kinds {
		if res := o.Findings[k]; res != nil {
			all = append(all, res.Relationships...)
		}
	}
	return all
}
