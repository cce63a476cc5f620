package processor

import (
	"orthanc-orchestrator/internal/matching"
	"orthanc-orchestrator/internal/models"
)

// MatchRoutes returns the distinct targets of rules matching the study, in
// rule order. Modality rules match any modality present in the study.
func MatchRoutes(rules []models.RouteRule, s models.StudySummary) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, r := range rules {
		if seen[r.Target] || !ruleMatches(r, s) {
			continue
		}
		seen[r.Target] = true
		targets = append(targets, r.Target)
	}
	return targets
}

func ruleMatches(r models.RouteRule, s models.StudySummary) bool {
	switch r.Field {
	case models.RouteFieldModality:
		if len(s.Modalities) == 0 {
			return matching.Wildcard(r.Pattern, s.DominantModality, true)
		}
		for _, m := range s.Modalities {
			if matching.Wildcard(r.Pattern, m, true) {
				return true
			}
		}
		return false
	case models.RouteFieldAET:
		return s.OriginAET != "" && matching.Wildcard(r.Pattern, s.OriginAET, true)
	case models.RouteFieldDescription:
		return matching.Wildcard(r.Pattern, s.Description, true)
	}
	return false
}
