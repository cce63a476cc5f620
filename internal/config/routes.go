package config

import (
	"fmt"
	"strings"

	"orthanc-orchestrator/internal/models"
)

// ParseRouteTargets parses "NAME:AET@host:port,NAME2:AET2@host2:port2".
func ParseRouteTargets(s string) ([]models.RouteTarget, error) {
	var targets []models.RouteTarget
	seen := make(map[string]bool)
	for _, item := range splitList(s) {
		name, rest, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("route target %q: expected NAME:AET@host:port", item)
		}
		aet, addr, ok := strings.Cut(rest, "@")
		if !ok || name == "" || aet == "" || addr == "" {
			return nil, fmt.Errorf("route target %q: expected NAME:AET@host:port", item)
		}
		if seen[name] {
			return nil, fmt.Errorf("route target %q defined twice", name)
		}
		seen[name] = true
		targets = append(targets, models.RouteTarget{Name: name, AETitle: aet, Address: addr})
	}
	return targets, nil
}

// ParseRouteRules parses "modality:CT=>PACS;description:*CHEST*=>ARCHIVE".
func ParseRouteRules(s string) ([]models.RouteRule, error) {
	var rules []models.RouteRule
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		match, target, ok := strings.Cut(item, "=>")
		if !ok {
			return nil, fmt.Errorf("route rule %q: expected field:pattern=>TARGET", item)
		}
		field, pattern, ok := strings.Cut(strings.TrimSpace(match), ":")
		if !ok || pattern == "" {
			return nil, fmt.Errorf("route rule %q: expected field:pattern=>TARGET", item)
		}
		rf := models.RouteField(strings.ToLower(strings.TrimSpace(field)))
		switch rf {
		case models.RouteFieldModality, models.RouteFieldAET, models.RouteFieldDescription:
		default:
			return nil, fmt.Errorf("route rule %q: unknown field %q", item, field)
		}
		rules = append(rules, models.RouteRule{
			Field:   rf,
			Pattern: strings.TrimSpace(pattern),
			Target:  strings.TrimSpace(target),
		})
	}
	return rules, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
