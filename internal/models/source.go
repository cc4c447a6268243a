package models

import (
	"fmt"
	"strings"
)

// Source identifies one of the systems of record.
type Source string

const (
	SourceNone    Source = ""
	SourceBC      Source = "bc"
	SourcePlanner Source = "planner"
	SourcePremium Source = "premium"
)

// Sources lists every system of record in a stable order.
var Sources = []Source{SourceBC, SourcePlanner, SourcePremium}

// ParseSource accepts the canonical names plus the vendor aliases used in routes and config.
func ParseSource(raw string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bc", "businesscentral", "business_central", "erp":
		return SourceBC, nil
	case "planner", "graph":
		return SourcePlanner, nil
	case "premium", "dataverse", "crm":
		return SourcePremium, nil
	default:
		return SourceNone, fmt.Errorf("unknown source %q", raw)
	}
}

func (s Source) String() string {
	if s == SourceNone {
		return "none"
	}
	return string(s)
}

// OriginReason is the suppression reason reported when s wrote an entity inside the grace window.
func (s Source) OriginReason() string {
	return string(s) + "_origin"
}
