// Package checklist derives section completion flags from survey answers
// and renders the shareable text reports. Everything here is pure; views
// and reports consume SectionStatus instead of re-deriving flags.
package checklist

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"siteline/internal/domain"
)

// Sections holds the Y/N flag for each of the eight survey sections.
type Sections struct {
	Basic      string `json:"basic"`
	Demand     string `json:"demand"`
	Road       string `json:"road"`
	Flood      string `json:"flood"`
	Power      string `json:"power"`
	Outages    string `json:"outages"`
	Install    string `json:"install"`
	Commercial string `json:"commercial"`
}

// AllYes reports whether every section flag is Y.
func (s Sections) AllYes() bool {
	return s.Basic == "Y" && s.Demand == "Y" && s.Road == "Y" && s.Flood == "Y" &&
		s.Power == "Y" && s.Outages == "Y" && s.Install == "Y" && s.Commercial == "Y"
}

func yn(ok bool) string {
	if ok {
		return "Y"
	}
	return "N"
}

// SectionStatus computes the per-section completion flags. It is total:
// missing or malformed answers evaluate to N, never to an error.
func SectionStatus(c domain.Checklist) Sections {
	capacity, err := strconv.ParseFloat(strings.TrimSpace(c.CapacityLoad), 64)
	powerOK := err == nil && capacity > 0 && c.ThreePhase == "Yes"
	return Sections{
		Basic:      yn(c.SiteType != "" && c.OwnershipProof != "No"),
		Demand:     yn(c.AvgIncome != "" && c.RidersInGarage != ""),
		Road:       yn(c.MainRoadAccessible == "Yes"),
		Flood:      yn(c.NoFloodHistory == "Yes" && c.NotLowLying == "Yes"),
		Power:      yn(powerOK),
		Outages:    yn(c.NoFrequentOutages == "Yes"),
		Install:    yn(c.SpaceVentilation == "Yes"),
		Commercial: yn(c.OwnerWilling == "Yes"),
	}
}

func checkbox(flag string) string {
	if flag == "Y" {
		return "☑Y/☐N"
	}
	return "☐Y/☑N"
}

func fallback(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FormatFieldReport renders the copy-out survey summary for a site. The
// embedded date is the only non-deterministic input, so callers pass it in.
func FormatFieldReport(siteID string, c domain.Checklist, now time.Time) string {
	s := SectionStatus(c)
	summary := fmt.Sprintf(
		"basic info: %s | demand: %s | road access: %s | flood risk: %s | power readiness: %s | outages: %s | install/security: %s | commercial: %s",
		checkbox(s.Basic), checkbox(s.Demand), checkbox(s.Road), checkbox(s.Flood),
		checkbox(s.Power), checkbox(s.Outages), checkbox(s.Install), checkbox(s.Commercial))

	var b strings.Builder
	fmt.Fprintf(&b, "%q\n", "[SITE] "+siteID)
	b.WriteString(summary + "\n")
	fmt.Fprintf(&b, "Capacity: %s kW\n", c.CapacityLoad)
	fmt.Fprintf(&b, "GPS: %s\n", fallback(c.GPSCoordinates, "N/A"))
	fmt.Fprintf(&b, "Notes: %s\n", fallback(c.RoadNotes, c.Concerns, "None"))
	b.WriteString("Assessor: Operator\n")
	fmt.Fprintf(&b, "Date: %s", now.Format("2006-01-02"))
	return b.String()
}

func decisionIcon(result string) string {
	switch result {
	case "GO":
		return "✅"
	case "NO-GO":
		return "❌"
	default:
		return "⏸️"
	}
}

// FormatDecisionReport renders the decision announcement block. Conditions
// come from the tech assessment when one was recorded.
func FormatDecisionReport(siteID string, d domain.Decision, ta *domain.TechAssessment) string {
	conditions := "None"
	if ta != nil && ta.Preconditions != "" {
		conditions = ta.Preconditions
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[DECISION] SITE ID: %s — %s %s\n", siteID, d.Result, decisionIcon(d.Result))
	b.WriteString("Conditions (if any):\n")
	b.WriteString(conditions + "\n")
	fmt.Fprintf(&b, "Target delivery window: %s\n", fallback(d.TargetDate, "TBD"))
	b.WriteString("Owner readiness confirmed by: Operator")
	return b.String()
}
