package checklist

import (
	"strings"
	"testing"
	"time"

	"siteline/internal/domain"
)

func fullChecklist() domain.Checklist {
	return domain.Checklist{
		SiteType:           "Garage",
		OwnershipProof:     "Yes",
		GPSCoordinates:     "23.7808,90.4219",
		AvgIncome:          "45000",
		RidersInGarage:     "12",
		MainRoadAccessible: "Yes",
		NoFloodHistory:     "Yes",
		NotLowLying:        "Yes",
		ThreePhase:         "Yes",
		CapacityLoad:       "12",
		NoFrequentOutages:  "Yes",
		SpaceVentilation:   "Yes",
		OwnerWilling:       "Yes",
	}
}

func TestSectionStatusEmptyChecklistAllN(t *testing.T) {
	s := SectionStatus(domain.Checklist{})
	for name, flag := range map[string]string{
		"basic": s.Basic, "demand": s.Demand, "road": s.Road, "flood": s.Flood,
		"power": s.Power, "outages": s.Outages, "install": s.Install, "commercial": s.Commercial,
	} {
		if flag != "N" {
			t.Fatalf("section %s = %q, want N", name, flag)
		}
	}
	if s.AllYes() {
		t.Fatalf("empty checklist reported all sections complete")
	}
}

func TestSectionStatusFullChecklistAllY(t *testing.T) {
	s := SectionStatus(fullChecklist())
	if !s.AllYes() {
		t.Fatalf("complete checklist not all Y: %+v", s)
	}
}

func TestSectionStatusIdempotent(t *testing.T) {
	c := fullChecklist()
	first := SectionStatus(c)
	second := SectionStatus(c)
	if first != second {
		t.Fatalf("SectionStatus not stable: %+v vs %+v", first, second)
	}
}

func TestSectionStatusBasicRejectsOwnershipNo(t *testing.T) {
	c := fullChecklist()
	c.OwnershipProof = "No"
	if s := SectionStatus(c); s.Basic != "N" {
		t.Fatalf("basic = %q with ownership_proof=No, want N", s.Basic)
	}
	c.OwnershipProof = "Pending"
	if s := SectionStatus(c); s.Basic != "Y" {
		t.Fatalf("basic = %q with ownership_proof=Pending, want Y", s.Basic)
	}
}

func TestSectionStatusPowerParsesCapacity(t *testing.T) {
	c := fullChecklist()
	c.CapacityLoad = "abc"
	if s := SectionStatus(c); s.Power != "N" {
		t.Fatalf("power = %q with non-numeric capacity, want N", s.Power)
	}
	c.CapacityLoad = "-3"
	if s := SectionStatus(c); s.Power != "N" {
		t.Fatalf("power = %q with negative capacity, want N", s.Power)
	}
	c.CapacityLoad = "0.5"
	if s := SectionStatus(c); s.Power != "Y" {
		t.Fatalf("power = %q with capacity 0.5, want Y", s.Power)
	}
}

func TestFormatFieldReportCheckboxes(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	c := fullChecklist()
	out := FormatFieldReport("DHK-001", c, now)
	if !strings.HasPrefix(out, "\"[SITE] DHK-001\"\n") {
		t.Fatalf("missing site header: %q", out)
	}
	if !strings.Contains(out, "power readiness: ☑Y/☐N") {
		t.Fatalf("power checkbox wrong for capacity 12:\n%s", out)
	}
	c.CapacityLoad = "abc"
	out = FormatFieldReport("DHK-001", c, now)
	if !strings.Contains(out, "power readiness: ☐Y/☑N") {
		t.Fatalf("power checkbox wrong for capacity abc:\n%s", out)
	}
	if !strings.Contains(out, "Date: 2025-03-14") {
		t.Fatalf("missing date line:\n%s", out)
	}
}

func TestFormatFieldReportFallbacks(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	c := fullChecklist()
	c.GPSCoordinates = ""
	c.RoadNotes = ""
	c.Concerns = "owner hesitant"
	out := FormatFieldReport("DHK-001", c, now)
	if !strings.Contains(out, "GPS: N/A") {
		t.Fatalf("missing GPS fallback:\n%s", out)
	}
	if !strings.Contains(out, "Notes: owner hesitant") {
		t.Fatalf("notes should fall back to concerns:\n%s", out)
	}
}

func TestFormatDecisionReport(t *testing.T) {
	d := domain.Decision{Result: "NO-GO", TargetDate: ""}
	ta := &domain.TechAssessment{Preconditions: "upgrade feeder line"}
	out := FormatDecisionReport("DHK-007", d, ta)
	if !strings.HasPrefix(out, "[DECISION] SITE ID: DHK-007 — NO-GO ❌") {
		t.Fatalf("bad header: %q", out)
	}
	if !strings.Contains(out, "upgrade feeder line") {
		t.Fatalf("preconditions missing:\n%s", out)
	}
	if !strings.Contains(out, "Target delivery window: TBD") {
		t.Fatalf("target date fallback missing:\n%s", out)
	}

	out = FormatDecisionReport("DHK-007", domain.Decision{Result: "GO", TargetDate: "3-7 days"}, nil)
	if !strings.Contains(out, "GO ✅") || !strings.Contains(out, "Conditions (if any):\nNone") {
		t.Fatalf("GO report wrong:\n%s", out)
	}
}
