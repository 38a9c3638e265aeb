package domain

// Site is the root record. Stage payloads are stored as JSON columns and
// stay nil until the transition that owns them fires.
type Site struct {
	ID                 string  `json:"id"`
	SiteID             string  `json:"site_id"`
	Name               string  `json:"name"`
	Address            string  `json:"address,omitempty"`
	OwnerName          string  `json:"owner_name,omitempty"`
	OwnerPhone         string  `json:"owner_phone,omitempty"`
	Status             string  `json:"status" enum:"lead,checklist_done,submitted,visit_proposed,visit_confirmed,tech_visit,decision_pending,approved,rejected,deferred,install_proposed,install_confirmed,contract_ready,installed,operational"`
	VisitDate          *string `json:"visit_date,omitempty"`
	ChecklistJSON      *string `json:"checklist_json,omitempty"`
	TechAssessmentJSON *string `json:"tech_assessment_json,omitempty"`
	DecisionJSON       *string `json:"decision_json,omitempty"`
	InstallationJSON   *string `json:"installation_json,omitempty"`
	DeploymentJSON     *string `json:"deployment_json,omitempty"`
	Version            int64   `json:"version"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// PhotosTaken mirrors which photo categories have at least one capture.
// The blobs themselves live in the photos collection.
type PhotosTaken struct {
	Front       bool `json:"front"`
	Entrance    bool `json:"entrance"`
	InstallSpot bool `json:"install_spot"`
	Meter       bool `json:"meter"`
	Roads       bool `json:"roads"`
	Additional  int  `json:"additional"`
}

// Checklist answers, grouped by survey section. Yes/No questions hold the
// literal strings "Yes", "No" or "N/A"; an empty string means unanswered.
type Checklist struct {
	// Basic
	SiteType       string      `json:"site_type,omitempty"`
	OwnershipProof string      `json:"ownership_proof,omitempty" enum:"Yes,No,Pending,"`
	GPSCoordinates string      `json:"gps_coordinates,omitempty"`
	PhotosTaken    PhotosTaken `json:"photos_taken"`

	// Riders and demand
	RiderTypes     []string `json:"rider_types,omitempty"`
	AvgIncome      string   `json:"avg_income,omitempty"`
	RidersInArea   string   `json:"riders_in_area,omitempty"`
	RidersInGarage string   `json:"riders_in_garage,omitempty"`

	// Road access
	MainRoadAccessible string `json:"main_road_accessible,omitempty"`
	TimeRestrictions   string `json:"time_restrictions,omitempty"`
	PermitsRequired    string `json:"permits_required,omitempty"`
	RoadNotes          string `json:"road_notes,omitempty"`

	// Flood risk
	NoFloodHistory string `json:"no_flood_history,omitempty"`
	NotLowLying    string `json:"not_low_lying,omitempty"`
	FloodEvidence  string `json:"flood_evidence,omitempty"`

	// Technical and power
	LineType        string `json:"line_type,omitempty" enum:"LTD3,Connectable,No,"`
	ThreePhase      string `json:"three_phase,omitempty"`
	CapacityLoad    string `json:"capacity_load,omitempty"`
	Grounding       string `json:"grounding,omitempty"`
	PointIdentified string `json:"point_identified,omitempty"`
	MeterPic        string `json:"meter_pic,omitempty"`

	// Reliability
	NoFrequentOutages string `json:"no_frequent_outages,omitempty"`
	OutageFreq        string `json:"outage_freq,omitempty"`
	OutageDur         string `json:"outage_dur,omitempty"`
	LoadShedding      string `json:"load_shedding,omitempty"`

	// Installation and security
	SpaceVentilation string   `json:"space_ventilation,omitempty"`
	RainProtection   string   `json:"rain_protection,omitempty" enum:"Canopy,Indoor,Platform,"`
	Network          string   `json:"network,omitempty" enum:"4G,Broadband,"`
	SecurityFeatures []string `json:"security_features,omitempty"`

	// Commercial
	OwnerWilling      string `json:"owner_willing,omitempty"`
	CollabModel       string `json:"collab_model,omitempty" enum:"Purchase,Only Use,Trial,"`
	UserReadiness     string `json:"user_readiness,omitempty"`
	BenefitUnderstood string `json:"benefit_understood,omitempty"`
	Concerns          string `json:"concerns,omitempty"`
}

type TechAssessment struct {
	Electrical    bool   `json:"electrical"`
	Ventilation   bool   `json:"ventilation"`
	Connectivity  bool   `json:"connectivity"`
	Risks         string `json:"risks,omitempty"`
	Preconditions string `json:"preconditions,omitempty"`
}

type Decision struct {
	Result     string `json:"result" enum:"GO,NO-GO,DEFER"`
	Notes      string `json:"notes,omitempty"`
	TargetDate string `json:"target_date,omitempty"`
}

type Installation struct {
	Date     string `json:"date"`
	PICName  string `json:"pic_name"`
	PICPhone string `json:"pic_phone"`
}

type Deployment struct {
	CabinetSerial     string `json:"cabinet_serial"`
	BatteryCount      string `json:"battery_count"`
	DashboardID       string `json:"dashboard_id"`
	CabinetPowered    bool   `json:"cabinet_powered"`
	BatteriesCharging bool   `json:"batteries_charging"`
	DeployedAt        string `json:"deployed_at" format:"date-time"`
}

// Photo blobs live in their own collection; sites only carry the
// photos_taken flags.
type Photo struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	Category  string `json:"category"`
	ImageData string `json:"image_data"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
