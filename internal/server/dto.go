package server

import (
	"siteline/internal/checklist"
	"siteline/internal/domain"
	"siteline/internal/engine"
)

type CreateSiteRequest struct {
	SiteID     *string `json:"site_id,omitempty" example:"DHK-GEN-482"`
	Name       string  `json:"name" example:"Mirpur Garage 3"`
	Address    *string `json:"address,omitempty"`
	OwnerName  *string `json:"owner_name,omitempty"`
	OwnerPhone *string `json:"owner_phone,omitempty"`
}

// TransitionRequest carries one lifecycle action. Only the payload field
// the action consumes needs to be set; the rest are ignored.
type TransitionRequest struct {
	Action          string                 `json:"action" example:"propose_visit"`
	Role            string                 `json:"role,omitempty" example:"assessor"`
	ExpectedVersion int64                  `json:"expected_version,omitempty"`
	Checklist       *domain.Checklist      `json:"checklist,omitempty"`
	VisitDate       string                 `json:"visit_date,omitempty" example:"2024-06-12"`
	TechAssessment  *domain.TechAssessment `json:"tech_assessment,omitempty"`
	Decision        *domain.Decision       `json:"decision,omitempty"`
	Installation    *domain.Installation   `json:"installation,omitempty"`
	Deployment      *domain.Deployment     `json:"deployment,omitempty"`
}

type SiteResponse struct {
	ID             string                 `json:"id"`
	SiteID         string                 `json:"site_id"`
	Name           string                 `json:"name"`
	Address        string                 `json:"address,omitempty"`
	OwnerName      string                 `json:"owner_name,omitempty"`
	OwnerPhone     string                 `json:"owner_phone,omitempty"`
	Status         string                 `json:"status"`
	StatusLabel    string                 `json:"status_label"`
	VisitDate      *string                `json:"visit_date,omitempty"`
	Checklist      *domain.Checklist      `json:"checklist,omitempty"`
	TechAssessment *domain.TechAssessment `json:"tech_assessment,omitempty"`
	Decision       *domain.Decision       `json:"decision,omitempty"`
	Installation   *domain.Installation   `json:"installation,omitempty"`
	Deployment     *domain.Deployment     `json:"deployment,omitempty"`
	SectionStatus  *checklist.Sections    `json:"section_status,omitempty"`
	Version        int64                  `json:"version"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
}

type PhotoResponse struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	Category  string `json:"category"`
	ImageData string `json:"image_data"`
	CreatedAt string `json:"created_at"`
}

type AddPhotoRequest struct {
	Category  string `json:"category" example:"Front"`
	ImageData string `json:"image_data"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedSites struct {
	Items      []SiteResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type SectionStatusResponse struct {
	Sections checklist.Sections `json:"sections"`
	AllYes   bool               `json:"all_yes"`
}

type ReportResponse struct {
	Report string `json:"report"`
}

type SiteSnapshotResponse struct {
	Cursor int64          `json:"cursor"`
	Sites  []SiteResponse `json:"sites"`
}

type PhotoSnapshotResponse struct {
	Cursor int64           `json:"cursor"`
	SiteID string          `json:"site_id"`
	Photos []PhotoResponse `json:"photos"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"operator,assessor"`
}

type RoleGrantsResponse struct {
	Grants map[string][]string `json:"grants"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// APIKeyResponse never includes the hash; Key is only populated on create.
type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func siteResponse(s domain.Site) SiteResponse {
	resp := SiteResponse{
		ID:          s.ID,
		SiteID:      s.SiteID,
		Name:        s.Name,
		Address:     s.Address,
		OwnerName:   s.OwnerName,
		OwnerPhone:  s.OwnerPhone,
		Status:      s.Status,
		StatusLabel: engine.StatusLabel(s.Status),
		VisitDate:   s.VisitDate,
		Version:     s.Version,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	// Decode failures leave the stage nil rather than failing the whole
	// response; the raw columns are only ever written by the engine.
	if c, err := s.DecodeChecklist(); err == nil && c != nil {
		resp.Checklist = c
		sections := checklist.SectionStatus(*c)
		resp.SectionStatus = &sections
	}
	if ta, err := s.DecodeTechAssessment(); err == nil {
		resp.TechAssessment = ta
	}
	if d, err := s.DecodeDecision(); err == nil {
		resp.Decision = d
	}
	if inst, err := s.DecodeInstallation(); err == nil {
		resp.Installation = inst
	}
	if dep, err := s.DecodeDeployment(); err == nil {
		resp.Deployment = dep
	}
	return resp
}

func mapSites(items []domain.Site) []SiteResponse {
	res := make([]SiteResponse, 0, len(items))
	for _, s := range items {
		res = append(res, siteResponse(s))
	}
	return res
}

func photoResponse(p domain.Photo) PhotoResponse {
	return PhotoResponse(p)
}

func mapPhotos(items []domain.Photo) []PhotoResponse {
	res := make([]PhotoResponse, 0, len(items))
	for _, p := range items {
		res = append(res, photoResponse(p))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Key:       plaintext,
		CreatedAt: k.CreatedAt,
	}
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
