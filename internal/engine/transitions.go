package engine

import (
	"fmt"

	"siteline/internal/domain"
)

// Site lifecycle statuses.
const (
	StatusLead             = "lead"
	StatusChecklistDone    = "checklist_done"
	StatusSubmitted        = "submitted"
	StatusVisitProposed    = "visit_proposed"
	StatusVisitConfirmed   = "visit_confirmed"
	StatusTechVisit        = "tech_visit"
	StatusDecisionPending  = "decision_pending"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusDeferred         = "deferred"
	StatusInstallProposed  = "install_proposed"
	StatusInstallConfirmed = "install_confirmed"
	StatusContractReady    = "contract_ready"
	StatusInstalled        = "installed"
	StatusOperational      = "operational"
)

// Action names a role-initiated transition attempt.
type Action string

const (
	ActionCompleteChecklist  Action = "complete_checklist"
	ActionSubmit             Action = "submit"
	ActionProposeVisit       Action = "propose_visit"
	ActionConfirmVisit       Action = "confirm_visit"
	ActionStartTechVisit     Action = "start_tech_visit"
	ActionCompleteAssessment Action = "complete_assessment"
	ActionDecide             Action = "decide"
	ActionProposeInstall     Action = "propose_install"
	ActionConfirmInstall     Action = "confirm_install"
	ActionMarkContractReady  Action = "mark_contract_ready"
	ActionDeploy             Action = "deploy"
)

// Actions lists every defined action, in pipeline order.
func Actions() []Action {
	return []Action{
		ActionCompleteChecklist, ActionSubmit, ActionProposeVisit, ActionConfirmVisit,
		ActionStartTechVisit, ActionCompleteAssessment, ActionDecide,
		ActionProposeInstall, ActionConfirmInstall, ActionMarkContractReady, ActionDeploy,
	}
}

// WrongRoleError rejects an action attempted by the wrong role.
type WrongRoleError struct {
	Action   Action
	Required string
	Got      string
}

func (e *WrongRoleError) Error() string {
	return fmt.Sprintf("action %s requires role %s, got %s", e.Action, e.Required, e.Got)
}

// PreconditionError rejects an action whose payload is missing or invalid.
// Field names the offending payload field so the caller can fix and retry.
type PreconditionError struct {
	Action Action
	Field  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("action %s: missing or invalid %s", e.Action, e.Field)
}

// IllegalTransitionError rejects an action undefined for the current status.
type IllegalTransitionError struct {
	Status string
	Action Action
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("action %s not allowed from status %s", e.Action, e.Status)
}

// TransitionPayload carries the stage data an action may write. Only the
// record the action owns is consulted; the rest must stay nil.
type TransitionPayload struct {
	Checklist      *domain.Checklist
	VisitDate      string
	TechAssessment *domain.TechAssessment
	Decision       *domain.Decision
	Installation   *domain.Installation
	Deployment     *domain.Deployment
}

// Patch is the data a legal transition persists alongside the status
// change. Nil fields are left untouched on the stored record.
type Patch struct {
	VisitDate      *string
	Checklist      *domain.Checklist
	TechAssessment *domain.TechAssessment
	Decision       *domain.Decision
	Installation   *domain.Installation
	Deployment     *domain.Deployment
}

// TransitionResult is the outcome of a legal transition attempt.
type TransitionResult struct {
	NextStatus string
	Patch      Patch
}

// RequiredRole reports which pipeline role may perform an action.
func RequiredRole(action Action) string {
	switch action {
	case ActionCompleteChecklist, ActionSubmit, ActionConfirmVisit, ActionConfirmInstall, ActionMarkContractReady:
		return "operator"
	default:
		return "assessor"
	}
}

func fromStatus(action Action) string {
	switch action {
	case ActionCompleteChecklist:
		return StatusLead
	case ActionSubmit:
		return StatusChecklistDone
	case ActionProposeVisit:
		return StatusSubmitted
	case ActionConfirmVisit:
		return StatusVisitProposed
	case ActionStartTechVisit:
		return StatusVisitConfirmed
	case ActionCompleteAssessment:
		return StatusTechVisit
	case ActionDecide:
		return StatusDecisionPending
	case ActionProposeInstall:
		return StatusApproved
	case ActionConfirmInstall:
		return StatusInstallProposed
	case ActionMarkContractReady:
		return StatusInstallConfirmed
	case ActionDeploy:
		return StatusContractReady
	}
	return ""
}

// GuardTransition validates a (role, status, action, payload) attempt and
// returns the next status with the patch to persist. It is pure: identical
// inputs always produce identical outputs and nothing is written here.
func GuardTransition(role, status string, action Action, p TransitionPayload) (TransitionResult, error) {
	required := RequiredRole(action)
	if role != required {
		return TransitionResult{}, &WrongRoleError{Action: action, Required: required, Got: role}
	}
	from := fromStatus(action)
	if from == "" || status != from {
		return TransitionResult{}, &IllegalTransitionError{Status: status, Action: action}
	}

	switch action {
	case ActionCompleteChecklist:
		if p.Checklist == nil {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "checklist"}
		}
		return TransitionResult{NextStatus: StatusChecklistDone, Patch: Patch{Checklist: p.Checklist}}, nil

	case ActionSubmit:
		return TransitionResult{NextStatus: StatusSubmitted}, nil

	case ActionProposeVisit:
		if p.VisitDate == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "visit_date"}
		}
		date := p.VisitDate
		return TransitionResult{NextStatus: StatusVisitProposed, Patch: Patch{VisitDate: &date}}, nil

	case ActionConfirmVisit:
		return TransitionResult{NextStatus: StatusVisitConfirmed}, nil

	case ActionStartTechVisit:
		return TransitionResult{NextStatus: StatusTechVisit}, nil

	case ActionCompleteAssessment:
		ta := p.TechAssessment
		if ta == nil {
			ta = &domain.TechAssessment{}
		}
		return TransitionResult{NextStatus: StatusDecisionPending, Patch: Patch{TechAssessment: ta}}, nil

	case ActionDecide:
		if p.Decision == nil {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "decision"}
		}
		d := *p.Decision
		var next string
		switch d.Result {
		case "GO":
			next = StatusApproved
		case "NO-GO":
			next = StatusRejected
		case "DEFER":
			next = StatusDeferred
		default:
			return TransitionResult{}, &PreconditionError{Action: action, Field: "result"}
		}
		if d.TargetDate == "" {
			d.TargetDate = "3-7 days"
		}
		return TransitionResult{NextStatus: next, Patch: Patch{Decision: &d}}, nil

	case ActionProposeInstall:
		if p.Installation == nil {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "installation"}
		}
		if p.Installation.Date == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "date"}
		}
		if p.Installation.PICName == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "pic_name"}
		}
		if p.Installation.PICPhone == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "pic_phone"}
		}
		return TransitionResult{NextStatus: StatusInstallProposed, Patch: Patch{Installation: p.Installation}}, nil

	case ActionConfirmInstall:
		return TransitionResult{NextStatus: StatusInstallConfirmed}, nil

	case ActionMarkContractReady:
		return TransitionResult{NextStatus: StatusContractReady}, nil

	case ActionDeploy:
		if p.Deployment == nil {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "deployment"}
		}
		if p.Deployment.CabinetSerial == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "cabinet_serial"}
		}
		if p.Deployment.BatteryCount == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "battery_count"}
		}
		if p.Deployment.DashboardID == "" {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "dashboard_id"}
		}
		if !p.Deployment.CabinetPowered {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "cabinet_powered"}
		}
		if !p.Deployment.BatteriesCharging {
			return TransitionResult{}, &PreconditionError{Action: action, Field: "batteries_charging"}
		}
		return TransitionResult{NextStatus: StatusOperational, Patch: Patch{Deployment: p.Deployment}}, nil
	}
	return TransitionResult{}, &IllegalTransitionError{Status: status, Action: action}
}

// ValidStatus reports whether a status value is one of the lifecycle
// statuses a stored site may hold.
func ValidStatus(status string) bool {
	switch status {
	case StatusLead, StatusChecklistDone, StatusSubmitted, StatusVisitProposed,
		StatusVisitConfirmed, StatusTechVisit, StatusDecisionPending, StatusApproved,
		StatusRejected, StatusDeferred, StatusInstallProposed, StatusInstallConfirmed,
		StatusContractReady, StatusInstalled, StatusOperational:
		return true
	}
	return false
}

// StatusLabel is the human label shown in list views and tables.
func StatusLabel(status string) string {
	switch status {
	case StatusLead:
		return "New Lead"
	case StatusChecklistDone:
		return "Checklist Done"
	case StatusSubmitted:
		return "Submitted"
	case StatusVisitProposed:
		return "Visit Proposed"
	case StatusVisitConfirmed:
		return "Visit Confirmed"
	case StatusTechVisit:
		return "Tech Visit"
	case StatusDecisionPending:
		return "Decision Pending"
	case StatusApproved:
		return "Approved"
	case StatusRejected:
		return "Rejected"
	case StatusDeferred:
		return "Deferred"
	case StatusInstallProposed:
		return "Install Proposed"
	case StatusInstallConfirmed:
		return "Install Confirmed"
	case StatusContractReady:
		return "Contract Ready"
	case StatusInstalled:
		return "Installed"
	case StatusOperational:
		return "Operational"
	}
	return status
}
