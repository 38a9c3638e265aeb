package domain

import "encoding/json"

func decode[T any](raw *string) (*T, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(*raw), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s Site) DecodeChecklist() (*Checklist, error) {
	return decode[Checklist](s.ChecklistJSON)
}

func (s Site) DecodeTechAssessment() (*TechAssessment, error) {
	return decode[TechAssessment](s.TechAssessmentJSON)
}

func (s Site) DecodeDecision() (*Decision, error) {
	return decode[Decision](s.DecisionJSON)
}

func (s Site) DecodeInstallation() (*Installation, error) {
	return decode[Installation](s.InstallationJSON)
}

func (s Site) DecodeDeployment() (*Deployment, error) {
	return decode[Deployment](s.DeploymentJSON)
}
