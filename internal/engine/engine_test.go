package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	"siteline/internal/repo"
)

const testAdminCode = "nuke-it"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("siteline-test")
	sum := sha256.Sum256([]byte(testAdminCode))
	cfg.Admin.DeleteCodeSHA256 = hex.EncodeToString(sum[:])
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func newLead(t *testing.T, env testEnv) domain.Site {
	t.Helper()
	s, err := env.Engine.CreateSite(env.Ctx, engine.SiteCreateOptions{Name: "Rahim Garage", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	return s
}

func fullChecklist() *domain.Checklist {
	return &domain.Checklist{
		SiteType:       "Garage",
		OwnershipProof: "Yes",
		OwnerWilling:   "Yes",
	}
}

func transition(t *testing.T, env testEnv, id string, action engine.Action, role string, p engine.TransitionPayload) domain.Site {
	t.Helper()
	s, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ID: id, Action: action, Role: role, ActorID: "tester", Payload: p,
	})
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	return s
}

// walkTo drives a fresh lead through the happy path until it reaches the
// wanted status, using the minimal payload each step needs.
func walkTo(t *testing.T, env testEnv, id, status string) domain.Site {
	t.Helper()
	steps := []struct {
		action  engine.Action
		role    string
		payload engine.TransitionPayload
	}{
		{engine.ActionCompleteChecklist, "operator", engine.TransitionPayload{Checklist: fullChecklist()}},
		{engine.ActionSubmit, "operator", engine.TransitionPayload{}},
		{engine.ActionProposeVisit, "assessor", engine.TransitionPayload{VisitDate: "2024-06-10"}},
		{engine.ActionConfirmVisit, "operator", engine.TransitionPayload{}},
		{engine.ActionStartTechVisit, "assessor", engine.TransitionPayload{}},
		{engine.ActionCompleteAssessment, "assessor", engine.TransitionPayload{TechAssessment: &domain.TechAssessment{Electrical: true}}},
		{engine.ActionDecide, "assessor", engine.TransitionPayload{Decision: &domain.Decision{Result: "GO"}}},
		{engine.ActionProposeInstall, "assessor", engine.TransitionPayload{Installation: &domain.Installation{Date: "2024-06-20", PICName: "Karim", PICPhone: "01700000000"}}},
		{engine.ActionConfirmInstall, "operator", engine.TransitionPayload{}},
		{engine.ActionMarkContractReady, "operator", engine.TransitionPayload{}},
		{engine.ActionDeploy, "assessor", engine.TransitionPayload{Deployment: &domain.Deployment{
			CabinetSerial: "CAB-100", BatteryCount: "8", DashboardID: "dash-1",
			CabinetPowered: true, BatteriesCharging: true,
		}}},
	}
	var s domain.Site
	for _, step := range steps {
		s = transition(t, env, id, step.action, step.role, step.payload)
		if s.Status == status {
			return s
		}
	}
	t.Fatalf("never reached %s, ended at %s", status, s.Status)
	return s
}

func TestGuardChecksRoleBeforeStateBeforePayload(t *testing.T) {
	// Role first: wrong role at a wrong status still reports the role.
	_, err := engine.GuardTransition("operator", engine.StatusLead, engine.ActionDecide, engine.TransitionPayload{})
	var wrongRole *engine.WrongRoleError
	if !errors.As(err, &wrongRole) {
		t.Fatalf("expected WrongRoleError, got %v", err)
	}
	if wrongRole.Required != "assessor" {
		t.Fatalf("decide should require assessor, got %s", wrongRole.Required)
	}
	// Then state.
	_, err = engine.GuardTransition("assessor", engine.StatusLead, engine.ActionDecide, engine.TransitionPayload{})
	var illegal *engine.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	// Then payload.
	_, err = engine.GuardTransition("assessor", engine.StatusDecisionPending, engine.ActionDecide, engine.TransitionPayload{})
	var precond *engine.PreconditionError
	if !errors.As(err, &precond) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if precond.Field != "decision" {
		t.Fatalf("expected field decision, got %s", precond.Field)
	}
}

func TestGuardPayloadFields(t *testing.T) {
	cases := []struct {
		name    string
		role    string
		status  string
		action  engine.Action
		payload engine.TransitionPayload
		field   string
	}{
		{"checklist required", "operator", engine.StatusLead, engine.ActionCompleteChecklist, engine.TransitionPayload{}, "checklist"},
		{"visit date required", "assessor", engine.StatusSubmitted, engine.ActionProposeVisit, engine.TransitionPayload{}, "visit_date"},
		{"install date", "assessor", engine.StatusApproved, engine.ActionProposeInstall,
			engine.TransitionPayload{Installation: &domain.Installation{PICName: "K", PICPhone: "017"}}, "date"},
		{"pic name", "assessor", engine.StatusApproved, engine.ActionProposeInstall,
			engine.TransitionPayload{Installation: &domain.Installation{Date: "2024-06-20", PICPhone: "017"}}, "pic_name"},
		{"pic phone", "assessor", engine.StatusApproved, engine.ActionProposeInstall,
			engine.TransitionPayload{Installation: &domain.Installation{Date: "2024-06-20", PICName: "K"}}, "pic_phone"},
		{"cabinet serial", "assessor", engine.StatusContractReady, engine.ActionDeploy,
			engine.TransitionPayload{Deployment: &domain.Deployment{BatteryCount: "8", DashboardID: "d", CabinetPowered: true, BatteriesCharging: true}}, "cabinet_serial"},
		{"cabinet powered", "assessor", engine.StatusContractReady, engine.ActionDeploy,
			engine.TransitionPayload{Deployment: &domain.Deployment{CabinetSerial: "C", BatteryCount: "8", DashboardID: "d", BatteriesCharging: true}}, "cabinet_powered"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.GuardTransition(tc.role, tc.status, tc.action, tc.payload)
			var precond *engine.PreconditionError
			if !errors.As(err, &precond) {
				t.Fatalf("expected PreconditionError, got %v", err)
			}
			if precond.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, precond.Field)
			}
		})
	}
}

func TestGuardDecisionMapping(t *testing.T) {
	cases := []struct {
		result string
		next   string
	}{
		{"GO", engine.StatusApproved},
		{"NO-GO", engine.StatusRejected},
		{"DEFER", engine.StatusDeferred},
	}
	for _, tc := range cases {
		res, err := engine.GuardTransition("assessor", engine.StatusDecisionPending, engine.ActionDecide,
			engine.TransitionPayload{Decision: &domain.Decision{Result: tc.result}})
		if err != nil {
			t.Fatalf("%s: %v", tc.result, err)
		}
		if res.NextStatus != tc.next {
			t.Fatalf("%s: expected %s, got %s", tc.result, tc.next, res.NextStatus)
		}
		if res.Patch.Decision.TargetDate != "3-7 days" {
			t.Fatalf("%s: expected default target date, got %q", tc.result, res.Patch.Decision.TargetDate)
		}
	}
	_, err := engine.GuardTransition("assessor", engine.StatusDecisionPending, engine.ActionDecide,
		engine.TransitionPayload{Decision: &domain.Decision{Result: "MAYBE"}})
	var precond *engine.PreconditionError
	if !errors.As(err, &precond) || precond.Field != "result" {
		t.Fatalf("expected precondition on result, got %v", err)
	}
}

func TestFullPipeline(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	if s.Status != engine.StatusLead || s.Version != 1 {
		t.Fatalf("unexpected lead: %s v%d", s.Status, s.Version)
	}
	s = walkTo(t, env, s.ID, engine.StatusOperational)
	if s.Version != 12 {
		t.Fatalf("expected version 12 after 11 transitions, got %d", s.Version)
	}
	dep, err := s.DecodeDeployment()
	if err != nil || dep == nil {
		t.Fatalf("decode deployment: %v", err)
	}
	if dep.CabinetSerial != "CAB-100" {
		t.Fatalf("deployment not persisted: %+v", dep)
	}
	d, err := s.DecodeDecision()
	if err != nil || d == nil || d.TargetDate != "3-7 days" {
		t.Fatalf("decision target date not defaulted: %+v err=%v", d, err)
	}
}

func TestRejectedAndDeferredAreTerminal(t *testing.T) {
	env := newTestEnv(t)
	for _, result := range []string{"NO-GO", "DEFER"} {
		s := newLead(t, env)
		walkTo(t, env, s.ID, engine.StatusDecisionPending)
		s = transition(t, env, s.ID, engine.ActionDecide, "assessor",
			engine.TransitionPayload{Decision: &domain.Decision{Result: result}})
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			ID: s.ID, Action: engine.ActionProposeInstall, Role: "assessor", ActorID: "tester",
			Payload: engine.TransitionPayload{Installation: &domain.Installation{Date: "2024-07-01", PICName: "K", PICPhone: "017"}},
		})
		var illegal *engine.IllegalTransitionError
		if !errors.As(err, &illegal) {
			t.Fatalf("%s: expected IllegalTransitionError, got %v", result, err)
		}
	}
}

func TestConflictOnConcurrentSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	s = transition(t, env, s.ID, engine.ActionCompleteChecklist, "operator",
		engine.TransitionPayload{Checklist: fullChecklist()})
	// A photo mirror bumps the version underneath the submit attempt.
	if _, err := env.Engine.AddPhoto(env.Ctx, engine.PhotoAddOptions{
		SiteID: s.ID, Category: "Front", ImageData: "data:image/jpeg;base64,xxx", ActorID: "tester",
	}); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ID: s.ID, Action: engine.ActionSubmit, Role: "operator", ActorID: "tester",
		ExpectedVersion: s.Version,
	})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Stored record kept the winner's write.
	stored, err := env.Engine.GetSite(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != engine.StatusChecklistDone || stored.Version != s.Version+1 {
		t.Fatalf("loser wrote: %s v%d", stored.Status, stored.Version)
	}
}

func TestPhotoMirrorsChecklistFlag(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	s = transition(t, env, s.ID, engine.ActionCompleteChecklist, "operator",
		engine.TransitionPayload{Checklist: fullChecklist()})

	if _, err := env.Engine.AddPhoto(env.Ctx, engine.PhotoAddOptions{
		SiteID: s.ID, Category: "Front", ImageData: "img1", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddPhoto(env.Ctx, engine.PhotoAddOptions{
		SiteID: s.ID, Category: "Additional 1", ImageData: "img2", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	stored, err := env.Engine.GetSite(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	c, err := stored.DecodeChecklist()
	if err != nil || c == nil {
		t.Fatalf("decode checklist: %v", err)
	}
	if !c.PhotosTaken.Front {
		t.Fatalf("front flag not mirrored: %+v", c.PhotosTaken)
	}
	if c.PhotosTaken.Additional != 1 {
		t.Fatalf("additional count not mirrored: %+v", c.PhotosTaken)
	}
	if stored.Version != s.Version+2 {
		t.Fatalf("expected two mirror bumps, got v%d", stored.Version)
	}
}

func TestPhotoBeforeChecklistSkipsMirror(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	if _, err := env.Engine.AddPhoto(env.Ctx, engine.PhotoAddOptions{
		SiteID: s.ID, Category: "Meter", ImageData: "img", ActorID: "tester",
	}); err != nil {
		t.Fatalf("photo on lead should store: %v", err)
	}
	stored, err := env.Engine.GetSite(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 1 {
		t.Fatalf("mirror should be skipped without a checklist, got v%d", stored.Version)
	}
	photos, err := env.Engine.ListPhotos(env.Ctx, repo.PhotoFilters{SiteID: s.ID})
	if err != nil || len(photos) != 1 {
		t.Fatalf("expected stored photo: %v (%d)", err, len(photos))
	}
}

func TestPhotoCategoryValidation(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	if _, err := env.Engine.AddPhoto(env.Ctx, engine.PhotoAddOptions{
		SiteID: s.ID, Category: "Selfie", ImageData: "img", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected unknown category error")
	}
}

func TestDeleteSiteRequiresAdminCode(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	if _, err := env.Engine.AddPhoto(env.Ctx, engine.PhotoAddOptions{
		SiteID: s.ID, Category: "Roads", ImageData: "img", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteSite(env.Ctx, s.ID, "", "tester"); !errors.Is(err, engine.ErrDeletionDenied) {
		t.Fatalf("empty code: expected denial, got %v", err)
	}
	if err := env.Engine.DeleteSite(env.Ctx, s.ID, "guess", "tester"); !errors.Is(err, engine.ErrDeletionDenied) {
		t.Fatalf("wrong code: expected denial, got %v", err)
	}
	if err := env.Engine.DeleteSite(env.Ctx, s.ID, testAdminCode, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetSite(env.Ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// Photos stay behind as orphans.
	photos, err := env.Engine.ListPhotos(env.Ctx, repo.PhotoFilters{SiteID: s.ID})
	if err != nil || len(photos) != 1 {
		t.Fatalf("expected orphaned photo: %v (%d)", err, len(photos))
	}
}

func TestCreateSiteGeneratesCode(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	if !strings.HasPrefix(s.SiteID, "DHK-GEN-") {
		t.Fatalf("unexpected generated code %q", s.SiteID)
	}
	explicit, err := env.Engine.CreateSite(env.Ctx, engine.SiteCreateOptions{SiteID: "DHK-X-1", Name: "Named", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if explicit.SiteID != "DHK-X-1" {
		t.Fatalf("explicit code ignored: %q", explicit.SiteID)
	}
}

func TestEventsAppendedAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	walkTo(t, env, s.ID, engine.StatusSubmitted)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE site_id=? ORDER BY id`, s.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types = append(types, typ)
	}
	if len(types) != 3 || types[0] != "site.created" || types[1] != "site.transitioned" {
		t.Fatalf("unexpected event trail: %v", types)
	}
}

func TestRejectedAttemptWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	s := newLead(t, env)
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ID: s.ID, Action: engine.ActionCompleteChecklist, Role: "assessor", ActorID: "tester",
		Payload: engine.TransitionPayload{Checklist: fullChecklist()},
	})
	var wrongRole *engine.WrongRoleError
	if !errors.As(err, &wrongRole) {
		t.Fatalf("expected WrongRoleError, got %v", err)
	}
	stored, err := env.Engine.GetSite(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != engine.StatusLead || stored.Version != 1 {
		t.Fatalf("rejected attempt wrote: %s v%d", stored.Status, stored.Version)
	}
}
