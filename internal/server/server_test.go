package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/engine"
	"siteline/internal/migrate"
)

const testAdminCode = "let-me-delete"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("siteline-test")
	sum := sha256.Sum256([]byte(testAdminCode))
	cfg.Admin.DeleteCodeSHA256 = hex.EncodeToString(sum[:])
	cfg.Auth.JWTSecret = "test-secret"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.GrantRole(context.Background(), "op", "operator", "tester"); err != nil {
		t.Fatalf("grant operator: %v", err)
	}
	if err := e.GrantRole(context.Background(), "ta", "assessor", "tester"); err != nil {
		t.Fatalf("grant assessor: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asOperator() map[string]string { return map[string]string{"X-Actor-Id": "op"} }
func asAssessor() map[string]string { return map[string]string{"X-Actor-Id": "ta"} }

func createSite(t *testing.T, srv *testServer, name string) SiteResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites", map[string]any{
		"name": name,
	}, asOperator())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create site status %d: %s", res.StatusCode, string(data))
	}
	var created SiteResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal site: %v", err)
	}
	return created
}

type pipelineStep struct {
	headers map[string]string
	body    map[string]any
}

func surveyChecklist() map[string]any {
	return map[string]any{
		"site_type":            "Garage",
		"ownership_proof":      "Yes",
		"avg_income":           "45000",
		"riders_in_garage":     "12",
		"main_road_accessible": "Yes",
		"no_flood_history":     "Yes",
		"not_low_lying":        "Yes",
		"three_phase":          "Yes",
		"capacity_load":        "18",
		"no_frequent_outages":  "Yes",
		"space_ventilation":    "Yes",
		"owner_willing":        "Yes",
	}
}

// stepsTo returns the pipeline actions from lead up to and including the
// named action, default payloads included.
func stepsTo(last string) []pipelineStep {
	all := []pipelineStep{
		{asOperator(), map[string]any{"action": "complete_checklist", "checklist": surveyChecklist()}},
		{asOperator(), map[string]any{"action": "submit"}},
		{asAssessor(), map[string]any{"action": "propose_visit", "visit_date": "2024-06-12"}},
		{asOperator(), map[string]any{"action": "confirm_visit"}},
		{asAssessor(), map[string]any{"action": "start_tech_visit"}},
		{asAssessor(), map[string]any{"action": "complete_assessment", "tech_assessment": map[string]any{
			"electrical": true, "ventilation": true, "connectivity": true,
		}}},
		{asAssessor(), map[string]any{"action": "decide", "decision": map[string]any{"result": "GO"}}},
		{asAssessor(), map[string]any{"action": "propose_install", "installation": map[string]any{
			"date": "2024-06-20", "pic_name": "Rahim", "pic_phone": "01712345678",
		}}},
		{asOperator(), map[string]any{"action": "confirm_install"}},
		{asOperator(), map[string]any{"action": "mark_contract_ready"}},
		{asAssessor(), map[string]any{"action": "deploy", "deployment": map[string]any{
			"cabinet_serial": "CAB-991", "battery_count": "8", "dashboard_id": "dash-17",
			"cabinet_powered": true, "batteries_charging": true,
		}}},
	}
	for i, step := range all {
		if step.body["action"] == last {
			return all[:i+1]
		}
	}
	return all
}

func advance(t *testing.T, srv *testServer, siteID string, steps []pipelineStep) SiteResponse {
	t.Helper()
	var last SiteResponse
	for _, step := range steps {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+siteID+"/transitions", step.body, step.headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("action %v status %d: %s", step.body["action"], res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal site: %v", err)
		}
	}
	return last
}

func getSite(t *testing.T, srv *testServer, id string) SiteResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/"+id, nil, asOperator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get site status %d: %s", res.StatusCode, string(data))
	}
	var s SiteResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal site: %v", err)
	}
	return s
}

func errorBody(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var wrapped struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		t.Fatalf("unmarshal error body: %v: %s", err, string(data))
	}
	return wrapped.Error
}

func TestFullPipelineWalk(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "Mirpur Garage 3")
	if created.Status != "lead" {
		t.Fatalf("new site status %s, want lead", created.Status)
	}
	if created.Version != 1 {
		t.Fatalf("new site version %d, want 1", created.Version)
	}

	final := advance(t, srv, created.ID, stepsTo("deploy"))
	if final.Status != "operational" {
		t.Fatalf("final status %s, want operational", final.Status)
	}
	if final.Version != 12 {
		t.Fatalf("final version %d, want 12", final.Version)
	}
	if final.Deployment == nil || final.Deployment.CabinetSerial != "CAB-991" {
		t.Fatalf("deployment record not persisted: %+v", final.Deployment)
	}
	if final.Decision == nil || final.Decision.TargetDate != "3-7 days" {
		t.Fatalf("decision target date not defaulted: %+v", final.Decision)
	}
}

func TestWrongRoleRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "Wrong role site")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action":    "complete_checklist",
		"checklist": surveyChecklist(),
	}, asAssessor())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403: %s", res.StatusCode, string(data))
	}
	if body := errorBody(t, data); body.Code != "wrong_role" {
		t.Fatalf("code %s, want wrong_role", body.Code)
	}
	if s := getSite(t, srv, created.ID); s.Status != "lead" || s.Version != 1 {
		t.Fatalf("rejected attempt mutated the site: status %s version %d", s.Status, s.Version)
	}
}

func TestMissingVisitDateRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "No visit date")
	advance(t, srv, created.ID, stepsTo("submit"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action": "propose_visit",
	}, asAssessor())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	body := errorBody(t, data)
	if body.Code != "invalid_precondition" {
		t.Fatalf("code %s, want invalid_precondition", body.Code)
	}
	if body.Details["field"] != "visit_date" {
		t.Fatalf("details field %v, want visit_date", body.Details["field"])
	}
	if s := getSite(t, srv, created.ID); s.Status != "submitted" {
		t.Fatalf("status %s, want submitted", s.Status)
	}
}

func TestEmptyPICPhoneRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "No PIC phone")
	advance(t, srv, created.ID, stepsTo("decide"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action": "propose_install",
		"installation": map[string]any{
			"date": "2024-06-20", "pic_name": "Rahim", "pic_phone": "",
		},
	}, asAssessor())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422: %s", res.StatusCode, string(data))
	}
	body := errorBody(t, data)
	if body.Code != "invalid_precondition" {
		t.Fatalf("code %s, want invalid_precondition", body.Code)
	}
	if body.Details["field"] != "pic_phone" {
		t.Fatalf("details field %v, want pic_phone", body.Details["field"])
	}
	if s := getSite(t, srv, created.ID); s.Status != "approved" {
		t.Fatalf("status %s, want approved", s.Status)
	}
}

func TestIllegalTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "Too eager")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action": "deploy",
		"deployment": map[string]any{
			"cabinet_serial": "CAB-1", "battery_count": "4", "dashboard_id": "d1",
			"cabinet_powered": true, "batteries_charging": true,
		},
	}, asAssessor())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", res.StatusCode, string(data))
	}
	if body := errorBody(t, data); body.Code != "illegal_transition" {
		t.Fatalf("code %s, want illegal_transition", body.Code)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "Contended site")
	advance(t, srv, created.ID, stepsTo("complete_checklist"))

	// Act on the version from before the checklist write.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action":           "submit",
		"expected_version": 1,
	}, asOperator())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", res.StatusCode, string(data))
	}
	if body := errorBody(t, data); body.Code != "conflict" {
		t.Fatalf("code %s, want conflict", body.Code)
	}
	if s := getSite(t, srv, created.ID); s.Status != "checklist_done" || s.Version != 2 {
		t.Fatalf("loser wrote something: status %s version %d", s.Status, s.Version)
	}
}

func TestRejectionIsAbsorbing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "No-go site")
	advance(t, srv, created.ID, stepsTo("complete_assessment"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action":   "decide",
		"decision": map[string]any{"result": "NO-GO", "notes": "flood plain"},
	}, asAssessor())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var rejected SiteResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != "rejected" {
		t.Fatalf("status %s, want rejected", rejected.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action": "propose_install",
		"installation": map[string]any{
			"date": "2024-06-20", "pic_name": "Rahim", "pic_phone": "01712345678",
		},
	}, asAssessor())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", res.StatusCode, string(data))
	}
	if body := errorBody(t, data); body.Code != "illegal_transition" {
		t.Fatalf("code %s, want illegal_transition", body.Code)
	}
}

func TestDeletionRequiresAdminCode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "Doomed site")

	photoRes, photoData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/photos", map[string]any{
		"category":   "Front",
		"image_data": "ZmFrZS1qcGVn",
	}, asOperator())
	if photoRes.StatusCode != http.StatusCreated {
		t.Fatalf("add photo status %d: %s", photoRes.StatusCode, string(photoData))
	}

	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sites/"+created.ID, nil, asOperator())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("delete without code: status %d, want 403: %s", res.StatusCode, string(data))
	}
	if body := errorBody(t, data); body.Code != "deletion_denied" {
		t.Fatalf("code %s, want deletion_denied", body.Code)
	}

	headers := asOperator()
	headers["X-Admin-Code"] = "wrong-code"
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sites/"+created.ID, nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("delete with wrong code: status %d, want 403", res.StatusCode)
	}

	headers["X-Admin-Code"] = testAdminCode
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/sites/"+created.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete with code: status %d, want 204: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/"+created.ID, nil, asOperator())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted site still readable: status %d", res.StatusCode)
	}

	// Photos survive the deletion as orphans.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/"+created.ID+"/photos", nil, asOperator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list photos status %d: %s", res.StatusCode, string(data))
	}
	var photos []PhotoResponse
	if err := json.Unmarshal(data, &photos); err != nil {
		t.Fatalf("unmarshal photos: %v", err)
	}
	if len(photos) != 1 {
		t.Fatalf("orphaned photo count %d, want 1", len(photos))
	}
}

func TestSectionStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createSite(t, srv, "Status site")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/"+created.ID+"/checklist/status", nil, asOperator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var empty SectionStatusResponse
	if err := json.Unmarshal(data, &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if empty.AllYes || empty.Sections.Basic != "N" {
		t.Fatalf("unanswered checklist should be all-N: %+v", empty)
	}

	advance(t, srv, created.ID, stepsTo("complete_checklist"))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites/"+created.ID+"/checklist/status", nil, asOperator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var filled SectionStatusResponse
	if err := json.Unmarshal(data, &filled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !filled.AllYes {
		t.Fatalf("fully positive survey should be all-Y: %+v", filled.Sections)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "jwt-op",
		"roles":    []string{"operator"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "jwt-op" || len(who.Roles) != 1 || who.Roles[0] != "operator" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	// Claim roles gate transitions without any stored grant.
	created := createSite(t, srv, "JWT site")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sites/"+created.ID+"/transitions", map[string]any{
		"action":    "complete_checklist",
		"checklist": surveyChecklist(),
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt transition status %d: %s", res.StatusCode, string(data))
	}
}

func TestListSitesPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		createSite(t, srv, "Site "+string(rune('A'+i)))
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites?limit=2", nil, asOperator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedSites
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page items %d cursor %q", len(page.Items), page.NextCursor)
	}

	seen := map[string]bool{}
	for _, item := range page.Items {
		seen[item.ID] = true
	}
	cursor := page.NextCursor
	for cursor != "" {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sites?limit=2&cursor="+url.QueryEscape(cursor), nil, asOperator())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list page status %d: %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			if seen[item.ID] {
				t.Fatalf("site %s appeared on two pages", item.ID)
			}
			seen[item.ID] = true
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("paged through %d sites, want 5", len(seen))
	}
}
