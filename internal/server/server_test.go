package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/pgmflow/internal/auth"
	"github.com/loykin/pgmflow/internal/store"
	"github.com/loykin/pgmflow/internal/store/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func seedProgram(t *testing.T, db *sqlite.DB, draftID string, status store.Status, task store.NextTask, mut func(*store.Program)) {
	t.Helper()
	p, err := store.NewProgram(draftID, store.PgmTypeET, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("new program: %v", err)
	}
	p.Status = status
	p.NextTask = task
	if mut != nil {
		mut(&p)
	}
	if err := db.UpsertProgram(context.Background(), p); err != nil {
		t.Fatalf("upsert %s: %v", draftID, err)
	}
}

func newTestServer(t *testing.T, db *sqlite.DB, authSvc *auth.Service, authEnabled bool) *httptest.Server {
	t.Helper()
	r := NewRouter(db, authSvc, authEnabled, nil, "/api")
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	db := newTestStore(t)
	srv := newTestServer(t, db, nil, false)
	var ok okResp
	if code := getJSON(t, srv.URL+"/api/healthz", &ok); code != http.StatusOK {
		t.Fatalf("healthz status: %d", code)
	}
	if !ok.OK {
		t.Fatalf("healthz body: %+v", ok)
	}
}

func TestListRecordsFilters(t *testing.T) {
	db := newTestStore(t)
	seedProgram(t, db, "D-1", store.StatusNew, store.TaskDownload, nil)
	seedProgram(t, db, "D-2", store.StatusVerified, store.TaskApply, nil)
	seedProgram(t, db, "D-3", store.StatusVerified, store.TaskApply, func(p *store.Program) {
		p.PgmType = store.PgmTypeAT
	})
	srv := newTestServer(t, db, nil, false)

	var recs []store.Program
	if code := getJSON(t, srv.URL+"/api/records", &recs); code != http.StatusOK {
		t.Fatalf("list status: %d", code)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	recs = nil
	if code := getJSON(t, srv.URL+"/api/records?status=VERIFIED&type=AT", &recs); code != http.StatusOK {
		t.Fatalf("filtered list status: %d", code)
	}
	if len(recs) != 1 || recs[0].DraftID != "D-3" {
		t.Fatalf("filtered list: %+v", recs)
	}

	recs = nil
	if code := getJSON(t, srv.URL+"/api/records?limit=1", &recs); code != http.StatusOK {
		t.Fatalf("limited list status: %d", code)
	}
	if len(recs) != 1 {
		t.Fatalf("limit ignored: %d records", len(recs))
	}

	if code := getJSON(t, srv.URL+"/api/records?limit=nope", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status: %d", code)
	}
}

func TestGetRecordDetail(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	seedProgram(t, db, "D-10", store.StatusDownloaded, store.TaskVerify, nil)

	ev, err := store.NewStageEvent("D-10", "1. Drafting")
	if err != nil {
		t.Fatalf("new stage event: %v", err)
	}
	ev.StageSeq = 1
	ev.Actor = "kim"
	ev.StartedAt = time.Now().Add(-time.Hour)
	ev.UpdatedAt = ev.StartedAt
	if err := db.UpsertStageEvent(ctx, ev); err != nil {
		t.Fatalf("upsert event: %v", err)
	}
	rows := []store.DetailRow{{DraftID: "D-10", PgmType: store.PgmTypeET, Path: `MAIN\A.TSF`, UpdatedAt: time.Now()}}
	if err := db.ReplaceDetails(ctx, "D-10", store.PgmTypeET, rows); err != nil {
		t.Fatalf("replace details: %v", err)
	}
	if err := db.InsertAlarm(ctx, store.Alarm{DraftID: "D-10", Level: store.TATNotice, Message: "overdue", RaisedAt: time.Now()}); err != nil {
		t.Fatalf("insert alarm: %v", err)
	}

	srv := newTestServer(t, db, nil, false)
	var detail recordDetail
	if code := getJSON(t, srv.URL+"/api/records/D-10", &detail); code != http.StatusOK {
		t.Fatalf("get status: %d", code)
	}
	if detail.Record.DraftID != "D-10" {
		t.Fatalf("record: %+v", detail.Record)
	}
	if len(detail.StageEvents) != 1 || detail.StageEvents[0].Actor != "kim" {
		t.Fatalf("stage events: %+v", detail.StageEvents)
	}
	if len(detail.DetailsET) != 1 || len(detail.DetailsAT) != 0 {
		t.Fatalf("details: ET=%d AT=%d", len(detail.DetailsET), len(detail.DetailsAT))
	}
	if len(detail.Alarms) != 1 {
		t.Fatalf("alarms: %+v", detail.Alarms)
	}

	if code := getJSON(t, srv.URL+"/api/records/D-none", nil); code != http.StatusNotFound {
		t.Fatalf("unknown draft status: %d", code)
	}
}

func TestApproveAndRevoke(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	seedProgram(t, db, "D-20", store.StatusVerified, store.TaskApply, nil)
	seedProgram(t, db, "D-21", store.StatusMonitored, store.TaskNone, nil)
	srv := newTestServer(t, db, nil, false)

	if code := postJSON(t, srv.URL+"/api/records/D-20/approve", "", nil, nil); code != http.StatusOK {
		t.Fatalf("approve status: %d", code)
	}
	rec, err := db.GetProgram(ctx, "D-20")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.ApplyFlag {
		t.Fatalf("apply flag not set")
	}

	if code := postJSON(t, srv.URL+"/api/records/D-20/revoke", "", nil, nil); code != http.StatusOK {
		t.Fatalf("revoke status: %d", code)
	}
	rec, _ = db.GetProgram(ctx, "D-20")
	if rec.ApplyFlag {
		t.Fatalf("apply flag not cleared")
	}

	if code := postJSON(t, srv.URL+"/api/records/D-21/approve", "", nil, nil); code != http.StatusConflict {
		t.Fatalf("terminal approve status: %d", code)
	}
	if code := postJSON(t, srv.URL+"/api/records/D-none/approve", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown approve status: %d", code)
	}
}

func TestAlarmsListAndResolve(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	seedProgram(t, db, "D-30", store.StatusDownloaded, store.TaskVerify, nil)
	if err := db.InsertAlarm(ctx, store.Alarm{DraftID: "D-30", Level: store.TATWarning, Message: "overdue", RaisedAt: time.Now()}); err != nil {
		t.Fatalf("insert alarm: %v", err)
	}
	srv := newTestServer(t, db, nil, false)

	var alarms []store.Alarm
	if code := getJSON(t, srv.URL+"/api/alarms", &alarms); code != http.StatusOK {
		t.Fatalf("alarms status: %d", code)
	}
	if len(alarms) != 1 || alarms[0].Resolved {
		t.Fatalf("open alarms: %+v", alarms)
	}
	id := alarms[0].ID

	url := srv.URL + "/api/alarms/" + strconv.FormatInt(id, 10) + "/resolve"
	if code := postJSON(t, url, "", resolveReq{ResolvedBy: "kim"}, nil); code != http.StatusOK {
		t.Fatalf("resolve status: %d", code)
	}
	alarms = nil
	if code := getJSON(t, srv.URL+"/api/alarms", &alarms); code != http.StatusOK {
		t.Fatalf("alarms after resolve status: %d", code)
	}
	if len(alarms) != 0 {
		t.Fatalf("alarm still open: %+v", alarms)
	}

	if code := postJSON(t, url, "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("repeat resolve status: %d", code)
	}
	if code := postJSON(t, srv.URL+"/api/alarms/zero/resolve", "", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad alarm id status: %d", code)
	}
}

func TestLoginDisabled(t *testing.T) {
	db := newTestStore(t)
	srv := newTestServer(t, db, nil, false)
	code := postJSON(t, srv.URL+"/api/auth/login", "", auth.LoginRequest{Username: "x", Password: "y"}, nil)
	if code != http.StatusNotImplemented {
		t.Fatalf("login with auth disabled: %d", code)
	}
}

func TestAuthGatedMutations(t *testing.T) {
	db := newTestStore(t)
	seedProgram(t, db, "D-40", store.StatusVerified, store.TaskApply, nil)

	authStore, err := auth.NewSQLiteStore(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	t.Cleanup(func() { _ = authStore.Close() })
	if err := authStore.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("auth schema: %v", err)
	}
	svc, err := auth.NewService(authStore, auth.ServiceConfig{JWTSecret: "test-secret", BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, "op", "pw", auth.RoleOperator); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "ro", "pw", auth.RoleViewer); err != nil {
		t.Fatalf("create viewer: %v", err)
	}

	srv := newTestServer(t, db, svc, true)
	url := srv.URL + "/api/records/D-40/approve"

	if code := postJSON(t, url, "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous approve status: %d", code)
	}
	if code := postJSON(t, url, "garbage-token", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token approve status: %d", code)
	}

	login := func(user, pass string) (string, int) {
		var out struct {
			Token auth.Token `json:"token"`
		}
		code := postJSON(t, srv.URL+"/api/auth/login", "", auth.LoginRequest{Username: user, Password: pass}, &out)
		return out.Token.Value, code
	}

	if _, code := login("op", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("bad login status: %d", code)
	}
	viewerTok, code := login("ro", "pw")
	if code != http.StatusOK {
		t.Fatalf("viewer login status: %d", code)
	}
	if code := postJSON(t, url, viewerTok, nil, nil); code != http.StatusForbidden {
		t.Fatalf("viewer approve status: %d", code)
	}

	opTok, code := login("op", "pw")
	if code != http.StatusOK {
		t.Fatalf("operator login status: %d", code)
	}
	if code := postJSON(t, url, opTok, nil, nil); code != http.StatusOK {
		t.Fatalf("operator approve status: %d", code)
	}

	// reads stay open
	if code := getJSON(t, srv.URL+"/api/records", nil); code != http.StatusOK {
		t.Fatalf("anonymous read status: %d", code)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"/":      "",
		"api":    "/api",
		"/api":   "/api",
		"/api/":  "/api",
		" /v1/ ": "/v1",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
