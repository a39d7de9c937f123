package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/slotwatch/slotwatch/captcha"
	"github.com/slotwatch/slotwatch/dbopen"
	"github.com/slotwatch/slotwatch/engine"
	"github.com/slotwatch/slotwatch/store"

	_ "modernc.org/sqlite"
)

type fakeEngine struct {
	state    engine.RunState
	startErr error
	started  []engine.RunConfiguration
	stopped  int
	outcome  engine.Outcome
	tested   []string
	testErr  error
}

func (f *fakeEngine) Start(_ context.Context, rc engine.RunConfiguration) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, rc)
	f.state.Phase = engine.PhaseRunning
	return nil
}

func (f *fakeEngine) Stop(context.Context) error {
	f.stopped++
	f.state.Phase = engine.PhaseIdle
	return nil
}

func (f *fakeEngine) Status() engine.RunState { return f.state }

func (f *fakeEngine) CheckOnce(context.Context, engine.RunConfiguration) (engine.Outcome, error) {
	return f.outcome, nil
}

func (f *fakeEngine) TestCredential(_ context.Context, c *store.Credential) error {
	f.tested = append(f.tested, c.ID)
	return f.testErr
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeEngine, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewStore(db)
	eng := &fakeEngine{state: engine.RunState{Phase: engine.PhaseIdle}}
	srv := NewServer(Config{
		Store:  st,
		Engine: eng,
		Solver: captcha.New(captcha.Config{}),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Stream().Close)
	return ts, eng, st
}

func getJSON(t *testing.T, url string, want int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func postJSON(t *testing.T, url string, body any, want int) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("POST %s: status %d, want %d", url, resp.StatusCode, want)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestIndexAndVisaTypes(t *testing.T) {
	ts, _, _ := newTestServer(t)

	idx := getJSON(t, ts.URL+"/api/", http.StatusOK)
	if idx["service"] != "slotwatch" {
		t.Errorf("service: %v", idx["service"])
	}

	vt := getJSON(t, ts.URL+"/api/visa-types", http.StatusOK)
	types, ok := vt["visa_types"].(map[string]any)
	if !ok || len(types) == 0 {
		t.Fatalf("visa_types: %v", vt["visa_types"])
	}
	if _, ok := types["Tourist Visa"]; !ok {
		t.Errorf("missing Tourist Visa: %v", types)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t)

	created := postJSON(t, ts.URL+"/api/credentials/", map[string]any{
		"credential_name": "main",
		"email":           "a@example.com",
		"password":        "secret",
		"is_active":       true,
	}, http.StatusCreated)
	if created["password"] != "" {
		t.Errorf("password leaked in create response: %v", created["password"])
	}

	list := getJSON(t, ts.URL+"/api/credentials/", http.StatusOK)
	creds := list["credentials"].([]any)
	if len(creds) != 1 {
		t.Fatalf("credentials: %d", len(creds))
	}
	if pw := creds[0].(map[string]any)["password"]; pw != "" {
		t.Errorf("password leaked in list: %v", pw)
	}

	postJSON(t, ts.URL+"/api/credentials/", map[string]any{
		"email": "incomplete@example.com",
	}, http.StatusBadRequest)
}

func TestCredentialTest(t *testing.T) {
	ts, eng, st := newTestServer(t)

	cred := &store.Credential{Name: "main", Email: "a@example.com", Password: "pw", Active: true}
	if err := st.InsertCredential(context.Background(), cred); err != nil {
		t.Fatal(err)
	}

	out := postJSON(t, ts.URL+"/api/credentials/"+cred.ID+"/test", nil, http.StatusOK)
	if out["success"] != true {
		t.Errorf("success: %v", out)
	}
	if _, ok := out["response_time_ms"].(float64); !ok {
		t.Errorf("response_time_ms missing: %v", out)
	}
	if len(eng.tested) != 1 || eng.tested[0] != cred.ID {
		t.Errorf("tested: %v", eng.tested)
	}

	// The test attempt counts toward the credential's statistics.
	got, err := st.GetCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalAttempts != 1 || got.SuccessfulAttempts != 1 {
		t.Errorf("attempts: %d/%d", got.SuccessfulAttempts, got.TotalAttempts)
	}

	// A failed login is still a 200 with success=false.
	eng.testErr = engine.ErrAuthRejected
	out = postJSON(t, ts.URL+"/api/credentials/"+cred.ID+"/test", nil, http.StatusOK)
	if out["success"] != false {
		t.Errorf("failed test: %v", out)
	}

	// While a run holds the session slot the test is refused outright and
	// the refusal does not count as an attempt.
	eng.testErr = engine.ErrAlreadyRunning
	postJSON(t, ts.URL+"/api/credentials/"+cred.ID+"/test", nil, http.StatusConflict)
	got, err = st.GetCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalAttempts != 2 {
		t.Errorf("attempts after refusal: %d, want 2", got.TotalAttempts)
	}

	postJSON(t, ts.URL+"/api/credentials/missing/test", nil, http.StatusNotFound)
}

func TestApplicantPrimaryInfo(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/applicants/primary/info")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no primary yet: status %d", resp.StatusCode)
	}

	postJSON(t, ts.URL+"/api/applicants/", map[string]any{
		"first_name":      "Maria",
		"last_name":       "Rodriguez",
		"passport_number": "ES123",
		"is_primary":      true,
	}, http.StatusCreated)

	prim := getJSON(t, ts.URL+"/api/applicants/primary/info", http.StatusOK)
	if prim["first_name"] != "Maria" {
		t.Errorf("primary: %v", prim)
	}
}

func TestStartConflictAndStop(t *testing.T) {
	ts, eng, _ := newTestServer(t)

	postJSON(t, ts.URL+"/api/system/start", nil, http.StatusOK)
	if len(eng.started) != 1 {
		t.Fatalf("start calls: %d", len(eng.started))
	}

	eng.startErr = engine.ErrAlreadyRunning
	postJSON(t, ts.URL+"/api/system/start", nil, http.StatusConflict)

	postJSON(t, ts.URL+"/api/system/stop", nil, http.StatusOK)
	if eng.stopped != 1 {
		t.Errorf("stop calls: %d", eng.stopped)
	}
}

func TestStartUsesStoredConfiguration(t *testing.T) {
	ts, eng, st := newTestServer(t)

	cfg, err := st.SystemConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cfg.VisaType = "Work Visa"
	cfg.VisaSubType = "Temporary Work"
	cfg.CheckIntervalMin = 5
	if err := st.SaveRunConfig(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	postJSON(t, ts.URL+"/api/system/start", nil, http.StatusOK)
	rc := eng.started[0]
	if rc.VisaType != "Work Visa" || rc.VisaSubType != "Temporary Work" {
		t.Errorf("run config: %+v", rc)
	}
	if rc.Interval.Minutes() != 5 {
		t.Errorf("interval: %v", rc.Interval)
	}
}

func TestStartWithEmptyPool(t *testing.T) {
	ts, eng, _ := newTestServer(t)
	eng.startErr = engine.ErrPoolExhausted
	postJSON(t, ts.URL+"/api/system/start", nil, http.StatusPreconditionFailed)
}

func TestOCRMatchEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 200}.Y
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	tile := base64.StdEncoding.EncodeToString(buf.Bytes())

	out := postJSON(t, ts.URL+"/api/ocr-match", map[string]any{
		"target": "5",
		"tiles": []map[string]string{
			{"base64Image": tile},
			{"base64Image": "data:image/png;base64," + tile},
			{"base64Image": "!!not base64!!"},
		},
	}, http.StatusOK)

	if out["target"] != "5" {
		t.Errorf("target: %v", out["target"])
	}
	// Two decodable tiles, one garbage.
	if got := out["processed_tiles"].(float64); got != 2 {
		t.Errorf("processed: %v", got)
	}
	if _, ok := out["matching_indices"].([]any); !ok {
		t.Errorf("matching_indices missing: %v", out)
	}

	postJSON(t, ts.URL+"/api/ocr-match", map[string]any{"target": ""}, http.StatusBadRequest)
}

func TestLogsEndpoint(t *testing.T) {
	ts, _, st := newTestServer(t)

	if err := st.AppendLog(context.Background(), &store.LogEntry{
		Level: store.LevelInfo, Message: "hello",
	}); err != nil {
		t.Fatal(err)
	}

	out := getJSON(t, ts.URL+"/api/logs", http.StatusOK)
	logs := out["logs"].([]any)
	if len(logs) != 1 {
		t.Fatalf("logs: %d", len(logs))
	}
	if msg := logs[0].(map[string]any)["message"]; msg != "hello" {
		t.Errorf("message: %v", msg)
	}
}

func TestSystemConfigValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	postJSON(t, ts.URL+"/api/system/config", map[string]any{
		"check_interval_minutes": 0,
	}, http.StatusBadRequest)

	out := postJSON(t, ts.URL+"/api/system/config", map[string]any{
		"visa_type":              "Student Visa",
		"check_interval_minutes": 3,
	}, http.StatusOK)
	if out["visa_type"] != "Student Visa" {
		t.Errorf("visa type: %v", out["visa_type"])
	}
}

func TestNotificationSettingsRoundTrip(t *testing.T) {
	ts, _, _ := newTestServer(t)

	out := postJSON(t, ts.URL+"/api/notifications/settings", map[string]any{
		"notification_email":    "ops@example.com",
		"notify_on_slots_found": false,
	}, http.StatusOK)
	if out["notification_email"] != "ops@example.com" {
		t.Errorf("email: %v", out["notification_email"])
	}
	if out["notify_on_slots_found"] != false {
		t.Errorf("notify_on_slots_found: %v", out["notify_on_slots_found"])
	}

	got := getJSON(t, ts.URL+"/api/notifications/settings", http.StatusOK)
	if got["notification_email"] != "ops@example.com" {
		t.Errorf("persisted email: %v", got["notification_email"])
	}
}

func TestLogStreamFetchSince(t *testing.T) {
	ls := NewLogStream()
	defer ls.Close()

	for i := 0; i < 5; i++ {
		ls.Publish(&store.LogEntry{Level: store.LevelInfo, Message: strings.Repeat("x", i+1)})
	}

	msgs, next := ls.FetchSince(0, 3)
	if len(msgs) != 3 || msgs[0].Seq != 1 {
		t.Fatalf("first page: %+v", msgs)
	}
	msgs, next = ls.FetchSince(next, 10)
	if len(msgs) != 2 {
		t.Fatalf("second page: %+v", msgs)
	}
	msgs, _ = ls.FetchSince(next, 10)
	if len(msgs) != 0 {
		t.Errorf("drained: %+v", msgs)
	}
}
