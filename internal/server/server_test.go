package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"civicdesk/internal/app"
	"civicdesk/internal/notify"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	a, err := app.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	a.Config.Auth.AllowInsecureHeaders = true
	a.Engine.Notifier = notify.Discard{}
	handler, err := New(Config{
		Engine:   a.Engine,
		Store:    a.Store,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowInsecureHeaders: true},
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
			a.Close()
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

var (
	citizenHeaders = map[string]string{"X-Actor-Id": "cit-1", "X-Actor-Role": "citizen"}
	otherHeaders   = map[string]string{"X-Actor-Id": "cit-2", "X-Actor-Role": "citizen"}
	staffHeaders   = map[string]string{"X-Actor-Id": "stf-1", "X-Actor-Role": "staff"}
	adminHeaders   = map[string]string{"X-Actor-Id": "adm-1", "X-Actor-Role": "admin"}
)

func newRequestBody() map[string]any {
	return map[string]any{
		"title":       "Broken streetlight",
		"description": "Light out on the corner",
		"category":    "streetlight",
		"location": map[string]any{
			"longitude": -89.65,
			"latitude":  39.78,
			"address": map[string]any{
				"street": "12 Elm St", "city": "Springfield", "state": "IL", "zip_code": "62701",
			},
		},
	}
}

func createRequest(t *testing.T, srv *testServer) ServiceRequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", newRequestBody(), citizenHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var created ServiceRequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return created
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createRequest(t, srv)
	if created.Status != "pending" {
		t.Fatalf("created status %s", created.Status)
	}
	if len(created.StatusHistory) != 1 {
		t.Fatalf("history length %d", len(created.StatusHistory))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{
		"status":  "in-progress",
		"comment": "dispatched crew",
	}, staffHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var moved ServiceRequestResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if moved.Status != "in-progress" || len(moved.StatusHistory) != 2 {
		t.Fatalf("unexpected transition result %+v", moved)
	}
	if len(moved.Comments) != 1 {
		t.Fatalf("expected synthetic comment, got %d", len(moved.Comments))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{
		"status": "resolved",
	}, staffHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved ServiceRequestResponse
	_ = json.Unmarshal(data, &resolved)
	if resolved.ActualCompletionDate == nil {
		t.Fatalf("resolved without completion date")
	}
	if len(resolved.Comments) != 1 {
		t.Fatalf("silent resolve added a comment")
	}
}

func TestCitizenCannotTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createRequest(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{
		"status": "resolved",
	}, citizenHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "forbidden" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}
}

func TestNonOwnerGetsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createRequest(t, srv)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests/"+created.ID, nil, otherHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for non-owner, got %d", res.StatusCode)
	}
	res2, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests/no-such-id", nil, otherHeaders)
	if res2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing, got %d", res2.StatusCode)
	}
}

func TestValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := newRequestBody()
	body["title"] = ""
	body["category"] = "plumbing"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", body, citizenHeaders)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res2, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res2.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "stf-9",
		"role":     "staff",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("no token in %s", string(data))
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res2.StatusCode, string(data2))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data2, &who)
	if who.ID != "stf-9" || who.Role != "staff" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "svc-1",
		"name":     "dispatch-bot",
	}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("no key in %s", string(data))
	}

	created := createRequest(t, srv)
	res2, data2 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/status", map[string]any{
		"status": "in-progress",
	}, map[string]string{"X-Api-Key": key.Key})
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("api key transition status %d: %s", res2.StatusCode, string(data2))
	}

	// Key management is admin-only.
	res3, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{"actor_id": "x"}, staffHeaders)
	if res3.StatusCode != http.StatusForbidden {
		t.Fatalf("staff created key: %d", res3.StatusCode)
	}
}

func TestListScopingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRequest(t, srv)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", newRequestBody(), otherHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("second create: %d %s", res.StatusCode, string(data))
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, citizenHeaders)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res2.StatusCode, string(data2))
	}
	var page paginatedRequests
	if err := json.Unmarshal(data2, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].CitizenID != "cit-1" {
		t.Fatalf("citizen sees %d items", len(page.Items))
	}

	res3, data3 := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, staffHeaders)
	if res3.StatusCode != http.StatusOK {
		t.Fatalf("staff list status %d", res3.StatusCode)
	}
	var staffPage paginatedRequests
	_ = json.Unmarshal(data3, &staffPage)
	if len(staffPage.Items) != 2 {
		t.Fatalf("staff sees %d items, want 2", len(staffPage.Items))
	}
}

func TestGeoListHonorsLimit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	coords := []struct{ lon, lat float64 }{
		{-89.650, 39.781},
		{-89.6, 39.7},
		{-89.0, 39.0},
	}
	for _, c := range coords {
		body := newRequestBody()
		loc := body["location"].(map[string]any)
		loc["longitude"] = c.lon
		loc["latitude"] = c.lat
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", body, citizenHeaders)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet,
		srv.URL+"/v1/requests?near=true&near_longitude=-89.65&near_latitude=39.78&limit=2", nil, staffHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("geo list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedRequests
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("geo list with limit=2 returned %d items", len(page.Items))
	}
	if page.NextCursor != "" {
		t.Fatalf("geo page carried a cursor %q", page.NextCursor)
	}
}

func TestEventsFeed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createRequest(t, srv)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/comments", map[string]any{
		"text": "any update?",
	}, citizenHeaders)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, staffHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) < 2 {
		t.Fatalf("events = %d, want at least created+comment", len(page.Items))
	}

	// Citizens cannot read the global feed.
	res2, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, citizenHeaders)
	if res2.StatusCode != http.StatusForbidden {
		t.Fatalf("citizen events status %d", res2.StatusCode)
	}
}
