package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"tasktally/internal/app"
	"tasktally/internal/config"
	"tasktally/internal/domain"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOptions struct {
	backend string
	auth    AuthConfig
}

func newTestServer(t *testing.T) (*testServer, func()) {
	return newTestServerWith(t, serverOptions{})
}

func newTestServerWith(t *testing.T, opts serverOptions) (*testServer, func()) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	ws, err := app.OpenWorkspace(context.Background(), app.OpenOptions{
		Workspace: t.TempDir(),
		Backend:   opts.backend,
		Logger:    quiet,
	})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	opts.auth.Logger = quiet
	handler, err := New(Config{
		Store:    ws.Store,
		Events:   ws.Events,
		Tags:     ws.Config.Tags,
		BasePath: "/v0",
		Auth:     opts.auth,
		Logger:   quiet,
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
			ws.Close(context.Background())
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "  Buy milk ", "tag": "Shopping"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	created := decode[TaskResponse](t, data)
	if created.ID == "" || created.Title != "Buy milk" || created.Tag != "Shopping" || created.Completed {
		t.Fatalf("unexpected created task %+v", created)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "Call mom"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	second := decode[TaskResponse](t, data)

	res, data = doJSON(t, client, http.MethodGet, base+"/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	list := decode[TaskListResponse](t, data)
	if list.Filter != "all" || len(list.Items) != 2 || list.Items[0].ID != second.ID {
		t.Fatalf("expected newest first under all, got %+v", list)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/toggle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
	}
	toggled := decode[TaskResponse](t, data)
	if !toggled.Completed || toggled.CompletionCount != 1 {
		t.Fatalf("unexpected toggled task %+v", toggled)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+created.ID, map[string]any{"notes": " 2 litres ", "tag": ""}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit status %d: %s", res.StatusCode, string(data))
	}
	edited := decode[TaskResponse](t, data)
	if edited.Title != "Buy milk" || edited.Notes != "2 litres" || edited.Tag != "" || !edited.Completed || edited.CompletionCount != 1 || edited.CreatedAt != created.CreatedAt {
		t.Fatalf("edit should only touch notes and tag: %+v", edited)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/tasks/"+created.ID, map[string]any{
		"title": "Buy bread", "completed": false, "createdAt": 5, "completionCount": 7,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replace status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	replaced := decode[TaskResponse](t, data)
	if replaced.Title != "Buy bread" || replaced.Completed || replaced.CreatedAt != 5 || replaced.CompletionCount != 7 || replaced.Notes != "" {
		t.Fatalf("replace should overwrite every field: %+v", replaced)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/tasks/missing", map[string]any{
		"title": "x", "completed": false, "createdAt": 1, "completionCount": 0,
	}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("replace of unknown id should 404, got %d: %s", res.StatusCode, string(data))
	}

	for i := 0; i < 2; i++ {
		res, data = doJSON(t, client, http.MethodDelete, base+"/tasks/"+created.ID, nil, nil)
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("delete #%d status %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 after delete, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/"+created.ID+"/toggle", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle of deleted task should 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEditsAndTogglesInterleave(t *testing.T) {
	srv, cleanup := newTestServerWith(t, serverOptions{backend: config.BackendMemory})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	_, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "Water plants"}, nil)
	task := decode[TaskResponse](t, data)

	const workers, rounds = 4, 10
	send := func(method, url, body string) error {
		req, err := http.NewRequest(method, url, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("%s %s: status %d", method, url, res.StatusCode)
		}
		return nil
	}
	errs := make(chan error, 2*workers*rounds)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				errs <- send(http.MethodPost, base+"/tasks/"+task.ID+"/toggle", "")
			}
		}()
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				errs <- send(http.MethodPatch, base+"/tasks/"+task.ID, fmt.Sprintf(`{"notes":"pass %d.%d"}`, w, i))
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	_, data = doJSON(t, client, http.MethodGet, base+"/tasks/"+task.ID, nil, nil)
	got := decode[TaskResponse](t, data)
	toggles := workers * rounds
	if got.Completed != (toggles%2 == 1) || got.CompletionCount != uint32((toggles+1)/2) {
		t.Fatalf("edits lost toggles: %d toggles left %+v", toggles, got)
	}
	if !strings.HasPrefix(got.Notes, "pass ") {
		t.Fatalf("expected edited notes, got %q", got.Notes)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServerWith(t, serverOptions{auth: AuthConfig{JWTSecret: "s3cret"}})
	defer cleanup()

	type result struct {
		body []byte
		err  error
	}
	const fetches = 32
	results := make(chan result, fetches)
	var wg sync.WaitGroup
	for i := 0; i < fetches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				results <- result{err: err}
				return
			}
			defer res.Body.Close()
			body, err := io.ReadAll(res.Body)
			if err == nil && res.StatusCode != http.StatusOK {
				err = fmt.Errorf("status %d", res.StatusCode)
			}
			results <- result{body: body, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var first []byte
	for r := range results {
		if r.err != nil {
			t.Fatalf("fetch openapi: %v", r.err)
		}
		if first == nil {
			first = r.body
			continue
		}
		if !bytes.Equal(first, r.body) {
			t.Fatalf("openapi document differs between requests")
		}
	}
	doc := decode[map[string]any](t, first)
	components, _ := doc["components"].(map[string]any)
	schemes, _ := components["securitySchemes"].(map[string]any)
	if _, ok := schemes["bearerAuth"]; !ok {
		t.Fatalf("expected bearerAuth scheme, got %v", schemes)
	}
}

func TestEventResponseReportsUndecodablePayload(t *testing.T) {
	resp := eventResponse(domain.Event{ID: 7, Type: "task.created", Payload: "{bad"})
	if resp.PayloadError == "" {
		t.Fatalf("expected payload error, got %+v", resp)
	}
	if resp.Payload == nil || len(resp.Payload) != 0 {
		t.Fatalf("expected empty payload, got %+v", resp.Payload)
	}

	resp = eventResponse(domain.Event{ID: 8, Type: "task.created", Payload: `{"title":"x"}`})
	if resp.PayloadError != "" || resp.Payload["title"] != "x" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestBlankTitlesAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	for _, title := range []string{"", "   "} {
		res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": title}, nil)
		if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
			t.Fatalf("title %q: expected 400 bad_request, got %d: %s", title, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "keep"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	task := decode[TaskResponse](t, data)
	res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+task.ID, map[string]any{"title": "  "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank edit title: expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/tasks", nil, nil)
	if list := decode[TaskListResponse](t, data); len(list.Items) != 1 || list.Items[0].Title != "keep" {
		t.Fatalf("rejected requests must not change state: %+v", list)
	}
}

func TestFilterAndClearCompleted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	ids := map[string]string{}
	for _, title := range []string{"A", "B", "C"} {
		_, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": title}, nil)
		ids[title] = decode[TaskResponse](t, data).ID
	}
	doJSON(t, client, http.MethodPost, base+"/tasks/"+ids["A"]+"/toggle", nil, nil)
	doJSON(t, client, http.MethodPost, base+"/tasks/"+ids["C"]+"/toggle", nil, nil)

	res, data := doJSON(t, client, http.MethodPut, base+"/filter", map[string]any{"filter": "active"}, nil)
	if res.StatusCode != http.StatusOK || decode[FilterResponse](t, data).Filter != "active" {
		t.Fatalf("set filter status %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, base+"/tasks", nil, nil)
	if list := decode[TaskListResponse](t, data); list.Filter != "active" || len(list.Items) != 1 || list.Items[0].ID != ids["B"] {
		t.Fatalf("expected only B under stored filter, got %+v", list)
	}
	_, data = doJSON(t, client, http.MethodGet, base+"/tasks?filter=completed", nil, nil)
	if list := decode[TaskListResponse](t, data); len(list.Items) != 2 || list.Items[0].ID != ids["C"] || list.Items[1].ID != ids["A"] {
		t.Fatalf("expected C, A under completed, got %+v", list)
	}
	_, data = doJSON(t, client, http.MethodGet, base+"/tasks?filter=bogus", nil, nil)
	if list := decode[TaskListResponse](t, data); list.Filter != "all" || len(list.Items) != 3 {
		t.Fatalf("unknown query filter should behave like all, got %+v", list)
	}
	_, data = doJSON(t, client, http.MethodGet, base+"/filter", nil, nil)
	if f := decode[FilterResponse](t, data).Filter; f != "active" {
		t.Fatalf("query filter must not change stored filter, got %s", f)
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/filter", map[string]any{"filter": "bogus"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid filter should 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/clear-completed", nil, nil)
	if res.StatusCode != http.StatusOK || decode[ClearCompletedResponse](t, data).Removed != 2 {
		t.Fatalf("clear-completed status %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodPost, base+"/tasks/clear-completed", nil, nil)
	if removed := decode[ClearCompletedResponse](t, data).Removed; removed != 0 {
		t.Fatalf("second clear should remove nothing, got %d", removed)
	}
	_, data = doJSON(t, client, http.MethodGet, base+"/tasks?filter=all", nil, nil)
	if list := decode[TaskListResponse](t, data); len(list.Items) != 1 || list.Items[0].ID != ids["B"] {
		t.Fatalf("expected only B after clear, got %+v", list)
	}
}

func TestStatsTagsAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	_, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "Report", "tag": "Work"}, nil)
	task := decode[TaskResponse](t, data)
	doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "Groceries", "tag": "Shopping"}, nil)
	doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "Untagged"}, nil)
	doJSON(t, client, http.MethodPost, base+"/tasks/"+task.ID+"/toggle", nil, nil)
	doJSON(t, client, http.MethodPost, base+"/tasks/"+task.ID+"/toggle", nil, nil)
	doJSON(t, client, http.MethodPost, base+"/tasks/"+task.ID+"/toggle", nil, nil)

	res, data := doJSON(t, client, http.MethodGet, base+"/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, string(data))
	}
	stats := decode[StatsResponse](t, data)
	if stats.Total != 3 || stats.Completed != 1 || stats.Active != 2 || stats.TotalCompletions != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByTag["Work"] != 1 || stats.ByTag["Shopping"] != 1 || len(stats.ByTag) != 2 {
		t.Fatalf("unexpected tag counts %+v", stats.ByTag)
	}

	_, data = doJSON(t, client, http.MethodGet, base+"/tags", nil, nil)
	if tags := decode[TagsResponse](t, data).Tags; strings.Join(tags, ",") != strings.Join(config.Default().Tags, ",") {
		t.Fatalf("unexpected tags %v", tags)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	evts := decode[EventListResponse](t, data).Items
	if len(evts) != 2 || evts[0].Type != "task.toggled" || evts[0].EntityID != task.ID {
		t.Fatalf("unexpected events %+v", evts)
	}
	if evts[0].Payload["completed"] != true {
		t.Fatalf("expected decoded payload, got %+v", evts[0].Payload)
	}
	_, data = doJSON(t, client, http.MethodGet, base+"/events?type=task.created", nil, nil)
	if evts := decode[EventListResponse](t, data).Items; len(evts) != 3 {
		t.Fatalf("expected 3 created events, got %d", len(evts))
	}
}

func TestEventsWithoutLog(t *testing.T) {
	srv, cleanup := newTestServerWith(t, serverOptions{backend: config.BackendMemory})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 without event log, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServerWith(t, serverOptions{auth: AuthConfig{JWTSecret: secret}})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, data := doJSON(t, client, http.MethodGet, base+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/tasks", nil, map[string]string{"Authorization": "Token abc"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials for malformed header, got %d: %s", res.StatusCode, string(data))
	}
	wrong, err := SignToken("other-secret", "me", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, base+"/tasks", nil, map[string]string{"Authorization": "Bearer " + wrong})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", res.StatusCode)
	}
	noExpiry, err := SignToken(secret, "me", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, base+"/tasks", nil, map[string]string{"Authorization": "Bearer " + noExpiry})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token without expiry should be accepted, got %d", res.StatusCode)
	}
	token, err := SignToken(secret, "me", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"title": "secured"}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "bearerAuth") || !strings.Contains(string(data), "/v0/tasks/{id}/toggle") {
		t.Fatalf("openapi document missing security or routes")
	}
}

func TestSignTokenRequiresSecretAndSubject(t *testing.T) {
	if _, err := SignToken("", "me", time.Hour); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := SignToken("s", " ", time.Hour); err == nil {
		t.Fatalf("expected error without subject")
	}
	token, err := SignToken("s", "me", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := authenticateJWT(token, "s")
	if err != nil || p.Subject != "me" || p.Source != "jwt" {
		t.Fatalf("round trip failed: %+v %v", p, err)
	}
}
