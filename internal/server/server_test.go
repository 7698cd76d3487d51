package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cardflow/internal/config"
	"cardflow/internal/db"
	"cardflow/internal/domain"
	"cardflow/internal/engine"
	"cardflow/internal/events"
	"cardflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
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
	cfg := config.Default("vendas")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.ImportFlow(context.Background(), cfg, "tester"); err != nil {
		t.Fatalf("import flow: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Actor: ActorConfig{JWTSecret: testSecret, DefaultActor: "anonymous"}})
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
		Engine: e,
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

func createCard(t *testing.T, srv *testServer, body map[string]any) domain.Card {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows/vendas/cards", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card status %d: %s", res.StatusCode, string(data))
	}
	var c domain.Card
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	return c
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateAndAdvanceCard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createCard(t, srv, map[string]any{"title": "Acme"})
	if created.StageID != "novo" || created.Position != 1000 || created.Status != domain.StatusInProgress {
		t.Fatalf("unexpected created card %+v", created)
	}
	cardURL := srv.URL + "/v0/flows/vendas/cards/" + created.ID

	res, data := doJSON(t, client, http.MethodPost, cardURL+"/advance", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	missing, _ := env.Error.Details["missing"].([]any)
	if env.Error.Code != "validation_failed" || len(missing) != 1 || missing[0] != "Telefone" {
		t.Fatalf("unexpected error envelope %+v", env)
	}

	res, data = doJSON(t, client, http.MethodPatch, cardURL, map[string]any{"values": map[string]any{"telefone": "11 99999-0000"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, cardURL+"/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	var moved domain.Card
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if moved.StageID != "qualificado" || moved.AssignedTeamID == nil || *moved.AssignedTeamID != "comercial" {
		t.Fatalf("unexpected advanced card %+v", moved)
	}
}

func TestUpdateCardRejectsNullTitle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "Acme"})
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/flows/vendas/cards/"+c.ID, map[string]any{"title": nil}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestGetCardWrongFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "Acme"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/outro/cards/"+c.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestListCardsPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, title := range []string{"A", "B", "C"} {
		createCard(t, srv, map[string]any{"title": title})
	}
	seen := map[string]bool{}
	listURL := srv.URL + "/v0/flows/vendas/cards?limit=2"
	res, data := doJSON(t, srv.Client(), http.MethodGet, listURL, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedCards
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d %q", len(page.Items), page.NextCursor)
	}
	for _, c := range page.Items {
		seen[c.ID] = true
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, listURL+"&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	page = paginatedCards{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" || seen[page.Items[0].ID] {
		t.Fatalf("unexpected second page %+v", page)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/vendas/cards?cursor=bogus", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestReorderBatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	a := createCard(t, srv, map[string]any{"title": "A"})
	b := createCard(t, srv, map[string]any{"title": "B"})
	reorderURL := srv.URL + "/v0/flows/vendas/reorder"

	res, data := doJSON(t, srv.Client(), http.MethodPost, reorderURL, map[string]any{"mutations": []map[string]any{
		{"id": a.ID, "stage_id": "qualificado", "position": 1000},
		{"id": "missing", "stage_id": "qualificado", "position": 2000},
	}}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	got, err := srv.Engine.Repo.GetCard(context.Background(), a.ID)
	if err != nil || got.StageID != "novo" {
		t.Fatalf("batch leaked a write: %+v %v", got, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, reorderURL, map[string]any{"mutations": []map[string]any{
		{"id": b.ID, "stage_id": "novo", "position": 1000},
		{"id": a.ID, "stage_id": "fechado", "position": 1000, "status": "completed", "assignment": map[string]any{"assigned_to": "ana"}},
	}}, map[string]string{"X-Actor-Id": "joao"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reorder status %d: %s", res.StatusCode, string(data))
	}
	got, _ = srv.Engine.Repo.GetCard(context.Background(), a.ID)
	if got.StageID != "fechado" || got.Status != domain.StatusCompleted || got.AssignedTo == nil || *got.AssignedTo != "ana" {
		t.Fatalf("unexpected card after reorder %+v", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/vendas/events?type="+events.CardMoved, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "joao" || evts.Items[0].Payload["to_stage_id"] != "fechado" {
		t.Fatalf("unexpected events %+v", evts.Items)
	}
}

func TestCountAndSearch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	c := createCard(t, srv, map[string]any{"title": "Acme", "assigned_to": "joao"})
	createCard(t, srv, map[string]any{"title": "Globex"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/vendas/stages/novo/count", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("count status %d: %s", res.StatusCode, string(data))
	}
	var count StageCountResponse
	if err := json.Unmarshal(data, &count); err != nil || count.Count != 2 {
		t.Fatalf("unexpected count %+v %v", count, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/vendas/stages/novo/search?q=JOAO", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", res.StatusCode, string(data))
	}
	var found cardList
	if err := json.Unmarshal(data, &found); err != nil {
		t.Fatalf("unmarshal search: %v", err)
	}
	if len(found.Items) != 1 || found.Items[0].ID != c.ID {
		t.Fatalf("unexpected search result %+v", found.Items)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows/vendas/stages/nope/count", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stage, got %d", res.StatusCode)
	}
}

func TestBearerTokenNamesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ana"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/flows/vendas/cards", map[string]any{"title": "Acme"},
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	evts, err := srv.Engine.Repo.EventsAfter(context.Background(), 10, 0, "vendas")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := evts[len(evts)-1]
	if last.Type != events.CardCreated || last.ActorID != "ana" {
		t.Fatalf("expected card.created by ana, got %+v", last)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/flows", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestImportFlowMismatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/flows/outro", map[string]any{"config": config.GenerateDefault("vendas")}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/flows/outro", map[string]any{"config": config.GenerateDefault("outro")}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
	var flow domain.Flow
	if err := json.Unmarshal(data, &flow); err != nil || len(flow.Stages) != 4 {
		t.Fatalf("unexpected flow %+v %v", flow, err)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	var mu sync.Mutex
	var received []http.Header
	var bodies []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, r.Header.Clone())
		bodies = append(bodies, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := newWebhookDispatcher(srv.Engine, "vendas", []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{events.CardMoved},
		Secret: "s3",
	}}, nil)
	d.cursorFor(ctx, 0)

	c := createCard(t, srv, map[string]any{"title": "Acme"})
	if err := srv.Engine.Reorder(ctx, "vendas", []domain.ReorderMutation{{CardID: c.ID, StageID: "qualificado", Position: 1000}}, "tester"); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Get("X-Cardflow-Event") != events.CardMoved || received[0].Get("X-Cardflow-Secret") != "s3" {
		t.Fatalf("unexpected headers %v", received[0])
	}
	if bodies[0].EntityID != c.ID || bodies[0].FlowID != "vendas" {
		t.Fatalf("unexpected body %+v", bodies[0])
	}
}
