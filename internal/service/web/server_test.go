package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// mockController is an in-memory MonitorController.
type mockController struct {
	mu        sync.Mutex
	protocols map[string]*types.ProtocolDescriptor
	addErr    error
	reports   []types.RegionReport
}

func newMockController() *mockController {
	return &mockController{protocols: make(map[string]*types.ProtocolDescriptor)}
}

func (m *mockController) Dashboard() []types.DashboardEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.DashboardEntry
	for _, d := range m.protocols {
		out = append(out, types.DashboardEntry{Protocol: d})
	}
	return out
}

func (m *mockController) ListProtocols() []*types.ProtocolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ProtocolDescriptor, 0, len(m.protocols))
	for _, d := range m.protocols {
		out = append(out, d)
	}
	return out
}

func (m *mockController) AddProtocols(ctx context.Context, descs []*types.ProtocolDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	for _, d := range descs {
		m.protocols[d.ID] = d
	}
	return nil
}

func (m *mockController) RemoveProtocol(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.protocols[id]; !ok {
		return fmt.Errorf("protocol %q: %w", id, types.ErrNotFound)
	}
	delete(m.protocols, id)
	return nil
}

func (m *mockController) RunAll(ctx context.Context) ([]types.ProbeResult, error) {
	return []types.ProbeResult{{ProtocolID: "a", Reachable: true}}, nil
}

func (m *mockController) RunOne(ctx context.Context, id string) (types.ProbeResult, error) {
	return types.ProbeResult{}, fmt.Errorf("protocol %q: %w", id, types.ErrNotFound)
}

func (m *mockController) Subscribers() []types.Subscriber { return nil }

func (m *mockController) Subscribe(ctx context.Context, userID int64) (bool, error) {
	return true, nil
}

func (m *mockController) Unsubscribe(ctx context.Context, userID int64) (bool, error) {
	return false, nil
}

func (m *mockController) Regions() map[string]map[string]types.ProbeResult {
	return map[string]map[string]types.ProbeResult{}
}

func (m *mockController) IngestReport(ctx context.Context, report types.RegionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func newTestServer(t *testing.T, ctrl MonitorController) *httptest.Server {
	t.Helper()
	sm, err := settings.NewSettingsManager("")
	if err != nil {
		t.Fatalf("NewSettingsManager failed: %v", err)
	}
	cfg := types.WebConf{WebUser: "admin", WebPassword: "secret", AgentToken: "tok"}
	srv := NewServer(cfg, sm, ctrl, NewHub())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProtocols_AddRemoveRoundTrip(t *testing.T) {
	ctrl := newMockController()
	ts := newTestServer(t, ctrl)

	body := `[{"id":"p1","type":"v2ray","host":"1.2.3.4","port":443,"transport":"tcp"}]`
	if resp := do(t, http.MethodPost, ts.URL+"/api/protocols", body, true); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/protocols", "", true)
	var list []*types.ProtocolDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "p1" {
		t.Fatalf("unexpected protocol list: %+v", list)
	}

	if resp := do(t, http.MethodDelete, ts.URL+"/api/protocols/p1", "", true); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, ts.URL+"/api/protocols/p1", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", resp.StatusCode)
	}
}

func TestProtocols_ErrorMapping(t *testing.T) {
	ctrl := newMockController()
	ts := newTestServer(t, ctrl)

	if resp := do(t, http.MethodPost, ts.URL+"/api/protocols", `not json`, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}

	ctrl.mu.Lock()
	ctrl.addErr = fmt.Errorf("%w: port 1080 is used by other", types.ErrPortConflict)
	ctrl.mu.Unlock()
	resp := do(t, http.MethodPost, ts.URL+"/api/protocols", `{"id":"x","host":"h","port":1}`, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var payload map[string]string
	json.NewDecoder(resp.Body).Decode(&payload)
	if payload["kind"] != string(types.KindPortConflict) {
		t.Errorf("expected kind PortConflict, got %q", payload["kind"])
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, newMockController())

	if resp := do(t, http.MethodGet, ts.URL+"/api/protocols", "", false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/api/status", "", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("status should be public, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/health", "", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", resp.StatusCode)
	}
}

func TestReport_RequiresBearerToken(t *testing.T) {
	ctrl := newMockController()
	ts := newTestServer(t, ctrl)
	body := `{"region":"eu","results":[{"protocol_id":"p1","reachable":true}]}`

	if resp := do(t, http.MethodPost, ts.URL+"/api/report", body, false); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/report", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.reports) != 1 || ctrl.reports[0].Region != "eu" {
		t.Fatalf("report not ingested: %+v", ctrl.reports)
	}
}

func TestSettings_UpdateModule(t *testing.T) {
	ts := newTestServer(t, newMockController())

	if resp := do(t, http.MethodPost, ts.URL+"/api/settings/notify", `{"notify_first_down":true}`, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, ts.URL+"/api/settings/routing", `{}`, true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown module, got %d", resp.StatusCode)
	}
	resp := do(t, http.MethodGet, ts.URL+"/api/settings/notify", "", true)
	var ns settings.NotifySettings
	if err := json.NewDecoder(resp.Body).Decode(&ns); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ns.NotifyFirstDown == nil || !*ns.NotifyFirstDown {
		t.Fatalf("expected notify_first_down to be stored, got %+v", ns)
	}
}

func TestHub_BroadcastsTransitions(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := types.TransitionEvent{ID: "e1", ProtocolID: "p1", Previous: types.StatusUp, Current: types.StatusDown}
	if err := hub.Notify(ctx, []types.TransitionEvent{ev}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string                `json:"type"`
		Data types.TransitionEvent `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if msg.Type != MessageTransition || msg.Data.ProtocolID != "p1" || msg.Data.Current != types.StatusDown {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestBasicAuth_BcryptPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword failed: %v", err)
	}
	h := basicAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), "admin", string(hash))

	for _, tc := range []struct {
		pass string
		want int
	}{{"secret", http.StatusOK}, {"wrong", http.StatusUnauthorized}} {
		req := httptest.NewRequest(http.MethodGet, "/api/protocols", nil)
		req.SetBasicAuth("admin", tc.pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("password %q: expected %d, got %d", tc.pass, tc.want, rec.Code)
		}
	}
}
