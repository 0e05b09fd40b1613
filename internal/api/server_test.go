package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/inspect"
	"github.com/klyr/klyr/internal/logging"
	"github.com/klyr/klyr/internal/observability"
	"github.com/klyr/klyr/internal/rules"
)

const testYAML = `
configVersion: 1
server:
  listen: ":8080"
routes:
  - match:
      pathPrefix: /
    policy: default
policies:
  default:
    contentFilter:
      enabled: true
      maxBodySize: 64
      decoding: [url]
      contentType: [json, urlencoded]
      anomalyThreshold: 5
      action: block
rules:
  - id: xss-1
    phase: query
    score: 5
    transforms: [lowercase]
    match:
      type: regex
      pattern: "<script>"
`

type fakeDecisions struct {
	limit int
}

func (f *fakeDecisions) Recent(_ context.Context, limit int) ([]logging.Record, error) {
	f.limit = limit
	return []logging.Record{{Timestamp: time.Unix(0, 0), RequestID: "r-1", Action: "pass", StatusCode: 200}}, nil
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	cfg, err := config.Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	ins := inspect.New(store, rules.NewDB())
	if err := ins.LoadRules(); err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	return NewServer(ins, opts...)
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

type resultBody struct {
	Decision struct {
		Action struct {
			Type      string `json:"type"`
			BlockMode bool   `json:"block_mode"`
			Status    int    `json:"status"`
		} `json:"action"`
	} `json:"decision"`
	Tags map[string]string `json:"tags"`
}

func inspectBody(path, body string) string {
	if body == "" {
		return fmt.Sprintf(`{"ip":"10.0.0.1","headers":{"Host":"example.com"},"meta":{"method":"GET","path":%q}}`, path)
	}
	return fmt.Sprintf(`{"ip":"10.0.0.1","headers":{"Content-Type":"application/json"},"meta":{"method":"POST","path":%q},"body":%q}`, path, body)
}

func TestInspect(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/inspect", inspectBody("/search?q=%3Cscript%3E", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res resultBody
	decodeJSON(t, rec, &res)
	if res.Decision.Action.Type != "block" || res.Decision.Action.Status != http.StatusForbidden {
		t.Fatalf("expected 403 block, got %+v", res.Decision.Action)
	}
	if _, ok := res.Tags["all"]; !ok {
		t.Fatalf("expected all tag, got %v", res.Tags)
	}
}

func TestInspectRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	if rec := doJSON(t, s, http.MethodPost, "/v1/inspect", "{"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, "/v1/inspect", `{"meta":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing meta, got %d", rec.Code)
	}
}

func TestContentFilterProfile(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/contentfilter/default", inspectBody("/", strings.Repeat("x", 100)))
	var res resultBody
	decodeJSON(t, rec, &res)
	if !res.Decision.Action.BlockMode || res.Decision.Action.Status != http.StatusForbidden {
		t.Fatalf("expected body too large block, got %+v", res.Decision.Action)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/contentfilter/missing", inspectBody("/?q=%3Cscript%3E", ""))
	res = resultBody{}
	decodeJSON(t, rec, &res)
	if res.Decision.Action.Type != "pass" {
		t.Fatalf("expected unknown profile to pass, got %+v", res.Decision.Action)
	}
}

func TestTaskLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	s := newTestServer(t, WithMetrics(metrics, metrics.Handler(reg)))

	rec := doJSON(t, s, http.MethodPost, "/v1/tasks", inspectBody("/ok", ""))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created TaskResponse
	decodeJSON(t, rec, &created)
	if created.Handle == 0 || created.State != "pending" {
		t.Fatalf("unexpected task %+v", created)
	}

	path := fmt.Sprintf("/v1/tasks/%d", created.Handle)
	var step TaskResponse
	for i := 0; i < 20; i++ {
		step = TaskResponse{}
		decodeJSON(t, doJSON(t, s, http.MethodPost, path+"/step", ""), &step)
		if step.State != "pending" {
			break
		}
	}
	if step.State != "done" || step.Result == nil || step.Result.Decision.Blocked() {
		t.Fatalf("expected passing result, got %+v", step)
	}

	metricsRec := doJSON(t, s, http.MethodGet, "/metrics", "")
	if !strings.Contains(metricsRec.Body.String(), "klyr_tasks_in_flight 1") {
		t.Fatalf("expected one task in flight:\n%s", metricsRec.Body.String())
	}

	if rec := doJSON(t, s, http.MethodDelete, path, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodDelete, path, ""); rec.Code != http.StatusGone {
		t.Fatalf("expected 410 on double free, got %d", rec.Code)
	}

	step = TaskResponse{}
	decodeJSON(t, doJSON(t, s, http.MethodPost, path+"/step", ""), &step)
	if step.State != "error" || !strings.Contains(step.Error, "freed") {
		t.Fatalf("expected freed handle error, got %+v", step)
	}

	step = TaskResponse{}
	decodeJSON(t, doJSON(t, s, http.MethodPost, "/v1/tasks/999/step", ""), &step)
	if step.State != "error" || !strings.Contains(step.Error, "invalid") {
		t.Fatalf("expected invalid handle error, got %+v", step)
	}
	if rec := doJSON(t, s, http.MethodPost, "/v1/tasks/abc/step", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed handle, got %d", rec.Code)
	}
}

func TestDecisions(t *testing.T) {
	if rec := doJSON(t, newTestServer(t), http.MethodGet, "/v1/decisions", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without store, got %d", rec.Code)
	}

	src := &fakeDecisions{}
	s := newTestServer(t, WithDecisions(src))
	rec := doJSON(t, s, http.MethodGet, "/v1/decisions?limit=5", "")
	var records []logging.Record
	decodeJSON(t, rec, &records)
	if src.limit != 5 || len(records) != 1 || records[0].RequestID != "r-1" {
		t.Fatalf("unexpected decisions %+v (limit %d)", records, src.limit)
	}
	if rec := doJSON(t, s, http.MethodGet, "/v1/decisions?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := doJSON(t, newTestServer(t), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
