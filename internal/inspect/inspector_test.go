package inspect

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/klyr/klyr/internal/challenge"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/executor"
	"github.com/klyr/klyr/internal/grasshopper"
	"github.com/klyr/klyr/internal/logging"
	"github.com/klyr/klyr/internal/request"
	"github.com/klyr/klyr/internal/rules"
)

const testYAML = `
configVersion: 1
revision: test-rev
server:
  listen: ":8080"
routes:
  - match:
      host: example.com
      pathPrefix: /
    policy: default
  - match:
      host: example.com
      pathPrefix: /private
    policy: strict
policies:
  strict:
    contentFilter:
      maxBodySize: 10
      action: block
  default:
    contentFilter:
      enabled: true
      maxBodySize: 1000
      maxBodyDepth: 10
      decoding: [url, html]
      contentType: [json, urlencoded]
      anomalyThreshold: 5
      action: block
globalFilters:
  - id: admin-challenge
    active: true
    action: challenge
    tags: [admin]
    match:
      path: "^/admin"
rules:
  - id: xss-1
    phase: query
    score: 5
    tags: [xss]
    transforms: [lowercase]
    match:
      type: regex
      pattern: "<script>"
grasshopper:
  onError: %s
`

type fakeGateway struct {
	token string
}

func (f fakeGateway) IsHuman(q grasshopper.Query, mode grasshopper.Mode) (grasshopper.Response, error) {
	if v, _ := q.Cookies.Get(challenge.CookieName); mode == grasshopper.ModePassive && v == f.token {
		return grasshopper.Response{PrecisionLevel: grasshopper.PrecisionPassive}, nil
	}
	return grasshopper.Response{
		PrecisionLevel: grasshopper.PrecisionInvalid,
		Body:           "<html>prove it</html>",
		Headers:        map[string]string{"Content-Type": "text/html"},
	}, nil
}

func (f fakeGateway) VerifyChallenge(*request.Field) (string, error) {
	return f.token, nil
}

type failingGateway struct{}

func (failingGateway) IsHuman(grasshopper.Query, grasshopper.Mode) (grasshopper.Response, error) {
	return grasshopper.Response{}, errors.New("library crashed")
}

func (failingGateway) VerifyChallenge(*request.Field) (string, error) {
	return "", errors.New("library crashed")
}

func newInspector(t *testing.T, onError string) (*Inspector, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Parse([]byte(strings.Replace(testYAML, "%s", onError, 1)))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	store, err := config.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	ins := New(store, rules.NewDB())
	if err := ins.LoadRules(); err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	var log bytes.Buffer
	ins.SetDecisionLogger(logging.NewDecisionLogger(&log))
	return ins, &log
}

func raw(host, path string, headers map[string]string, body []byte) request.RawRequest {
	return request.RawRequest{
		IP:      "10.0.0.1",
		Headers: headers,
		Meta:    request.Meta{Method: "POST", Path: path, Authority: host, Protocol: "HTTP/1.1", RequestID: "req-1"},
		Body:    body,
	}
}

func inspect(t *testing.T, ins *Inspector, r request.RawRequest) decision.AnalyzeResult {
	t.Helper()
	res, err := ins.Inspect(context.Background(), r)
	if err != nil {
		t.Fatalf("Inspect error: %v", err)
	}
	if !res.Tags.Has(decision.TagAll) {
		t.Fatalf("result without %q tag: %v", decision.TagAll, res.Tags.Names())
	}
	if res.RequestInfo == nil {
		t.Fatal("result without request info")
	}
	return res
}

func TestUnmatchedHostPasses(t *testing.T) {
	ins, log := newInspector(t, "degrade")
	body := []byte(`{"a":{"b":1}}`)
	res := inspect(t, ins, raw("nope.example", "/", map[string]string{"Content-Type": "application/json"}, body))

	if res.Decision.Action.Type != decision.ActionPass || len(res.Decision.Reasons) != 0 {
		t.Fatalf("expected bare pass, got %+v", res.Decision)
	}
	if res.RequestInfo.Body.Len() != 0 {
		t.Fatalf("expected body left unparsed, got %d fields", res.RequestInfo.Body.Len())
	}
	if res.Stats.Stage != stageResolve || res.Stats.Revision != "test-rev" {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	if !strings.Contains(log.String(), `"request_id":"req-1"`) {
		t.Fatalf("expected decision log line, got %q", log.String())
	}
}

func TestNoConfigurationPasses(t *testing.T) {
	store, _ := config.NewStore(nil)
	ins := New(store, nil)
	res := inspect(t, ins, raw("example.com", "/", nil, []byte("x")))
	if res.Decision.Action.Type != decision.ActionPass {
		t.Fatalf("expected pass without configuration, got %+v", res.Decision)
	}
}

func TestBodyTooLarge(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	body := bytes.Repeat([]byte("a"), 10000)
	res := inspect(t, ins, raw("example.com", "/upload?q=%253Cb%253E", map[string]string{"Content-Type": "application/x-www-form-urlencoded"}, body))

	if !res.Decision.Blocked() || res.Decision.Action.Status != http.StatusForbidden {
		t.Fatalf("expected block, got %+v", res.Decision.Action)
	}
	if len(res.Decision.Reasons) != 1 {
		t.Fatalf("expected one reason, got %+v", res.Decision.Reasons)
	}
	r := res.Decision.Reasons[0]
	if r.Initiator != decision.InitiatorBodyTooLarge || r.Fields["actual"] != "10000" || r.Fields["expected"] != "1000" {
		t.Fatalf("unexpected reason %+v", r)
	}
	if res.RequestInfo.Body.Len() != 0 {
		t.Fatal("oversized body must not be parsed")
	}
	if v, _ := res.RequestInfo.Args.Get("q"); v != "<b>" {
		t.Fatalf("expected policy decoding on args, got %q", v)
	}
	if res.Tags.Has("bot") || res.Tags.Has("securitypolicy:default") {
		t.Fatalf("later stages ran: %v", res.Tags.Names())
	}
}

func TestRouteUsesDecodedPath(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	body := bytes.Repeat([]byte("a"), 100)
	for _, path := range []string{"/private/x", "/%70rivate/x", "/x/../private/x", "/x%2F..%2Fprivate/x?q=1"} {
		res := inspect(t, ins, raw("example.com", path, nil, body))
		if res.Stats.Policy != "strict" {
			t.Fatalf("%s: expected strict policy, got %q", path, res.Stats.Policy)
		}
		if !res.Decision.Blocked() || res.Decision.Reasons[0].Initiator != decision.InitiatorBodyTooLarge {
			t.Fatalf("%s: expected body too large block, got %+v", path, res.Decision)
		}
	}
}

func TestContentFilterBlocks(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	res := inspect(t, ins, raw("example.com", "/search?q=%3CScript%3E", nil, nil))

	if !res.Decision.Blocked() {
		t.Fatalf("expected block, got %+v", res.Decision)
	}
	if res.Stats.Stage != "content_filter" || res.Stats.Policy != "default" {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	for _, tag := range []string{"xss", "bot", "securitypolicy:default", "host:example.com"} {
		if !res.Tags.Has(tag) {
			t.Fatalf("expected tag %q in %v", tag, res.Tags.Names())
		}
	}
}

func TestVerifiedCookieSkipsChallenge(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	ins.SetGateway(fakeGateway{token: "AB=CD"})

	res := inspect(t, ins, raw("example.com", "/admin", map[string]string{"User-Agent": "Mozilla/5.0", "Cookie": "rbzid=AB-CD"}, nil))
	if res.Decision.Action.Type != decision.ActionPass {
		t.Fatalf("expected verified request to pass, got %+v", res.Decision.Action)
	}
	if !res.Tags.Has("human") || res.Tags.Has(challenge.TagPhase01) {
		t.Fatalf("unexpected tags %v", res.Tags.Names())
	}
}

func TestUnverifiedRequestGetsPhase01(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	ins.SetGateway(fakeGateway{token: "AB=CD"})

	res := inspect(t, ins, raw("example.com", "/admin", map[string]string{"User-Agent": "Mozilla/5.0"}, nil))
	if res.Decision.Action.Status != decision.StatusChallengePhase01 {
		t.Fatalf("expected phase01, got %+v", res.Decision.Action)
	}
	if res.Decision.Action.Content != "<html>prove it</html>" {
		t.Fatalf("expected gateway page, got %q", res.Decision.Action.Content)
	}
	if !res.Tags.Has("bot") || !res.Tags.Has(challenge.TagPhase01) {
		t.Fatalf("unexpected tags %v", res.Tags.Names())
	}
}

func TestPhase02MintsCookie(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	ins.SetGateway(fakeGateway{token: "AB=CD"})

	res := inspect(t, ins, raw("example.com", challenge.Phase02Prefix, map[string]string{"User-Agent": "Mozilla/5.0", "X-Zebra": "proof"}, nil))
	if res.Decision.Action.Status != decision.StatusChallengePhase02 {
		t.Fatalf("expected phase02, got %+v", res.Decision.Action)
	}
	if got := res.Decision.Action.Headers["Set-Cookie"]; got != "rbzid=AB-CD; Path=/; HttpOnly" {
		t.Fatalf("unexpected cookie %q", got)
	}
}

func TestNoGatewayNeverVerifies(t *testing.T) {
	ins, _ := newInspector(t, "degrade")

	res := inspect(t, ins, raw("example.com", challenge.Phase02Prefix, map[string]string{"User-Agent": "ua", "X-Zebra": "p", "Cookie": "rbzid=AB-CD"}, nil))
	if res.Decision.Action.Status == decision.StatusChallengePhase02 {
		t.Fatal("phase02 decided without a gateway")
	}
	if res.Tags.Has("human") {
		t.Fatalf("request verified without a gateway: %v", res.Tags.Names())
	}
}

func TestVerificationErrorDegrades(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	ins.SetGateway(failingGateway{})

	res := inspect(t, ins, raw("example.com", "/", map[string]string{"User-Agent": "ua", "Cookie": "rbzid=x"}, nil))
	if res.Decision.Action.Type != decision.ActionPass || !res.Tags.Has("bot") {
		t.Fatalf("expected degraded pass, got %+v %v", res.Decision.Action, res.Tags.Names())
	}
}

func TestVerificationErrorBlocks(t *testing.T) {
	ins, _ := newInspector(t, "block")
	ins.SetGateway(failingGateway{})

	res := inspect(t, ins, raw("example.com", "/", map[string]string{"User-Agent": "ua", "Cookie": "rbzid=x"}, nil))
	if res.Decision.Action.Status != http.StatusInternalServerError || res.Decision.Action.Content != "internal_error" {
		t.Fatalf("expected internal error, got %+v", res.Decision.Action)
	}
	if res.Stats.Stage != stageVerify {
		t.Fatalf("expected verify stage, got %q", res.Stats.Stage)
	}
}

func TestStubGatewayIsUnverifiedWhenBlocking(t *testing.T) {
	ins, _ := newInspector(t, "block")
	ins.SetGateway(grasshopper.Stub{})

	res := inspect(t, ins, raw("example.com", "/", map[string]string{"User-Agent": "ua", "Cookie": "rbzid=x"}, nil))
	if res.Decision.Action.Type != decision.ActionPass || !res.Tags.Has("bot") {
		t.Fatalf("expected unverified pass, got %+v %v", res.Decision.Action, res.Tags.Names())
	}
}

func TestTaskSteps(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	e := executor.New[decision.AnalyzeResult](ins.NewTask(raw("example.com", "/", nil, nil)))
	ctx := context.Background()

	pending := 0
	var done executor.Progress[decision.AnalyzeResult]
	for i := 0; i < 50; i++ {
		p := e.Step(ctx)
		if p.State == executor.Pending {
			pending++
			continue
		}
		done = p
		break
	}
	if done.State != executor.Done {
		t.Fatalf("task did not finish: %+v", done)
	}
	if pending < len(stages) {
		t.Fatalf("expected at least %d pending steps, got %d", len(stages), pending)
	}
	again := e.Step(ctx)
	if again.State != executor.Done || again.Value.Stats.Stage != done.Value.Stats.Stage {
		t.Fatalf("expected repeated done, got %+v", again)
	}
}

func TestInspectCancelled(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := ins.Inspect(ctx, raw("example.com", "/", nil, nil))
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected TaskError, got %v", err)
	}
	if res.Decision.Action.Status != http.StatusInternalServerError || !res.Tags.Has(decision.TagAll) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestContentFilterOnly(t *testing.T) {
	ins, _ := newInspector(t, "degrade")
	ctx := context.Background()

	res := ins.ContentFilterOnly(ctx, raw("any.example", "/?q=%3Cscript%3E", nil, nil), "default")
	if !res.Decision.Blocked() {
		t.Fatalf("expected content filter block, got %+v", res.Decision)
	}

	res = ins.ContentFilterOnly(ctx, raw("any.example", "/?q=%3Cscript%3E", nil, nil), "missing")
	if res.Decision.Action.Type != decision.ActionPass || !res.Tags.Has(decision.TagAll) {
		t.Fatalf("expected pass for unknown profile, got %+v", res.Decision)
	}

	res = ins.ContentFilterOnly(ctx, raw("any.example", "/", nil, bytes.Repeat([]byte("a"), 2000)), "default")
	if res.Decision.Reasons[0].Initiator != decision.InitiatorBodyTooLarge {
		t.Fatalf("expected body too large, got %+v", res.Decision)
	}
}
