package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klyr/klyr/internal/decision"
)

const cmdConfig = `
configVersion: 1
server:
  listen: ":8080"
routes:
  - match: {pathPrefix: /}
    policy: default
policies:
  default:
    contentFilter:
      enabled: true
      maxBodySize: 1024
      anomalyThreshold: 5
      action: block
rules:
  - id: trav-1
    phase: request_line
    score: 5
    match:
      type: regex
      pattern: "\\.\\./"
`

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "klyr.yaml")
	if err := os.WriteFile(cfgPath, []byte(cmdConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newInspectCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"ip":"10.0.0.1","meta":{"method":"GET","path":"/files/../etc/passwd"}}`))
	cmd.SetArgs([]string{"--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("inspect error: %v", err)
	}

	var res decision.AnalyzeResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("invalid output: %v\n%s", err, out.String())
	}
	if !res.Decision.Blocked() {
		t.Fatalf("expected traversal to be blocked, got %+v", res.Decision)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "klyr.yaml")
	if err := os.WriteFile(cfgPath, []byte(cmdConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newValidateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "config ok: 1 policies, 1 routes, 1 rules, 0 global filters" {
		t.Fatalf("unexpected output %q", out.String())
	}
}
