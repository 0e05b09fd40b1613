package tagging

import (
	"testing"

	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/request"
)

func sampleInfo() *request.Info {
	return request.Map(nil, nil, nil, false, 0, request.RawRequest{
		IP:      "10.0.0.1",
		Headers: map[string]string{"User-Agent": "sqlmap/1.7", "Cookie": "sid=1"},
		Meta:    request.Meta{Method: "GET", Path: "/admin?debug=1", Authority: "Example.com"},
	})
}

func TestTagRequestBaseTags(t *testing.T) {
	tags, dec, stats := TagRequest(decision.Stats{}, false, nil, sampleInfo(), "Default Policy")

	for _, want := range []string{decision.TagAll, "bot", "ip:10.0.0.1", "host:example.com", "securitypolicy:default-policy", "headers-1", "cookies-1", "args-1"} {
		if !tags.Has(want) {
			t.Fatalf("expected tag %q in %v", want, tags.Names())
		}
	}
	if dec.Acts() {
		t.Fatalf("expected no filter action, got %+v", dec)
	}
	if stats.GlobalFilters != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestTagRequestHuman(t *testing.T) {
	tags, _, _ := TagRequest(decision.Stats{}, true, nil, sampleInfo(), "")
	if !tags.Has("human") || tags.Has("bot") {
		t.Fatalf("expected human tag, got %v", tags.Names())
	}
}

func TestTagRequestGlobalFilters(t *testing.T) {
	filters := []config.GlobalFilter{
		{ID: "scanner", Name: "Scanner UA", Active: true, Tags: []string{"Scanner"}, Action: config.ActionMonitor,
			Match: config.FilterMatch{Headers: map[string]string{"user-agent": "(?i)sqlmap"}}},
		{ID: "admin", Active: true, Tags: []string{"admin"}, Action: config.ActionChallenge,
			Match: config.FilterMatch{Path: "^/admin"}},
		{ID: "inactive", Active: false, Tags: []string{"never"}, Action: config.ActionBlock,
			Match: config.FilterMatch{Path: "/"}},
		{ID: "other-host", Active: true, Tags: []string{"other"}, Action: config.ActionBlock,
			Match: config.FilterMatch{Host: "^other\\.example$"}},
		{ID: "tag-only", Active: true, Tags: []string{"any"}},
	}

	tags, dec, stats := TagRequest(decision.Stats{}, false, filters, sampleInfo(), "p")
	if !tags.Has("scanner") || !tags.Has("admin") || !tags.Has("any") {
		t.Fatalf("expected filter tags, got %v", tags.Names())
	}
	if tags.Has("never") || tags.Has("other") {
		t.Fatalf("unexpected filter tags %v", tags.Names())
	}
	if dec.Action != config.ActionChallenge || dec.FilterID != "admin" {
		t.Fatalf("expected challenge from admin, got %+v", dec)
	}
	if len(dec.Reasons) != 2 || dec.Reasons[0].ID != "scanner" {
		t.Fatalf("unexpected reasons %+v", dec.Reasons)
	}
	if stats.GlobalFilters != 5 || stats.GlobalFilterMatches != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
