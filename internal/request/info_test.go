package request

import (
	"strings"
	"testing"
)

func TestMapHeadersCookiesArgs(t *testing.T) {
	raw := RawRequest{
		IP: "203.0.113.7",
		Headers: map[string]string{
			"Host":       "Example.com:8443",
			"User-Agent": "Mozilla/5.0",
			"Cookie":     "rbzid=AB-CD; session=xyz",
		},
		Meta: Meta{Method: "GET", Path: "/a//b/../c?q=%3Cscript%3E&x=1"},
	}

	info := Map(nil, []string{"url"}, nil, false, 10, raw)

	if info.Meta.Host != "example.com" {
		t.Fatalf("unexpected host %q", info.Meta.Host)
	}
	if info.Meta.Path != "/a/c" {
		t.Fatalf("unexpected path %q", info.Meta.Path)
	}
	if v, _ := info.Cookies.Get("rbzid"); v != "AB-CD" {
		t.Fatalf("unexpected rbzid %q", v)
	}
	if _, ok := info.Headers.Get("cookie"); ok {
		t.Fatalf("cookie header should be moved to cookies")
	}
	if v, _ := info.Args.Get("q"); v != "<script>" {
		t.Fatalf("unexpected arg q %q", v)
	}
}

func TestMapDepthZeroSkipsBody(t *testing.T) {
	raw := RawRequest{
		Headers: map[string]string{"Content-Type": "application/json"},
		Meta:    Meta{Method: "POST", Path: "/"},
		Body:    []byte(`{"user":"alice"}`),
	}
	info := Map(nil, nil, nil, false, 0, raw)
	if info.Body.Len() != 0 {
		t.Fatalf("expected no body fields, got %v", info.Body.Keys())
	}
}

func TestMapJSONBody(t *testing.T) {
	raw := RawRequest{
		Headers: map[string]string{"Content-Type": "application/json"},
		Meta:    Meta{Method: "POST", Path: "/"},
		Body:    []byte(`{"user":{"name":"alice","roles":["a","b"]},"n":2}`),
	}
	info := Map(nil, nil, nil, false, 5, raw)

	if v, _ := info.Body.Get("user.name"); v != "alice" {
		t.Fatalf("unexpected user.name %q", v)
	}
	if v, _ := info.Body.Get("user.roles.1"); v != "b" {
		t.Fatalf("unexpected user.roles.1 %q", v)
	}
	if v, _ := info.Body.Get("n"); v != "2" {
		t.Fatalf("unexpected n %q", v)
	}
}

func TestMapJSONBodyDepthLimit(t *testing.T) {
	raw := RawRequest{
		Headers: map[string]string{"Content-Type": "application/json"},
		Meta:    Meta{Method: "POST", Path: "/"},
		Body:    []byte(`{"a":{"b":{"c":"d"}}}`),
	}
	info := Map(nil, nil, nil, false, 2, raw)
	if !strings.Contains(info.BodyError, "max depth") {
		t.Fatalf("expected depth error, got %q", info.BodyError)
	}
}

func TestMapURLEncodedAndRestrictedContentTypes(t *testing.T) {
	raw := RawRequest{
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Meta:    Meta{Method: "POST", Path: "/login"},
		Body:    []byte("user=bob&pass=x"),
	}
	info := Map(nil, nil, []string{ContentURLEncoded}, false, 3, raw)
	if v, _ := info.Body.Get("user"); v != "bob" {
		t.Fatalf("unexpected user %q", v)
	}

	info = Map(nil, nil, []string{ContentJSON}, false, 3, raw)
	if v, _ := info.Body.Get(RawBodyKey); v != "user=bob&pass=x" {
		t.Fatalf("expected raw body fallback, got %q", v)
	}
}

func TestMapMultipart(t *testing.T) {
	body := "--XX\r\nContent-Disposition: form-data; name=\"field\"\r\n\r\nvalue\r\n--XX--\r\n"
	raw := RawRequest{
		Headers: map[string]string{"Content-Type": "multipart/form-data; boundary=XX"},
		Meta:    Meta{Method: "POST", Path: "/upload"},
		Body:    []byte(body),
	}
	info := Map(nil, nil, nil, false, 3, raw)
	if v, _ := info.Body.Get("field"); v != "value" {
		t.Fatalf("unexpected multipart field %q (err %q)", v, info.BodyError)
	}
}

func TestMapRefererAsURI(t *testing.T) {
	raw := RawRequest{
		Headers: map[string]string{"Referer": "https://example.com/page?from=ads"},
		Meta:    Meta{Method: "GET", Path: "/"},
	}
	info := Map(nil, nil, nil, true, 0, raw)
	if v, _ := info.Args.Get("ref:from"); v != "ads" {
		t.Fatalf("unexpected referer arg %q", v)
	}
}

func TestRoutePath(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"/admin/x?a=b":        "/admin/x",
		"/%61dmin/x":          "/admin/x",
		"/x/../admin/x":       "/admin/x",
		"/x%2F..%2Fadmin":     "/admin",
		"/a%3F/../admin":      "/admin",
		`/static\..\admin`:    "/admin",
		"/%zz/../admin?q=%zz": "/admin",
	}
	for path, want := range cases {
		raw := RawRequest{Meta: Meta{Path: path}}
		if got := raw.RoutePath(); got != want {
			t.Fatalf("RoutePath(%q) = %q, want %q", path, got, want)
		}
	}
}
