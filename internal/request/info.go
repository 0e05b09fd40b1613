package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/klyr/klyr/internal/normalize"
)

// Content types a policy may allow for body decoding.
const (
	ContentJSON       = "json"
	ContentURLEncoded = "urlencoded"
	ContentMultipart  = "multipart"
)

// RawBodyKey holds the undecoded body when no decoder applies.
const RawBodyKey = "raw_body"

type InfoMeta struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	URI       string `json:"uri"`
	Query     string `json:"query,omitempty"`
	Host      string `json:"host"`
	Protocol  string `json:"protocol,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Info is the normalized view of a request.
type Info struct {
	Meta      InfoMeta `json:"meta"`
	IP        string   `json:"ip"`
	Headers   *Field   `json:"headers"`
	Cookies   *Field   `json:"cookies"`
	Args      *Field   `json:"args"`
	Body      *Field   `json:"body"`
	BodyError string   `json:"body_error,omitempty"`
}

// Map decodes raw into an Info. A maxDepth of 0 skips body parsing.
func Map(logger *slog.Logger, decoding []string, contentTypes []string, refererAsURI bool, maxDepth uint, raw RawRequest) *Info {
	if logger == nil {
		logger = slog.Default()
	}
	opts := normalize.FromDecoding(decoding)

	info := &Info{
		IP:      raw.IP,
		Headers: NewField(),
		Cookies: NewField(),
		Args:    NewField(),
		Body:    NewField(),
	}

	names := make([]string, 0, len(raw.Headers))
	for k := range raw.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := raw.Headers[k]
		if strings.EqualFold(k, "cookie") {
			parseCookies(info.Cookies, v)
			continue
		}
		info.Headers.Add(k, v)
	}

	uri := raw.Meta.Path
	path, query, _ := strings.Cut(uri, "?")
	info.Meta = InfoMeta{
		Method:    raw.Meta.Method,
		Path:      normalize.Path(normalize.Apply(path, opts).Normalized),
		URI:       uri,
		Query:     query,
		Host:      raw.Host(),
		Protocol:  raw.Meta.Protocol,
		RequestID: raw.Meta.RequestID,
	}
	parseArgs(info.Args, query, "", opts)

	if refererAsURI {
		if ref, ok := info.Headers.Get("referer"); ok {
			if u, err := url.Parse(ref); err == nil {
				parseArgs(info.Args, u.RawQuery, "ref:", opts)
			}
		}
	}

	if maxDepth == 0 || raw.Body == nil {
		return info
	}

	ctype, _ := info.Headers.Get("content-type")
	if err := parseBody(info.Body, raw.Body, ctype, contentTypes, maxDepth, opts); err != nil {
		info.BodyError = err.Error()
		logger.Debug("body decoding failed", "error", err, "content_type", ctype)
	}
	return info
}

func parseCookies(out *Field, header string) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

func parseArgs(out *Field, query, prefix string, opts normalize.Options) {
	if query == "" {
		return
	}
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = decodeQueryComponent(name)
		value = decodeQueryComponent(value)
		out.Add(prefix+name, normalize.Apply(value, opts).Normalized)
	}
}

func decodeQueryComponent(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	return s
}

func parseBody(out *Field, body []byte, ctype string, allowed []string, maxDepth uint, opts normalize.Options) error {
	kind := guessContentType(ctype, body)
	if len(allowed) > 0 && !contains(allowed, kind) {
		out.Set(RawBodyKey, string(body))
		return nil
	}

	switch kind {
	case ContentJSON:
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var value any
		if err := dec.Decode(&value); err != nil {
			out.Set(RawBodyKey, string(body))
			return fmt.Errorf("json body: %w", err)
		}
		return flattenJSON(out, "", value, 1, maxDepth, opts)
	case ContentURLEncoded:
		parseArgs(out, string(body), "", opts)
		return nil
	case ContentMultipart:
		return parseMultipart(out, body, ctype, opts)
	default:
		out.Set(RawBodyKey, string(body))
		return nil
	}
}

func guessContentType(ctype string, body []byte) string {
	media, _, _ := mime.ParseMediaType(ctype)
	switch {
	case strings.HasSuffix(media, "json"):
		return ContentJSON
	case media == "application/x-www-form-urlencoded":
		return ContentURLEncoded
	case strings.HasPrefix(media, "multipart/"):
		return ContentMultipart
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ContentJSON
	}
	return ""
}

func flattenJSON(out *Field, prefix string, value any, depth, maxDepth uint, opts normalize.Options) error {
	switch v := value.(type) {
	case map[string]any:
		if depth > maxDepth {
			return fmt.Errorf("json body: max depth %d exceeded", maxDepth)
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := flattenJSON(out, joinKey(prefix, k), v[k], depth+1, maxDepth, opts); err != nil {
				return err
			}
		}
	case []any:
		if depth > maxDepth {
			return fmt.Errorf("json body: max depth %d exceeded", maxDepth)
		}
		for i, item := range v {
			if err := flattenJSON(out, joinKey(prefix, strconv.Itoa(i)), item, depth+1, maxDepth, opts); err != nil {
				return err
			}
		}
	case string:
		out.Add(prefix, normalize.Apply(v, opts).Normalized)
	case json.Number:
		out.Add(prefix, v.String())
	case bool:
		out.Add(prefix, strconv.FormatBool(v))
	case nil:
		out.Add(prefix, "")
	}
	return nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func parseMultipart(out *Field, body []byte, ctype string, opts normalize.Options) error {
	_, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		return fmt.Errorf("multipart body: %w", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("multipart body: missing boundary")
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("multipart body: %w", err)
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return fmt.Errorf("multipart body: %w", err)
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		out.Add(name, normalize.Apply(string(data), opts).Normalized)
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
