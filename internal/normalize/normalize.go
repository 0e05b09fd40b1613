package normalize

import (
	"encoding/base64"
	"html"
	"net/url"
	"strings"
	"unicode/utf8"
)

type Options struct {
	MaxDecodeDepth int
	URL            bool
	Lowercase      bool
	HTMLEntity     bool
	Base64         bool
	NormalizePath  bool
}

type Result struct {
	Raw        string
	Normalized string
}

// Decoding names accepted in policy files.
const (
	DecodeURL    = "url"
	DecodeHTML   = "html"
	DecodeBase64 = "base64"
	DecodeLower  = "lowercase"
)

// FromDecoding maps policy decoding names to options. Unknown names are ignored.
func FromDecoding(names []string) Options {
	opts := Options{MaxDecodeDepth: 2}
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case DecodeURL:
			opts.URL = true
		case DecodeHTML:
			opts.HTMLEntity = true
		case DecodeBase64:
			opts.Base64 = true
		case DecodeLower:
			opts.Lowercase = true
		}
	}
	return opts
}

func Apply(input string, opts Options) Result {
	res := Result{Raw: input, Normalized: input}

	if opts.URL {
		depth := opts.MaxDecodeDepth
		if depth <= 0 {
			depth = 2
		}

		decoded := res.Normalized
		for i := 0; i < depth; i++ {
			next, ok := decodeOnce(decoded)
			if !ok || next == decoded {
				break
			}
			decoded = next
		}
		res.Normalized = decoded
	}

	if opts.Base64 {
		if decoded, ok := decodeBase64(res.Normalized); ok {
			res.Normalized = decoded
		}
	}
	if opts.NormalizePath {
		res.Normalized = Path(res.Normalized)
	}
	if opts.HTMLEntity {
		res.Normalized = html.UnescapeString(res.Normalized)
	}
	if opts.Lowercase {
		res.Normalized = strings.ToLower(res.Normalized)
	}

	return res
}

func decodeOnce(input string) (string, bool) {
	decoded, err := url.PathUnescape(input)
	if err != nil {
		return input, false
	}
	return decoded, true
}

// decodeBase64 only accepts input that decodes to printable UTF-8.
func decodeBase64(input string) (string, bool) {
	if len(input) < 4 || len(input)%4 != 0 {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return "", false
	}
	if !utf8.Valid(raw) {
		return "", false
	}
	for _, r := range string(raw) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return "", false
		}
	}
	return string(raw), true
}
