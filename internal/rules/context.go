package rules

import (
	"strings"

	"github.com/klyr/klyr/internal/request"
)

// EvalContext is the per-phase text a rule set is matched against.
type EvalContext struct {
	RequestLine string
	Headers     string
	Query       string
	Body        string
	Cookies     string
}

// ContextFromInfo flattens a mapped request into phase inputs.
func ContextFromInfo(info *request.Info) EvalContext {
	if info == nil {
		return EvalContext{}
	}

	ctx := EvalContext{
		RequestLine: info.Meta.Method + " " + info.Meta.URI,
		Headers:     join(info.Headers, ": ", "\n"),
		Query:       info.Meta.Query,
		Body:        join(info.Body, "=", "\n"),
		Cookies:     join(info.Cookies, "=", "; "),
	}
	if args := join(info.Args, "=", "&"); args != "" && args != ctx.Query {
		if ctx.Query == "" {
			ctx.Query = args
		} else {
			ctx.Query += "\n" + args
		}
	}
	return ctx
}

func join(f *request.Field, kv, sep string) string {
	if f.Len() == 0 {
		return ""
	}
	var b strings.Builder
	f.Range(func(k, v string) bool {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(k)
		b.WriteString(kv)
		b.WriteString(v)
		return true
	})
	return b.String()
}
