package rules

import (
	"fmt"

	"github.com/klyr/klyr/internal/normalize"
)

const defaultDecodeDepth = 2

// Engine evaluates rules against an evaluation context.
type Engine struct {
	Rules []Rule

	index map[string]int
}

func NewEngine(rules []Rule) *Engine {
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		index[r.ID] = i
	}
	return &Engine{Rules: rules, index: index}
}

// Len reports the number of rules.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Rules)
}

func (e *Engine) Evaluate(ctx EvalContext) Result {
	if e == nil {
		return Result{}
	}
	return e.evaluate(ctx, e.Rules)
}

// EvaluateSubset runs only the rules named by ids. An empty list runs
// every rule. Unknown ids are skipped.
func (e *Engine) EvaluateSubset(ctx EvalContext, ids []string) Result {
	if e == nil {
		return Result{}
	}
	if len(ids) == 0 {
		return e.Evaluate(ctx)
	}
	return e.evaluate(ctx, e.Subset(ids))
}

// Subset returns the rules named by ids, in the order given.
func (e *Engine) Subset(ids []string) []Rule {
	if e == nil {
		return nil
	}
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		if i, ok := e.find(id); ok {
			out = append(out, e.Rules[i])
		}
	}
	return out
}

func (e *Engine) find(id string) (int, bool) {
	if e.index != nil {
		i, ok := e.index[id]
		return i, ok
	}
	for i, r := range e.Rules {
		if r.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) evaluate(ctx EvalContext, set []Rule) Result {
	result := Result{}

	for _, rule := range set {
		input, ok := selectPhaseInput(ctx, rule.Phase)
		if !ok || input == "" {
			continue
		}

		normalized, err := applyTransforms(input, rule.Transforms)
		if err != nil {
			continue
		}

		matched, evidence := rule.Matcher.Match(normalized)
		if !matched {
			continue
		}

		result.Score += rule.Score
		result.Matches = append(result.Matches, Match{
			RuleID:   rule.ID,
			Phase:    rule.Phase,
			Score:    rule.Score,
			Tags:     append([]string(nil), rule.Tags...),
			Evidence: evidence,
		})
	}

	return result
}

func selectPhaseInput(ctx EvalContext, phase Phase) (string, bool) {
	switch phase {
	case PhaseRequestLine:
		return ctx.RequestLine, true
	case PhaseHeaders:
		return ctx.Headers, true
	case PhaseQuery:
		return ctx.Query, true
	case PhaseBody:
		return ctx.Body, true
	case PhaseCookies:
		return ctx.Cookies, true
	default:
		return "", false
	}
}

func applyTransforms(input string, transforms []Transform) (string, error) {
	opts := normalize.Options{MaxDecodeDepth: defaultDecodeDepth, URL: true}
	for _, transform := range transforms {
		switch transform {
		case TransformLowercase:
			opts.Lowercase = true
		case TransformHTMLEntity:
			opts.HTMLEntity = true
		case TransformPathNormalize:
			opts.NormalizePath = true
		default:
			return "", fmt.Errorf("unknown transform %q", transform)
		}
	}

	res := normalize.Apply(input, opts)
	return res.Normalized, nil
}
