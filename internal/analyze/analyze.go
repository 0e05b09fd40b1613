package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klyr/klyr/internal/challenge"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/grasshopper"
	"github.com/klyr/klyr/internal/policy"
	"github.com/klyr/klyr/internal/ratelimit"
	"github.com/klyr/klyr/internal/request"
	"github.com/klyr/klyr/internal/rules"
	"github.com/klyr/klyr/internal/tagging"
)

// Phase0 is everything downstream analysis needs about one request. It is
// built once the policy is resolved and the request is mapped and tagged.
type Phase0 struct {
	PolicyName   string
	Policy       config.Policy
	Info         *request.Info
	IsHuman      bool
	Tags         decision.Tags
	Flows        []config.Flow
	Limits       []config.Limit
	GlobalFilter tagging.FilterDecision
	Stats        decision.Stats
}

// Deps are the shared services analysis consults.
type Deps struct {
	Gateway grasshopper.Gateway
	Engine  *rules.Engine
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
	Now     func() time.Time
}

// Stage names, in execution order.
const (
	StagePhase02       = "phase02"
	StageGlobalFilter  = "global_filter"
	StageLimits        = "limits"
	StageContentFilter = "content_filter"
	StageFinalize      = "finalize"
)

var stages = []string{StagePhase02, StageGlobalFilter, StageLimits, StageContentFilter, StageFinalize}

// Analysis runs the downstream stages one per Step.
type Analysis struct {
	p       Phase0
	deps    Deps
	next    int
	reasons []decision.BlockReason
	result  *decision.AnalyzeResult
}

func New(p Phase0, deps Deps) *Analysis {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if p.Tags == nil {
		p.Tags = decision.NewTags()
	}
	reasons := append([]decision.BlockReason(nil), p.GlobalFilter.Reasons...)
	return &Analysis{p: p, deps: deps, reasons: reasons}
}

// Stage is the name of the stage the next Step runs.
func (a *Analysis) Stage() string {
	if a.next >= len(stages) {
		return ""
	}
	return stages[a.next]
}

func (a *Analysis) Step(ctx context.Context) (decision.AnalyzeResult, bool, error) {
	if a.result != nil {
		return *a.result, true, nil
	}
	if err := ctx.Err(); err != nil {
		return decision.AnalyzeResult{}, false, err
	}

	stage := stages[a.next]
	a.next++
	var d *decision.Decision
	switch stage {
	case StagePhase02:
		d = challenge.Phase02(a.deps.Gateway, a.p.Info, a.deps.Logger)
	case StageGlobalFilter:
		d = a.globalFilter()
	case StageLimits:
		d = a.limits()
	case StageContentFilter:
		d = a.contentFilter()
	case StageFinalize:
		pass := decision.Pass(a.reasons)
		d = &pass
	}

	if d == nil {
		return decision.AnalyzeResult{}, false, nil
	}
	a.p.Stats.Stage = stage
	a.finish(*d)
	return *a.result, true, nil
}

// Run executes every remaining stage.
func Run(ctx context.Context, p Phase0, deps Deps) (decision.AnalyzeResult, error) {
	a := New(p, deps)
	for {
		res, done, err := a.Step(ctx)
		if err != nil || done {
			return res, err
		}
	}
}

func (a *Analysis) finish(d decision.Decision) {
	for _, t := range d.Action.ExtraTags {
		a.p.Tags.Insert(t, decision.LocationRequest)
	}
	a.result = &decision.AnalyzeResult{
		Decision:    d,
		Tags:        a.p.Tags,
		RequestInfo: a.p.Info,
		Stats:       a.p.Stats,
	}
}

func (a *Analysis) blockAction() decision.Action {
	return decision.DefaultBlockAction(a.p.Policy.Actions.BlockStatusCode, a.p.Policy.Actions.BlockBody)
}

// act applies a resolved action. Reasons for monitor actions are kept for
// the final decision.
func (a *Analysis) act(action string, reason decision.BlockReason, blockAction decision.Action) *decision.Decision {
	switch action {
	case config.ActionMonitor:
		a.reasons = append(a.reasons, reason)
		return nil
	case config.ActionChallenge:
		return challenge.Issue(a.deps.Gateway, a.p.Info, a.p.IsHuman, a.with(reason), blockAction)
	case config.ActionBlock:
		d := decision.Block(blockAction, a.with(reason))
		return &d
	default:
		return nil
	}
}

func (a *Analysis) with(reason decision.BlockReason) []decision.BlockReason {
	out := make([]decision.BlockReason, 0, len(a.reasons)+1)
	out = append(out, a.reasons...)
	return append(out, reason)
}

func (a *Analysis) globalFilter() *decision.Decision {
	gf := a.p.GlobalFilter
	if !gf.Acts() {
		return nil
	}
	// reasons were seeded with every acting filter in New
	switch gf.Action {
	case config.ActionChallenge:
		return challenge.Issue(a.deps.Gateway, a.p.Info, a.p.IsHuman, a.reasons, a.blockAction())
	case config.ActionBlock:
		d := decision.Block(a.blockAction(), a.reasons)
		return &d
	default:
		return nil
	}
}

func (a *Analysis) limits() *decision.Decision {
	if a.deps.Limiter == nil {
		return nil
	}
	a.p.Stats.Limits = len(a.p.Limits)
	now := a.deps.Now()
	for _, l := range a.p.Limits {
		if a.deps.Limiter.Take(l, a.p.Info, now) {
			continue
		}
		a.p.Stats.LimitMatches++
		a.p.Tags.Insert("limit:"+l.Name, decision.LocationRequest)

		action := l.Action
		if action == "" {
			action = config.ActionBlock
		}
		status := l.StatusCode
		if status == 0 {
			status = http.StatusTooManyRequests
		}
		reason := decision.BlockReason{
			Initiator: decision.InitiatorLimit,
			ID:        l.Name,
			Name:      l.Name,
			Detail:    fmt.Sprintf("rate limit %s exceeded (%.2f rps, burst %d)", l.Name, l.RPS, l.Burst),
			Location:  decision.LocationRequest,
		}
		if d := a.act(action, reason, decision.DefaultBlockAction(status, "rate limited")); d != nil {
			return d
		}
	}
	return nil
}

func (a *Analysis) contentFilter() *decision.Decision {
	cf := a.p.Policy.ContentFilter
	if !cf.Enabled || a.deps.Engine == nil {
		return nil
	}
	if a.p.Info.BodyError != "" {
		a.p.Tags.Insert("body-decoding-error", decision.LocationBody)
	}

	set := a.deps.Engine.Rules
	if len(cf.Rules) > 0 {
		set = a.deps.Engine.Subset(cf.Rules)
	}
	a.p.Stats.ContentFilterRules = len(set)

	result := a.deps.Engine.EvaluateSubset(rules.ContextFromInfo(a.p.Info), cf.Rules)
	a.p.Stats.ContentFilterMatches = len(result.Matches)
	a.p.Stats.ContentFilterScore = result.Score
	for _, m := range result.Matches {
		loc := phaseLocation(m.Phase)
		a.p.Tags.Insert("cf-rule-id:"+m.RuleID, loc)
		for _, t := range m.Tags {
			a.p.Tags.Insert(t, loc)
		}
	}

	action, _ := policy.DecideAction(cf.Action, result.Score, cf.AnomalyThreshold)
	if action == config.ActionNone {
		return nil
	}
	reason := decision.BlockReason{
		Initiator: decision.InitiatorContentFilter,
		Detail:    fmt.Sprintf("anomaly score %d reached threshold %d", result.Score, cf.AnomalyThreshold),
		Fields:    map[string]string{"score": fmt.Sprint(result.Score)},
		Location:  decision.LocationRequest,
	}
	if len(result.Matches) > 0 {
		first := result.Matches[0]
		reason.ID = first.RuleID
		reason.Location = phaseLocation(first.Phase)
		reason.Fields["evidence"] = first.Evidence
	}
	return a.act(action, reason, a.blockAction())
}

func phaseLocation(p rules.Phase) decision.Location {
	switch p {
	case rules.PhaseRequestLine:
		return decision.LocationURI
	case rules.PhaseHeaders:
		return decision.LocationHeaders
	case rules.PhaseQuery:
		return decision.LocationArgs
	case rules.PhaseBody:
		return decision.LocationBody
	case rules.PhaseCookies:
		return decision.LocationCookies
	default:
		return decision.LocationRequest
	}
}
