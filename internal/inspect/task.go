package inspect

import (
	"context"
	"time"

	"github.com/klyr/klyr/internal/analyze"
	"github.com/klyr/klyr/internal/challenge"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/observability"
	"github.com/klyr/klyr/internal/policy"
	"github.com/klyr/klyr/internal/request"
	"github.com/klyr/klyr/internal/tagging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stages that run before downstream analysis, in order.
const (
	stageResolve   = "resolve"
	stageGate      = "gate"
	stageNormalize = "normalize"
	stageVerify    = "verify"
	stageTag       = "tag"
	stageHandoff   = "handoff"
	stageAnalyze   = "analyze"
)

var stages = []string{stageResolve, stageGate, stageNormalize, stageVerify, stageTag, stageHandoff}

// Task inspects one request, one stage per Step. The caller must not step
// a Task concurrently.
type Task struct {
	ins   *Inspector
	raw   request.RawRequest
	start time.Time
	next  int

	rootCtx context.Context
	root    trace.Span

	sel      policy.Selection
	info     *request.Info
	isHuman  bool
	tags     decision.Tags
	filter   tagging.FilterDecision
	stats    decision.Stats
	analysis *analyze.Analysis
	result   *decision.AnalyzeResult
}

// NewTask prepares an inspection of raw. Nothing runs until Step.
func (i *Inspector) NewTask(raw request.RawRequest) *Task {
	return &Task{ins: i, raw: raw, start: i.now(), tags: decision.NewTags()}
}

// Stage is the name of the stage the next Step runs.
func (t *Task) Stage() string {
	switch {
	case t.result != nil:
		return ""
	case t.next < len(stages):
		return stages[t.next]
	default:
		return stageAnalyze + "." + t.analysis.Stage()
	}
}

func (t *Task) Step(ctx context.Context) (decision.AnalyzeResult, bool, error) {
	if t.result != nil {
		return *t.result, true, nil
	}
	if err := ctx.Err(); err != nil {
		return decision.AnalyzeResult{}, false, err
	}
	if t.root == nil {
		t.rootCtx, t.root = t.ins.tracer.Start(ctx, "inspect")
	}

	stage := t.Stage()
	_, span := t.ins.tracer.Start(t.rootCtx, "inspect."+stage)
	defer span.End()

	if t.next >= len(stages) {
		res, done, err := t.analysis.Step(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return decision.AnalyzeResult{}, false, err
		}
		if !done {
			return decision.AnalyzeResult{}, false, nil
		}
		t.finish(res)
		return *t.result, true, nil
	}

	t.next++
	var d *decision.Decision
	switch stage {
	case stageResolve:
		d = t.resolve()
	case stageGate:
		d = t.gate()
	case stageNormalize:
		cf := t.sel.Policy.ContentFilter
		t.info = request.Map(t.ins.logger, cf.Decoding, cf.ContentType, cf.RefererAsURI, cf.MaxBodyDepth, t.raw)
	case stageVerify:
		d = t.verify()
	case stageTag:
		tags, filter, stats := tagging.TagRequest(t.stats, t.isHuman, t.sel.GlobalFilters, t.info, t.sel.Name)
		t.tags.Extend(tags)
		t.filter = filter
		t.stats = stats
	case stageHandoff:
		t.handoff()
	}

	if d == nil {
		return decision.AnalyzeResult{}, false, nil
	}
	t.stats.Stage = stage
	t.finish(decision.AnalyzeResult{Decision: *d, Tags: t.tags, RequestInfo: t.info, Stats: t.stats})
	return *t.result, true, nil
}

func (t *Task) resolve() *decision.Decision {
	host := t.raw.Host()
	path := t.raw.RoutePath()
	sel, loaded := config.With(t.ins.store, func(cfg *config.Config) selection {
		s, ok := policy.Select(cfg, host, path)
		return selection{Selection: s, matched: ok, revision: cfg.Revision}
	})
	t.stats.Revision = sel.revision
	if !loaded || !sel.matched {
		t.ins.logger.Debug("no security policy", "host", host, "path", path, "loaded", loaded)
		t.info = request.Map(t.ins.logger, nil, nil, false, 0, t.raw)
		d := decision.Pass(nil)
		return &d
	}

	t.sel = sel.Selection
	t.stats.Policy = sel.Name
	t.stats.Flows = len(sel.Flows)
	t.root.SetAttributes(
		attribute.String("klyr.policy", sel.Name),
		attribute.String("klyr.revision", sel.Revision),
	)
	return nil
}

type selection struct {
	policy.Selection
	matched  bool
	revision string
}

func (t *Task) gate() *decision.Decision {
	limit := t.sel.Policy.ContentFilter.MaxBodySize
	if t.raw.Body == nil || len(t.raw.Body) <= limit {
		return nil
	}
	cf := t.sel.Policy.ContentFilter
	t.info = request.Map(t.ins.logger, cf.Decoding, cf.ContentType, cf.RefererAsURI, 0, t.raw)
	action, reason := decision.BodyTooLarge(limit, len(t.raw.Body))
	d := decision.Block(action, []decision.BlockReason{reason})
	return &d
}

func (t *Task) verify() *decision.Decision {
	if t.ins.gateway == nil {
		return nil
	}
	ok, err := challenge.Verified(t.ins.gateway, t.info)
	if err != nil {
		t.ins.metrics.ObserveVerification(observability.VerifyError)
		t.ins.logger.Warn("verification check failed", "error", err, "request_id", t.info.Meta.RequestID)
		if t.sel.OnError == config.OnErrorBlock {
			d := challenge.FailDecision(err.Error())
			return &d
		}
		return nil
	}
	t.isHuman = ok
	if ok {
		t.ins.metrics.ObserveVerification(observability.VerifyVerified)
	} else {
		t.ins.metrics.ObserveVerification(observability.VerifyUnverified)
	}
	return nil
}

func (t *Task) handoff() {
	engine, _ := t.ins.rules.Engine()
	t.analysis = analyze.New(analyze.Phase0{
		PolicyName:   t.sel.Name,
		Policy:       t.sel.Policy,
		Info:         t.info,
		IsHuman:      t.isHuman,
		Tags:         t.tags,
		Flows:        t.sel.Flows,
		Limits:       t.sel.Limits,
		GlobalFilter: t.filter,
		Stats:        t.stats,
	}, analyze.Deps{
		Gateway: t.ins.gateway,
		Engine:  engine,
		Limiter: t.ins.limiter,
		Logger:  t.ins.logger,
		Now:     t.ins.now,
	})
}

func (t *Task) finish(res decision.AnalyzeResult) {
	res.Stats.ProcessingTime = t.ins.now().Sub(t.start)
	t.result = &res

	if t.root != nil {
		t.root.SetAttributes(
			attribute.String("klyr.action", string(res.Decision.Action.Type)),
			attribute.Int("klyr.status", res.Decision.Action.Status),
			attribute.String("klyr.stage", res.Stats.Stage),
		)
		t.root.End()
	}
	t.ins.record(res)
}

// abort produces the result for a task that cannot finish.
func (t *Task) abort(reason string) decision.AnalyzeResult {
	if t.result != nil {
		return *t.result
	}
	if t.info == nil {
		t.info = request.Map(t.ins.logger, nil, nil, false, 0, t.raw)
	}
	if t.root != nil {
		t.root.SetStatus(codes.Error, reason)
	}
	t.stats.Stage = t.Stage()
	res := decision.AnalyzeResult{Decision: challenge.FailDecision(reason), Tags: t.tags, RequestInfo: t.info, Stats: t.stats}
	t.finish(res)
	return *t.result
}
