package inspect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/klyr/klyr/internal/analyze"
	"github.com/klyr/klyr/internal/challenge"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/executor"
	"github.com/klyr/klyr/internal/grasshopper"
	"github.com/klyr/klyr/internal/logging"
	"github.com/klyr/klyr/internal/observability"
	"github.com/klyr/klyr/internal/policy"
	"github.com/klyr/klyr/internal/ratelimit"
	"github.com/klyr/klyr/internal/request"
	"github.com/klyr/klyr/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/klyr/klyr/internal/inspect"

// unmappedDepth is used when a request is mapped without a content filter
// profile.
const unmappedDepth = config.DefaultMaxBodyDepth

// Inspector decides what to do with requests under the active configuration.
type Inspector struct {
	store   *config.Store
	rules   *rules.DB
	limiter *ratelimit.Limiter
	gateway grasshopper.Gateway
	logger  *slog.Logger
	metrics *observability.Metrics
	sink    logging.Sink
	tracer  trace.Tracer
	now     func() time.Time
}

func New(store *config.Store, db *rules.DB) *Inspector {
	if db == nil {
		db = rules.NewDB()
	}
	return &Inspector{
		store:   store,
		rules:   db,
		limiter: ratelimit.NewLimiter(),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// SetGateway installs the human-verification capability. nil disables it.
func (i *Inspector) SetGateway(gh grasshopper.Gateway) {
	i.gateway = gh
}

func (i *Inspector) SetLogger(logger *slog.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

func (i *Inspector) SetMetrics(metrics *observability.Metrics) {
	i.metrics = metrics
}

func (i *Inspector) SetDecisionLogger(sink logging.Sink) {
	i.sink = sink
}

func (i *Inspector) SetClock(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

// Reload rereads the configuration file and recompiles rules.
func (i *Inspector) Reload() error {
	if i.store == nil {
		return errors.New("inspector has no config store")
	}
	if err := i.store.Reload(); err != nil {
		return err
	}
	return i.LoadRules()
}

// LoadRules compiles the rules of the active configuration.
func (i *Inspector) LoadRules() error {
	err, ok := config.With(i.store, func(cfg *config.Config) error {
		return i.rules.Load(cfg)
	})
	if !ok {
		return nil
	}
	return err
}

// Inspect runs every stage for raw and returns the result. A cancelled
// context yields an internal error decision alongside the error.
func (i *Inspector) Inspect(ctx context.Context, raw request.RawRequest) (decision.AnalyzeResult, error) {
	task := i.NewTask(raw)
	p := executor.Run(ctx, executor.New[decision.AnalyzeResult](task))
	if p.State == executor.Done {
		return p.Value, nil
	}
	return task.abort(p.Err), &TaskError{Message: p.Err}
}

// ContentFilterOnly maps raw under the named policy's content filter and
// evaluates only the rule engine. An unknown profile passes.
func (i *Inspector) ContentFilterOnly(ctx context.Context, raw request.RawRequest, profile string) decision.AnalyzeResult {
	start := i.now()
	type lookup struct {
		policy   config.Policy
		revision string
		found    bool
	}
	l, _ := config.With(i.store, func(cfg *config.Config) lookup {
		p, ok := cfg.Policies[profile]
		if !ok {
			return lookup{revision: cfg.Revision}
		}
		return lookup{policy: policy.Clone(p), revision: cfg.Revision, found: true}
	})

	stats := decision.Stats{Revision: l.revision, Policy: profile}
	if !l.found {
		info := request.Map(i.logger, nil, nil, false, unmappedDepth, raw)
		stats.Stage = stageResolve
		return i.result(decision.Pass(nil), decision.NewTags(), info, stats, start)
	}

	cf := l.policy.ContentFilter
	if raw.Body != nil && len(raw.Body) > cf.MaxBodySize {
		info := request.Map(i.logger, cf.Decoding, cf.ContentType, cf.RefererAsURI, 0, raw)
		action, reason := decision.BodyTooLarge(cf.MaxBodySize, len(raw.Body))
		stats.Stage = stageGate
		return i.result(decision.Block(action, []decision.BlockReason{reason}), decision.NewTags(), info, stats, start)
	}

	info := request.Map(i.logger, cf.Decoding, cf.ContentType, cf.RefererAsURI, cf.MaxBodyDepth, raw)
	l.policy.ContentFilter.Enabled = true
	engine, _ := i.rules.Engine()
	res, err := analyze.Run(ctx, analyze.Phase0{
		PolicyName: profile,
		Policy:     l.policy,
		Info:       info,
		Tags:       decision.NewTags(),
		Stats:      stats,
	}, analyze.Deps{Engine: engine, Logger: i.logger, Now: i.now})
	if err != nil {
		stats.Stage = stageResolve
		return i.result(challenge.FailDecision(err.Error()), decision.NewTags(), info, stats, start)
	}
	res.Stats.ProcessingTime = i.now().Sub(start)
	return res
}

func (i *Inspector) result(d decision.Decision, tags decision.Tags, info *request.Info, stats decision.Stats, start time.Time) decision.AnalyzeResult {
	stats.ProcessingTime = i.now().Sub(start)
	return decision.AnalyzeResult{Decision: d, Tags: tags, RequestInfo: info, Stats: stats}
}

// record reports a finished inspection to the decision log and metrics.
func (i *Inspector) record(res decision.AnalyzeResult) {
	rec := logging.NewRecord(res, i.now())
	if i.sink != nil {
		if err := i.sink.Write(rec); err != nil {
			i.logger.Error("decision log write failed", "error", err)
		}
	}
	i.metrics.Observe(rec, res.Stats.ProcessingTime)
}

// TaskError reports an inspection that stopped before reaching a decision.
type TaskError struct {
	Message string
}

func (e *TaskError) Error() string {
	return "inspection aborted: " + e.Message
}
