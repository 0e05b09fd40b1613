package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klyr/klyr/internal/decision"
)

const maxEvidence = 64

// Record is written as a single JSON object per inspected request.
type Record struct {
	Timestamp  time.Time `json:"ts"`
	RequestID  string    `json:"request_id"`
	ClientIP   string    `json:"client_ip"`
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Query      string    `json:"query"`
	Policy     string    `json:"policy"`
	Revision   string    `json:"revision"`
	Stage      string    `json:"stage"`
	Action     string    `json:"action"`
	BlockMode  bool      `json:"block_mode"`
	StatusCode int       `json:"status_code"`
	Human      bool      `json:"human"`
	Score      int       `json:"score"`
	Tags       []string  `json:"tags"`
	Reasons    []Reason  `json:"reasons"`
	DurationMS int64     `json:"duration_ms"`
	UpstreamMS int64     `json:"upstream_ms"`
}

type Reason struct {
	Initiator string `json:"initiator"`
	ID        string `json:"id,omitempty"`
	Detail    string `json:"detail"`
	Location  string `json:"location,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

// NewRecord summarizes an inspection result.
func NewRecord(res decision.AnalyzeResult, ts time.Time) Record {
	rec := Record{
		Timestamp:  ts,
		Policy:     res.Stats.Policy,
		Revision:   res.Stats.Revision,
		Stage:      res.Stats.Stage,
		Action:     string(res.Decision.Action.Type),
		BlockMode:  res.Decision.Action.BlockMode,
		StatusCode: res.Decision.Action.Status,
		Human:      res.Tags.Has("human"),
		Score:      res.Stats.ContentFilterScore,
		Tags:       res.Tags.Names(),
		DurationMS: res.Stats.ProcessingTime.Milliseconds(),
	}
	if info := res.RequestInfo; info != nil {
		rec.RequestID = info.Meta.RequestID
		rec.ClientIP = info.IP
		rec.Host = info.Meta.Host
		rec.Method = info.Meta.Method
		rec.Path = info.Meta.Path
		rec.Query = info.Meta.Query
	}
	for _, r := range res.Decision.Reasons {
		rec.Reasons = append(rec.Reasons, Reason{
			Initiator: string(r.Initiator),
			ID:        r.ID,
			Detail:    r.Detail,
			Location:  string(r.Location),
			Evidence:  r.Fields["evidence"],
		})
	}
	return rec
}

// Sink receives decision records.
type Sink interface {
	Write(rec Record) error
}

type tee []Sink

func (t tee) Write(rec Record) error {
	var first error
	for _, s := range t {
		if err := s.Write(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Tee writes every record to all sinks. Nil sinks are skipped.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type DecisionLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewDecisionLogger(w io.Writer) *DecisionLogger {
	return &DecisionLogger{w: w}
}

func OpenDecisionLog(path string) (*DecisionLogger, func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewDecisionLogger(file), file.Close, nil
}

func (l *DecisionLogger) Write(rec Record) error {
	rec.Reasons = sanitizeReasons(rec.Reasons)

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

func sanitizeReasons(reasons []Reason) []Reason {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]Reason, len(reasons))
	for i, r := range reasons {
		out[i] = r
		out[i].Evidence = truncate(redactSecrets(r.Evidence), maxEvidence)
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var (
	secretKVPattern     = regexp.MustCompile(`(?i)\b(password|passwd|token|api[_-]?key|secret|rbzid)\s*=\s*([^\s&;]+)`)
	secretBearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`)
)

func redactSecrets(input string) string {
	if input == "" {
		return input
	}
	redacted := secretKVPattern.ReplaceAllString(input, `$1=<redacted>`)
	return secretBearerPattern.ReplaceAllString(redacted, "bearer <redacted>")
}
