package report

import (
	"net/http"
	"sort"
	"time"

	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/logging"
)

const topN = 5

type Summary struct {
	Total         int            `json:"total"`
	Passed        int            `json:"passed"`
	Monitored     int            `json:"monitored"`
	Blocked       int            `json:"blocked"`
	Challenged    int            `json:"challenged"`
	Verified      int            `json:"verified"`
	Errors        int            `json:"errors"`
	RateLimited   int            `json:"rate_limited"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	TopInitiators []CountItem    `json:"top_initiators"`
	TopRules      []CountItem    `json:"top_rules"`
	TopPolicies   []CountItem    `json:"top_policies"`
	TopRateLimit  []CountItem    `json:"top_rate_limits"`
	TopStages     []CountItem    `json:"top_stages"`
	Latency       LatencySummary `json:"latency"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// LatencySummary holds nearest-rank percentiles in milliseconds.
type LatencySummary struct {
	P50 int64 `json:"p50"`
	P95 int64 `json:"p95"`
	P99 int64 `json:"p99"`
	Max int64 `json:"max"`
}

// outcome buckets a record. Challenge and error status codes take
// precedence over the action since they are sent as blocks.
func outcome(rec logging.Record) string {
	switch {
	case rec.StatusCode == decision.StatusChallengePhase01:
		return "challenged"
	case rec.StatusCode == decision.StatusChallengePhase02:
		return "verified"
	case rec.StatusCode == http.StatusInternalServerError:
		return "errors"
	case rec.Action == string(decision.ActionBlock):
		return "blocked"
	case len(rec.Reasons) > 0:
		return "monitored"
	default:
		return "passed"
	}
}

type counter map[string]int

func (c counter) add(key string) {
	if key != "" {
		c[key]++
	}
}

func (c counter) top(n int) []CountItem {
	if len(c) == 0 {
		return nil
	}
	items := make([]CountItem, 0, len(c))
	for k, v := range c {
		items = append(items, CountItem{Key: k, Count: v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Key < items[j].Key
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}

func Summarize(records []logging.Record) Summary {
	var s Summary
	if len(records) == 0 {
		return s
	}
	s.Start, s.End = records[0].Timestamp, records[0].Timestamp

	outcomes := map[string]*int{
		"passed":     &s.Passed,
		"monitored":  &s.Monitored,
		"blocked":    &s.Blocked,
		"challenged": &s.Challenged,
		"verified":   &s.Verified,
		"errors":     &s.Errors,
	}
	initiators, ruleIDs, policies, limits, stages := counter{}, counter{}, counter{}, counter{}, counter{}
	latencies := make([]int64, 0, len(records))

	for _, rec := range records {
		s.Total++
		if rec.Timestamp.Before(s.Start) {
			s.Start = rec.Timestamp
		}
		if rec.Timestamp.After(s.End) {
			s.End = rec.Timestamp
		}
		*outcomes[outcome(rec)]++
		policies.add(rec.Policy)
		stages.add(rec.Stage)
		latencies = append(latencies, rec.DurationMS)

		limited := false
		for _, r := range rec.Reasons {
			initiators.add(r.Initiator)
			switch decision.Initiator(r.Initiator) {
			case decision.InitiatorContentFilter, decision.InitiatorGlobalFilter:
				ruleIDs.add(r.ID)
			case decision.InitiatorLimit:
				limited = true
				limits.add(r.ID)
			}
		}
		if limited {
			s.RateLimited++
		}
	}

	s.TopInitiators = initiators.top(topN)
	s.TopRules = ruleIDs.top(topN)
	s.TopPolicies = policies.top(topN)
	s.TopRateLimit = limits.top(topN)
	s.TopStages = stages.top(topN)
	s.Latency = summarizeLatency(latencies)
	return s
}

func summarizeLatency(values []int64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := func(p int) int64 {
		// nearest rank: ceil(p/100 * n), 1-based
		idx := (p*len(sorted) + 99) / 100
		if idx < 1 {
			idx = 1
		}
		return sorted[idx-1]
	}
	return LatencySummary{P50: rank(50), P95: rank(95), P99: rank(99), Max: sorted[len(sorted)-1]}
}
