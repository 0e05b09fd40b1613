package report

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

type row struct {
	label string
	value int
}

func (s Summary) totals() []row {
	return []row{
		{"Total", s.Total},
		{"Passed", s.Passed},
		{"Monitored", s.Monitored},
		{"Blocked", s.Blocked},
		{"Challenged", s.Challenged},
		{"Verified", s.Verified},
		{"Errors", s.Errors},
		{"Rate limited", s.RateLimited},
	}
}

func (s Summary) tops() []struct {
	title string
	items []CountItem
} {
	return []struct {
		title string
		items []CountItem
	}{
		{"Top initiators", s.TopInitiators},
		{"Top rules", s.TopRules},
		{"Top policies", s.TopPolicies},
		{"Top rate limits", s.TopRateLimit},
		{"Deciding stages", s.TopStages},
	}
}

func (s Summary) latencyLine() string {
	l := s.Latency
	return fmt.Sprintf("%d/%d/%d (max %d)", l.P50, l.P95, l.P99, l.Max)
}

func RenderText(s Summary) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 1, ' ', 0)
	for _, r := range s.totals() {
		fmt.Fprintf(tw, "%s:\t%d\n", r.label, r.value)
	}
	fmt.Fprintf(tw, "Latency p50/p95/p99 ms:\t%s\n", s.latencyLine())
	_ = tw.Flush()

	for _, t := range s.tops() {
		if len(t.items) == 0 {
			fmt.Fprintf(&b, "%s: none\n", t.title)
			continue
		}
		fmt.Fprintf(&b, "%s:\n", t.title)
		for _, item := range t.items {
			fmt.Fprintf(&b, "  %s  %d\n", item.Key, item.Count)
		}
	}
	return b.String()
}

func RenderMarkdown(s Summary) string {
	var b strings.Builder
	b.WriteString("# Klyr decision report\n\n")
	if !s.Start.IsZero() {
		fmt.Fprintf(&b, "%s to %s\n\n", s.Start.UTC().Format("2006-01-02 15:04:05"), s.End.UTC().Format("2006-01-02 15:04:05"))
	}
	b.WriteString("| Outcome | Count |\n|---|---:|\n")
	for _, r := range s.totals() {
		fmt.Fprintf(&b, "| %s | %d |\n", r.label, r.value)
	}
	fmt.Fprintf(&b, "\nLatency p50/p95/p99 ms: %s\n", s.latencyLine())

	for _, t := range s.tops() {
		fmt.Fprintf(&b, "\n## %s\n\n", t.title)
		if len(t.items) == 0 {
			b.WriteString("none\n")
			continue
		}
		for _, item := range t.items {
			fmt.Fprintf(&b, "1. `%s` (%d)\n", item.Key, item.Count)
		}
	}
	return b.String()
}

func RenderJSON(s Summary) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// WriteOutput writes content to path, or to stdout when path is empty.
func WriteOutput(path string, content []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(content)
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
