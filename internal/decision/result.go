package decision

import (
	"time"

	"github.com/klyr/klyr/internal/request"
)

// Stats is the telemetry gathered while inspecting one request.
type Stats struct {
	Revision             string        `json:"revision,omitempty"`
	Policy               string        `json:"policy,omitempty"`
	Stage                string        `json:"stage,omitempty"`
	GlobalFilters        int           `json:"global_filters"`
	GlobalFilterMatches  int           `json:"global_filter_matches"`
	Limits               int           `json:"limits"`
	LimitMatches         int           `json:"limit_matches"`
	Flows                int           `json:"flows"`
	ContentFilterRules   int           `json:"content_filter_rules"`
	ContentFilterMatches int           `json:"content_filter_matches"`
	ContentFilterScore   int           `json:"content_filter_score"`
	ProcessingTime       time.Duration `json:"processing_time"`
}

type AnalyzeResult struct {
	Decision    Decision      `json:"decision"`
	Tags        Tags          `json:"tags"`
	RequestInfo *request.Info `json:"request_info"`
	Stats       Stats         `json:"stats"`
}
