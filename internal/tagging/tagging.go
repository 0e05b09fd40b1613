package tagging

import (
	"fmt"
	"regexp"

	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/decision"
	"github.com/klyr/klyr/internal/policy"
	"github.com/klyr/klyr/internal/request"
)

// FilterDecision is the strongest action requested by matching global
// filters, with one reason per acting filter in configuration order.
type FilterDecision struct {
	Action   string
	FilterID string
	Reasons  []decision.BlockReason
}

// Acts reports whether a filter asked for anything beyond tagging.
func (d FilterDecision) Acts() bool {
	return d.Action != "" && d.Action != config.ActionNone
}

// TagRequest computes request tags and evaluates global filters.
func TagRequest(stats decision.Stats, isHuman bool, filters []config.GlobalFilter, info *request.Info, policyName string) (decision.Tags, FilterDecision, decision.Stats) {
	tags := decision.NewTags()
	dec := FilterDecision{Action: config.ActionNone}
	if info == nil {
		return tags, dec, stats
	}

	if isHuman {
		tags.Insert("human", decision.LocationRequest)
	} else {
		tags.Insert("bot", decision.LocationRequest)
	}
	if info.IP != "" {
		tags.Insert("ip:"+info.IP, decision.LocationIP)
	}
	if info.Meta.Host != "" {
		tags.Insert("host:"+info.Meta.Host, decision.LocationRequest)
	}
	if policyName != "" {
		tags.Insert("securitypolicy:"+policyName, decision.LocationRequest)
	}
	tags.Insert(fmt.Sprintf("headers-%d", info.Headers.Len()), decision.LocationHeaders)
	tags.Insert(fmt.Sprintf("cookies-%d", info.Cookies.Len()), decision.LocationCookies)
	tags.Insert(fmt.Sprintf("args-%d", info.Args.Len()), decision.LocationArgs)

	stats.GlobalFilters = len(filters)
	for _, f := range filters {
		if !f.Active {
			continue
		}
		m, err := f.Matcher()
		if err != nil || !matches(m, info) {
			continue
		}
		stats.GlobalFilterMatches++
		for _, t := range f.Tags {
			tags.Insert(t, decision.LocationRequest)
		}

		if f.Action == "" || f.Action == config.ActionNone {
			continue
		}
		dec.Reasons = append(dec.Reasons, decision.BlockReason{
			Initiator: decision.InitiatorGlobalFilter,
			ID:        f.ID,
			Name:      f.Name,
			Detail:    fmt.Sprintf("global filter %s matched, action %s", f.ID, f.Action),
			Location:  decision.LocationRequest,
		})
		if policy.Severity(f.Action) > policy.Severity(dec.Action) {
			dec.Action = f.Action
			dec.FilterID = f.ID
		}
	}

	return tags, dec, stats
}

func matches(m *config.CompiledMatch, info *request.Info) bool {
	if !matchOptional(m.Host, info.Meta.Host) ||
		!matchOptional(m.Path, info.Meta.Path) ||
		!matchOptional(m.Method, info.Meta.Method) ||
		!matchOptional(m.IP, info.IP) {
		return false
	}
	return matchField(m.Headers, info.Headers) &&
		matchField(m.Cookies, info.Cookies) &&
		matchField(m.Args, info.Args)
}

func matchOptional(re *regexp.Regexp, value string) bool {
	return re == nil || re.MatchString(value)
}

func matchField(conds map[string]*regexp.Regexp, f *request.Field) bool {
	for name, re := range conds {
		v, ok := f.Get(name)
		if !ok || !re.MatchString(v) {
			return false
		}
	}
	return true
}
