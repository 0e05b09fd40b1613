package policy

import "github.com/klyr/klyr/internal/config"

// Selection is everything the pipeline needs from the configuration for
// one request. It holds copies only, so it stays valid after the config
// lock is released.
type Selection struct {
	Name          string
	Policy        config.Policy
	Upstream      string
	GlobalFilters []config.GlobalFilter
	Limits        []config.Limit
	Flows         []config.Flow
	Revision      string
	OnError       string
}

// Select resolves the security policy for host and path.
func Select(cfg *config.Config, host, path string) (Selection, bool) {
	if cfg == nil {
		return Selection{}, false
	}
	route, _, ok := cfg.MatchRoute(host, path)
	if !ok {
		return Selection{}, false
	}
	p, ok := cfg.Policies[route.Policy]
	if !ok {
		return Selection{}, false
	}

	return Selection{
		Name:          route.Policy,
		Policy:        Clone(p),
		Upstream:      route.Upstream,
		GlobalFilters: append([]config.GlobalFilter(nil), cfg.GlobalFilters...),
		Limits:        cfg.LimitsFor(p),
		Flows:         cloneFlows(cfg.Flows),
		Revision:      cfg.Revision,
		OnError:       cfg.VerificationOnError(),
	}, true
}

// Clone copies p so it shares no slices with the configuration.
func Clone(p config.Policy) config.Policy {
	out := p
	out.Limits = append([]string(nil), p.Limits...)
	out.ContentFilter.Decoding = append([]string(nil), p.ContentFilter.Decoding...)
	out.ContentFilter.ContentType = append([]string(nil), p.ContentFilter.ContentType...)
	out.ContentFilter.Rules = append([]string(nil), p.ContentFilter.Rules...)
	return out
}

func cloneFlows(flows []config.Flow) []config.Flow {
	if len(flows) == 0 {
		return nil
	}
	out := make([]config.Flow, len(flows))
	for i, f := range flows {
		out[i] = f
		out[i].Steps = append([]config.FlowStep(nil), f.Steps...)
	}
	return out
}
