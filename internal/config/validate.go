package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			v.Add("server.tls.certFile required when tls.enabled is true")
		}
		if c.Server.TLS.KeyFile == "" {
			v.Add("server.tls.keyFile required when tls.enabled is true")
		}
		if c.Server.TLS.CertFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.CertFile)); err != nil {
				v.Add("server.tls.certFile invalid: %v", err)
			}
		}
		if c.Server.TLS.KeyFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.KeyFile)); err != nil {
				v.Add("server.tls.keyFile invalid: %v", err)
			}
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	if c.Admin.Enabled {
		if err := validateListen(c.Admin.Listen); err != nil {
			v.Add("admin.listen invalid: %v", err)
		}
	}

	switch c.Grasshopper.OnError {
	case "", OnErrorDegrade, OnErrorBlock:
	default:
		v.Add("grasshopper.onError must be degrade|block")
	}
	if c.Grasshopper.Library != "" {
		if err := requireFile(c.resolvePath(c.Grasshopper.Library)); err != nil {
			v.Add("grasshopper.library invalid: %v", err)
		}
	}

	upstreamNames := map[string]struct{}{}
	for i, upstream := range c.Upstreams {
		if upstream.Name == "" {
			v.Add("upstreams[%d].name is required", i)
		} else if _, exists := upstreamNames[upstream.Name]; exists {
			v.Add("upstreams[%d].name %q is duplicated", i, upstream.Name)
		} else {
			upstreamNames[upstream.Name] = struct{}{}
		}

		if upstream.URL == "" {
			v.Add("upstreams[%d].url is required", i)
		} else if err := validateURL(upstream.URL); err != nil {
			v.Add("upstreams[%d].url invalid: %v", i, err)
		}
	}

	limitNames := map[string]struct{}{}
	for i, limit := range c.Limits {
		if limit.Name == "" {
			v.Add("limits[%d].name is required", i)
		} else if _, exists := limitNames[limit.Name]; exists {
			v.Add("limits[%d].name %q is duplicated", i, limit.Name)
		} else {
			limitNames[limit.Name] = struct{}{}
		}
		if limit.RPS <= 0 {
			v.Add("limits[%d].rps must be > 0", i)
		}
		if limit.Burst <= 0 {
			v.Add("limits[%d].burst must be > 0", i)
		}
		if !validKey(limit.Key) {
			v.Add("limits[%d].key must be ip|ip_path|header:<name>|cookie:<name>", i)
		}
		if !validAction(limit.Action) {
			v.Add("limits[%d].action must be monitor|block|challenge", i)
		}
	}

	ruleIDs := map[string]struct{}{}
	for i, rule := range c.Rules {
		if rule.ID == "" {
			v.Add("rules[%d].id is required", i)
		} else if _, exists := ruleIDs[rule.ID]; exists {
			v.Add("rules[%d].id %q is duplicated", i, rule.ID)
		} else {
			ruleIDs[rule.ID] = struct{}{}
		}

		switch rule.Phase {
		case "request_line", "headers", "query", "body", "cookies":
		default:
			v.Add("rules[%d].phase must be request_line|headers|query|body|cookies", i)
		}

		if rule.Match.Type == "" {
			v.Add("rules[%d].match.type is required", i)
		}

		switch rule.Match.Type {
		case "aho":
			if rule.Match.PatternsFile == "" && len(rule.Match.Patterns) == 0 {
				v.Add("rules[%d].match.patterns or patternsFile is required for aho", i)
			} else if rule.Match.PatternsFile != "" {
				if err := requireFile(c.resolvePath(rule.Match.PatternsFile)); err != nil {
					v.Add("rules[%d].match.patternsFile invalid: %v", i, err)
				}
			}
		case "regex":
			if rule.Match.Pattern == "" {
				v.Add("rules[%d].match.pattern is required for regex", i)
			} else if _, err := regexp.Compile(rule.Match.Pattern); err != nil {
				v.Add("rules[%d].match.pattern invalid: %v", i, err)
			}
		default:
			v.Add("rules[%d].match.type must be aho|regex", i)
		}
	}

	policyNames := map[string]struct{}{}
	for name, policy := range c.Policies {
		if name == "" {
			v.Add("policies has an empty name")
			continue
		}
		policyNames[name] = struct{}{}

		cf := policy.ContentFilter
		if cf.MaxBodySize <= 0 {
			v.Add("policies.%s.contentFilter.maxBodySize must be > 0", name)
		}
		if cf.AnomalyThreshold < 0 {
			v.Add("policies.%s.contentFilter.anomalyThreshold must be >= 0", name)
		}
		if !validAction(cf.Action) {
			v.Add("policies.%s.contentFilter.action must be monitor|block|challenge", name)
		}
		for _, id := range cf.Rules {
			if _, exists := ruleIDs[id]; !exists {
				v.Add("policies.%s.contentFilter.rules %q does not exist", name, id)
			}
		}
		for _, limit := range policy.Limits {
			if _, exists := limitNames[limit]; !exists {
				v.Add("policies.%s.limits %q does not exist", name, limit)
			}
		}
	}

	for i, route := range c.Routes {
		if route.Match.PathPrefix == "" {
			v.Add("routes[%d].match.pathPrefix is required", i)
		}
		if route.Upstream != "" {
			if _, exists := upstreamNames[route.Upstream]; !exists {
				v.Add("routes[%d].upstream %q does not exist", i, route.Upstream)
			}
		}
		if route.Policy == "" {
			v.Add("routes[%d].policy is required", i)
		} else if _, exists := policyNames[route.Policy]; !exists {
			v.Add("routes[%d].policy %q does not exist", i, route.Policy)
		}
	}

	filterIDs := map[string]struct{}{}
	for i, filter := range c.GlobalFilters {
		if filter.ID == "" {
			v.Add("globalFilters[%d].id is required", i)
		} else if _, exists := filterIDs[filter.ID]; exists {
			v.Add("globalFilters[%d].id %q is duplicated", i, filter.ID)
		} else {
			filterIDs[filter.ID] = struct{}{}
		}
		if filter.Action != "" && filter.Action != ActionNone && !validAction(filter.Action) {
			v.Add("globalFilters[%d].action must be none|monitor|block|challenge", i)
		}
		if _, err := compileMatch(filter.Match); err != nil {
			v.Add("globalFilters[%d].match invalid: %v", i, err)
		}
	}

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return v
	}
	return nil
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func validAction(action string) bool {
	switch action {
	case "", ActionMonitor, ActionBlock, ActionChallenge:
		return true
	default:
		return false
	}
}

func validKey(key string) bool {
	switch {
	case key == "", key == "ip", key == "ip_path":
		return true
	case strings.HasPrefix(key, "header:"), strings.HasPrefix(key, "cookie:"):
		return len(key) > strings.Index(key, ":")+1
	default:
		return false
	}
}
