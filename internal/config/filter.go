package config

import (
	"fmt"
	"regexp"
)

// CompiledMatch holds the compiled regular expressions of a FilterMatch.
// It is built once per load and only read afterwards.
type CompiledMatch struct {
	Host    *regexp.Regexp
	Path    *regexp.Regexp
	Method  *regexp.Regexp
	IP      *regexp.Regexp
	Headers map[string]*regexp.Regexp
	Cookies map[string]*regexp.Regexp
	Args    map[string]*regexp.Regexp
}

// Matcher returns the compiled conditions, compiling them when the filter
// did not come through Compile.
func (f GlobalFilter) Matcher() (*CompiledMatch, error) {
	if f.compiled != nil {
		return f.compiled, nil
	}
	return compileMatch(f.Match)
}

// Compile prepares every global filter matcher. It is called by the Store
// before a configuration becomes visible.
func (c *Config) Compile() error {
	for i := range c.GlobalFilters {
		compiled, err := compileMatch(c.GlobalFilters[i].Match)
		if err != nil {
			return fmt.Errorf("globalFilters[%d] %s: %w", i, c.GlobalFilters[i].ID, err)
		}
		c.GlobalFilters[i].compiled = compiled
	}
	c.sortedRoutes = sortRoutes(c.Routes)
	return nil
}

func compileMatch(m FilterMatch) (*CompiledMatch, error) {
	out := &CompiledMatch{}
	var err error
	if out.Host, err = compileOptional(m.Host); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	if out.Path, err = compileOptional(m.Path); err != nil {
		return nil, fmt.Errorf("path: %w", err)
	}
	if out.Method, err = compileOptional(m.Method); err != nil {
		return nil, fmt.Errorf("method: %w", err)
	}
	if out.IP, err = compileOptional(m.IP); err != nil {
		return nil, fmt.Errorf("ip: %w", err)
	}
	if out.Headers, err = compileMap(m.Headers); err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if out.Cookies, err = compileMap(m.Cookies); err != nil {
		return nil, fmt.Errorf("cookies: %w", err)
	}
	if out.Args, err = compileMap(m.Args); err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	return out, nil
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func compileMap(in map[string]string) (map[string]*regexp.Regexp, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]*regexp.Regexp, len(in))
	for name, pattern := range in {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = re
	}
	return out, nil
}
