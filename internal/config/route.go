package config

import (
	"net"
	"sort"
	"strings"
)

type indexedRoute struct {
	index int
	host  string
	route Route
}

// MatchRoute finds the route for host and path. Host-specific routes and
// longer path prefixes win; ties keep file order.
func (c *Config) MatchRoute(host, path string) (Route, int, bool) {
	routes := c.sortedRoutes
	if routes == nil {
		routes = sortRoutes(c.Routes)
	}

	host = strings.ToLower(stripPort(host))
	for _, r := range routes {
		if r.host != "" && r.host != host {
			continue
		}
		if strings.HasPrefix(path, r.route.Match.PathPrefix) {
			return r.route, r.index, true
		}
	}
	return Route{}, -1, false
}

func sortRoutes(in []Route) []indexedRoute {
	routes := make([]indexedRoute, 0, len(in))
	for i, route := range in {
		routes = append(routes, indexedRoute{
			index: i,
			host:  strings.ToLower(strings.TrimSpace(route.Match.Host)),
			route: route,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].route.Match.PathPrefix) == len(routes[j].route.Match.PathPrefix) {
			if (routes[i].host == "") != (routes[j].host == "") {
				return routes[i].host != ""
			}
			return routes[i].index < routes[j].index
		}
		return len(routes[i].route.Match.PathPrefix) > len(routes[j].route.Match.PathPrefix)
	})
	return routes
}

func stripPort(hostport string) string {
	if hostport == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}

	return hostport
}
