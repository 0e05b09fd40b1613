package decision

import (
	"sort"
	"strings"
)

type Location string

const (
	LocationRequest Location = "request"
	LocationIP      Location = "ip"
	LocationURI     Location = "uri"
	LocationPath    Location = "path"
	LocationArgs    Location = "args"
	LocationHeaders Location = "headers"
	LocationCookies Location = "cookies"
	LocationBody    Location = "body"
)

// TagAll is present on every result, including early exits.
const TagAll = "all"

// Tags maps a tag name to where it was found.
type Tags map[string]Location

func NewTags() Tags {
	return Tags{TagAll: LocationRequest}
}

// Insert records a tidied tag. The reserved all tag is never moved.
func (t Tags) Insert(name string, loc Location) {
	name = tidyTag(name)
	if name == "" {
		return
	}
	if _, ok := t[name]; ok && name == TagAll {
		return
	}
	t[name] = loc
}

// Extend merges other into t. The reserved all tag keeps its location.
func (t Tags) Extend(other Tags) {
	for name, loc := range other {
		if name == TagAll {
			if _, ok := t[TagAll]; ok {
				continue
			}
		}
		t[name] = loc
	}
}

func (t Tags) Has(name string) bool {
	_, ok := t[tidyTag(name)]
	return ok
}

func (t Tags) Names() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func tidyTag(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "-")
}
