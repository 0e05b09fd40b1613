package ratelimit

import (
	"strings"

	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/request"
)

type KeyType string

const (
	KeyIP     KeyType = "ip"
	KeyIPPath KeyType = "ip_path"
	KeyHeader KeyType = "header"
	KeyCookie KeyType = "cookie"
)

// Key builds the bucket key for limit and info. It returns "" when the
// request lacks the value the limit is keyed on, which exempts it.
func Key(limit config.Limit, info *request.Info) string {
	if info == nil {
		return ""
	}

	kind, name, _ := strings.Cut(limit.Key, ":")
	var id string
	switch KeyType(kind) {
	case KeyIP, "":
		id = info.IP
	case KeyIPPath:
		if info.IP == "" {
			return ""
		}
		id = info.IP + "|" + info.Meta.Path
	case KeyHeader:
		id, _ = info.Headers.Get(name)
	case KeyCookie:
		id, _ = info.Cookies.Get(name)
	default:
		return ""
	}
	if id == "" {
		return ""
	}
	return limit.Name + ":" + id
}
