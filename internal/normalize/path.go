package normalize

import "strings"

// Path resolves dot segments and repeated separators the way a permissive
// origin server would, so that evasions like /a/./b, /a//b or a\..\b
// collapse to the path actually served. A query or fragment suffix is kept
// verbatim. Dot-dot segments never climb above the first segment.
func Path(p string) string {
	if p == "" {
		return "/"
	}
	suffix := ""
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p, suffix = p[:i], p[i:]
	}
	p = strings.ReplaceAll(p, `\`, "/")

	rooted := strings.HasPrefix(p, "/")
	dir := strings.HasSuffix(p, "/") || strings.HasSuffix(p, "/.") || strings.HasSuffix(p, "/..")

	var segs []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			if n := len(segs); n > 0 {
				segs = segs[:n-1]
			}
		default:
			segs = append(segs, seg)
		}
	}

	out := strings.Join(segs, "/")
	if rooted {
		out = "/" + out
	}
	if dir && len(segs) > 0 {
		out += "/"
	}
	if out == "" {
		out = "/"
	}
	return out + suffix
}
