package ghcache

import "strings"

// parseLinkHeader parses an RFC 5988 Link header into a map of relation
// name to target URL, e.g. `rel="next"` -> "next": "<url>".
func parseLinkHeader(header string) map[string]string {
	links := map[string]string{}
	if header == "" {
		return links
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		urlPart := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(urlPart, "<") || !strings.HasSuffix(urlPart, ">") {
			continue
		}
		url := strings.Trim(urlPart, "<>")

		for _, seg := range segments[1:] {
			seg = strings.TrimSpace(seg)
			if !strings.HasPrefix(seg, "rel=") {
				continue
			}
			rel := strings.TrimPrefix(seg, "rel=")
			rel = strings.Trim(rel, `"`)
			links[rel] = url
		}
	}
	return links
}
