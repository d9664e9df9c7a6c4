/*
Copyright 2020 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ghrewrite sanitizes an upstream response for a mirror client:
// it drops every header except a small whitelist and rewrites occurrences
// of the upstream base URL in the Link header and body so clients that
// follow pagination never leak outside the mirror.
package ghrewrite

import (
	"net/http"
	"strings"

	"github.com/app-sre/github-mirror/ghcache"
)

// headerWhitelist is the only set of upstream headers ever surfaced to a
// client.
var headerWhitelist = []string{"X-Cache", "Link", "Content-Type", "Last-Modified", "ETag"}

// Rewrite produces the client-facing view of resp: status code passed
// through unchanged, headers reduced to the whitelist, and every
// occurrence of upstreamBaseURL (trailing slash stripped) in the Link
// header and body replaced with mirrorBaseURL (trailing slash stripped).
func Rewrite(resp *ghcache.CachedResponse, mirrorBaseURL, upstreamBaseURL string) (status int, header http.Header, body []byte) {
	upstreamBaseURL = strings.TrimRight(upstreamBaseURL, "/")
	mirrorBaseURL = strings.TrimRight(mirrorBaseURL, "/")

	header = http.Header{}
	for _, name := range headerWhitelist {
		if v := resp.Header.Get(name); v != "" {
			if name == "Link" {
				v = strings.ReplaceAll(v, upstreamBaseURL, mirrorBaseURL)
			}
			header.Set(name, v)
		}
	}

	if resp.Body == nil {
		return resp.StatusCode, header, nil
	}

	rewritten := strings.ReplaceAll(string(resp.Body), upstreamBaseURL, mirrorBaseURL)
	return resp.StatusCode, header, []byte(rewritten)
}
