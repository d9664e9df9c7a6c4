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

// Package ghengine implements the conditional request engine: the state
// machine that decides, per request, whether to revalidate against
// upstream, serve straight from cache, or bypass the cache entirely.
package ghengine

import (
	"context"
	"crypto/sha1" //nolint:gosec // fingerprinting only, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/app-sre/github-mirror/ghcache"
	"github.com/app-sre/github-mirror/ghstatus"
)

// DefaultPerPage is injected into the outbound query string whenever the
// caller's request omits an explicit per_page parameter, so pagination
// boundaries are predictable regardless of client behavior.
const DefaultPerPage = 30

var rateLimitMessages = []string{
	"API rate limit exceeded",
	"secondary rate limit",
	"abuse detection mechanism",
}

// gatewayTimeoutBody is the body of the synthetic 504 the engine returns
// when the health monitor reports upstream offline and nothing cached can
// be served instead (and when upstream answers 304 with nothing cached).
// A transport error with nothing cached is returned as an error instead.
var gatewayTimeoutBody = []byte(`{"message":"gateway timeout"}`)

// Engine is the conditional request engine. It is safe for concurrent use.
type Engine struct {
	Cache           ghcache.Cache
	Monitor         *ghstatus.Monitor
	UpstreamBaseURL string
	Client          *http.Client
}

// New constructs an Engine. timeout is applied per outbound call as the
// http.Client's Timeout (REQUESTS_TIMEOUT, default 10s per spec).
func New(cache ghcache.Cache, monitor *ghstatus.Monitor, upstreamBaseURL string, timeout time.Duration) *Engine {
	return &Engine{
		Cache:           cache,
		Monitor:         monitor,
		UpstreamBaseURL: strings.TrimRight(upstreamBaseURL, "/"),
		Client:          &http.Client{Timeout: timeout},
	}
}

// Handle implements the full state machine described in spec.md §4.4. path
// must start with "/" and is relative to UpstreamBaseURL. query is the
// caller's raw query string parameters (per_page among them, if present).
// authorization is the raw Authorization header value, or "" if absent.
//
// An error return means the engine could not produce any response at all
// (no cache entry to fall back on) — callers should surface a 502.
func (e *Engine) Handle(ctx context.Context, method, path string, authorization string, body []byte, query url.Values) (*ghcache.CachedResponse, ghcache.CacheStatusTag, error) {
	if e.Monitor.Online() {
		return e.onlineRequest(ctx, method, path, authorization, body, query)
	}
	return e.offlineRequest(method, path, authorization)
}

func fingerprint(authorization string) string {
	if authorization == "" {
		return ""
	}
	sum := sha1.Sum([]byte(authorization)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (e *Engine) upstreamURL(path string, query url.Values) string {
	u := e.UpstreamBaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func syntheticGatewayTimeout() *ghcache.CachedResponse {
	return &ghcache.CachedResponse{
		StatusCode: http.StatusGatewayTimeout,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       append([]byte(nil), gatewayTimeoutBody...),
	}
}

func (e *Engine) offlineRequest(method, path, authorization string) (*ghcache.CachedResponse, ghcache.CacheStatusTag, error) {
	if method != http.MethodGet {
		logrus.WithField("url", path).Info("OFFLINE non-GET CACHE_MISS")
		return syntheticGatewayTimeout(), ghcache.TagOfflineMiss, nil
	}

	key := ghcache.CacheKey{URL: path, Fingerprint: fingerprint(authorization)}
	cached, err := e.Cache.Get(key)
	if err == nil {
		logrus.WithField("url", path).Info("OFFLINE GET CACHE_HIT")
		return cached, ghcache.TagOfflineHit, nil
	}
	if !errors.Is(err, ghcache.ErrNotFound) {
		return nil, "", err
	}

	logrus.WithField("url", path).Info("OFFLINE GET CACHE_MISS")
	return syntheticGatewayTimeout(), ghcache.TagOfflineMiss, nil
}

func effectivePerPage(query url.Values) (int, url.Values) {
	out := url.Values{}
	for k, v := range query {
		out[k] = append([]string(nil), v...)
	}

	if raw := out.Get("per_page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n, out
		}
	}
	out.Set("per_page", strconv.Itoa(DefaultPerPage))
	return DefaultPerPage, out
}

func (e *Engine) onlineRequest(ctx context.Context, method, path, authorization string, body []byte, query url.Values) (*ghcache.CachedResponse, ghcache.CacheStatusTag, error) {
	perPage, effectiveQuery := effectivePerPage(query)
	fp := fingerprint(authorization)

	if method != http.MethodGet {
		resp, err := e.roundTrip(ctx, method, path, authorization, body, effectiveQuery, nil)
		if err != nil {
			return nil, "", err
		}
		logrus.WithFields(logrus.Fields{"method": method, "url": path}).Info("ONLINE non-GET CACHE_MISS")
		return resp, ghcache.TagOnlineMiss, nil
	}

	key := ghcache.CacheKey{URL: path, Fingerprint: fp}
	cached, err := e.Cache.Get(key)
	var cachedResp *ghcache.CachedResponse
	if err == nil {
		cachedResp = cached
	} else if !errors.Is(err, ghcache.ErrNotFound) {
		return nil, "", err
	}

	condHeaders := map[string]string{}
	if cachedResp != nil {
		if etag := cachedResp.Header.Get("ETag"); etag != "" {
			condHeaders["If-None-Match"] = etag
		}
		if lastMod := cachedResp.Header.Get("Last-Modified"); lastMod != "" {
			condHeaders["If-Modified-Since"] = lastMod
		}
	}

	resp, tag, err := e.onlineGET(ctx, path, authorization, effectiveQuery, condHeaders, cachedResp)
	if err != nil {
		return nil, "", err
	}

	if resp.StatusCode == http.StatusNotModified {
		return e.handleNotModified(ctx, path, authorization, effectiveQuery, perPage, cachedResp, key)
	}

	if _, isTagged := resp.Header["X-Cache"]; !isTagged {
		logrus.WithField("url", path).Info("ONLINE GET CACHE_MISS")
		if ghcache.Cacheable(resp.StatusCode, resp.Header) {
			if putErr := e.Cache.Put(key, resp); putErr != nil {
				logrus.WithError(putErr).Warn("Failed to store cache entry.")
			}
		}
		return resp, ghcache.TagOnlineMiss, nil
	}

	return resp, tag, nil
}

// onlineGET issues the conditional upstream GET and classifies the
// outcome per the dispatch table in spec.md §4.4. The returned tag is only
// meaningful when resp.Header carries an "X-Cache" marker (used internally
// to short-circuit the caller); a 304 is always returned untagged so the
// caller routes it through handleNotModified.
func (e *Engine) onlineGET(ctx context.Context, path, authorization string, query url.Values, condHeaders map[string]string, cachedResp *ghcache.CachedResponse) (*ghcache.CachedResponse, ghcache.CacheStatusTag, error) {
	resp, err := e.roundTrip(ctx, http.MethodGet, path, authorization, nil, query, condHeaders)
	if err != nil {
		if cachedResp == nil {
			return nil, "", err
		}
		if isTimeout(err) {
			logrus.WithField("url", path).Info("API_TIMEOUT GET CACHE_HIT")
			return taggedFromCache(cachedResp, ghcache.TagAPITimeoutHit), ghcache.TagAPITimeoutHit, nil
		}
		logrus.WithField("url", path).Info("API_CONNECTION_ERROR GET CACHE_HIT")
		return taggedFromCache(cachedResp, ghcache.TagAPIConnectionErrHit), ghcache.TagAPIConnectionErrHit, nil
	}

	if resp.StatusCode == http.StatusNotModified {
		return resp, "", nil
	}

	if isRateLimitError(resp) {
		if cachedResp != nil {
			logrus.WithField("url", path).Info("RATE_LIMITED GET CACHE_HIT")
			return taggedFromCache(cachedResp, ghcache.TagRateLimitedHit), ghcache.TagRateLimitedHit, nil
		}
		logrus.WithField("url", path).Info("RATE_LIMITED GET CACHE_MISS")
		return tagged(resp, ghcache.TagRateLimitedMiss), ghcache.TagRateLimitedMiss, nil
	}

	if resp.StatusCode >= 500 && resp.StatusCode < 600 {
		if cachedResp != nil {
			logrus.WithField("url", path).Info("API_ERROR GET CACHE_HIT")
			return taggedFromCache(cachedResp, ghcache.TagAPIErrorHit), ghcache.TagAPIErrorHit, nil
		}
		logrus.WithField("url", path).Info("API_ERROR GET CACHE_MISS")
		return tagged(resp, ghcache.TagAPIErrorMiss), ghcache.TagAPIErrorMiss, nil
	}

	return resp, "", nil
}

func (e *Engine) handleNotModified(ctx context.Context, path, authorization string, query url.Values, perPage int, cachedResp *ghcache.CachedResponse, key ghcache.CacheKey) (*ghcache.CachedResponse, ghcache.CacheStatusTag, error) {
	if cachedResp == nil {
		// Upstream returned 304 with nothing cached to revalidate against;
		// treat as a miss rather than panic on a nil dereference.
		return syntheticGatewayTimeout(), ghcache.TagOnlineMiss, nil
	}

	if isLastFullPage(cachedResp, perPage) {
		resp, err := e.roundTrip(ctx, http.MethodGet, path, authorization, nil, query, nil)
		if err != nil {
			return nil, "", err
		}
		logrus.WithField("url", path).Info("ONLINE GET CACHE_MISS (last-page revalidation)")
		if ghcache.Cacheable(resp.StatusCode, resp.Header) {
			if putErr := e.Cache.Put(key, resp); putErr != nil {
				logrus.WithError(putErr).Warn("Failed to store cache entry.")
			}
		}
		return resp, ghcache.TagOnlineMiss, nil
	}

	logrus.WithField("url", path).Info("ONLINE GET CACHE_HIT")
	return taggedFromCache(cachedResp, ghcache.TagOnlineHit), ghcache.TagOnlineHit, nil
}

func isLastFullPage(cached *ghcache.CachedResponse, perPage int) bool {
	n, ok := cached.JSONArrayLen()
	if !ok {
		return false
	}
	if n != perPage {
		return false
	}
	_, hasNext := cached.Links()["next"]
	return !hasNext
}

func isRateLimitError(resp *ghcache.CachedResponse) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	body := string(resp.Body)
	for _, m := range rateLimitMessages {
		if strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// tagged returns a shallow copy of resp with X-Cache set, so the stored
// cache entry (if any) is never mutated by this logical view.
func tagged(resp *ghcache.CachedResponse, tag ghcache.CacheStatusTag) *ghcache.CachedResponse {
	copied := *resp
	copied.Header = cloneHeader(resp.Header)
	copied.Header.Set("X-Cache", string(tag))
	return &copied
}

func taggedFromCache(cached *ghcache.CachedResponse, tag ghcache.CacheStatusTag) *ghcache.CachedResponse {
	return tagged(cached, tag)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// roundTrip issues a single upstream HTTP call and captures the result as
// a CachedResponse value (status, headers, body all read into memory —
// response bodies from the GitHub REST API are small enough that this is
// never a concern in practice, and it lets the rest of the engine treat
// "the response" as a plain value rather than a streaming body it must
// remember to close).
func (e *Engine) roundTrip(ctx context.Context, method, path, authorization string, body []byte, query url.Values, extraHeaders map[string]string) (*ghcache.CachedResponse, error) {
	u := e.upstreamURL(path, query)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return &ghcache.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}
