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

// github-mirror is a caching, authenticating HTTP reverse proxy that sits
// in front of the GitHub REST API and serves responses from a local cache
// whenever the upstream's conditional-request machinery, rate limiting,
// or health says a cached copy may be served instead.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/app-sre/github-mirror/ghauth"
	"github.com/app-sre/github-mirror/ghcache"
	"github.com/app-sre/github-mirror/ghengine"
	"github.com/app-sre/github-mirror/ghmetrics"
	"github.com/app-sre/github-mirror/ghrewrite"
	"github.com/app-sre/github-mirror/ghstatus"
)

const (
	defaultUpstream        = "https://api.github.com"
	defaultPort            = 8080
	defaultRequestsTimeout = 10 * time.Second
	defaultStatusSleep     = 1 * time.Second
)

type options struct {
	port int

	upstream string

	githubUsers string

	cacheType       string
	primaryEndpoint string
	readerEndpoint  string
	redisPort       string
	redisToken      string
	redisSSL        bool

	statusSleepSeconds int

	mirrorURL string

	logLevel string
}

func (o *options) allowList() []string {
	if o.githubUsers == "" {
		return nil
	}
	return strings.Split(o.githubUsers, ":")
}

func (o *options) validate() error {
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level specified: %w", err)
	}
	logrus.SetLevel(level)

	if _, err := url.Parse(o.upstream); err != nil {
		return fmt.Errorf("failed to parse upstream URL: %w", err)
	}

	switch o.cacheType {
	case "in-memory", "redis":
	default:
		return fmt.Errorf("invalid CACHE_TYPE %q: must be in-memory or redis", o.cacheType)
	}

	if o.cacheType == "redis" && o.primaryEndpoint == "" {
		return errors.New("PRIMARY_ENDPOINT is required when CACHE_TYPE=redis")
	}

	return nil
}

func flagOptions() *options {
	o := &options{}
	flag.IntVar(&o.port, "port", envInt("PORT", defaultPort), "Port to listen on.")
	flag.StringVar(&o.upstream, "upstream", envString("GITHUB_MIRROR_UPSTREAM", defaultUpstream), "Scheme, host, and base path of the reverse proxy upstream.")
	flag.StringVar(&o.githubUsers, "github-users", os.Getenv("GITHUB_USERS"), "Colon-separated allow-list of GitHub logins. Empty means open mode.")
	flag.StringVar(&o.cacheType, "cache-type", envString("CACHE_TYPE", "in-memory"), "Cache backend: in-memory or redis.")
	flag.StringVar(&o.primaryEndpoint, "primary-endpoint", os.Getenv("PRIMARY_ENDPOINT"), "Redis primary endpoint host (redis cache only).")
	flag.StringVar(&o.readerEndpoint, "reader-endpoint", os.Getenv("READER_ENDPOINT"), "Redis reader endpoint host, defaults to the primary (redis cache only).")
	flag.StringVar(&o.redisPort, "redis-port", envString("REDIS_PORT", "6379"), "Redis port (redis cache only).")
	flag.StringVar(&o.redisToken, "redis-token", os.Getenv("REDIS_TOKEN"), "Redis AUTH token (redis cache only).")
	flag.BoolVar(&o.redisSSL, "redis-ssl", envBool("REDIS_SSL", false), "Whether to use TLS when dialing Redis.")
	flag.IntVar(&o.statusSleepSeconds, "github-status-sleep-time", envInt("GITHUB_STATUS_SLEEP_TIME", 1), "Seconds between upstream health polls.")
	flag.StringVar(&o.mirrorURL, "github-mirror-url", os.Getenv("GITHUB_MIRROR_URL"), "Mirror's externally-visible base URL, substituted into rewritten Link headers and bodies. Defaults to the inbound request's own host.")
	flag.StringVar(&o.logLevel, "log-level", envString("LOG_LEVEL", "info"), fmt.Sprintf("Log level is one of %v.", logrus.AllLevels))
	return o
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func buildCache(o *options) ghcache.Cache {
	if o.cacheType == "redis" {
		reader := o.readerEndpoint
		if reader == "" {
			reader = o.primaryEndpoint
		}
		return ghcache.NewRedisCache(ghcache.RedisConfig{
			PrimaryAddress: o.primaryEndpoint + ":" + o.redisPort,
			ReaderAddress:  reader + ":" + o.redisPort,
			Password:       o.redisToken,
			UseTLS:         o.redisSSL,
		})
	}
	return ghcache.NewMemCache()
}

func main() {
	o := flagOptions()
	flag.Parse()
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid arguments.")
	}

	cache := buildCache(o)
	ghmetrics.RegisterCacheGauges(cache)

	monitor := ghstatus.New(time.Duration(o.statusSleepSeconds) * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go monitor.Run(ctx)

	engine := ghengine.New(cache, monitor, o.upstream, defaultRequestsTimeout)
	gate := ghauth.New(engine, o.allowList())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", recoverMiddleware(o, proxyHandler(o, engine, gate)))

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(o.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("port", o.port).Info("Starting github-mirror.")

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server exited unexpectedly.")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logrus.Info("Shutting down.")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Error during graceful shutdown.")
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// recoverMiddleware implements the outer error handler from spec.md §7: an
// uncaught panic in the proxy path produces a 502 JSON response rather
// than crashing the server.
func recoverMiddleware(o *options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.WithField("panic", rec).Error("Recovered from panic while handling request.")
				writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Error reaching %s: %v", o.upstream, rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// proxyHandler implements the catch-all proxy path: gate, engine, rewriter,
// metrics, in that order, per spec.md §2's data-flow diagram.
func proxyHandler(o *options, engine *ghengine.Engine, gate *ghauth.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		authorization := r.Header.Get("Authorization")

		pass, rejection, err := gate.Authorize(ctx, authorization)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Error reaching %s: %v", o.upstream, err))
			return
		}
		if !pass {
			writeResponse(w, rejection)
			recordMetrics(gate, authorization, rejection.Body, rejection.StatusCode, "", r.Method, start)
			return
		}

		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
		}

		resp, tag, err := engine.Handle(ctx, r.Method, r.URL.Path, authorization, body, r.URL.Query())
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, fmt.Sprintf("Error reaching %s: %v", o.upstream, err))
			return
		}

		mirrorBase := o.mirrorURL
		if mirrorBase == "" {
			mirrorBase = requestBaseURL(r)
		}
		status, header, rewritten := ghrewrite.Rewrite(resp, mirrorBase, o.upstream)
		header.Set("X-Cache", string(tag))
		for k, v := range header {
			w.Header()[k] = v
		}
		w.WriteHeader(status)
		if rewritten != nil {
			_, _ = w.Write(rewritten)
		}

		recordMetrics(gate, authorization, resp.Body, status, string(tag), r.Method, start)
	})
}

func writeResponse(w http.ResponseWriter, resp *ghcache.CachedResponse) {
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = w.Write(resp.Body)
	}
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// recordMetrics resolves the §4.6 user label through the full fallback
// chain: the gate's authorized-user set first (keyed on the raw
// Authorization header, populated whenever Authorize resolves a login),
// then the response body's own "login" field, then "None".
func recordMetrics(gate *ghauth.Gate, authorization string, body []byte, status int, cacheTag string, method string, start time.Time) {
	var responseLogin string
	if body != nil {
		var user struct {
			Login string `json:"login"`
		}
		_ = json.Unmarshal(body, &user)
		responseLogin = user.Login
	}
	knownLogin := gate.Login(authorization)
	user := ghmetrics.ResolveUser(knownLogin, responseLogin)
	ghmetrics.Observe(ghcache.CacheStatusTag(cacheTag), status, method, user, time.Since(start))
}
