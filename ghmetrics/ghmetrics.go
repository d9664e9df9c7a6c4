/*
Copyright 2019 The Kubernetes Authors.

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

// Package ghmetrics instruments every mirrored request: a total-request
// counter, a latency histogram labeled by cache outcome/status/method/user,
// and two gauges sampling the wired cache's reported size at scrape time.
package ghmetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/app-sre/github-mirror/ghcache"
)

var httpRequestCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "http_request",
	Help: "Total requests handled by the mirror.",
})

var requestLatencyHist = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "request_latency_seconds",
		Help: "Request latency histogram.",
	},
	[]string{"cache", "status", "method", "user"},
)

func init() {
	prometheus.MustRegister(httpRequestCounter)
	prometheus.MustRegister(requestLatencyHist)
	prometheus.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	prometheus.MustRegister(prometheus.NewGoCollector())
}

// RegisterCacheGauges wires github_mirror_cache_size and
// github_mirror_cached_objects to sample cache at scrape time. Call once,
// after the cache backend has been constructed.
func RegisterCacheGauges(cache ghcache.Cache) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "github_mirror_cache_size",
			Help: "Cache size in bytes.",
		},
		func() float64 {
			size, err := cache.ByteSize()
			if err != nil {
				return 0
			}
			return float64(size)
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "github_mirror_cached_objects",
			Help: "Number of cached objects.",
		},
		func() float64 {
			n, err := cache.Len()
			if err != nil {
				return 0
			}
			return float64(n)
		},
	))
}

// Observe records one completed request: increments the total-request
// counter and observes its latency into the histogram.
func Observe(cache ghcache.CacheStatusTag, statusCode int, method, user string, elapsed time.Duration) {
	httpRequestCounter.Inc()
	requestLatencyHist.With(prometheus.Labels{
		"cache":  string(cache),
		"status": strconv.Itoa(statusCode),
		"method": method,
		"user":   user,
	}).Observe(elapsed.Seconds())
}

// ResolveUser implements the §4.6 fallback chain: the authorized-user
// set's resolved login for this Authorization value, else the response
// body's "login" field (the first call is typically /user itself), else
// the literal string "None".
func ResolveUser(knownLogin string, responseLogin string) string {
	if knownLogin != "" {
		return knownLogin
	}
	if responseLogin != "" {
		return responseLogin
	}
	return "None"
}
