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

// Package ghstatus implements the upstream health monitor: a single
// background goroutine that polls GitHub's public status document and
// maintains a shared online/offline flag.
package ghstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultStatusURL is the upstream status document polled by the monitor.
const DefaultStatusURL = "https://www.githubstatus.com/api/v2/components.json"

// componentName is the status-page component whose status gates the
// online flag.
const componentName = "API Requests"

type statusComponent struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type statusDocument struct {
	Components []statusComponent `json:"components"`
}

// Monitor holds the single shared online/offline flag. Readers call
// Online; exactly one goroutine (spawned once, by Run) writes it.
type Monitor struct {
	online atomic.Bool

	statusURL string
	sleep     time.Duration
	client    *http.Client
}

// Option customizes a Monitor constructed by New.
type Option func(*Monitor)

// WithStatusURL overrides the status document URL (default
// DefaultStatusURL). Used by tests to point at a fake upstream.
func WithStatusURL(url string) Option {
	return func(m *Monitor) { m.statusURL = url }
}

// WithHTTPClient overrides the HTTP client used to poll the status
// document. Defaults to a client with a retrying transport (budget 3) and
// a 10s timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) { m.client = client }
}

// New constructs a Monitor. The flag starts online (per spec, a fresh
// process assumes upstream is healthy until the first poll says
// otherwise). Run must be started exactly once, in its own goroutine, to
// actually poll.
func New(sleep time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		statusURL: DefaultStatusURL,
		sleep:     sleep,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: newRetryingTransport(http.DefaultTransport, 3),
		},
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current health flag. Safe for concurrent use by any
// number of readers; never blocks on the writer.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run polls the status document in a loop until ctx is canceled. It is
// meant to be started once, as a daemon goroutine, by the process that
// constructs the Monitor — it never returns on its own and requires no
// join at shutdown.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.poll()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.sleep):
		}
	}
}

// Poll issues a single synchronous probe and updates the flag
// immediately, without waiting for Run's loop. Exposed for callers (and
// tests) that need a deterministic health transition rather than waiting
// on the sleep interval.
func (m *Monitor) Poll() {
	m.poll()
}

func (m *Monitor) poll() {
	req, err := http.NewRequest(http.MethodGet, m.statusURL, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to build GitHub status request.")
		m.online.Store(false)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		logrus.WithError(err).Warn("GitHub status check failed, marking upstream offline.")
		m.online.Store(false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.WithField("status", resp.StatusCode).Warn("GitHub status check returned a non-2xx response, marking upstream offline.")
		m.online.Store(false)
		return
	}

	var doc statusDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		logrus.WithError(err).Warn("Failed to decode GitHub status response, marking upstream offline.")
		m.online.Store(false)
		return
	}

	for _, c := range doc.Components {
		if c.Name == componentName {
			m.online.Store(c.Status != "major_outage")
			return
		}
	}
	// Component not present in the document: assume healthy rather than
	// flip every caller offline because of a status-page schema change.
	m.online.Store(true)
}
