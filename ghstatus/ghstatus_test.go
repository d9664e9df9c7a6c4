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

package ghstatus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMonitorOnlineStartsTrue(t *testing.T) {
	m := New(time.Minute)
	if !m.Online() {
		t.Error("Online() = false immediately after New(), want true")
	}
}

func TestMonitorPollOperational(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"components":[{"name":"API Requests","status":"operational"}]}`))
	}))
	defer srv.Close()

	m := New(time.Minute, WithStatusURL(srv.URL))
	m.poll()
	if !m.Online() {
		t.Error("Online() = false after operational poll, want true")
	}
}

func TestMonitorPollMajorOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"components":[{"name":"API Requests","status":"major_outage"}]}`))
	}))
	defer srv.Close()

	m := New(time.Minute, WithStatusURL(srv.URL))
	m.poll()
	if m.Online() {
		t.Error("Online() = true after major_outage poll, want false")
	}
}

func TestMonitorPollDegradedStaysOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"components":[{"name":"API Requests","status":"degraded_performance"}]}`))
	}))
	defer srv.Close()

	m := New(time.Minute, WithStatusURL(srv.URL))
	m.poll()
	if !m.Online() {
		t.Error("Online() = false after degraded_performance poll, want true (only major_outage flips offline)")
	}
}

func TestMonitorPollTransportErrorSetsOffline(t *testing.T) {
	m := New(time.Minute, WithStatusURL("http://127.0.0.1:0/nonexistent"))
	m.poll()
	if m.Online() {
		t.Error("Online() = true after a poll that could not reach the status page, want false")
	}
}

func TestMonitorPollNon2xxSetsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New(time.Minute, WithStatusURL(srv.URL))
	m.poll()
	if m.Online() {
		t.Error("Online() = true after a 500 from the status page, want false")
	}
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"components":[{"name":"API Requests","status":"operational"}]}`))
	}))
	defer srv.Close()

	m := New(time.Millisecond, WithStatusURL(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
