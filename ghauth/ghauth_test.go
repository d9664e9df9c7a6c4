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

package ghauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/app-sre/github-mirror/ghcache"
	"github.com/app-sre/github-mirror/ghengine"
	"github.com/app-sre/github-mirror/ghstatus"
)

func newTestGate(t *testing.T, allowList []string, userHandler http.HandlerFunc) (*Gate, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(userHandler)
	engine := ghengine.New(ghcache.NewMemCache(), ghstatus.New(time.Hour), srv.URL, 2*time.Second)
	return New(engine, allowList), srv
}

func TestOpenModeNoAuthorizationPasses(t *testing.T) {
	g, srv := newTestGate(t, nil, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected call to /user in open mode with no authorization")
	})
	defer srv.Close()

	pass, rejection, err := g.Authorize(context.Background(), "")
	if err != nil || !pass || rejection != nil {
		t.Errorf("Authorize() = (%v, %v, %v), want (true, nil, nil)", pass, rejection, err)
	}
}

func TestClosedModeNoAuthorizationRejected(t *testing.T) {
	g, srv := newTestGate(t, []string{"app-sre-bot"}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected call to /user")
	})
	defer srv.Close()

	pass, rejection, err := g.Authorize(context.Background(), "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if pass {
		t.Error("Authorize() passed an anonymous caller in closed mode")
	}
	if rejection.StatusCode != http.StatusUnauthorized {
		t.Errorf("rejection status = %d, want 401", rejection.StatusCode)
	}
	if !strings.Contains(string(rejection.Body), "documentation_url") {
		t.Errorf("rejection body missing documentation_url: %s", rejection.Body)
	}
}

func TestOpenModeResolvesAndCachesCaller(t *testing.T) {
	var calls int
	g, srv := newTestGate(t, nil, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"login":"anyone"}`))
	})
	defer srv.Close()

	pass1, _, err := g.Authorize(context.Background(), "token abc")
	if err != nil || !pass1 {
		t.Fatalf("first Authorize() = (%v, %v)", pass1, err)
	}
	pass2, _, err := g.Authorize(context.Background(), "token abc")
	if err != nil || !pass2 {
		t.Fatalf("second Authorize() = (%v, %v)", pass2, err)
	}
	if calls != 1 {
		t.Errorf("/user called %d times, want 1 (second call should hit the authorized-set cache)", calls)
	}
	if got := g.Login("token abc"); got != "anyone" {
		t.Errorf("Login() = %q, want %q (the authorized set must retain the resolved login for metrics)", got, "anyone")
	}
}

func TestLoginUnknownForUnresolvedCaller(t *testing.T) {
	g, srv := newTestGate(t, nil, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected call to /user")
	})
	defer srv.Close()

	if got := g.Login("never-seen"); got != "" {
		t.Errorf("Login() = %q, want \"\" for a caller that was never authorized", got)
	}
	if got := g.Login(""); got != "" {
		t.Errorf("Login(\"\") = %q, want \"\"", got)
	}
}

// Scenario 7: allow-list rejection.
func TestAllowListRejectsUnlistedUser(t *testing.T) {
	var resourceCalls int
	g, srv := newTestGate(t, []string{"app-sre-bot"}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user" {
			_, _ = w.Write([]byte(`{"login":"other"}`))
			return
		}
		resourceCalls++
	})
	defer srv.Close()

	pass, rejection, err := g.Authorize(context.Background(), "foo")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if pass {
		t.Error("Authorize() passed a user not on the allow-list")
	}
	if rejection.StatusCode != http.StatusForbidden {
		t.Errorf("rejection status = %d, want 403", rejection.StatusCode)
	}
	if !strings.Contains(string(rejection.Body), "message") || !strings.Contains(string(rejection.Body), "documentation_url") {
		t.Errorf("rejection body missing expected fields: %s", rejection.Body)
	}
	if resourceCalls != 0 {
		t.Error("resource endpoint was called despite rejection")
	}
}

func TestAllowListPassesListedUser(t *testing.T) {
	g, srv := newTestGate(t, []string{"app-sre-bot"}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"login":"app-sre-bot"}`))
	})
	defer srv.Close()

	pass, rejection, err := g.Authorize(context.Background(), "foo")
	if err != nil || !pass || rejection != nil {
		t.Errorf("Authorize() = (%v, %v, %v), want (true, nil, nil)", pass, rejection, err)
	}
}

func TestUserEndpointFailurePropagatesStatus(t *testing.T) {
	g, srv := newTestGate(t, []string{"app-sre-bot"}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	})
	defer srv.Close()

	pass, rejection, err := g.Authorize(context.Background(), "bad-token")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if pass {
		t.Error("Authorize() passed a caller whose /user lookup failed")
	}
	if rejection.StatusCode != http.StatusUnauthorized {
		t.Errorf("rejection status = %d, want 401 (forwarded from upstream)", rejection.StatusCode)
	}
}
