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

// Package ghauth implements the user-authorization gate: it validates an
// inbound Authorization header against an optional allow-list, using the
// upstream's /user endpoint through the conditional request engine so the
// lookup benefits from the engine's own caching and failure handling.
package ghauth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/app-sre/github-mirror/ghcache"
	"github.com/app-sre/github-mirror/ghengine"
)

// DocURL is returned as documentation_url on every rejection.
const DocURL = "https://github.com/app-sre/github-mirror#user-validation"

// Gate validates inbound requests per the decision table in spec.md §4.2.
type Gate struct {
	engine     *ghengine.Engine
	allowList  map[string]struct{} // nil/empty means open mode
	authorized *authorizedSet
}

// New constructs a Gate. An empty or nil allowList puts the gate in open
// mode: any caller that resolves successfully against /user is allowed
// (and anonymous callers pass straight through).
func New(engine *ghengine.Engine, allowList []string) *Gate {
	var set map[string]struct{}
	if len(allowList) > 0 {
		set = make(map[string]struct{}, len(allowList))
		for _, u := range allowList {
			set[u] = struct{}{}
		}
	}
	return &Gate{engine: engine, allowList: set, authorized: newAuthorizedSet()}
}

// Authorize implements the decision table. pass==true means the caller may
// proceed; otherwise rejection holds a ready-made response to send back
// (401/403, or whatever status /user itself returned). err is non-nil only
// when the engine itself failed (e.g. a cache backend connection error)
// and no response could be produced at all.
func (g *Gate) Authorize(ctx context.Context, authorization string) (pass bool, rejection *ghcache.CachedResponse, err error) {
	if g.allowList == nil && authorization == "" {
		return true, nil, nil
	}

	if authorization == "" {
		return false, jsonRejection(http.StatusUnauthorized, "Authorization header is required"), nil
	}

	if g.authorized.Contains(authorization) {
		return true, nil, nil
	}

	resp, _, handleErr := g.engine.Handle(ctx, http.MethodGet, "/user", authorization, nil, nil)
	if handleErr != nil {
		return false, nil, handleErr
	}

	if resp.StatusCode != http.StatusOK {
		return false, resp, nil
	}

	var user struct {
		Login string `json:"login"`
	}
	_ = json.Unmarshal(resp.Body, &user)

	if len(g.allowList) == 0 {
		g.authorized.Add(authorization, user.Login)
		return true, nil, nil
	}

	if _, ok := g.allowList[user.Login]; ok {
		g.authorized.Add(authorization, user.Login)
		return true, nil, nil
	}

	return false, jsonRejection(http.StatusForbidden, "User "+user.Login+" has no permission to use the github-mirror"), nil
}

// Login returns the GitHub login resolved for authorization the last
// time it passed through Authorize, or "" if it was never resolved
// (anonymous caller, or not yet authorized). This is the first rung of
// the §4.6 metrics user-label fallback chain.
func (g *Gate) Login(authorization string) string {
	if authorization == "" {
		return ""
	}
	return g.authorized.Login(authorization)
}

func jsonRejection(status int, message string) *ghcache.CachedResponse {
	body, _ := json.Marshal(struct {
		Message          string `json:"message"`
		DocumentationURL string `json:"documentation_url"`
	}{Message: message, DocumentationURL: DocURL})

	return &ghcache.CachedResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}
}
