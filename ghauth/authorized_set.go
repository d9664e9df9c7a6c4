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

package ghauth

import (
	"crypto/sha1" //nolint:gosec // fingerprinting only, not a security boundary
	"encoding/hex"
	"sync"
)

// authorizedSet tracks which callers have already been resolved and
// permitted through the gate, along with the GitHub login that
// resolution returned, so the §4.6 metrics label resolution has
// something to key on. The raw Authorization value is only ever used
// transiently to compute its hash — it is never retained (spec.md §9:
// "never store the raw authorization string").
type authorizedSet struct {
	lock    sync.RWMutex
	entries map[string]string // hash(authorization) -> login
}

func newAuthorizedSet() *authorizedSet {
	return &authorizedSet{entries: map[string]string{}}
}

func (s *authorizedSet) Contains(authorization string) bool {
	h := hashAuthorization(authorization)
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.entries[h]
	return ok
}

// Login returns the login resolved for authorization, or "" if it has
// not been resolved (or was resolved anonymously, which never happens:
// authorization is always non-empty by the time Add is called).
func (s *authorizedSet) Login(authorization string) string {
	h := hashAuthorization(authorization)
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.entries[h]
}

// Add is idempotent: adding an already-present value overwrites its
// login with the latest resolution.
func (s *authorizedSet) Add(authorization, login string) {
	h := hashAuthorization(authorization)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[h] = login
}

func hashAuthorization(authorization string) string {
	sum := sha1.Sum([]byte(authorization)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
