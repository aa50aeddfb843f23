// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"crypto/subtle"
	"net/http"
)

// RequireToken returns a handler that passes requests to next only
// if they carry "Authorization: Bearer {token}". If token is empty,
// every request gets 404.
func RequireToken(token string, next http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ah := r.Header.Get("Authorization")
		switch {
		case token == "":
			Error(w, "disabled", http.StatusNotFound)
		case ah == "":
			Error(w, "authorization required", http.StatusUnauthorized)
		case subtle.ConstantTimeCompare([]byte(ah), want) != 1:
			Error(w, "authorization error", http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
