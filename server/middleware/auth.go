package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/teilomillet/rephrase/errors"
)

// Authentication middleware validates gateway API keys sent in X-API-Key
// or as a bearer token. With no keys configured every request passes.
func Authentication(keys []string) func(http.Handler) http.Handler {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := presentedKey(r)
			if apiKey == "" {
				errors.WriteError(w, errors.NewUnauthorizedError(GetRequestID(r.Context()), "Missing API key"))
				return
			}
			if !matchesAny(allowed, []byte(apiKey)) {
				errors.WriteError(w, errors.NewUnauthorizedError(GetRequestID(r.Context()), "Invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func matchesAny(allowed [][]byte, key []byte) bool {
	match := 0
	for _, a := range allowed {
		match |= subtle.ConstantTimeCompare(a, key)
	}
	return match == 1
}

// keyFingerprint identifies a key in logs and metric labels without
// revealing it.
func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
