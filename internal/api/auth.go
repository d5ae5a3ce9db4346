package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash to pass as the server's key hash
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// APIKeyAuth checks request keys against a single bcrypt hash. Keys that
// verified once are remembered by digest so bcrypt runs once per key.
type APIKeyAuth struct {
	hash []byte

	mu       sync.RWMutex
	verified map[string]bool
}

// NewAPIKeyAuth returns nil for an empty hash, which disables auth
func NewAPIKeyAuth(hash string) *APIKeyAuth {
	if hash == "" {
		return nil
	}
	return &APIKeyAuth{
		hash:     []byte(hash),
		verified: make(map[string]bool),
	}
}

func (a *APIKeyAuth) Check(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	a.mu.RLock()
	ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(key)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[digest] = true
	a.mu.Unlock()
	return true
}

// requestKey reads "Authorization: Bearer <key>" or "X-API-Key"
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// Middleware rejects requests without a valid key. A nil auth lets everything through.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Check(requestKey(r)) {
			http.Error(w, "valid API key required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
