// Package middleware authenticates and throttles HTTP requests.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"credit_ledger/internal/auth"
	"credit_ledger/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// APIKeyRecordKey is the context key for storing the authenticated API key record
	APIKeyRecordKey ContextKey = "apiKeyRecord"
)

var apiKeyLogger = utils.NewLogger("api-key-auth")

// APIKeyMiddleware resolves the caller's API key to an account and adds the
// key record to the request context
func APIKeyMiddleware(store auth.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					apiKey = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
				}
			}

			if apiKey == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing API key")
				return
			}

			ctx := r.Context()
			keyRecord, err := store.Lookup(ctx, apiKey)
			if err != nil {
				if errors.Is(err, auth.ErrKeyNotFound) {
					utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key")
					return
				}
				apiKeyLogger.Error("API key lookup failed", "error", err)
				w.Header().Set("Retry-After", "1")
				utils.RespondWithError(w, http.StatusServiceUnavailable, "API key validation unavailable")
				return
			}

			if !keyRecord.Usable(time.Now()) {
				utils.RespondWithError(w, http.StatusUnauthorized, "API key has been revoked or expired")
				return
			}

			ctx = context.WithValue(ctx, APIKeyRecordKey, keyRecord)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKeyRecord retrieves the API key record from the request context
func GetAPIKeyRecord(ctx context.Context) (*auth.APIKeyRecord, bool) {
	record, ok := ctx.Value(APIKeyRecordKey).(*auth.APIKeyRecord)
	return record, ok
}

// AccountID returns the account the request was authenticated as
func AccountID(ctx context.Context) (string, bool) {
	record, ok := GetAPIKeyRecord(ctx)
	if !ok || record.AccountID == "" {
		return "", false
	}
	return record.AccountID, true
}
