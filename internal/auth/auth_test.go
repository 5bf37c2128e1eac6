package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"credit_ledger/internal/utils"
)

var testSecret = []byte("test-secret-key-for-testing")

func TestInMemoryAPIKeyStore_Lookup(t *testing.T) {
	store := NewInMemoryAPIKeyStore()
	store.Add("known-key", &APIKeyRecord{ID: "key-1", AccountID: "acct_1", Name: "ci"})
	ctx := context.Background()

	t.Run("known key", func(t *testing.T) {
		rec, err := store.Lookup(ctx, "known-key")
		if err != nil {
			t.Fatalf("Lookup() error = %v, want nil", err)
		}
		if rec.AccountID != "acct_1" {
			t.Errorf("Lookup() AccountID = %v, want acct_1", rec.AccountID)
		}
	})

	t.Run("stored by digest only", func(t *testing.T) {
		if _, ok := store.keys["known-key"]; ok {
			t.Error("plaintext key must not be a map key")
		}
		if _, ok := store.keys[utils.HashAPIKey("known-key")]; !ok {
			t.Error("expected key stored under its digest")
		}
	})

	for _, key := range []string{"unknown-key", "", "known-key "} {
		t.Run("unknown "+key, func(t *testing.T) {
			rec, err := store.Lookup(ctx, key)
			if !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Lookup() error = %v, want ErrKeyNotFound", err)
			}
			if rec != nil {
				t.Errorf("Lookup() record = %v, want nil", rec)
			}
		})
	}
}

func TestInMemoryAPIKeyStore_IssueAndRevoke(t *testing.T) {
	store := NewInMemoryAPIKeyStore()
	ctx := context.Background()

	key, rec, err := store.Issue(ctx, "acct_1", "backend", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		t.Errorf("Issue() key = %q, want prefix %q", key, APIKeyPrefix)
	}
	if rec.AccountID != "acct_1" || rec.ID == "" {
		t.Errorf("Issue() record = %+v", rec)
	}

	other, _, err := store.Issue(ctx, "acct_1", "backend", nil)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if other == key {
		t.Error("Issue() returned the same key twice")
	}

	n, err := store.RevokeAccount(ctx, "acct_1")
	if err != nil {
		t.Fatalf("RevokeAccount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeAccount() = %d, want 2", n)
	}

	got, err := store.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.Usable(time.Now()) {
		t.Error("revoked key is still usable")
	}
}

func TestAPIKeyRecord_Usable(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		rec  APIKeyRecord
		want bool
	}{
		{"active without expiry", APIKeyRecord{}, true},
		{"active before expiry", APIKeyRecord{ExpiresAt: &future}, true},
		{"expired", APIKeyRecord{ExpiresAt: &past}, false},
		{"expires exactly now", APIKeyRecord{ExpiresAt: &now}, false},
		{"revoked", APIKeyRecord{Revoked: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Usable(now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdminJWT_RoundTrip(t *testing.T) {
	token, exp, err := GenerateAdminJWT("admin-1", AuthTypeUser, []Role{RoleViewer}, time.Hour, testSecret)
	if err != nil {
		t.Fatalf("GenerateAdminJWT() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry %v is not in the future", exp)
	}

	claims, err := ValidateAdminJWT(token, testSecret)
	if err != nil {
		t.Fatalf("ValidateAdminJWT() error = %v", err)
	}
	if claims.AdminID != "admin-1" || claims.AuthType != AuthTypeUser {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.HasRole(RoleViewer) {
		t.Error("viewer token lacks viewer role")
	}
	if claims.HasRole(RoleAdmin) {
		t.Error("viewer token grants admin role")
	}
}

func TestValidateAdminJWT_Rejects(t *testing.T) {
	valid, _, err := GenerateAdminJWT("admin-1", AuthTypeService, []Role{RoleAdmin}, time.Hour, testSecret)
	if err != nil {
		t.Fatalf("GenerateAdminJWT() error = %v", err)
	}
	expired, _, err := GenerateAdminJWT("admin-1", AuthTypeService, []Role{RoleAdmin}, -time.Minute, testSecret)
	if err != nil {
		t.Fatalf("GenerateAdminJWT() error = %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &AdminClaims{AdminID: "admin-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaims{Roles: []string{"admin"}}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	tests := []struct {
		name   string
		token  string
		secret []byte
	}{
		{"wrong secret", valid, []byte("other-secret")},
		{"expired", expired, testSecret},
		{"alg none", none, testSecret},
		{"missing admin id", anonymous, testSecret},
		{"garbage", "not-a-token", testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateAdminJWT(tt.token, tt.secret); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateAdminJWT() error = %v, want ErrInvalidToken", err)
			}
		})
	}

	if _, err := ValidateAdminJWT(valid, nil); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("ValidateAdminJWT() without secret error = %v, want ErrMissingSecret", err)
	}
}

func TestGenerateAdminJWT_UnknownRole(t *testing.T) {
	if _, _, err := GenerateAdminJWT("admin-1", AuthTypeUser, []Role{"root"}, time.Hour, testSecret); err == nil {
		t.Error("GenerateAdminJWT() with unknown role error = nil")
	}
}

func TestRole_HasPermission(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleViewer, true},
		{RoleViewer, RoleViewer, true},
		{RoleViewer, RoleAdmin, false},
		{Role("root"), RoleViewer, false},
	}
	for _, tt := range tests {
		if got := tt.role.HasPermission(tt.required); got != tt.want {
			t.Errorf("%s.HasPermission(%s) = %v, want %v", tt.role, tt.required, got, tt.want)
		}
	}
}
