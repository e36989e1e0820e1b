// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testTenantsYAML = `
tenants:
  - id: acme
    name: Acme Corp
    api_key: acme-key-1
    rate_limit_rpm: 120
    monthly_quota: 50000
    default_model: gpt-4o
    allowed_models: [gpt-4o, gpt-4o-mini]
    quality_tier: standard
  - id: globex
    name: Globex
    api_key: globex-key-1
    system_prompt: You are a support assistant.
`

func writeTenantsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Writing tenants file failed: %v", err)
	}
	return path
}

func TestLoadTenants(t *testing.T) {
	tenants, err := LoadTenants(writeTenantsFile(t, testTenantsYAML))
	if err != nil {
		t.Fatalf("LoadTenants failed: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("len(tenants) = %d, want 2", len(tenants))
	}
	acme := tenants[0]
	if acme.ID != "acme" || acme.RateLimitRPM != 120 || acme.MonthlyQuota != 50000 {
		t.Errorf("Unexpected acme tenant: %+v", acme)
	}
	if acme.DefaultModel != "gpt-4o" || len(acme.AllowedModels) != 2 {
		t.Errorf("Unexpected acme model config: %+v", acme)
	}
	if tenants[1].SystemPrompt != "You are a support assistant." {
		t.Errorf("SystemPrompt = %q", tenants[1].SystemPrompt)
	}
}

func TestLoadTenantsRejectsIncomplete(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "tenants:\n  - api_key: k1\n"},
		{"missing api_key", "tenants:\n  - id: acme\n"},
		{"malformed", "tenants: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTenants(writeTenantsFile(t, tt.yaml)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	r := NewTenantRegistry([]Tenant{
		{ID: "acme", APIKey: "acme-key-1", RateLimitRPM: 120},
	}, "")

	tests := []struct {
		name    string
		header  string
		wantID  string
		wantErr bool
	}{
		{"bearer key", "Bearer acme-key-1", "acme", false},
		{"raw key", "acme-key-1", "acme", false},
		{"unknown key", "Bearer nope", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, err := r.Authenticate(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				var unauthorized *UnauthorizedError
				if !errors.As(err, &unauthorized) {
					t.Errorf("Error type = %T, want *UnauthorizedError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate failed: %v", err)
			}
			if tenant.ID != tt.wantID {
				t.Errorf("Tenant = %q, want %q", tenant.ID, tt.wantID)
			}
		})
	}
}

func TestAuthenticateJWT(t *testing.T) {
	secret := "test-secret"
	r := NewTenantRegistry([]Tenant{
		{ID: "acme", APIKey: "acme-key-1"},
	}, secret)

	sign := func(claims jwt.MapClaims, key string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(key))
		if err != nil {
			t.Fatalf("Signing token failed: %v", err)
		}
		return signed
	}

	valid := sign(jwt.MapClaims{"tenant_id": "acme", "exp": time.Now().Add(time.Hour).Unix()}, secret)
	tenant, err := r.Authenticate("Bearer " + valid)
	if err != nil {
		t.Fatalf("Valid JWT rejected: %v", err)
	}
	if tenant.ID != "acme" {
		t.Errorf("Tenant = %q, want acme", tenant.ID)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign(jwt.MapClaims{"tenant_id": "acme"}, "other-secret")},
		{"expired", sign(jwt.MapClaims{"tenant_id": "acme", "exp": time.Now().Add(-time.Hour).Unix()}, secret)},
		{"no tenant claim", sign(jwt.MapClaims{"sub": "someone"}, secret)},
		{"unknown tenant", sign(jwt.MapClaims{"tenant_id": "ghost"}, secret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Authenticate("Bearer " + tt.token); err == nil {
				t.Error("Expected rejection")
			}
		})
	}
}

func TestJWTDisabledWithoutSecret(t *testing.T) {
	r := NewTenantRegistry([]Tenant{{ID: "acme", APIKey: "acme-key-1"}}, "")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "acme"})
	signed, _ := token.SignedString([]byte("anything"))
	if _, err := r.Authenticate("Bearer " + signed); err == nil {
		t.Error("JWT must be rejected when no secret is configured")
	}
}

func TestDefaultTenants(t *testing.T) {
	tenants := DefaultTenants()
	if len(tenants) != 1 {
		t.Fatalf("len = %d, want 1", len(tenants))
	}
	if tenants[0].ID != "default" || tenants[0].RateLimitRPM <= 0 {
		t.Errorf("Unexpected default tenant: %+v", tenants[0])
	}
}
