// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// Tenant is one configured consumer of the gateway. Tenants come from
// a YAML file (TENANTS_FILE); without one, a single permissive default
// tenant is installed for local development.
type Tenant struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	APIKey         string   `yaml:"api_key"`
	RateLimitRPM   int      `yaml:"rate_limit_rpm"`
	MonthlyQuota   int64    `yaml:"monthly_quota"`
	DefaultModel   string   `yaml:"default_model"`
	AllowedModels  []string `yaml:"allowed_models"`
	QualityTier    string   `yaml:"quality_tier"`
	ExpectedFormat string   `yaml:"expected_format"`
	SystemPrompt   string   `yaml:"system_prompt"`
}

// DefaultRateLimitRPM applies when a tenant entry omits rate_limit_rpm.
const DefaultRateLimitRPM = 60

type tenantsFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// LoadTenants reads the tenant registry file.
func LoadTenants(path string) ([]Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tenants file: %w", err)
	}
	var file tenantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing tenants file: %w", err)
	}
	for i, t := range file.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant entry %d has no id", i)
		}
		if t.APIKey == "" {
			return nil, fmt.Errorf("tenant %s has no api_key", t.ID)
		}
	}
	return file.Tenants, nil
}

// DefaultTenants is the registry used when no TENANTS_FILE is set.
func DefaultTenants() []Tenant {
	return []Tenant{{
		ID:           "default",
		Name:         "Default Tenant",
		APIKey:       "local-dev-key",
		RateLimitRPM: DefaultRateLimitRPM,
		MonthlyQuota: 100000,
	}}
}

// TenantRegistry resolves credentials to tenants. Two credential forms
// are accepted on the Authorization header: a raw tenant API key, or a
// signed JWT (HS256, tenant_id claim) when a secret is configured.
type TenantRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*Tenant
	byKey     map[string]*Tenant
	jwtSecret []byte
}

// NewTenantRegistry builds a registry from the tenant list.
func NewTenantRegistry(tenants []Tenant, jwtSecret string) *TenantRegistry {
	r := &TenantRegistry{
		byID:  make(map[string]*Tenant),
		byKey: make(map[string]*Tenant),
	}
	if jwtSecret != "" {
		r.jwtSecret = []byte(jwtSecret)
	}
	for i := range tenants {
		t := tenants[i]
		if t.RateLimitRPM <= 0 {
			t.RateLimitRPM = DefaultRateLimitRPM
		}
		r.byID[t.ID] = &t
		r.byKey[t.APIKey] = &t
	}
	return r
}

// Get looks up a tenant by id.
func (r *TenantRegistry) Get(tenantID string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[tenantID]
	return t, ok
}

// Authenticate resolves an Authorization header value to a tenant.
func (r *TenantRegistry) Authenticate(authorization string) (*Tenant, error) {
	credential := strings.TrimSpace(authorization)
	if after, ok := strings.CutPrefix(credential, "Bearer "); ok {
		credential = strings.TrimSpace(after)
	}
	if credential == "" {
		return nil, &UnauthorizedError{Detail: "missing credentials"}
	}

	r.mu.RLock()
	t, ok := r.byKey[credential]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	// JWTs have two dots; plain API keys never do.
	if r.jwtSecret != nil && strings.Count(credential, ".") == 2 {
		return r.authenticateJWT(credential)
	}
	return nil, &UnauthorizedError{Detail: "unknown API key"}
}

func (r *TenantRegistry) authenticateJWT(tokenString string) (*Tenant, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, &UnauthorizedError{Detail: "invalid token"}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &UnauthorizedError{Detail: "invalid token claims"}
	}
	tenantID, _ := claims["tenant_id"].(string)
	if tenantID == "" {
		return nil, &UnauthorizedError{Detail: "token has no tenant_id claim"}
	}

	t, found := r.Get(tenantID)
	if !found {
		return nil, &UnauthorizedError{Detail: "unknown tenant"}
	}
	return t, nil
}
