package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an optional YAML overlay applied on top of the
// environment configuration. Profiles let operators keep per-environment
// settings (dev/staging/prod) in version control instead of env vars.
type DeploymentProfile struct {
	Name        string            `yaml:"name" json:"name"`
	Code        string            `yaml:"code" json:"code"` // dev | staging | prod
	CORSOrigins []string          `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`
	Webhook     WebhookProfile    `yaml:"webhook" json:"webhook"`
	RateLimits  RateLimitProfile  `yaml:"rate_limits" json:"rate_limits"`
	Overrides   map[string]string `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// WebhookProfile configures outbound notification delivery for a profile.
type WebhookProfile struct {
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// RateLimitProfile overrides the built-in bucket limits.
// A zero value keeps the default for that bucket.
type RateLimitProfile struct {
	Enabled           *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	StorageURI        string `yaml:"storage_uri,omitempty" json:"storage_uri,omitempty"`
	EnforcePerMin     int    `yaml:"enforce_per_minute,omitempty" json:"enforce_per_minute,omitempty"`
	LogsPerMin        int    `yaml:"logs_per_minute,omitempty" json:"logs_per_minute,omitempty"`
	AdminWritePerHour int    `yaml:"admin_write_per_hour,omitempty" json:"admin_write_per_hour,omitempty"`
	AdminReadPerHour  int    `yaml:"admin_read_per_hour,omitempty" json:"admin_read_per_hour,omitempty"`
	PublicPerMin      int    `yaml:"public_per_minute,omitempty" json:"public_per_minute,omitempty"`
}

// LoadProfile loads a deployment profile by code from the profiles directory.
// The file name convention is profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// Apply overlays the profile onto cfg. Env vars win over profile values,
// so only unset fields are filled in.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if len(cfg.CORSOrigins) == 0 && len(p.CORSOrigins) > 0 {
		cfg.CORSOrigins = append([]string(nil), p.CORSOrigins...)
	}
	if cfg.WebhookURL == "" && p.Webhook.URL != "" {
		cfg.WebhookURL = p.Webhook.URL
	}
	if cfg.WebhookSecret == "" && p.Webhook.Secret != "" {
		cfg.WebhookSecret = p.Webhook.Secret
	}
	if p.RateLimits.Enabled != nil {
		cfg.RateLimitEnabled = *p.RateLimits.Enabled
	}
	if cfg.RateLimitStorageURI == "memory://" && p.RateLimits.StorageURI != "" {
		cfg.RateLimitStorageURI = p.RateLimits.StorageURI
	}
}

// BucketLimits returns the profile's per-bucket limit overrides keyed by
// bucket name. Zero entries are omitted.
func (p *DeploymentProfile) BucketLimits() map[string]int {
	limits := make(map[string]int)
	for name, v := range map[string]int{
		"enforce":     p.RateLimits.EnforcePerMin,
		"logs":        p.RateLimits.LogsPerMin,
		"admin-write": p.RateLimits.AdminWritePerHour,
		"admin-read":  p.RateLimits.AdminReadPerHour,
		"public":      p.RateLimits.PublicPerMin,
	} {
		if v > 0 {
			limits[name] = v
		}
	}
	return limits
}
