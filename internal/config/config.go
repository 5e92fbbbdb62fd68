// Package config loads the edge settings from YAML with RECAPTCHA_*
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coal/recaptchaedge/internal/pipeline"
	"github.com/coal/recaptchaedge/internal/recaptcha"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RECAPTCHA_"

// DefaultChallengePageURL serves the hosted challenge page.
const DefaultChallengePageURL = "https://www.google.com/recaptcha/challengepage"

// Config is the full edge configuration. Every field can be overridden by
// RECAPTCHA_<YAML KEY IN UPPER CASE>.
type Config struct {
	ProjectNumber        uint64        `yaml:"project_number"`
	APIKey               string        `yaml:"api_key"`
	Endpoint             string        `yaml:"recaptcha_endpoint"`
	SessionSiteKey       string        `yaml:"session_site_key"`
	ActionSiteKey        string        `yaml:"action_site_key"`
	ExpressSiteKey       string        `yaml:"express_site_key"`
	ChallengePageSiteKey string        `yaml:"challenge_page_site_key"`
	ChallengePageURL     string        `yaml:"challenge_page_url"`
	SessionJSInstallPath string        `yaml:"session_js_install_path"`
	Debug                bool          `yaml:"debug"`
	UnsafeDebugDump      bool          `yaml:"unsafe_debug_dump"`
	CookieName           string        `yaml:"cookie_name"`
	OriginURL            string        `yaml:"origin_url"`
	ListenAddr           string        `yaml:"listen_addr"`
	TrustForwarded       bool          `yaml:"trust_forwarded"`
	Timeout              time.Duration `yaml:"timeout"`
	PolicyCacheTTL       time.Duration `yaml:"policy_cache_ttl"`
	PolicyErrorTTL       time.Duration `yaml:"policy_error_ttl"`
	RedisURL             string        `yaml:"redis_url"`
	AuditLog             string        `yaml:"audit_log"`
	AuditDispositions    []string      `yaml:"audit_dispositions"`
	MetricsAddr          string        `yaml:"metrics_addr"`
	PolicyFile           string        `yaml:"policy_file"`
	LogLevel             string        `yaml:"log_level"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Endpoint:         recaptcha.DefaultEndpoint,
		ChallengePageURL: DefaultChallengePageURL,
		CookieName:       "edge",
		ListenAddr:       ":8080",
		Timeout:          5 * time.Second,
		PolicyCacheTTL:   10 * time.Minute,
		PolicyErrorTTL:   time.Minute,
		MetricsAddr:      ":9090",
		LogLevel:         "info",
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and overrides, in that order, and validates the result.
// Failures are InitErrors.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, recaptcha.NewInitError("reading config file", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, recaptcha.NewInitError("parsing config file", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, recaptcha.NewInitError("applying environment", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, recaptcha.NewInitError("validating config", err)
	}
	return &cfg, nil
}

func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if key == "" || key == "-" {
			continue
		}
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(f reflect.Value, raw string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", f.Type().Elem().Kind())
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		f.Set(reflect.ValueOf(items))
	case reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetUint(n)
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind())
	}
	return nil
}

// Validate checks that the settings can run an edge.
func (c *Config) Validate() error {
	var errs []error
	if c.OriginURL == "" {
		errs = append(errs, errors.New("origin_url is required"))
	} else if u, err := url.Parse(c.OriginURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin_url %q is not an absolute url", c.OriginURL))
	}
	if c.ChallengePageURL != "" {
		if u, err := url.Parse(c.ChallengePageURL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("challenge_page_url %q is not an absolute url", c.ChallengePageURL))
		}
	}
	if c.PolicyFile == "" && (c.ProjectNumber == 0 || c.APIKey == "") {
		errs = append(errs, errors.New("project_number and api_key are required without policy_file"))
	}
	if c.APIKey != "" && c.ProjectNumber == 0 {
		errs = append(errs, errors.New("project_number is required with api_key"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.PolicyCacheTTL < 0 || c.PolicyErrorTTL < 0 {
		errs = append(errs, errors.New("policy cache ttls must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// HasAssessmentClient reports whether the remote API is configured.
func (c *Config) HasAssessmentClient() bool {
	return c.ProjectNumber != 0 && c.APIKey != ""
}

// SiteKeys returns the configured site keys.
func (c *Config) SiteKeys() recaptcha.SiteKeys {
	return recaptcha.SiteKeys{
		Action:        c.ActionSiteKey,
		Session:       c.SessionSiteKey,
		ChallengePage: c.ChallengePageSiteKey,
		Express:       c.ExpressSiteKey,
		CookieName:    c.CookieName,
	}
}

// ClientConfig returns the assessment client settings.
func (c *Config) ClientConfig() recaptcha.ClientConfig {
	return recaptcha.ClientConfig{
		Endpoint:      c.Endpoint,
		APIKey:        c.APIKey,
		ProjectNumber: c.ProjectNumber,
		Timeout:       c.Timeout,
	}
}

// EngineConfig returns the decision engine settings.
func (c *Config) EngineConfig() pipeline.Config {
	return pipeline.Config{
		ProjectNumber:        c.ProjectNumber,
		ChallengePageSiteKey: c.ChallengePageSiteKey,
		SessionJSInstallPath: c.SessionJSInstallPath,
		Debug:                c.Debug,
		UnsafeDebugDump:      c.UnsafeDebugDump,
	}
}
