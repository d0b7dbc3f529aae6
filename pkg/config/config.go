// Package config loads service configuration from a YAML file and
// REMNASHOP_* environment variables. The knobs block is hot reloaded.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
	"github.com/ike666888/RemnaShop-Pro/pkg/expiry"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/risk"
	"github.com/ike666888/RemnaShop-Pro/pkg/store"
	"github.com/ike666888/RemnaShop-Pro/pkg/telemetry"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Service     string          `mapstructure:"service"`
	Environment string          `mapstructure:"environment"`
	Strict      bool            `mapstructure:"strict_security"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Panel       PanelConfig     `mapstructure:"panel"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Knobs       Knobs           `mapstructure:"knobs"`
}

type HTTPConfig struct {
	Addr          string        `mapstructure:"addr"`
	OperatorToken string        `mapstructure:"operator_token"`
	OperatorIDs   []string      `mapstructure:"operator_ids"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	CORSOrigins   string        `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	URL        string `mapstructure:"url"`
	RequireTLS bool   `mapstructure:"require_tls"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	TLS              bool   `mapstructure:"tls"`
	RequireTLS       bool   `mapstructure:"require_tls"`
	TLSInsecure      bool   `mapstructure:"tls_insecure"`
	AllowInsecureTLS bool   `mapstructure:"allow_insecure_tls"`
	TLSServerName    string `mapstructure:"tls_server_name"`
	TLSCACertFile    string `mapstructure:"tls_ca_cert_file"`
	TLSCertFile      string `mapstructure:"tls_cert_file"`
	TLSKeyFile       string `mapstructure:"tls_key_file"`
}

func (c DatabaseConfig) Options(appName string) store.PostgresOptions {
	return store.PostgresOptions{URL: c.URL, RequireTLS: c.RequireTLS, MaxConns: c.MaxConns, AppName: appName}
}

func (c RedisConfig) Options() store.RedisOptions {
	return store.RedisOptions{
		Addr:             c.Addr,
		Password:         c.Password,
		DB:               c.DB,
		TLS:              c.TLS,
		RequireTLS:       c.RequireTLS,
		TLSInsecure:      c.TLSInsecure,
		AllowInsecureTLS: c.AllowInsecureTLS,
		TLSServerName:    c.TLSServerName,
		TLSCACertFile:    c.TLSCACertFile,
		TLSCertFile:      c.TLSCertFile,
		TLSKeyFile:       c.TLSKeyFile,
	}
}

type PanelConfig struct {
	URL            string            `mapstructure:"url"`
	Token          string            `mapstructure:"token"`
	Headers        map[string]string `mapstructure:"headers"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	Attempts       int               `mapstructure:"attempts"`
	Backoff        time.Duration     `mapstructure:"backoff"`
	HistoryPath    string            `mapstructure:"history_path"`
	InternalSquads []string          `mapstructure:"internal_squads"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	AccessTopic string   `mapstructure:"access_topic"`
	GroupID     string   `mapstructure:"group_id"`
	NotifyTopic string   `mapstructure:"notify_topic"`
}

type TelemetryConfig struct {
	Endpoint   string            `mapstructure:"endpoint"`
	Insecure   bool              `mapstructure:"insecure"`
	Required   bool              `mapstructure:"required"`
	Sampler    string            `mapstructure:"sampler"`
	SamplerArg float64           `mapstructure:"sampler_arg"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
}

func (c Config) TelemetryOptions() telemetry.Options {
	return telemetry.Options{
		ServiceName: c.Service,
		Environment: c.Environment,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Required:    c.Telemetry.Required,
		Sampler:     c.Telemetry.Sampler,
		SamplerArg:  c.Telemetry.SamplerArg,
		Headers:     c.Telemetry.Headers,
		Timeout:     c.Telemetry.Timeout,
	}
}

// Knobs are the operator-tunable settings that change without a restart.
type Knobs struct {
	NotifyDays            int             `mapstructure:"notify_days"`
	CleanupDays           int             `mapstructure:"cleanup_days"`
	ExpiryInterval        time.Duration   `mapstructure:"expiry_interval"`
	AnomalyScanInterval   time.Duration   `mapstructure:"anomaly_scan_interval"`
	AnomalyIPThreshold    int             `mapstructure:"anomaly_ip_threshold"`
	AnomalyWeights        anomaly.Weights `mapstructure:"anomaly_weights"`
	RiskLowScore          int             `mapstructure:"risk_low_score"`
	RiskHighScore         int             `mapstructure:"risk_high_score"`
	RiskAutoUnfreezeHours int             `mapstructure:"risk_auto_unfreeze_hours"`
	RiskEnforceMode       string          `mapstructure:"risk_enforce_mode"`
	UnfreezeInterval      time.Duration   `mapstructure:"unfreeze_interval"`
	RenewalTrafficPolicy  string          `mapstructure:"renewal_traffic_policy"`
	Concurrency           int             `mapstructure:"concurrency"`
	RequesterCooldown     time.Duration   `mapstructure:"requester_cooldown"`
}

func DefaultKnobs() Knobs {
	return Knobs{
		NotifyDays:            3,
		CleanupDays:           7,
		ExpiryInterval:        24 * time.Hour,
		AnomalyScanInterval:   time.Hour,
		AnomalyIPThreshold:    50,
		AnomalyWeights:        anomaly.DefaultWeights(),
		RiskLowScore:          80,
		RiskHighScore:         130,
		RiskAutoUnfreezeHours: 24,
		RiskEnforceMode:       string(risk.ModeEnforce),
		UnfreezeInterval:      10 * time.Minute,
		RenewalTrafficPolicy:  string(orders.TrafficReplace),
		Concurrency:           4,
		RequesterCooldown:     2 * time.Second,
	}
}

func (k Knobs) Validate() error {
	var errs []error
	if k.NotifyDays < 0 || k.CleanupDays < 0 {
		errs = append(errs, errors.New("notify_days and cleanup_days must not be negative"))
	}
	if k.ExpiryInterval <= 0 || k.AnomalyScanInterval <= 0 || k.UnfreezeInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	if k.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	if err := k.RiskSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(k.RiskEnforceMode)) {
	case string(risk.ModeEnforce), string(risk.ModeObserve):
	default:
		errs = append(errs, fmt.Errorf("risk_enforce_mode %q must be enforce or observe", k.RiskEnforceMode))
	}
	switch strings.ToLower(strings.TrimSpace(k.RenewalTrafficPolicy)) {
	case string(orders.TrafficReplace), string(orders.TrafficCarryUnused):
	default:
		errs = append(errs, fmt.Errorf("renewal_traffic_policy %q must be replace or carry_unused", k.RenewalTrafficPolicy))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (k Knobs) RiskSettings() risk.Settings {
	params := anomaly.DefaultParams()
	params.IPThreshold = k.AnomalyIPThreshold
	params.Weights = k.AnomalyWeights
	return risk.Settings{
		Detector:          params,
		LowScore:          k.RiskLowScore,
		HighScore:         k.RiskHighScore,
		AutoUnfreezeHours: k.RiskAutoUnfreezeHours,
		Mode:              risk.ParseMode(k.RiskEnforceMode),
		Concurrency:       k.Concurrency,
	}
}

func (k Knobs) ExpirySettings() expiry.Settings {
	return expiry.Settings{
		NotifyDays:  k.NotifyDays,
		CleanupDays: k.CleanupDays,
		Cooldown:    expiry.DefaultCooldown,
		Concurrency: k.Concurrency,
	}
}

func (k Knobs) TrafficPolicy() orders.TrafficPolicy {
	return orders.ParseTrafficPolicy(k.RenewalTrafficPolicy)
}

// Validate checks the static part of the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Panel.URL) == "" {
		return fmt.Errorf("%w: panel.url is required", ErrInvalid)
	}
	if strings.TrimSpace(c.HTTP.OperatorToken) == "" {
		return fmt.Errorf("%w: http.operator_token is required", ErrInvalid)
	}
	return c.Knobs.Validate()
}

// IsOperator reports whether id is one of the configured operator ids.
func (c Config) IsOperator(id string) bool {
	for _, op := range c.HTTP.OperatorIDs {
		if strings.TrimSpace(op) == id && id != "" {
			return true
		}
	}
	return false
}
