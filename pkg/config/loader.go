package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager owns the loaded configuration and the live knob snapshot.
type Manager struct {
	v     *viper.Viper
	cfg   Config
	knobs atomic.Pointer[Knobs]

	mu        sync.Mutex
	listeners []func(Knobs)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "remnashop")
	v.SetDefault("environment", "development")
	v.SetDefault("strict_security", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.operator_token", "")
	v.SetDefault("http.operator_ids", []string{})
	v.SetDefault("http.cors_origins", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.require_tls", false)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.require_tls", false)
	v.SetDefault("redis.tls_insecure", false)
	v.SetDefault("redis.tls_server_name", "")
	v.SetDefault("redis.tls_ca_cert_file", "")
	v.SetDefault("redis.allow_insecure_tls", false)
	v.SetDefault("redis.tls_cert_file", "")
	v.SetDefault("redis.tls_key_file", "")
	v.SetDefault("panel.url", "")
	v.SetDefault("panel.token", "")
	v.SetDefault("panel.timeout", 20*time.Second)
	v.SetDefault("panel.attempts", 3)
	v.SetDefault("panel.backoff", 600*time.Millisecond)
	v.SetDefault("panel.history_path", "/subscription-request-history")
	v.SetDefault("panel.internal_squads", []string{})
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.access_topic", "")
	v.SetDefault("kafka.group_id", "remnashop-scanner")
	v.SetDefault("kafka.notify_topic", "")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.required", false)
	v.SetDefault("telemetry.sampler", "parentbased")
	v.SetDefault("telemetry.sampler_arg", 1.0)
	v.SetDefault("telemetry.timeout", 5*time.Second)

	k := DefaultKnobs()
	v.SetDefault("knobs.notify_days", k.NotifyDays)
	v.SetDefault("knobs.cleanup_days", k.CleanupDays)
	v.SetDefault("knobs.expiry_interval", k.ExpiryInterval)
	v.SetDefault("knobs.anomaly_scan_interval", k.AnomalyScanInterval)
	v.SetDefault("knobs.anomaly_ip_threshold", k.AnomalyIPThreshold)
	v.SetDefault("knobs.anomaly_weights.ip", k.AnomalyWeights.IP)
	v.SetDefault("knobs.anomaly_weights.ua", k.AnomalyWeights.UA)
	v.SetDefault("knobs.anomaly_weights.density_divisor", k.AnomalyWeights.DensityDivisor)
	v.SetDefault("knobs.risk_low_score", k.RiskLowScore)
	v.SetDefault("knobs.risk_high_score", k.RiskHighScore)
	v.SetDefault("knobs.risk_auto_unfreeze_hours", k.RiskAutoUnfreezeHours)
	v.SetDefault("knobs.risk_enforce_mode", k.RiskEnforceMode)
	v.SetDefault("knobs.unfreeze_interval", k.UnfreezeInterval)
	v.SetDefault("knobs.renewal_traffic_policy", k.RenewalTrafficPolicy)
	v.SetDefault("knobs.concurrency", k.Concurrency)
	v.SetDefault("knobs.requester_cooldown", k.RequesterCooldown)
}

// Load reads path (optional) and the environment. An empty path uses
// defaults and environment only.
func Load(path string) (*Manager, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("REMNASHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Knobs.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{v: v, cfg: cfg}
	knobs := cfg.Knobs
	m.knobs.Store(&knobs)
	return m, nil
}

// Config returns the configuration as loaded at startup, with the current
// knobs.
func (m *Manager) Config() Config {
	cfg := m.cfg
	cfg.Knobs = m.Knobs()
	return cfg
}

func (m *Manager) Knobs() Knobs {
	return *m.knobs.Load()
}

// OnChange registers fn to run after every accepted reload.
func (m *Manager) OnChange(fn func(Knobs)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Watch reloads the knobs whenever the config file changes.
func (m *Manager) Watch() {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := m.Reload(); err != nil {
			log.Printf("config: reload rejected file=%s err=%v", e.Name, err)
		}
	})
	m.v.WatchConfig()
}

// Reload re-reads the knobs. An invalid file keeps the previous snapshot.
func (m *Manager) Reload() error {
	if m.v.ConfigFileUsed() != "" {
		if err := m.v.ReadInConfig(); err != nil {
			return err
		}
	}
	var fresh Config
	if err := m.v.Unmarshal(&fresh); err != nil {
		return err
	}
	next := fresh.Knobs
	if err := next.Validate(); err != nil {
		return err
	}
	m.knobs.Store(&next)
	log.Printf("config: knobs reloaded scan_interval=%s ip_threshold=%d low=%d high=%d mode=%s",
		next.AnomalyScanInterval, next.AnomalyIPThreshold, next.RiskLowScore, next.RiskHighScore, next.RiskEnforceMode)
	m.mu.Lock()
	listeners := append([]func(Knobs){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}
