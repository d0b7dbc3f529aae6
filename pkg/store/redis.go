package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisAddr = "localhost:6379"

var redisPingTimeout = 2 * time.Second

// RedisOptions mirrors the redis section of the service config.
type RedisOptions struct {
	Addr             string
	Password         string
	DB               int
	TLS              bool
	RequireTLS       bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCACertFile    string
	TLSCertFile      string
	TLSKeyFile       string
}

func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultRedisAddr
	}
	db := opts.DB
	if db < 0 {
		db = 0
	}
	tlsConfig, err := redisTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis.require_tls=true but redis.tls is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        db,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func redisTLSConfig(opts RedisOptions) (*tls.Config, error) {
	if !opts.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.TLSInsecure {
		if !opts.AllowInsecureTLS {
			return nil, fmt.Errorf("redis.tls_insecure=true requires redis.allow_insecure_tls=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if serverName := strings.TrimSpace(opts.TLSServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(opts.TLSCACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis.tls_ca_cert_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis.tls_ca_cert_file: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	certFile := strings.TrimSpace(opts.TLSCertFile)
	keyFile := strings.TrimSpace(opts.TLSKeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("both redis.tls_cert_file and redis.tls_key_file must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
