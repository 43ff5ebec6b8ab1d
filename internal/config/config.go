// Package config loads the coordinator configuration file.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"gatekeeper/pkg/store"
)

// EnvHosts overrides the hosts of the file, comma separated.
const EnvHosts = "GATEKEEPER_HOSTS"

type Config struct {
	Hosts          []string      `yaml:"hosts" validate:"required,min=1,dive,required"`
	ReadOnly       bool          `yaml:"read_only"`
	SessionTimeout time.Duration `yaml:"session_timeout" validate:"gte=1s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=1s"`
	TLS            TLSConfig     `yaml:"tls"`

	DispatcherWorkers int    `yaml:"dispatcher_workers" validate:"gte=1,lte=256"`
	HoldRequestCache  bool   `yaml:"hold_request_cache"`
	MetricsListen     string `yaml:"metrics_listen"`
	LogLevel          string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// TLSConfig holds file paths of the client TLS material.
type TLSConfig struct {
	Cert string `yaml:"cert" validate:"required_with=Key"`
	Key  string `yaml:"key" validate:"required_with=Cert"`
	CA   string `yaml:"ca"`
}

func DefaultConfig() *Config {
	return &Config{
		Hosts:             []string{"127.0.0.1:2379"},
		SessionTimeout:    10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		DispatcherWorkers: 8,
		HoldRequestCache:  true,
		MetricsListen:     ":9091",
		LogLevel:          "info",
	}
}

var validate = validator.New()

// Load reads path on top of the defaults. An empty path yields the
// defaults. GATEKEEPER_HOSTS overrides the hosts.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv(EnvHosts); v != "" {
		cfg.Hosts = strings.Split(v, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" || t.CA != ""
}

// Build loads the certificate files.
func (t TLSConfig) Build() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.Cert != "" {
		cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	if t.CA != "" {
		pem, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("CA bundle contains no certificates")
		}
		out.RootCAs = pool
	}
	return out, nil
}

// Etcd returns the backend settings for the etcd tree.
func (c *Config) Etcd(logger *zap.Logger) (store.EtcdConfig, error) {
	tlsConfig, err := c.TLS.Build()
	if err != nil {
		return store.EtcdConfig{}, err
	}
	return store.EtcdConfig{
		Endpoints:      c.Hosts,
		DialTimeout:    c.ConnectTimeout,
		SessionTimeout: c.SessionTimeout,
		TLS:            tlsConfig,
		Logger:         logger,
	}, nil
}

// NewLogger builds the production logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
