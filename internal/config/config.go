// Package config loads routerd's configuration from a YAML file (config.yaml
// in the working directory) and environment variables (ROUTERD_ prefixed),
// via viper, into a typed Config struct.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TLSConfig describes the control-plane API's optional TLS listener,
// including a self-signed-cert fallback (AutoCert) for local/dev runs.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	MinVersion   string
	ClientCAFile string
	ClientAuth   string // "", "require", "verify"
	AutoCert     AutoCertConfig
}

type AutoCertConfig struct {
	Enabled         bool
	Hosts           []string
	ValidDays       int
	RenewBeforeDays int
	OutputDir       string
	CommonName      string
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	OTLP struct {
		Endpoint    string
		Insecure    bool
		Timeout     time.Duration
		Compression string
		SampleRatio float64
		Headers     map[string]string
	}
}

// Config is routerd's full configuration surface: the Batcher's
// configure-time options named after the original element's keywords
// (TIMEOUT, CAPACITY, MT_PUSHERS, BATCH_PREALLOC, FORCE_PKTLENS, TEST),
// the transmit stage's options (PORT, BURST, FULL_NM), and the ambient/
// domain-stack sections (API, logging, telemetry, route source, secrets,
// GeoIP).
type Config struct {
	API struct {
		Host         string
		Port         int
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		TLS          TLSConfig
	}

	Logging struct {
		Level  string // debug|info|warn|error
		Format string // text|json
	}

	Telemetry TelemetryConfig

	Batcher struct {
		Capacity      int           // CAPACITY
		Timeout       time.Duration // TIMEOUT
		NThreads      int
		MTPushers     bool // MT_PUSHERS
		BatchPrealloc int  // BATCH_PREALLOC
		ForcePktLens  bool // FORCE_PKTLENS
		Test          bool // TEST
		SliceBegin    int  // SLICE_BEGIN
		SliceEnd      int  // SLICE_END
		AnnBegin      int  // ANN_BEGIN
		AnnEnd        int  // ANN_END
	}

	Transmit struct {
		Port         uint8 // PORT
		Burst        int   // BURST
		PollMode     bool  // FULL_NM
		NRings       int   // NRPORTS/RING
		SlotsPerRing int
		BufSize      int
	}

	RouteSource struct {
		Kind             string // "static" | "azureblob"
		StaticRoutesFile string
		AzureBlob        struct {
			AccountURL   string
			Container    string
			Blob         string
			PollInterval time.Duration
			AuthType     string // "default" (azidentity DefaultAzureCredential) | "vault" (account key via Vault)
		}
	}

	Secrets struct {
		Vault struct {
			Enabled    bool
			Address    string
			Token      string
			SecretPath string
		}
	}

	GeoIP struct {
		Enabled bool
		DBPath  string
	}
}

// Load reads config.yaml (if present) and ROUTERD_-prefixed environment
// variables into a Config, applying the defaults below for anything unset.
func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ROUTERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 9444)
	v.SetDefault("api.readtimeout", "15s")
	v.SetDefault("api.writetimeout", "15s")
	v.SetDefault("api.tls.min_version", "1.2")
	v.SetDefault("api.tls.auto_cert.enabled", false)
	v.SetDefault("api.tls.auto_cert.valid_days", 365)
	v.SetDefault("api.tls.auto_cert.renew_before_days", 30)
	v.SetDefault("api.tls.auto_cert.output_dir", "./certs/api")
	v.SetDefault("api.tls.auto_cert.common_name", "routerd AutoCert")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("telemetry.otlp.endpoint", "")
	v.SetDefault("telemetry.otlp.insecure", true)
	v.SetDefault("telemetry.otlp.timeout", "5s")
	v.SetDefault("telemetry.otlp.sample_ratio", 1.0)

	v.SetDefault("batcher.capacity", 256)
	v.SetDefault("batcher.timeout", "200us")
	v.SetDefault("batcher.nthreads", 1)
	v.SetDefault("batcher.mt_pushers", false)
	v.SetDefault("batcher.batch_prealloc", 4)
	v.SetDefault("batcher.force_pktlens", false)
	v.SetDefault("batcher.test", false)
	v.SetDefault("batcher.slice_begin", 0)
	v.SetDefault("batcher.slice_end", 0)
	v.SetDefault("batcher.ann_begin", 0)
	v.SetDefault("batcher.ann_end", 0)

	v.SetDefault("transmit.port", 0)
	v.SetDefault("transmit.burst", 32)
	v.SetDefault("transmit.poll_mode", false)
	v.SetDefault("transmit.nrings", 1)
	v.SetDefault("transmit.slots_per_ring", 256)
	v.SetDefault("transmit.buf_size", 2048)

	v.SetDefault("routesource.kind", "static")
	v.SetDefault("routesource.static_routes_file", "")
	v.SetDefault("routesource.azureblob.poll_interval", "30s")
	v.SetDefault("routesource.azureblob.auth_type", "default")

	v.SetDefault("secrets.vault.enabled", false)
	v.SetDefault("secrets.vault.secret_path", "secret/data/routerd/azureblob")

	v.SetDefault("geoip.enabled", false)
	v.SetDefault("geoip.db_path", "")

	_ = v.ReadInConfig()

	cfg := &Config{}
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.ReadTimeout = v.GetDuration("api.readtimeout")
	cfg.API.WriteTimeout = v.GetDuration("api.writetimeout")
	cfg.API.TLS.CertFile = v.GetString("api.tls.cert_file")
	cfg.API.TLS.KeyFile = v.GetString("api.tls.key_file")
	cfg.API.TLS.MinVersion = v.GetString("api.tls.min_version")
	cfg.API.TLS.ClientCAFile = v.GetString("api.tls.client_ca_file")
	cfg.API.TLS.ClientAuth = v.GetString("api.tls.client_auth")
	cfg.API.TLS.AutoCert.Enabled = v.GetBool("api.tls.auto_cert.enabled")
	cfg.API.TLS.AutoCert.Hosts = readStringSlice(v.Get("api.tls.auto_cert.hosts"))
	cfg.API.TLS.AutoCert.ValidDays = v.GetInt("api.tls.auto_cert.valid_days")
	cfg.API.TLS.AutoCert.RenewBeforeDays = v.GetInt("api.tls.auto_cert.renew_before_days")
	cfg.API.TLS.AutoCert.OutputDir = v.GetString("api.tls.auto_cert.output_dir")
	cfg.API.TLS.AutoCert.CommonName = v.GetString("api.tls.auto_cert.common_name")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")

	cfg.Telemetry.OTLP.Endpoint = v.GetString("telemetry.otlp.endpoint")
	cfg.Telemetry.OTLP.Insecure = v.GetBool("telemetry.otlp.insecure")
	cfg.Telemetry.OTLP.Timeout = v.GetDuration("telemetry.otlp.timeout")
	cfg.Telemetry.OTLP.Compression = v.GetString("telemetry.otlp.compression")
	cfg.Telemetry.OTLP.SampleRatio = v.GetFloat64("telemetry.otlp.sample_ratio")
	cfg.Telemetry.OTLP.Headers = readStringMap(v.Get("telemetry.otlp.headers"))

	cfg.Batcher.Capacity = v.GetInt("batcher.capacity")
	cfg.Batcher.Timeout = v.GetDuration("batcher.timeout")
	cfg.Batcher.NThreads = v.GetInt("batcher.nthreads")
	cfg.Batcher.MTPushers = v.GetBool("batcher.mt_pushers")
	cfg.Batcher.BatchPrealloc = v.GetInt("batcher.batch_prealloc")
	cfg.Batcher.ForcePktLens = v.GetBool("batcher.force_pktlens")
	cfg.Batcher.Test = v.GetBool("batcher.test")
	cfg.Batcher.SliceBegin = v.GetInt("batcher.slice_begin")
	cfg.Batcher.SliceEnd = v.GetInt("batcher.slice_end")
	cfg.Batcher.AnnBegin = v.GetInt("batcher.ann_begin")
	cfg.Batcher.AnnEnd = v.GetInt("batcher.ann_end")

	cfg.Transmit.Port = uint8(v.GetInt("transmit.port"))
	cfg.Transmit.Burst = v.GetInt("transmit.burst")
	cfg.Transmit.PollMode = v.GetBool("transmit.poll_mode")
	cfg.Transmit.NRings = v.GetInt("transmit.nrings")
	cfg.Transmit.SlotsPerRing = v.GetInt("transmit.slots_per_ring")
	cfg.Transmit.BufSize = v.GetInt("transmit.buf_size")

	cfg.RouteSource.Kind = v.GetString("routesource.kind")
	cfg.RouteSource.StaticRoutesFile = v.GetString("routesource.static_routes_file")
	cfg.RouteSource.AzureBlob.AccountURL = v.GetString("routesource.azureblob.account_url")
	cfg.RouteSource.AzureBlob.Container = v.GetString("routesource.azureblob.container")
	cfg.RouteSource.AzureBlob.Blob = v.GetString("routesource.azureblob.blob")
	cfg.RouteSource.AzureBlob.PollInterval = v.GetDuration("routesource.azureblob.poll_interval")
	cfg.RouteSource.AzureBlob.AuthType = v.GetString("routesource.azureblob.auth_type")

	cfg.Secrets.Vault.Enabled = v.GetBool("secrets.vault.enabled")
	cfg.Secrets.Vault.Address = v.GetString("secrets.vault.address")
	cfg.Secrets.Vault.Token = v.GetString("secrets.vault.token")
	cfg.Secrets.Vault.SecretPath = v.GetString("secrets.vault.secret_path")

	cfg.GeoIP.Enabled = v.GetBool("geoip.enabled")
	cfg.GeoIP.DBPath = v.GetString("geoip.db_path")

	return cfg
}

// APIAddr returns host:port for the control-plane API listener.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// TLSConfigured reports whether an explicit cert/key pair is configured for
// the API listener (as opposed to relying on AutoCert).
func (c *Config) TLSConfigured() bool {
	return c.API.TLS.CertFile != "" && c.API.TLS.KeyFile != ""
}

// TLSClientAuthType converts config to tls.ClientAuthType.
func (c *Config) TLSClientAuthType() tls.ClientAuthType {
	switch c.API.TLS.ClientAuth {
	case "require":
		return tls.RequireAndVerifyClientCert
	case "verify":
		return tls.RequireAnyClientCert
	default:
		return tls.NoClientCert
	}
}

// Validate performs static validation and returns errors/warnings.
func (c *Config) Validate() (errors []string, warnings []string) {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errors = append(errors, "api.port must be 1-65535")
	}
	switch c.API.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		errors = append(errors, "api.tls.min_version must be 1.2 or 1.3")
	}
	if c.API.TLS.ClientAuth != "" && c.API.TLS.ClientAuth != "require" && c.API.TLS.ClientAuth != "verify" {
		errors = append(errors, "api.tls.client_auth must be empty, 'require' or 'verify'")
	}
	if t := c.API.TLS.ClientAuth; t != "" && c.API.TLS.ClientCAFile == "" {
		errors = append(errors, "api.tls.client_ca_file required when client_auth set")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "logging.level must be debug|info|warn|error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errors = append(errors, "logging.format must be text|json")
	}
	if c.Batcher.Capacity <= 0 {
		errors = append(errors, "batcher.capacity must be > 0")
	}
	if c.Batcher.Timeout <= 0 {
		errors = append(errors, "batcher.timeout must be > 0")
	}
	if c.Batcher.NThreads < 0 {
		errors = append(errors, "batcher.nthreads must be >= 0")
	}
	if c.Transmit.Burst <= 0 {
		errors = append(errors, "transmit.burst must be > 0")
	}
	if c.Transmit.NRings <= 0 {
		errors = append(errors, "transmit.nrings must be > 0")
	}
	switch c.RouteSource.Kind {
	case "static":
		if c.RouteSource.StaticRoutesFile == "" {
			errors = append(errors, "routesource.static_routes_file required when routesource.kind=static")
		}
	case "azureblob":
		if c.RouteSource.AzureBlob.Container == "" || c.RouteSource.AzureBlob.Blob == "" {
			errors = append(errors, "routesource.azureblob.container and .blob required when routesource.kind=azureblob")
		}
	default:
		errors = append(errors, "routesource.kind must be static|azureblob")
	}
	if c.GeoIP.Enabled && c.GeoIP.DBPath == "" {
		errors = append(errors, "geoip.db_path required when geoip.enabled")
	}
	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Address == "" {
		warnings = append(warnings, "secrets.vault.enabled but secrets.vault.address empty")
	}
	return
}

func readStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

func readStringMap(value interface{}) map[string]string {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
