package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/logging"
	"github.com/signalsfoundry/satellite-globe/internal/observability"
)

// EnvPrefix namespaces every environment override, e.g. GLOBE_HTTP_ADDR
// or GLOBE_TRACK_WORKERS.
const EnvPrefix = "GLOBE"

// Config is the resolved server configuration.
type Config struct {
	Source   string // local path or http(s) URL of the element-set text
	CacheDir string // download directory for remote sources

	HTTPAddr    string
	GRPCAddr    string // empty disables the gRPC health server
	MetricsAddr string // empty disables the metrics listener

	HTTP    HTTPConfig
	Log     logging.Config
	Track   TrackConfig
	Tracing observability.TracingConfig

	RefreshInterval time.Duration // zero disables periodic position refresh
	StorePath       string        // sqlite snapshot file; empty disables
}

// TrackConfig tunes ground track sampling and request throttling.
type TrackConfig struct {
	Step          time.Duration
	Steps         int
	Workers       int
	RatePerMinute float64 // per client; zero disables throttling
	Burst         int
}

// HTTPConfig holds settings of the public HTTP listener.
type HTTPConfig struct {
	// TrustedProxies lists CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For header identifies the client for throttling.
	TrustedProxies []string
}

// SetDefaults installs defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source", "./all.txt")
	v.SetDefault("cache_dir", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("grpc_addr", ":50051")
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.add_source", false)

	v.SetDefault("track.step", core.DefaultTrackStep)
	v.SetDefault("track.steps", core.DefaultTrackSteps)
	v.SetDefault("track.workers", 1)
	v.SetDefault("track.rate_per_minute", 30.0)
	v.SetDefault("track.burst", 5)

	v.SetDefault("refresh_interval", time.Duration(0))
	v.SetDefault("store.path", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "globe-server")
}

// New returns a viper instance with defaults and GLOBE_* environment
// binding. Nested keys map to env names with dots replaced by
// underscores.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path (any format viper knows)
// and resolves the final Config. An empty path skips the file.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = New()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	cfg := Config{
		Source:      v.GetString("source"),
		CacheDir:    v.GetString("cache_dir"),
		HTTPAddr:    v.GetString("http_addr"),
		GRPCAddr:    v.GetString("grpc_addr"),
		MetricsAddr: v.GetString("metrics_addr"),
		HTTP: HTTPConfig{
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Log: logging.Config{
			Level:     v.GetString("log.level"),
			Format:    v.GetString("log.format"),
			AddSource: v.GetBool("log.add_source"),
		},
		Track: TrackConfig{
			Step:          v.GetDuration("track.step"),
			Steps:         v.GetInt("track.steps"),
			Workers:       v.GetInt("track.workers"),
			RatePerMinute: v.GetFloat64("track.rate_per_minute"),
			Burst:         v.GetInt("track.burst"),
		},
		Tracing: observability.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
			Exporter:    v.GetString("tracing.exporter"),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),

			ElementSource: v.GetString("source"),
		},
		RefreshInterval: v.GetDuration("refresh_interval"),
		StorePath:       v.GetString("store.path"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source) == "" {
		errs = append(errs, errors.New("source must be set"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr must be set"))
	}
	if c.Track.Step <= 0 {
		errs = append(errs, fmt.Errorf("track.step must be positive, got %s", c.Track.Step))
	}
	if c.Track.Steps <= 0 {
		errs = append(errs, fmt.Errorf("track.steps must be positive, got %d", c.Track.Steps))
	}
	if c.Track.Workers < 1 {
		errs = append(errs, fmt.Errorf("track.workers must be at least 1, got %d", c.Track.Workers))
	}
	if c.Track.RatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("track.rate_per_minute must not be negative, got %v", c.Track.RatePerMinute))
	}
	if c.Track.RatePerMinute > 0 && c.Track.Burst < 1 {
		errs = append(errs, fmt.Errorf("track.burst must be at least 1 when throttling, got %d", c.Track.Burst))
	}
	if c.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("refresh_interval must not be negative, got %s", c.RefreshInterval))
	}
	if _, err := observability.ParseExporter(c.Tracing.Exporter); err != nil {
		errs = append(errs, fmt.Errorf("tracing.exporter: %w", err))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}
