// Package config carrega a configuração do gateway.
//
// Precedência (da menor para a maior): defaults, arquivo YAML (--config),
// arquivos .env, variáveis de ambiente, flags alteradas na linha de comando.
// Os nomes das chaves são os das variáveis de ambiente em minúsculas.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ratelimit-gateway/gateway"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	RateEnabled         bool          `mapstructure:"rate_enabled"`
	RateRPS             float64       `mapstructure:"rate_rps"`
	RateBurst           int           `mapstructure:"rate_burst"`
	RateEngine          string        `mapstructure:"rate_engine"`
	RateMaxKeys         int           `mapstructure:"rate_max_keys"`
	RateIdleTTL         time.Duration `mapstructure:"rate_idle_ttl"`
	RateCleanupEvery    time.Duration `mapstructure:"rate_cleanup_every"`
	RateKeyHeader       string        `mapstructure:"rate_key_header"`
	TrustXFF            bool          `mapstructure:"trust_xff"`
	RateFallbackKey     string        `mapstructure:"rate_fallback_key"`
	RetryAfter          time.Duration `mapstructure:"retry_after"`
	AddRateLimitHeaders bool          `mapstructure:"add_ratelimit_headers"`

	ConcurrencyMax     int           `mapstructure:"concurrency_max"`
	ConcurrencyTimeout time.Duration `mapstructure:"concurrency_timeout"`

	UpstreamTimeout time.Duration   `mapstructure:"upstream_timeout"`
	DefaultBackend  string          `mapstructure:"default_backend"`
	Routes          []gateway.Route `mapstructure:"routes"`

	RateStatsEnabled       bool          `mapstructure:"rate_stats_enabled"`
	RateStatsRedisAddr     string        `mapstructure:"rate_stats_redis_addr"`
	RateStatsRedisPassword string        `mapstructure:"rate_stats_redis_password"`
	RateStatsRedisDB       int           `mapstructure:"rate_stats_redis_db"`
	RateStatsPrefix        string        `mapstructure:"rate_stats_prefix"`
	RateStatsTTL           time.Duration `mapstructure:"rate_stats_ttl"`
	RateStatsBucket        string        `mapstructure:"rate_stats_bucket"`
	RateStatsTrackKeys     bool          `mapstructure:"rate_stats_track_keys"`

	MetricsAddr     string        `mapstructure:"metrics_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

const defaultRoutes = "service1=" + gateway.DefaultBackendA + ",service2=" + gateway.DefaultBackendB

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")

	v.SetDefault("rate_enabled", true)
	v.SetDefault("rate_rps", 5.0)
	v.SetDefault("rate_burst", 20)
	v.SetDefault("rate_engine", string(infra.EngineBucket))
	v.SetDefault("rate_max_keys", 100_000)
	v.SetDefault("rate_idle_ttl", 15*time.Minute)
	v.SetDefault("rate_cleanup_every", 2*time.Minute)
	v.SetDefault("rate_key_header", "")
	v.SetDefault("trust_xff", false)
	v.SetDefault("rate_fallback_key", "unknown")
	v.SetDefault("retry_after", time.Second)
	v.SetDefault("add_ratelimit_headers", false)

	v.SetDefault("concurrency_max", 0)
	v.SetDefault("concurrency_timeout", 0)

	v.SetDefault("upstream_timeout", gateway.DefaultTimeout)
	v.SetDefault("default_backend", gateway.DefaultBackendA)
	v.SetDefault("routes", defaultRoutes)

	v.SetDefault("rate_stats_enabled", false)
	v.SetDefault("rate_stats_redis_addr", "")
	v.SetDefault("rate_stats_redis_password", "")
	v.SetDefault("rate_stats_redis_db", 0)
	v.SetDefault("rate_stats_prefix", "ratelimit:stats")
	v.SetDefault("rate_stats_ttl", 24*time.Hour)
	v.SetDefault("rate_stats_bucket", "minute")
	v.SetDefault("rate_stats_track_keys", false)

	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// flagKeys liga o nome da flag à chave de configuração.
var flagKeys = map[string]string{
	"listen":          "listen_addr",
	"metrics-addr":    "metrics_addr",
	"log-level":       "log_level",
	"log-format":      "log_format",
	"default-backend": "default_backend",
	"routes":          "routes",
	"rate-rps":        "rate_rps",
	"rate-burst":      "rate_burst",
}

// RegisterFlags declara as flags que sobrescrevem a configuração.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen", ":8080", "gateway listen address (LISTEN_ADDR)")
	fs.String("metrics-addr", ":9090", "admin/metrics listen address, empty disables (METRICS_ADDR)")
	fs.String("log-level", "info", "debug|info|warn|error (LOG_LEVEL)")
	fs.String("log-format", "json", "json|console (LOG_FORMAT)")
	fs.String("default-backend", gateway.DefaultBackendA, "backend for paths without a route (DEFAULT_BACKEND)")
	fs.String("routes", defaultRoutes, "prefix=url,prefix=url (ROUTES)")
	fs.Float64("rate-rps", 5, "token refill per second (RATE_RPS)")
	fs.Int("rate-burst", 20, "bucket capacity (RATE_BURST)")
}

type LoadOptions struct {
	// File é um YAML opcional; erro se informado e não puder ser lido.
	File string
	// EnvFiles são carregados com godotenv sem sobrescrever o ambiente; arquivos
	// ausentes são ignorados.
	EnvFiles []string
	Flags    *pflag.FlagSet
}

// DefaultEnvFiles segue a convenção .env.local antes de .env.
var DefaultEnvFiles = []string{".env.local", ".env"}

func Load(opts LoadOptions) (*Config, error) {
	for _, f := range opts.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", opts.File, err)
		}
	}

	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		routesHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseRoutes lê "prefix=url,prefix=url". Entradas vazias são ignoradas.
func ParseRoutes(s string) ([]gateway.Route, error) {
	var out []gateway.Route
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, backend, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(prefix) == "" || strings.TrimSpace(backend) == "" {
			return nil, fmt.Errorf("invalid route %q (want prefix=url)", part)
		}
		out = append(out, gateway.Route{
			Prefix:  strings.TrimSpace(prefix),
			Backend: strings.TrimSpace(backend),
		})
	}
	return out, nil
}

var routesType = reflect.TypeOf([]gateway.Route(nil))

func routesHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != routesType {
			return data, nil
		}
		return ParseRoutes(data.(string))
	}
}

// Validate junta todos os problemas encontrados num único erro.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("LISTEN_ADDR is required"))
	}
	if c.RateRPS < 0 {
		errs = append(errs, errors.New("RATE_RPS must be >= 0"))
	}
	if c.RateBurst <= 0 {
		errs = append(errs, errors.New("RATE_BURST must be > 0"))
	}
	if _, err := infra.ParseEngine(c.RateEngine); err != nil {
		errs = append(errs, fmt.Errorf("RATE_ENGINE: %w", err))
	}
	if c.RateMaxKeys < 0 {
		errs = append(errs, errors.New("RATE_MAX_KEYS must be >= 0"))
	}
	if c.ConcurrencyMax < 0 {
		errs = append(errs, errors.New("CONCURRENCY_MAX must be >= 0"))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be > 0"))
	}
	if _, err := gateway.NewRouteTable(c.Routes, c.DefaultBackend); err != nil {
		errs = append(errs, fmt.Errorf("ROUTES/DEFAULT_BACKEND: %w", err))
	}
	if c.RateStatsEnabled && strings.TrimSpace(c.RateStatsRedisAddr) == "" {
		errs = append(errs, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true"))
	}
	switch strings.ToLower(c.RateStatsBucket) {
	case "minute", "none":
	default:
		errs = append(errs, fmt.Errorf("RATE_STATS_BUCKET must be minute or none, got %q", c.RateStatsBucket))
	}

	return errors.Join(errs...)
}

// RouteTable monta a tabela validada.
func (c *Config) RouteTable() (*gateway.RouteTable, error) {
	return gateway.NewRouteTable(c.Routes, c.DefaultBackend)
}
